package signal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/lovelink/internal/docstore"
)

func newChannel(t *testing.T) (*Channel, docstore.Store) {
	t.Helper()
	s := docstore.NewMemory()
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

// recorder collects callback values for assertions.
type recorder[T any] struct {
	mu   sync.Mutex
	got  []T
	wake chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{wake: make(chan struct{}, 64)}
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
	r.wake <- struct{}{}
}

func (r *recorder[T]) items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) waitFor(t *testing.T, n int) []T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if items := r.items(); len(items) >= n {
			return items
		}
		select {
		case <-r.wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %d items, have %d", n, len(r.items()))
		}
	}
}

func settle() { time.Sleep(100 * time.Millisecond) }

func TestIncomingOffersNewestThenLiveInOrder(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()

	c.PublishOffer(ctx, "alice", "bob", Voice, "old")
	c.PublishOffer(ctx, "alice", "bob", Video, "newest")

	rec := newRecorder[CallOffer]()
	cancel, err := c.SubscribeIncomingOffers(ctx, "bob", rec.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	got := rec.waitFor(t, 1)
	if got[0].SessionDescription != "newest" || got[0].Type != Video {
		t.Fatalf("initial offer = %+v, want newest pending", got[0])
	}

	c.PublishOffer(ctx, "alice", "carol", Voice, "not for bob")
	c.PublishOffer(ctx, "alice", "bob", Voice, "live-1")
	c.PublishOffer(ctx, "alice", "bob", Voice, "live-2")

	got = rec.waitFor(t, 3)
	settle()
	got = rec.items()
	if len(got) != 3 {
		t.Fatalf("got %d offers, want 3", len(got))
	}
	if got[1].SessionDescription != "live-1" || got[2].SessionDescription != "live-2" {
		t.Fatalf("live offers out of order: %q, %q", got[1].SessionDescription, got[2].SessionDescription)
	}
}

func TestIncomingOffersIgnoresAnsweredCalls(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()

	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "sdp")
	if err := c.PublishReject(ctx, id); err != nil {
		t.Fatal(err)
	}

	rec := newRecorder[CallOffer]()
	cancel, _ := c.SubscribeIncomingOffers(ctx, "bob", rec.add)
	defer cancel()
	settle()
	if n := len(rec.items()); n != 0 {
		t.Fatalf("received %d offers for a rejected call", n)
	}
}

func TestAnswerSubscriptionFiresOnce(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()

	// Alice calls Bob; Bob receives it once.
	offers := newRecorder[CallOffer]()
	cancelOffers, _ := c.SubscribeIncomingOffers(ctx, "bob", offers.add)
	defer cancelOffers()

	callID, err := c.PublishOffer(ctx, "alice", "bob", Video, "offer-sdp")
	if err != nil {
		t.Fatal(err)
	}
	answers := newRecorder[CallAnswer]()
	cancelAnswer, err := c.SubscribeAnswer(ctx, callID, answers.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancelAnswer()

	got := offers.waitFor(t, 1)
	if got[0].ID != callID {
		t.Fatalf("bob got call %s, want %s", got[0].ID, callID)
	}

	if err := c.PublishAnswer(ctx, callID, "answer-sdp"); err != nil {
		t.Fatal(err)
	}
	a := answers.waitFor(t, 1)
	if a[0].CallID != callID || a[0].SessionDescription != "answer-sdp" {
		t.Fatalf("answer = %+v", a[0])
	}

	// Unrelated calls must not reach the finished one-shot subscription.
	other, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "x")
	c.PublishAnswer(ctx, other, "y")
	settle()
	if n := len(answers.items()); n != 1 {
		t.Fatalf("answer subscription fired %d times", n)
	}
	if n := len(offers.items()); n != 2 {
		t.Fatalf("bob saw %d offers, want 2", n)
	}

	offer, _ := c.Offer(ctx, callID)
	if offer.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", offer.Status)
	}
}

func TestSecondAnswerIsRejected(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()
	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")

	if err := c.PublishAnswer(ctx, id, "a1"); err != nil {
		t.Fatal(err)
	}
	if err := c.PublishAnswer(ctx, id, "a2"); !errors.Is(err, ErrDoubleAnswer) {
		t.Fatalf("second answer err = %v, want ErrDoubleAnswer", err)
	}
}

func TestTerminalStatusIsNeverOverwritten(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()

	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")
	if err := c.PublishReject(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := c.PublishReject(ctx, id); err != nil {
		t.Fatalf("second reject err = %v, want nil", err)
	}
	if err := c.PublishAnswer(ctx, id, "late"); !errors.Is(err, ErrCallClosed) {
		t.Fatalf("answer after reject err = %v, want ErrCallClosed", err)
	}
	if err := c.PublishEnd(ctx, id); err != nil {
		t.Fatal(err)
	}
	offer, _ := c.Offer(ctx, id)
	if offer.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", offer.Status)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()
	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")
	c.PublishAnswer(ctx, id, "a")

	for i := 0; i < 3; i++ {
		if err := c.PublishEnd(ctx, id); err != nil {
			t.Fatalf("end #%d: %v", i+1, err)
		}
	}
	if err := c.PublishReject(ctx, id); err != nil {
		t.Fatalf("reject after end err = %v, want nil", err)
	}
	offer, _ := c.Offer(ctx, id)
	if offer.Status != StatusEnded {
		t.Fatalf("status = %s", offer.Status)
	}
}

func TestRejectAfterAnswer(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()
	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")
	c.PublishAnswer(ctx, id, "a")
	if err := c.PublishReject(ctx, id); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("err = %v, want ErrAlreadyAnswered", err)
	}
}

func TestUnknownCall(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()
	if err := c.PublishAnswer(ctx, "nope", "a"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("answer err = %v", err)
	}
	if err := c.PublishIceCandidate(ctx, "nope", "alice", "c"); !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("candidate err = %v", err)
	}
}

func TestInvalidCallType(t *testing.T) {
	c, _ := newChannel(t)
	if _, err := c.PublishOffer(context.Background(), "a", "b", "fax", "o"); !errors.Is(err, ErrInvalidCallType) {
		t.Fatalf("err = %v", err)
	}
}

func TestIceCandidatesFilterOwnSender(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()
	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")

	rec := newRecorder[IceCandidate]()
	cancel, err := c.SubscribeIceCandidates(ctx, id, "bob", rec.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	c.PublishIceCandidate(ctx, id, "alice", "a1")
	c.PublishIceCandidate(ctx, id, "bob", "b1")
	c.PublishIceCandidate(ctx, id, "alice", "a2")
	c.PublishIceCandidate(ctx, id, "bob", "b2")
	c.PublishIceCandidate(ctx, id, "alice", "a3")

	rec.waitFor(t, 3)
	settle()
	got := rec.items()
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3", len(got))
	}
	for i, want := range []string{"a1", "a2", "a3"} {
		if got[i].SenderID == "bob" {
			t.Fatalf("bob received his own candidate %q", got[i].Candidate)
		}
		if got[i].Candidate != want {
			t.Fatalf("candidate %d = %q, want %q", i, got[i].Candidate, want)
		}
	}
}

func TestWatchCallReportsStatusChanges(t *testing.T) {
	c, _ := newChannel(t)
	ctx := context.Background()
	id, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")

	rec := newRecorder[CallOffer]()
	cancel, err := c.WatchCall(ctx, id, rec.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	c.PublishAnswer(ctx, id, "a")
	c.PublishEnd(ctx, id)

	got := rec.waitFor(t, 3)
	want := []Status{StatusPending, StatusAccepted, StatusEnded}
	for i, w := range want {
		if got[i].Status != w {
			t.Fatalf("status %d = %s, want %s", i, got[i].Status, w)
		}
	}
}

func TestPruneAndSweepCandidates(t *testing.T) {
	c, store := newChannel(t)
	ctx := context.Background()
	a, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")
	b, _ := c.PublishOffer(ctx, "alice", "bob", Voice, "o")
	c.PublishIceCandidate(ctx, a, "alice", "1")
	c.PublishIceCandidate(ctx, a, "bob", "2")
	c.PublishIceCandidate(ctx, b, "alice", "3")

	n, err := c.PruneCandidates(ctx, a)
	if err != nil || n != 2 {
		t.Fatalf("prune = %d, %v; want 2", n, err)
	}

	n, err = c.SweepCandidates(ctx, time.Now().Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	left, _ := store.Query(ctx, docstore.Query{Collection: CandidatesCollection})
	if len(left) != 0 {
		t.Fatalf("%d candidates left", len(left))
	}
}

func TestTransportErrorsAreWrapped(t *testing.T) {
	c, store := newChannel(t)
	store.Close()
	_, err := c.PublishOffer(context.Background(), "a", "b", Voice, "o")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, docstore.ErrClosed) {
		t.Fatalf("err = %v, want ErrTransport wrapping ErrClosed", err)
	}
}
