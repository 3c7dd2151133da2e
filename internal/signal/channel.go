// Package signal exchanges call offers, answers and ICE candidates between
// the two partners through the shared document store.
//
// The channel never retries: every store failure comes back wrapped in
// ErrTransport and the caller decides. Status changes are compare-and-set,
// so a rejected or ended call can never be moved back to pending or accepted.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/lovelink/internal/docstore"
)

var log = logging.Logger("signal")

var (
	ErrTransport       = errors.New("signal: transport error")
	ErrUnknownCall     = errors.New("signal: unknown call")
	ErrDoubleAnswer    = errors.New("signal: call already answered")
	ErrAlreadyAnswered = errors.New("signal: cannot reject an answered call")
	ErrCallClosed      = errors.New("signal: call already rejected or ended")
	ErrInvalidCallType = errors.New("signal: invalid call type")
)

func transportErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransport, err)
}

// Channel is the signaling transport for one store.
type Channel struct {
	store docstore.Store
}

// New returns a Channel backed by store.
func New(store docstore.Store) *Channel {
	return &Channel{store: store}
}

// PublishOffer creates a pending CallOffer and returns its id.
func (c *Channel) PublishOffer(ctx context.Context, callerID, receiverID string, typ CallType, sdp string) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCallType, typ)
	}
	d, err := c.store.Create(ctx, CallsCollection, "", docstore.Fields{
		"caller_id":   callerID,
		"receiver_id": receiverID,
		"type":        string(typ),
		"offer":       sdp,
		"status":      string(StatusPending),
	})
	if err != nil {
		return "", transportErr("publish offer", err)
	}
	log.Infof("SIGNAL [%s]: %s offer %s -> %s", d.ID, typ, callerID, receiverID)
	return d.ID, nil
}

// Offer loads a call by id.
func (c *Channel) Offer(ctx context.Context, callID string) (CallOffer, error) {
	d, err := c.store.Get(ctx, CallsCollection, callID)
	if errors.Is(err, docstore.ErrNotFound) {
		return CallOffer{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if err != nil {
		return CallOffer{}, transportErr("load offer", err)
	}
	return offerFromDoc(d), nil
}

// SubscribeIncomingOffers delivers the newest pending offer addressed to
// selfID, then every pending offer created afterwards, each once and in
// creation order. fn runs on a single goroutine.
func (c *Channel) SubscribeIncomingOffers(ctx context.Context, selfID string, fn func(CallOffer)) (cancel func(), err error) {
	sub, err := c.store.Subscribe(ctx, docstore.Query{
		Collection: CallsCollection,
		Where: docstore.Fields{
			"receiver_id": selfID,
			"status":      string(StatusPending),
		},
		Order: docstore.Desc,
		Limit: 1,
	})
	if err != nil {
		return nil, transportErr("subscribe offers", err)
	}

	go func() {
		seen := make(map[string]struct{})
		for ch := range sub.C() {
			if ch.Kind != docstore.Added {
				continue
			}
			if _, dup := seen[ch.Doc.ID]; dup {
				continue
			}
			seen[ch.Doc.ID] = struct{}{}
			offer := offerFromDoc(ch.Doc)
			if offer.Status != StatusPending {
				continue
			}
			fn(offer)
		}
	}()
	return sub.Cancel, nil
}

// PublishAnswer accepts a pending call and stores its answer. A second answer
// fails with ErrDoubleAnswer; answering a rejected or ended call fails with
// ErrCallClosed.
func (c *Channel) PublishAnswer(ctx context.Context, callID, sdp string) error {
	cur, ok, err := c.store.UpdateIf(ctx, CallsCollection, callID,
		docstore.Cond{Field: "status", In: []string{string(StatusPending)}},
		docstore.Fields{"status": string(StatusAccepted)})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if err != nil {
		return transportErr("accept call", err)
	}
	if !ok {
		if Status(cur.Get("status")) == StatusAccepted {
			return fmt.Errorf("%w: %s", ErrDoubleAnswer, callID)
		}
		return fmt.Errorf("%w: %s", ErrCallClosed, callID)
	}

	// The answer document shares the call id, so the store itself refuses a
	// second one.
	if _, err := c.store.Create(ctx, AnswersCollection, callID, docstore.Fields{
		"call_id": callID,
		"answer":  sdp,
	}); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			return fmt.Errorf("%w: %s", ErrDoubleAnswer, callID)
		}
		return transportErr("publish answer", err)
	}
	log.Infof("SIGNAL [%s]: answered", callID)
	return nil
}

// SubscribeAnswer calls fn with the call's answer once it exists. It fires at
// most once and then cancels itself; the returned cancel is still safe to call.
func (c *Channel) SubscribeAnswer(ctx context.Context, callID string, fn func(CallAnswer)) (cancel func(), err error) {
	sub, err := c.store.Subscribe(ctx, docstore.Query{
		Collection: AnswersCollection,
		Where:      docstore.Fields{"call_id": callID},
	})
	if err != nil {
		return nil, transportErr("subscribe answer", err)
	}

	var once sync.Once
	go func() {
		for ch := range sub.C() {
			if ch.Kind != docstore.Added {
				continue
			}
			once.Do(func() {
				sub.Cancel()
				fn(answerFromDoc(ch.Doc))
			})
		}
	}()
	return sub.Cancel, nil
}

// PublishReject moves a pending call to rejected. Rejecting an already
// rejected or ended call is a no-op.
func (c *Channel) PublishReject(ctx context.Context, callID string) error {
	cur, ok, err := c.store.UpdateIf(ctx, CallsCollection, callID,
		docstore.Cond{Field: "status", In: []string{string(StatusPending)}},
		docstore.Fields{"status": string(StatusRejected)})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if err != nil {
		return transportErr("reject call", err)
	}
	if !ok {
		if Status(cur.Get("status")) == StatusAccepted {
			return fmt.Errorf("%w: %s", ErrAlreadyAnswered, callID)
		}
		return nil
	}
	log.Infof("SIGNAL [%s]: rejected", callID)
	return nil
}

// PublishEnd moves a pending or accepted call to ended. Idempotent.
func (c *Channel) PublishEnd(ctx context.Context, callID string) error {
	_, ok, err := c.store.UpdateIf(ctx, CallsCollection, callID,
		docstore.Cond{Field: "status", In: []string{string(StatusPending), string(StatusAccepted)}},
		docstore.Fields{"status": string(StatusEnded)})
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if err != nil {
		return transportErr("end call", err)
	}
	if ok {
		log.Infof("SIGNAL [%s]: ended", callID)
	}
	return nil
}

// WatchCall reports every status change of one call, starting with its
// current state, until cancelled.
func (c *Channel) WatchCall(ctx context.Context, callID string, fn func(CallOffer)) (cancel func(), err error) {
	sub, err := c.store.Subscribe(ctx, docstore.Query{Collection: CallsCollection, ID: callID})
	if err != nil {
		return nil, transportErr("watch call", err)
	}
	go func() {
		last := Status("")
		for ch := range sub.C() {
			if ch.Kind == docstore.Removed {
				continue
			}
			offer := offerFromDoc(ch.Doc)
			if offer.Status == last {
				continue
			}
			last = offer.Status
			fn(offer)
		}
	}()
	return sub.Cancel, nil
}

// PublishIceCandidate appends one of senderID's candidates to the call.
func (c *Channel) PublishIceCandidate(ctx context.Context, callID, senderID, candidate string) error {
	if _, err := c.Offer(ctx, callID); err != nil {
		return err
	}
	if _, err := c.store.Create(ctx, CandidatesCollection, "", docstore.Fields{
		"call_id":   callID,
		"sender_id": senderID,
		"candidate": candidate,
	}); err != nil {
		return transportErr("publish candidate", err)
	}
	log.Debugf("SIGNAL [%s]: candidate from %s", callID, senderID)
	return nil
}

// SubscribeIceCandidates delivers, in arrival order, every candidate of the
// call that was not sent by selfID, until cancelled.
func (c *Channel) SubscribeIceCandidates(ctx context.Context, callID, selfID string, fn func(IceCandidate)) (cancel func(), err error) {
	sub, err := c.store.Subscribe(ctx, docstore.Query{
		Collection: CandidatesCollection,
		Where:      docstore.Fields{"call_id": callID},
		Order:      docstore.Asc,
	})
	if err != nil {
		return nil, transportErr("subscribe candidates", err)
	}
	go func() {
		for ch := range sub.C() {
			if ch.Kind != docstore.Added {
				continue
			}
			cand := candidateFromDoc(ch.Doc)
			if cand.SenderID == selfID {
				continue
			}
			fn(cand)
		}
	}()
	return sub.Cancel, nil
}
