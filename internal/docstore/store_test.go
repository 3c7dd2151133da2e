package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemory() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := OpenSQLite(t.TempDir())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			return NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
		}},
	}
}

// forEachBackend runs fn against a fresh store of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func next(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func expectQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case c := <-sub.C():
		t.Fatalf("unexpected change %s %s", c.Kind, c.Doc.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateGetUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		d, err := s.Create(ctx, "calls", "", Fields{"status": "pending"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if d.ID == "" || d.Version != 1 {
			t.Fatalf("create returned %+v", d)
		}

		if _, err := s.Create(ctx, "calls", d.ID, Fields{}); !errors.Is(err, ErrExists) {
			t.Fatalf("duplicate create err = %v, want ErrExists", err)
		}

		u, err := s.Update(ctx, "calls", d.ID, Fields{"status": "accepted", "x": "1"})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if u.Get("status") != "accepted" || u.Get("x") != "1" || u.Version != 2 {
			t.Fatalf("update returned %+v", u)
		}

		got, err := s.Get(ctx, "calls", d.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Get("status") != "accepted" {
			t.Fatalf("get status = %q", got.Get("status"))
		}

		if _, err := s.Get(ctx, "calls", "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("get missing err = %v", err)
		}
		if _, err := s.Update(ctx, "calls", "missing", Fields{}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("update missing err = %v", err)
		}
	})
}

func TestUpdateIfOnlyAppliesWhenConditionHolds(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d, _ := s.Create(ctx, "calls", "c1", Fields{"status": "pending"})

		cur, ok, err := s.UpdateIf(ctx, "calls", d.ID,
			Cond{Field: "status", In: []string{"pending"}}, Fields{"status": "rejected"})
		if err != nil || !ok || cur.Get("status") != "rejected" {
			t.Fatalf("first CAS = %+v, %v, %v", cur, ok, err)
		}

		cur, ok, err = s.UpdateIf(ctx, "calls", d.ID,
			Cond{Field: "status", In: []string{"pending"}}, Fields{"status": "accepted"})
		if err != nil {
			t.Fatalf("second CAS: %v", err)
		}
		if ok {
			t.Fatal("second CAS applied on a rejected document")
		}
		if cur.Get("status") != "rejected" {
			t.Fatalf("status after failed CAS = %q", cur.Get("status"))
		}
	})
}

func TestQueryFiltersOrdersAndLimits(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			if _, err := s.Create(ctx, "calls", id, Fields{"receiver_id": "bob", "status": "pending"}); err != nil {
				t.Fatal(err)
			}
		}
		s.Create(ctx, "calls", "d", Fields{"receiver_id": "alice", "status": "pending"})
		s.Create(ctx, "answers", "e", Fields{"receiver_id": "bob"})

		docs, err := s.Query(ctx, Query{Collection: "calls", Where: Fields{"receiver_id": "bob"}})
		if err != nil {
			t.Fatal(err)
		}
		if len(docs) != 3 || docs[0].ID != "a" || docs[2].ID != "c" {
			t.Fatalf("asc query = %v", ids(docs))
		}

		docs, _ = s.Query(ctx, Query{Collection: "calls", Where: Fields{"receiver_id": "bob"}, Order: Desc, Limit: 1})
		if len(docs) != 1 || docs[0].ID != "c" {
			t.Fatalf("newest query = %v", ids(docs))
		}
	})
}

func TestDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.Create(ctx, "ice_candidates", "x", Fields{"call_id": "1"})
		if err := s.Delete(ctx, "ice_candidates", "x"); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, "ice_candidates", "x"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("second delete err = %v", err)
		}
		docs, _ := s.Query(ctx, Query{Collection: "ice_candidates"})
		if len(docs) != 0 {
			t.Fatalf("docs after delete = %v", ids(docs))
		}
	})
}

func TestSubscribeSnapshotThenLiveChanges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s.Create(ctx, "calls", "old", Fields{"receiver_id": "bob", "status": "pending"})

		sub, err := s.Subscribe(ctx, Query{
			Collection: "calls",
			Where:      Fields{"receiver_id": "bob", "status": "pending"},
		})
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Cancel()

		if c := next(t, sub); c.Kind != Added || c.Doc.ID != "old" {
			t.Fatalf("snapshot change = %s %s", c.Kind, c.Doc.ID)
		}

		s.Create(ctx, "calls", "new", Fields{"receiver_id": "bob", "status": "pending"})
		if c := next(t, sub); c.Kind != Added || c.Doc.ID != "new" {
			t.Fatalf("live add = %s %s", c.Kind, c.Doc.ID)
		}

		// Other receiver: not visible.
		s.Create(ctx, "calls", "other", Fields{"receiver_id": "alice", "status": "pending"})

		s.Update(ctx, "calls", "new", Fields{"note": "x"})
		if c := next(t, sub); c.Kind != Modified || c.Doc.ID != "new" {
			t.Fatalf("live modify = %s %s", c.Kind, c.Doc.ID)
		}

		s.Update(ctx, "calls", "new", Fields{"status": "accepted"})
		if c := next(t, sub); c.Kind != Removed || c.Doc.ID != "new" {
			t.Fatalf("live remove = %s %s", c.Kind, c.Doc.ID)
		}
		expectQuiet(t, sub)
	})
}

func TestSubscriptionCancelClosesChannel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		sub, err := s.Subscribe(context.Background(), Query{Collection: "calls"})
		if err != nil {
			t.Fatal(err)
		}
		sub.Cancel()
		sub.Cancel()
		select {
		case _, ok := <-sub.C():
			if ok {
				t.Fatal("received change after cancel")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("channel not closed after cancel")
		}
	})
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx, Query{Collection: "calls"})
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("unexpected change")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription survived context cancel")
	}
}

func TestMemorySlowReaderLosesNothing(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	sub, _ := s.Subscribe(ctx, Query{Collection: "ice_candidates"})
	defer sub.Cancel()

	const n = 500
	for i := 0; i < n; i++ {
		s.Create(ctx, "ice_candidates", "", Fields{"n": "x"})
	}
	for i := 0; i < n; i++ {
		if c := next(t, sub); c.Kind != Added {
			t.Fatalf("change %d kind = %s", i, c.Kind)
		}
	}
}

func TestSQLiteRejectsUnsafeFieldNames(t *testing.T) {
	s, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, err = s.Query(context.Background(), Query{Collection: "calls", Where: Fields{"a') OR 1=1 --": "x"}})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestClosedStore(t *testing.T) {
	s := NewMemory()
	s.Close()
	if _, err := s.Create(context.Background(), "calls", "", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("create on closed store err = %v", err)
	}
}

func ids(docs []Doc) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
