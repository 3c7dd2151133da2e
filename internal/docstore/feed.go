package docstore

import (
	"context"
	"sync"
)

// ChangeKind tells a subscriber how a document relates to its query.
type ChangeKind string

const (
	Added    ChangeKind = "added"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one event delivered on a Subscription.
type Change struct {
	Kind ChangeKind
	Doc  Doc
}

// classify turns a before/after pair into the change a query observes.
// Either side may be nil (create / delete). ok is false when the query does
// not see the write at all.
func classify(q Query, before, after *Doc) (Change, bool) {
	was, is := q.Matches(before), q.Matches(after)
	switch {
	case !was && is:
		return Change{Kind: Added, Doc: after.clone()}, true
	case was && is:
		return Change{Kind: Modified, Doc: after.clone()}, true
	case was && !is:
		if after != nil {
			return Change{Kind: Removed, Doc: after.clone()}, true
		}
		return Change{Kind: Removed, Doc: before.clone()}, true
	}
	return Change{}, false
}

// Subscription delivers changes in the order the store produced them.
// Changes queue without bound, so a slow reader never loses one. Read from C
// until it is closed; call Cancel to stop early.
type Subscription struct {
	q Query

	mu    sync.Mutex
	queue []Change
	wake  chan struct{}

	out  chan Change
	done chan struct{}
	once sync.Once

	onCancel func()
}

func newSubscription(ctx context.Context, q Query, onCancel func()) *Subscription {
	s := &Subscription{
		q:        q,
		wake:     make(chan struct{}, 1),
		out:      make(chan Change),
		done:     make(chan struct{}),
		onCancel: onCancel,
	}
	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Cancel()
		case <-s.done:
		}
	}()
	return s
}

// C is the change stream. It is closed after Cancel.
func (s *Subscription) C() <-chan Change { return s.out }

// Query returns the query this subscription was opened with.
func (s *Subscription) Query() Query { return s.q }

// Cancel stops delivery. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		if s.onCancel != nil {
			s.onCancel()
		}
	})
}

func (s *Subscription) push(c Change) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// offer queues the change q observes for a write, if any.
func (s *Subscription) offer(before, after *Doc) {
	if c, ok := classify(s.q, before, after); ok {
		s.push(c)
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		for _, c := range batch {
			select {
			case s.out <- c:
			case <-s.done:
				return
			}
		}
	}
}

// feed fans writes out to the live subscriptions of one store.
type feed struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func (f *feed) add(s *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	if f.subs == nil {
		f.subs = make(map[*Subscription]struct{})
	}
	f.subs[s] = struct{}{}
}

func (f *feed) remove(s *Subscription) {
	f.mu.Lock()
	delete(f.subs, s)
	f.mu.Unlock()
}

func (f *feed) publish(before, after *Doc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs {
		s.offer(before, after)
	}
}

func (f *feed) closeAll() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()
	for s := range subs {
		s.Cancel()
	}
}

// open registers a subscription and queues the snapshot. Callers hold the
// store's write lock so no write can slip between snapshot and registration.
func (f *feed) open(ctx context.Context, q Query, snapshot []Doc) *Subscription {
	var s *Subscription
	s = newSubscription(ctx, q, func() { f.remove(s) })
	for _, d := range snapshot {
		s.push(Change{Kind: Added, Doc: d})
	}
	f.add(s)
	return s
}
