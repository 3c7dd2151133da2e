package docstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. Both participants of a call must share the
// same instance, so it serves tests and single-process deployments.
type Memory struct {
	mu     sync.RWMutex
	colls  map[string]map[string]*Doc
	seq    int64
	closed bool

	feed feed
	now  func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		colls: make(map[string]map[string]*Doc),
		now:   time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, collection, id string, f Fields) (Doc, error) {
	if collection == "" {
		return Doc{}, ErrInvalid
	}
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Doc{}, ErrClosed
	}

	coll, ok := m.colls[collection]
	if !ok {
		coll = make(map[string]*Doc)
		m.colls[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return Doc{}, ErrExists
	}

	m.seq++
	now := m.now()
	d := &Doc{
		ID:         id,
		Collection: collection,
		Fields:     f.clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Seq:        m.seq,
		Version:    1,
	}
	coll[id] = d
	m.feed.publish(nil, d)
	return d.clone(), nil
}

func (m *Memory) Get(ctx context.Context, collection, id string) (Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Doc{}, ErrClosed
	}
	d, ok := m.colls[collection][id]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return d.clone(), nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, f Fields) (Doc, error) {
	d, _, err := m.update(collection, id, nil, f)
	return d, err
}

func (m *Memory) UpdateIf(ctx context.Context, collection, id string, cond Cond, f Fields) (Doc, bool, error) {
	return m.update(collection, id, &cond, f)
}

func (m *Memory) update(collection, id string, cond *Cond, f Fields) (Doc, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Doc{}, false, ErrClosed
	}

	cur, ok := m.colls[collection][id]
	if !ok {
		return Doc{}, false, ErrNotFound
	}
	if cond != nil && !cond.holds(*cur) {
		return cur.clone(), false, nil
	}

	before := cur.clone()
	next := cur.clone()
	for k, v := range f {
		next.Fields[k] = v
	}
	next.UpdatedAt = m.now()
	next.Version++
	m.colls[collection][id] = &next
	m.feed.publish(&before, &next)
	return next.clone(), true, nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	d, ok := m.colls[collection][id]
	if !ok {
		return ErrNotFound
	}
	delete(m.colls[collection], id)
	m.feed.publish(d, nil)
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Doc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.query(q), nil
}

// query scans the whole collection; callers hold m.mu.
func (m *Memory) query(q Query) []Doc {
	var out []Doc
	if q.ID != "" {
		if d, ok := m.colls[q.Collection][q.ID]; ok && q.Matches(d) {
			out = append(out, d.clone())
		}
		return out
	}
	for _, d := range m.colls[q.Collection] {
		if q.Matches(d) {
			out = append(out, d.clone())
		}
	}
	return sortDocs(out, q.Order, q.Limit)
}

func (m *Memory) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	// The write lock keeps writers out between snapshot and registration.
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return m.feed.open(ctx, q, m.query(q)), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.feed.closeAll()
	return nil
}
