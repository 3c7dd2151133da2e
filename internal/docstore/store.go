// Package docstore is the small document database the call core runs on.
//
// Records are flat string maps grouped into named collections. The store
// supports create/get/update, a compare-and-set update, deletion, equality
// queries ordered by creation time and live subscriptions that report
// added/modified/removed changes. Backends: Memory (in-process), SQLite
// (single node, persistent) and Redis (shared between nodes).
package docstore

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	ErrNotFound = errors.New("docstore: document not found")
	ErrExists   = errors.New("docstore: document already exists")
	ErrClosed   = errors.New("docstore: store closed")
	ErrInvalid  = errors.New("docstore: invalid identifier")
)

// Fields is the payload of a document. Opaque blobs are stored as JSON text.
type Fields map[string]string

func (f Fields) clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Doc is one stored record.
type Doc struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	Fields     Fields    `json:"fields"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	// Seq is the store-wide insertion counter; it breaks CreatedAt ties.
	Seq     int64 `json:"seq"`
	Version int64 `json:"version"`
}

// Get returns a field value ("" when absent).
func (d Doc) Get(name string) string { return d.Fields[name] }

func (d Doc) clone() Doc {
	d.Fields = d.Fields.clone()
	return d
}

// Order is the creation-time ordering of query results.
type Order int

const (
	Asc Order = iota
	Desc
)

// Query selects documents of one collection whose fields equal every entry
// in Where. ID, when set, narrows it to that one document. Limit <= 0 means
// unlimited.
type Query struct {
	Collection string
	ID         string
	Where      Fields
	Order      Order
	Limit      int
}

// Matches reports whether d satisfies the collection and equality filters.
func (q Query) Matches(d *Doc) bool {
	if d == nil || d.Collection != q.Collection {
		return false
	}
	if q.ID != "" && d.ID != q.ID {
		return false
	}
	for k, v := range q.Where {
		got, ok := d.Fields[k]
		if !ok || got != v {
			return false
		}
	}
	return true
}

// Cond guards UpdateIf: the current value of Field must be one of In.
type Cond struct {
	Field string
	In    []string
}

func (c Cond) holds(d Doc) bool {
	cur := d.Fields[c.Field]
	for _, v := range c.In {
		if cur == v {
			return true
		}
	}
	return false
}

// Store is the document database used by the signaling channel, streaks,
// couples and locations.
type Store interface {
	// Create inserts a document. An empty id is replaced by a generated one.
	Create(ctx context.Context, collection, id string, f Fields) (Doc, error)
	Get(ctx context.Context, collection, id string) (Doc, error)
	// Update merges f into the document's fields.
	Update(ctx context.Context, collection, id string, f Fields) (Doc, error)
	// UpdateIf merges f only when cond holds. It returns the document as it
	// is after the call and whether the update was applied.
	UpdateIf(ctx context.Context, collection, id string, cond Cond, f Fields) (Doc, bool, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Doc, error)
	// Subscribe first delivers the current result of q as Added changes,
	// then every later change to documents matching q.Where. The live part
	// ignores q.Limit.
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
	Close() error
}

// sortDocs orders docs by creation time (ties by Seq) and applies the limit.
func sortDocs(docs []Doc, order Order, limit int) []Doc {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if order == Desc {
			a, b = b, a
		}
		return a.CreatedAt.Before(b.CreatedAt) ||
			(a.CreatedAt.Equal(b.CreatedAt) && a.Seq < b.Seq)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs
}
