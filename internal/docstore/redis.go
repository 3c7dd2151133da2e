package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared by every node connected to the same Redis server.
//
// Each document is a JSON string key; a sorted set per collection (scored by
// a global insertion counter) keeps creation order. Writes publish a
// before/after event on a per-collection channel, which drives Subscribe.
//
// Query has no secondary indexes: it walks the collection's sorted set and
// filters in memory, so its cost is O(documents in collection). That is fine
// for two-person call traffic and is the known scaling limit of this backend.
type Redis struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// maxTxRetries bounds optimistic-lock retries on contended documents.
const maxTxRetries = 8

// NewRedis wraps an existing client. prefix namespaces all keys.
func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "lovelink"
	}
	return &Redis{rdb: rdb, prefix: prefix, now: time.Now}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedis(rdb, prefix), nil
}

func (r *Redis) docKey(collection, id string) string {
	return r.prefix + ":doc:" + collection + ":" + id
}

func (r *Redis) indexKey(collection string) string {
	return r.prefix + ":idx:" + collection
}

func (r *Redis) channel(collection string) string {
	return r.prefix + ":changes:" + collection
}

func (r *Redis) seqKey() string { return r.prefix + ":seq" }

// redisEvent is what writers publish; either side may be nil.
type redisEvent struct {
	Before *Doc `json:"before,omitempty"`
	After  *Doc `json:"after,omitempty"`
}

func (r *Redis) publish(ctx context.Context, collection string, before, after *Doc) error {
	b, err := json.Marshal(redisEvent{Before: before, After: after})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel(collection), b).Err()
}

func decodeDoc(raw string) (Doc, error) {
	var d Doc
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Doc{}, err
	}
	if d.Fields == nil {
		d.Fields = Fields{}
	}
	return d, nil
}

func (r *Redis) Create(ctx context.Context, collection, id string, f Fields) (Doc, error) {
	if !validIdent(collection) {
		return Doc{}, ErrInvalid
	}
	if id == "" {
		id = uuid.NewString()
	}

	seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return Doc{}, err
	}
	now := r.now()
	d := Doc{
		ID:         id,
		Collection: collection,
		Fields:     f.clone(),
		CreatedAt:  now,
		UpdatedAt:  now,
		Seq:        seq,
		Version:    1,
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return Doc{}, err
	}

	ok, err := r.rdb.SetNX(ctx, r.docKey(collection, id), raw, 0).Result()
	if err != nil {
		return Doc{}, err
	}
	if !ok {
		return Doc{}, ErrExists
	}
	if err := r.rdb.ZAdd(ctx, r.indexKey(collection), redis.Z{Score: float64(seq), Member: id}).Err(); err != nil {
		return Doc{}, err
	}
	if err := r.publish(ctx, collection, nil, &d); err != nil {
		return Doc{}, err
	}
	return d, nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (Doc, error) {
	raw, err := r.rdb.Get(ctx, r.docKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return Doc{}, ErrNotFound
	}
	if err != nil {
		return Doc{}, err
	}
	return decodeDoc(raw)
}

func (r *Redis) Update(ctx context.Context, collection, id string, f Fields) (Doc, error) {
	d, _, err := r.update(ctx, collection, id, nil, f)
	return d, err
}

func (r *Redis) UpdateIf(ctx context.Context, collection, id string, cond Cond, f Fields) (Doc, bool, error) {
	return r.update(ctx, collection, id, &cond, f)
}

// update runs read-check-write under WATCH so a concurrent writer on another
// node aborts the transaction instead of being overwritten.
func (r *Redis) update(ctx context.Context, collection, id string, cond *Cond, f Fields) (Doc, bool, error) {
	key := r.docKey(collection, id)

	var before, after Doc
	var applied bool
	txf := func(tx *redis.Tx) error {
		applied = false
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		before, err = decodeDoc(raw)
		if err != nil {
			return err
		}
		if cond != nil && !cond.holds(before) {
			after, applied = before, false
			return nil
		}

		after = before.clone()
		for k, v := range f {
			after.Fields[k] = v
		}
		after.UpdatedAt = r.now()
		after.Version++
		out, err := json.Marshal(after)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		applied = err == nil
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Doc{}, false, err
		}
		if applied {
			if err := r.publish(ctx, collection, &before, &after); err != nil {
				return Doc{}, false, err
			}
		}
		return after, applied, nil
	}
	return Doc{}, false, fmt.Errorf("update %s/%s: too much contention", collection, id)
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	before, err := r.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	if _, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docKey(collection, id))
		pipe.ZRem(ctx, r.indexKey(collection), id)
		return nil
	}); err != nil {
		return err
	}
	return r.publish(ctx, collection, &before, nil)
}

func (r *Redis) Query(ctx context.Context, q Query) ([]Doc, error) {
	ids := []string{q.ID}
	if q.ID == "" {
		var err error
		ids, err = r.rdb.ZRange(ctx, r.indexKey(q.Collection), 0, -1).Result()
		if err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(q.Collection, id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var docs []Doc
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between ZRANGE and MGET
		}
		d, err := decodeDoc(raw)
		if err != nil {
			return nil, err
		}
		if q.Matches(&d) {
			docs = append(docs, d)
		}
	}
	return sortDocs(docs, q.Order, q.Limit), nil
}

// Subscribe listens on the collection channel before taking the snapshot.
// Events for documents already covered by the snapshot at the same or an
// older version are dropped, so nothing is delivered twice.
func (r *Redis) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(q.Collection))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	snapshot, err := r.Query(ctx, q)
	if err != nil {
		ps.Close()
		return nil, err
	}
	seen := make(map[string]int64, len(snapshot))
	for _, d := range snapshot {
		seen[d.ID] = d.Version
	}

	sub := newSubscription(ctx, q, func() { ps.Close() })
	for _, d := range snapshot {
		sub.push(Change{Kind: Added, Doc: d})
	}

	go func() {
		for msg := range ps.Channel() {
			var ev redisEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.After != nil {
				if v, ok := seen[ev.After.ID]; ok && ev.After.Version <= v {
					continue
				}
			}
			sub.offer(ev.Before, ev.After)
		}
	}()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
