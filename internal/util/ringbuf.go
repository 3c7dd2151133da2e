package util

import "sync"

// RingBuffer keeps the most recent items up to a fixed capacity. A zero
// capacity keeps nothing. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	n     int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, evicting the oldest when full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return
	}
	r.buf[(r.start+r.n)%len(r.buf)] = item
	if r.n < len(r.buf) {
		r.n++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot returns the stored items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Last(-1)
}

// Last returns up to k of the newest items, oldest first. k < 0 means all.
func (r *RingBuffer[T]) Last(k int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k < 0 || k > r.n {
		k = r.n
	}
	out := make([]T, k)
	for i := range out {
		out[i] = r.buf[(r.start+r.n-k+i)%len(r.buf)]
	}
	return out
}

// Filter returns the stored items for which keep is true, oldest first.
func (r *RingBuffer[T]) Filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []T
	for i := 0; i < r.n; i++ {
		if v := r.buf[(r.start+i)%len(r.buf)]; keep(v) {
			out = append(out, v)
		}
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
