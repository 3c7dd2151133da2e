package util

import (
	"slices"
	"testing"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !slices.Equal(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v", got)
	}
	if got := r.Last(2); !slices.Equal(got, []int{4, 5}) {
		t.Fatalf("last 2 = %v", got)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Fatalf("last 10 = %v", got)
	}
	odd := r.Filter(func(v int) bool { return v%2 == 1 })
	if !slices.Equal(odd, []int{3, 5}) {
		t.Fatalf("filter = %v", odd)
	}
}

func TestRingBufferZeroCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("x")
	if r.Len() != 0 || len(r.Snapshot()) != 0 {
		t.Fatal("zero capacity buffer kept an item")
	}
}

func TestResolvePath(t *testing.T) {
	if got := ResolvePath("/node", "data"); got != "/node/data" {
		t.Fatalf("relative = %q", got)
	}
	if got := ResolvePath("/node", "/var/lib/x/../db"); got != "/var/lib/db" {
		t.Fatalf("absolute = %q", got)
	}
}
