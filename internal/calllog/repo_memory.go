package calllog

import (
	"context"
	"sync"
)

// MemoryRepo keeps the most recent entries in process memory.
// Oldest entries are dropped once Cap is reached.
type MemoryRepo struct {
	mu      sync.Mutex
	cap     int
	entries []Entry
}

func NewMemoryRepo(capacity int) *MemoryRepo {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryRepo{cap: capacity}
}

func (r *MemoryRepo) Append(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if over := len(r.entries) - r.cap; over > 0 {
		r.entries = append([]Entry(nil), r.entries[over:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *MemoryRepo) Recent(_ context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}
