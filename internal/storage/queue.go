package storage

import (
	"context"
	"sort"
	"sync"

	"geoconflict/internal/record"
)

// ConflictQueue is the durable backlog of conflicts the store did not
// resolve automatically.
type ConflictQueue interface {
	// Enqueue adds c unless an entry with the same id exists. It assigns the
	// sequence number and reports whether c was added.
	Enqueue(ctx context.Context, c record.Conflict) (bool, error)
	// List returns up to limit entries with Seq > afterSeq, oldest first.
	List(ctx context.Context, afterSeq int64, limit int) ([]record.Conflict, error)
	// Delete removes the entry with id. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error
	// Len returns the number of outstanding entries.
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is an in-memory ConflictQueue.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     int64
	entries map[string]record.Conflict
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]record.Conflict)}
}

// Enqueue implements ConflictQueue.
func (q *MemoryQueue) Enqueue(_ context.Context, c record.Conflict) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.entries[c.ID]; ok {
		return false, nil
	}
	q.seq++
	c.Seq = q.seq
	q.entries[c.ID] = c
	return true, nil
}

// List implements ConflictQueue.
func (q *MemoryQueue) List(_ context.Context, afterSeq int64, limit int) ([]record.Conflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]record.Conflict, 0, len(q.entries))
	for _, c := range q.entries {
		if c.Seq > afterSeq {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements ConflictQueue.
func (q *MemoryQueue) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
	return nil
}

// Len implements ConflictQueue.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
