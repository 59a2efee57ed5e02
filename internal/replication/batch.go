package replication

import (
	"sync"

	"raftreplicate/internal/raftpb"
)

// Batch holds the record batch produced by one replication round and lets it be shared,
// without copying the payload, across the leader's own append and every follower dispatch.
// The backing entries slice is never mutated after construction, so sharing is safe across
// goroutines; the mutex only protects the released flag.
type Batch struct {
	mu       sync.Mutex
	entries  []raftpb.LogEntry
	released bool
}

// NewBatch wraps entries for sharing. Callers must not mutate entries afterwards.
func NewBatch(entries []raftpb.LogEntry) *Batch {
	return &Batch{entries: entries}
}

// BatchReader is an independent read-only view produced by Batch.Share.
type BatchReader struct {
	entries []raftpb.LogEntry
}

// Entries returns the shared record batch. The slice must not be mutated by the caller.
func (r *BatchReader) Entries() []raftpb.LogEntry {
	return r.entries
}

// Share produces a fresh reader over the batch. Safe to call concurrently and to hand the
// result to another goroutine.
func (b *Batch) Share() (*BatchReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, ErrBatchReleased
	}
	return &BatchReader{entries: b.entries}, nil
}

// Release marks the batch as no longer usable. Called once all dispatched RPCs have
// settled and consumed their readers.
func (b *Batch) Release() {
	b.mu.Lock()
	b.released = true
	b.mu.Unlock()
}
