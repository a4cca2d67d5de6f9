package cdc

import (
	"context"
	"sync"
	"time"

	"github.com/block/s3gc/pkg/registry"
)

// MemorySource is an in-memory Source used by tests and by the scan-only
// (cdc_backend empty) mode's internal plumbing tests. Events pushed with
// Push are delivered to Run's onBatch callback respecting the same
// size/time batching rules as the real backends, without needing a live
// database.
type MemorySource struct {
	stream string

	mu     sync.Mutex
	events []registry.Delta
	closed bool
	wake   chan struct{}

	seq int64
}

// NewMemorySource creates an empty in-memory source for the given stream
// name ("postgres" or "mysql", typically).
func NewMemorySource(stream string) *MemorySource {
	return &MemorySource{stream: stream, wake: make(chan struct{}, 1)}
}

// Stream implements Source.
func (m *MemorySource) Stream() string { return m.stream }

// Push enqueues a delta to be delivered on the next batch.
func (m *MemorySource) Push(d registry.Delta) {
	m.mu.Lock()
	m.events = append(m.events, d)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Close signals Run to exit once all pushed events have been delivered.
func (m *MemorySource) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run implements Source. resume/resumeOK are accepted but ignored: the
// in-memory source has no persistent backlog to resume from, matching how
// tests use it (always starting cold).
func (m *MemorySource) Run(ctx context.Context, _ registry.Checkpoint, _ bool, onBatch func(Batch) error) error {
	var batcher Batcher
	for {
		m.mu.Lock()
		for _, d := range m.events {
			batcher.Add(d)
		}
		m.events = nil
		closed := m.closed
		m.mu.Unlock()

		if batcher.Len() > 0 && (batcher.Ready() || closed) {
			m.seq++
			deltas := batcher.Flush()
			if err := onBatch(Batch{
				Deltas:     deltas,
				Checkpoint: registry.Checkpoint{Stream: m.stream, Cursor: "memory", Sequence: m.seq},
			}); err != nil {
				return err
			}
		}

		if closed && batcher.Len() == 0 {
			return nil
		}

		if batcher.Len() > 0 {
			// Pending deltas below the size threshold still flush on the
			// interval, same as the real backends.
			t := time.NewTimer(MaxBatchInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-m.wake:
				t.Stop()
			case <-t.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.wake:
		}
	}
}
