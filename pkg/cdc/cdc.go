// Package cdc implements the pluggable CDC ingester (C4): a Source streams
// ordered (+1/-1) reference deltas from a replication feed, batched by size
// or time, into the registry (C3). Two real backends are provided —
// Postgres logical replication (postgres.go) and MySQL row-based binlog
// (mysql.go) — plus an in-memory Source (memory.go) so tests never need a
// live database.
package cdc

import (
	"context"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/s3gc/pkg/config"
	"github.com/block/s3gc/pkg/registry"
)

const (
	// MaxBatchDeltas and MaxBatchInterval bound how long the ingester
	// accumulates deltas before handing a batch to the registry.
	MaxBatchDeltas   = 5000
	MaxBatchInterval = 500 * time.Millisecond

	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Batch is one unit of work handed from a Source to the registry: an
// ordered list of deltas and the resulting resumable checkpoint.
type Batch struct {
	Deltas     []registry.Delta
	Checkpoint registry.Checkpoint
}

// Source streams ordered CDC batches starting from a resume position. Run
// blocks until ctx is cancelled or an unrecoverable error occurs; it is
// responsible for its own reconnect/backoff loop on transient errors.
type Source interface {
	// Stream name, used as the registry.Checkpoint.Stream discriminator
	// ("postgres" or "mysql").
	Stream() string
	Run(ctx context.Context, resume registry.Checkpoint, resumeOK bool, onBatch func(Batch) error) error
}

// Batcher accumulates deltas for a single logical transaction/event stream
// and flushes them as a Batch once MaxBatchDeltas is reached or
// MaxBatchInterval has elapsed since the first unflushed delta, whichever
// comes first. It is not safe for concurrent use — each Source owns one.
type Batcher struct {
	deltas    []registry.Delta
	firstSeen time.Time
}

// Add appends delta to the pending batch.
func (b *Batcher) Add(d registry.Delta) {
	if len(b.deltas) == 0 {
		b.firstSeen = time.Now()
	}
	b.deltas = append(b.deltas, d)
}

// Len reports the number of pending, unflushed deltas.
func (b *Batcher) Len() int { return len(b.deltas) }

// Ready reports whether the batch should be flushed now.
func (b *Batcher) Ready() bool {
	if len(b.deltas) == 0 {
		return false
	}
	return len(b.deltas) >= MaxBatchDeltas || time.Since(b.firstSeen) >= MaxBatchInterval
}

// Flush returns the pending deltas and resets the batcher.
func (b *Batcher) Flush() []registry.Delta {
	out := b.deltas
	b.deltas = nil
	return out
}

// Backoff tracks exponential reconnect backoff bounded by maxBackoff,
// resetting to initialBackoff after a successful connection.
type Backoff struct {
	current time.Duration
}

// Next returns the next backoff duration and advances internal state.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = initialBackoff
	}
	d := b.current
	b.current *= 2
	if b.current > maxBackoff {
		b.current = maxBackoff
	}
	return d
}

// Reset returns the backoff to its initial state after a successful
// reconnect.
func (b *Backoff) Reset() {
	b.current = 0
}

// Sleep waits out the next backoff interval, returning early if ctx is
// cancelled.
func (b *Backoff) Sleep(ctx context.Context, logger loggers.Advanced) error {
	d := b.Next()
	if logger != nil {
		logger.Warnf("cdc: reconnecting in %s", d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// watchSet indexes watched (table, column) pairs for O(1) membership tests
// during row decoding.
type watchSet map[string]map[string]bool

func newWatchSet(cols []config.WatchedColumn) watchSet {
	ws := watchSet{}
	for _, c := range cols {
		if ws[c.Table] == nil {
			ws[c.Table] = map[string]bool{}
		}
		ws[c.Table][c.Column] = true
	}
	return ws
}

func (w watchSet) has(table, column string) bool {
	cols, ok := w[table]
	if !ok {
		return false
	}
	return cols[column]
}

// columnsOf returns the watched column names for table, in no particular
// order.
func (w watchSet) columnsOf(table string) []string {
	cols := w[table]
	out := make([]string, 0, len(cols))
	for c := range cols {
		out = append(out, c)
	}
	return out
}
