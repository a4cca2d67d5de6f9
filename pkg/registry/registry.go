// Package registry implements the durable key→refcount Reference Registry
// (C3): a persistent, append-consistent map from object key to live
// reference count, maintained online from CDC deltas and offline by
// full-database-scan rebuild. It is backed by an embedded, pure-Go sqlite
// database (github.com/ncruces/go-sqlite3), registered via blank imports of
// its driver/embed subpackages.
//
// Exactly one goroutine calls ApplyBatch at a time (enforced here with a
// plain sync.Mutex, since sqlite itself only allows one writer), while
// CountOf reads run unserialized against sqlite's snapshot (WAL)
// isolation.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/siddontang/loggers"

	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/utils"
)

// Delta is one +1/-1 change to a key's reference count, tagged with the
// (table, column) that produced it so that scan-based rebuilds can replace
// rather than add to existing counts.
type Delta struct {
	Key    string
	Amount int // +1 or -1
	Table  string
	Column string
}

// Checkpoint is the CDC ingester's resumable stream position, persisted in
// the same transaction as the deltas that produced it.
type Checkpoint struct {
	Stream   string // "postgres" or "mysql"
	Cursor   string // LSN string, or "file:pos:server_id" for MySQL
	Sequence int64  // monotonically advancing
}

// RebuildEntry is one (key, expected_count) pair supplied by a full database
// scan.
type RebuildEntry struct {
	Key           string
	ExpectedCount uint64
}

// Registry is the durable reference counter. All exported methods are safe
// for concurrent use; writes (ApplyBatch, Rebuild, Increment, Decrement) are
// serialized internally so that CDC delta ordering within one stream is
// preserved even if the ingester's caller is itself concurrent.
type Registry struct {
	db     *sql.DB
	logger loggers.Advanced
	mu     sync.Mutex // serializes ApplyBatch; CountOf reads are unrestricted
}

// Open creates (if needed) and opens the registry's sqlite database at path.
func Open(path string, logger loggers.Advanced) (*Registry, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "opening registry store", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer; reads share this single connection
	r := &Registry{db: db, logger: logger}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS registry_entries (
	key TEXT PRIMARY KEY,
	ref_count INTEGER NOT NULL DEFAULT 0,
	first_seen_at TEXT NOT NULL,
	last_seen_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cdc_checkpoints (
	stream TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	sequence INTEGER NOT NULL
);
`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return s3gcerr.New(s3gcerr.ConfigurationError, "migrating registry schema", err)
	}
	return nil
}

// Close releases the underlying sqlite connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// CountOf is a point lookup; missing rows return 0, since a row is only
// created lazily on first positive delta.
func (r *Registry) CountOf(ctx context.Context, key string) (uint64, error) {
	var count uint64
	err := r.db.QueryRowContext(ctx, `SELECT ref_count FROM registry_entries WHERE key = ?`, key).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("registry count lookup: %w", err)
	}
	return count, nil
}

// Increment atomically raises key's ref_count by 1, creating the row at 0
// then incrementing if it was absent. sourceTable/sourceColumn are recorded
// only for the rolling debug log, never in the stored count.
func (r *Registry) Increment(ctx context.Context, key, sourceTable, sourceColumn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO registry_entries (key, ref_count, first_seen_at, last_seen_at)
VALUES (?, 1, datetime('now'), datetime('now'))
ON CONFLICT(key) DO UPDATE SET ref_count = ref_count + 1, last_seen_at = datetime('now')
`, key)
	if err != nil {
		return fmt.Errorf("registry increment: %w", err)
	}
	if r.logger != nil {
		r.logger.Debugf("registry: +1 %s (source %s)", key, utils.HashKey(sourceTable, sourceColumn))
	}
	return nil
}

// Decrement atomically lowers key's ref_count by 1. It fails with
// RegistryUnderflow if the row does not exist or would drop below zero; CDC
// callers are expected to log and swallow that error (treating it as an
// already-applied duplicate), while scan-based rebuild callers treat it as
// fatal.
func (r *Registry) Decrement(ctx context.Context, key, sourceTable, sourceColumn string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.db.ExecContext(ctx, `
UPDATE registry_entries SET ref_count = ref_count - 1, last_seen_at = datetime('now')
WHERE key = ? AND ref_count > 0
`, key)
	if err != nil {
		return fmt.Errorf("registry decrement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry decrement: %w", err)
	}
	if n == 0 {
		return s3gcerr.Newf(s3gcerr.RegistryUnderflow, nil, "key %q does not exist or is already at 0", key)
	}
	if r.logger != nil {
		r.logger.Debugf("registry: -1 %s (source %s)", key, utils.HashKey(sourceTable, sourceColumn))
	}
	return nil
}

// ApplyBatch applies an ordered list of deltas and the new CDC checkpoint in
// one transaction: either everything commits, or nothing does, so the
// ingester may always safely retry from the prior checkpoint. Deltas are
// applied in slice order, which preserves stream order for a single CDC
// source.
func (r *Registry) ApplyBatch(ctx context.Context, deltas []Delta, checkpoint Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	trx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry apply batch: begin: %w", err)
	}
	defer func() { utils.ErrInErr(trx.Rollback()) }()

	for _, d := range deltas {
		switch {
		case d.Amount == 1:
			if _, err := trx.ExecContext(ctx, `
INSERT INTO registry_entries (key, ref_count, first_seen_at, last_seen_at)
VALUES (?, 1, datetime('now'), datetime('now'))
ON CONFLICT(key) DO UPDATE SET ref_count = ref_count + 1, last_seen_at = datetime('now')
`, d.Key); err != nil {
				return fmt.Errorf("registry apply batch: increment %q: %w", d.Key, err)
			}
		case d.Amount == -1:
			res, err := trx.ExecContext(ctx, `
UPDATE registry_entries SET ref_count = ref_count - 1, last_seen_at = datetime('now')
WHERE key = ? AND ref_count > 0
`, d.Key)
			if err != nil {
				return fmt.Errorf("registry apply batch: decrement %q: %w", d.Key, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// CDC path: log and swallow, do not fail the whole batch —
				// treated as an already-applied duplicate decrement.
				if r.logger != nil {
					r.logger.Warnf("registry: swallowed underflow on %q (source %s, treated as duplicate)", d.Key, utils.HashKey(d.Table, d.Column))
				}
			}
		default:
			return fmt.Errorf("registry apply batch: invalid delta amount %d for key %q", d.Amount, d.Key)
		}
	}

	if _, err := trx.ExecContext(ctx, `
INSERT INTO cdc_checkpoints (stream, cursor, sequence)
VALUES (?, ?, ?)
ON CONFLICT(stream) DO UPDATE SET cursor = excluded.cursor, sequence = excluded.sequence
`, checkpoint.Stream, checkpoint.Cursor, checkpoint.Sequence); err != nil {
		return fmt.Errorf("registry apply batch: checkpoint: %w", err)
	}

	if err := trx.Commit(); err != nil {
		return fmt.Errorf("registry apply batch: commit: %w", err)
	}
	return nil
}

// LastCheckpoint returns the most recently persisted checkpoint for stream,
// or ok=false if the ingester has never successfully applied a batch.
func (r *Registry) LastCheckpoint(ctx context.Context, stream string) (cp Checkpoint, ok bool, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT stream, cursor, sequence FROM cdc_checkpoints WHERE stream = ?`, stream).
		Scan(&cp.Stream, &cp.Cursor, &cp.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("registry checkpoint lookup: %w", err)
	}
	return cp, true, nil
}

// Rebuild replaces the registry contents atomically for every key supplied
// by entries; any key not observed is left untouched. Used only by
// full-scan mode — underflow here (a negative expected count, which cannot
// happen from a well-formed scan) is fatal rather than swallowed.
func (r *Registry) Rebuild(ctx context.Context, entries []RebuildEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	trx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry rebuild: begin: %w", err)
	}
	defer func() { utils.ErrInErr(trx.Rollback()) }()

	for _, e := range entries {
		if _, err := trx.ExecContext(ctx, `
INSERT INTO registry_entries (key, ref_count, first_seen_at, last_seen_at)
VALUES (?, ?, datetime('now'), datetime('now'))
ON CONFLICT(key) DO UPDATE SET ref_count = excluded.ref_count, last_seen_at = datetime('now')
`, e.Key, e.ExpectedCount); err != nil {
			return s3gcerr.Newf(s3gcerr.RegistryUnderflow, err, "rebuild failed replacing count for %q", e.Key)
		}
	}

	if err := trx.Commit(); err != nil {
		return fmt.Errorf("registry rebuild: commit: %w", err)
	}
	if r.logger != nil {
		r.logger.Infof("registry: rebuild replaced %d keys", len(entries))
	}
	return nil
}
