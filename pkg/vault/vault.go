// Package vault implements the immutable audit trail and content-addressed
// backup store (C2): every GC cycle's deletions are recorded in an embedded
// sqlite audit database before the corresponding S3 object is deleted, and
// (outside audit_only mode) the object's compressed bytes are written to a
// content-addressed blob file so a later restore can recover them.
//
// The audit database uses the same embedded, pure-Go sqlite store as
// pkg/registry (github.com/ncruces/go-sqlite3). Records are never updated in
// place except to stamp restored_at — enforced with a WHERE restored_at IS
// NULL clause rather than a trigger.
package vault

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/siddontang/loggers"

	"github.com/block/s3gc/pkg/compressor"
	"github.com/block/s3gc/pkg/s3gcerr"
)

// Record is one deleted object's audit trail entry.
type Record struct {
	OperationID  string
	Key          string
	Codec        compressor.Codec
	OriginalSize int64
	StoredSize   int64
	ContentHash  string
	DeletedAt    string // RFC3339, stamped by the caller at record time
}

// OperationCounters is the summary persisted when a GC cycle closes.
type OperationCounters struct {
	Listed     int64
	Candidates int64
	Orphans    int64
	Deleted    int64
	Skipped    int64
	ErrorsLen  int64
}

// Vault is the audit database plus the on-disk backup blob tree rooted at
// root/backups/<operation_id>/<sha256(key)>.<codec>.
type Vault struct {
	db     *sql.DB
	root   string
	logger loggers.Advanced
}

// Open creates (if needed) root/audit.db and the backups/ directory tree.
func Open(root string, logger loggers.Advanced) (*Vault, error) {
	if err := os.MkdirAll(filepath.Join(root, "backups"), 0o755); err != nil {
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "creating vault directory tree", err)
	}
	dbPath := filepath.Join(root, "audit.db")
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath))
	if err != nil {
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "opening vault audit database", err)
	}
	db.SetMaxOpenConns(1)
	v := &Vault{db: db, root: root, logger: logger}
	if err := v.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

func (v *Vault) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS operations (
	operation_id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	config_digest TEXT NOT NULL,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	listed INTEGER NOT NULL DEFAULT 0,
	candidates INTEGER NOT NULL DEFAULT 0,
	orphans INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	errors_len INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS deletions (
	operation_id TEXT NOT NULL,
	key TEXT NOT NULL,
	codec TEXT NOT NULL,
	original_size INTEGER NOT NULL,
	stored_size INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	deleted_at TEXT NOT NULL,
	restored_at TEXT,
	restore_operation_id TEXT,
	PRIMARY KEY (operation_id, key)
);
CREATE INDEX IF NOT EXISTS deletions_by_key ON deletions(key);
`
	_, err := v.db.ExecContext(ctx, schema)
	if err != nil {
		return s3gcerr.New(s3gcerr.ConfigurationError, "migrating vault schema", err)
	}
	return nil
}

// Close releases the underlying sqlite connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// BeginOperation opens a new GC cycle audit record. operationID is expected
// to be a ULID minted by the orchestrator (C7).
func (v *Vault) BeginOperation(ctx context.Context, operationID, mode, configDigest, startedAt string) error {
	_, err := v.db.ExecContext(ctx, `
INSERT INTO operations (operation_id, mode, config_digest, started_at)
VALUES (?, ?, ?, ?)
`, operationID, mode, configDigest, startedAt)
	if err != nil {
		return fmt.Errorf("vault begin operation: %w", err)
	}
	return nil
}

// EndOperation stamps endedAt and the final counters on an operation record.
func (v *Vault) EndOperation(ctx context.Context, operationID, endedAt string, counters OperationCounters) error {
	res, err := v.db.ExecContext(ctx, `
UPDATE operations SET ended_at = ?, listed = ?, candidates = ?, orphans = ?, deleted = ?, skipped = ?, errors_len = ?
WHERE operation_id = ?
`, endedAt, counters.Listed, counters.Candidates, counters.Orphans, counters.Deleted, counters.Skipped, counters.ErrorsLen, operationID)
	if err != nil {
		return fmt.Errorf("vault end operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s3gcerr.Newf(s3gcerr.RestoreError, nil, "unknown operation %q", operationID)
	}
	return nil
}

// OperationSummary is one GC cycle's persisted header row, used by the
// metrics aggregator (C9) and the admin surface's status/operations
// endpoints.
type OperationSummary struct {
	OperationID string
	Mode        string
	StartedAt   string
	EndedAt     string // empty if the operation has not closed yet
	Listed      int64
	Candidates  int64
	Orphans     int64
	Deleted     int64
	Skipped     int64
	ErrorsLen   int64
}

// LastOperation returns the most recently started operation, newest first by
// operation_id (ULIDs sort lexicographically by creation time).
func (v *Vault) LastOperation(ctx context.Context) (OperationSummary, bool, error) {
	rows, err := v.db.QueryContext(ctx, `
SELECT operation_id, mode, started_at, ended_at, listed, candidates, orphans, deleted, skipped, errors_len
FROM operations ORDER BY operation_id DESC LIMIT 1
`)
	if err != nil {
		return OperationSummary{}, false, fmt.Errorf("vault last operation: %w", err)
	}
	defer rows.Close()
	summaries, err := scanOperationSummaries(rows)
	if err != nil {
		return OperationSummary{}, false, err
	}
	if len(summaries) == 0 {
		return OperationSummary{}, false, nil
	}
	return summaries[0], true, nil
}

// ListOperations returns up to limit operations older than cursor (exclusive,
// an operation_id — empty cursor starts from the newest), newest first, plus
// the cursor to pass for the next page (empty when exhausted).
func (v *Vault) ListOperations(ctx context.Context, limit int, cursor string) ([]OperationSummary, string, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT operation_id, mode, started_at, ended_at, listed, candidates, orphans, deleted, skipped, errors_len
FROM operations`
	args := []any{}
	if cursor != "" {
		query += ` WHERE operation_id < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY operation_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("vault list operations: %w", err)
	}
	defer rows.Close()
	summaries, err := scanOperationSummaries(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(summaries) > limit {
		summaries = summaries[:limit]
		next = summaries[limit-1].OperationID
	}
	return summaries, next, nil
}

func scanOperationSummaries(rows *sql.Rows) ([]OperationSummary, error) {
	var out []OperationSummary
	for rows.Next() {
		var s OperationSummary
		var endedAt sql.NullString
		if err := rows.Scan(&s.OperationID, &s.Mode, &s.StartedAt, &endedAt, &s.Listed, &s.Candidates, &s.Orphans, &s.Deleted, &s.Skipped, &s.ErrorsLen); err != nil {
			return nil, fmt.Errorf("vault scan operation summary: %w", err)
		}
		s.EndedAt = endedAt.String
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault scan operation summaries: %w", err)
	}
	return out, nil
}

// TotalDeleted sums the deleted counter across every closed operation.
func (v *Vault) TotalDeleted(ctx context.Context) (int64, error) {
	var total int64
	if err := v.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(deleted), 0) FROM operations`).Scan(&total); err != nil {
		return 0, fmt.Errorf("vault total deleted: %w", err)
	}
	return total, nil
}

// TotalRuns counts every operation ever begun.
func (v *Vault) TotalRuns(ctx context.Context) (int64, error) {
	var total int64
	if err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&total); err != nil {
		return 0, fmt.Errorf("vault total runs: %w", err)
	}
	return total, nil
}

// BlobPath returns the content-addressed path a record's backup bytes are
// (or would be) stored at.
func (v *Vault) BlobPath(operationID, key string, codec compressor.Codec) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:]) + "." + string(codec)
	return filepath.Join(v.root, "backups", operationID, name)
}

// RecordDeletion persists a deletion's audit row. The blob itself is
// written separately via OpenBlobWriter before RecordDeletion is called
// (execute mode) or not at all (audit_only, where Codec is
// compressor.CodecNone and StoredSize is 0). Duplicate (operation_id, key)
// pairs fail with VaultConflict: the audit trail is append-only and a given
// key is only ever recorded once per operation.
func (v *Vault) RecordDeletion(ctx context.Context, rec Record) error {
	_, err := v.db.ExecContext(ctx, `
INSERT INTO deletions (operation_id, key, codec, original_size, stored_size, content_hash, deleted_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, rec.OperationID, rec.Key, string(rec.Codec), rec.OriginalSize, rec.StoredSize, rec.ContentHash, rec.DeletedAt)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return s3gcerr.Newf(s3gcerr.VaultConflict, err, "key %q already recorded for operation %q", rec.Key, rec.OperationID)
		}
		return fmt.Errorf("vault record deletion: %w", err)
	}
	if rec.Codec == compressor.CodecNone || rec.StoredSize == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(v.BlobPath(rec.OperationID, rec.Key, rec.Codec)), 0o755); err != nil {
		return s3gcerr.New(s3gcerr.BackupError, "creating backup blob directory", err)
	}
	return nil
}

// OpenBlobWriter returns a file opened for writing the backup blob for key
// under operationID, creating parent directories as needed. Callers should
// write via pkg/compressor.Compress and then close the returned file.
func (v *Vault) OpenBlobWriter(operationID, key string, codec compressor.Codec) (*os.File, error) {
	path := v.BlobPath(operationID, key, codec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, s3gcerr.New(s3gcerr.BackupError, "creating backup blob directory", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, s3gcerr.New(s3gcerr.BackupError, "creating backup blob file", err)
	}
	return f, nil
}

// OpenBlobReader opens the backup blob for key under operationID for
// reading, used by the restore engine (C8).
func (v *Vault) OpenBlobReader(operationID, key string, codec compressor.Codec) (*os.File, error) {
	path := v.BlobPath(operationID, key, codec)
	f, err := os.Open(path)
	if err != nil {
		return nil, s3gcerr.New(s3gcerr.RestoreError, "opening backup blob file", err)
	}
	return f, nil
}

// LookupByKey returns every not-yet-restored deletion record for key across
// all operations, most recent first, for the restore engine's single-key path.
func (v *Vault) LookupByKey(ctx context.Context, key string) ([]Record, error) {
	rows, err := v.db.QueryContext(ctx, `
SELECT operation_id, key, codec, original_size, stored_size, content_hash, deleted_at
FROM deletions WHERE key = ? AND restored_at IS NULL
ORDER BY deleted_at DESC
`, key)
	if err != nil {
		return nil, fmt.Errorf("vault lookup by key: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LookupByOperation returns every not-yet-restored deletion recorded under
// operationID, used by the restore engine's whole-operation restore path.
func (v *Vault) LookupByOperation(ctx context.Context, operationID string) ([]Record, error) {
	rows, err := v.db.QueryContext(ctx, `
SELECT operation_id, key, codec, original_size, stored_size, content_hash, deleted_at
FROM deletions WHERE operation_id = ? AND restored_at IS NULL
ORDER BY key ASC
`, operationID)
	if err != nil {
		return nil, fmt.Errorf("vault lookup by operation: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var codec string
		if err := rows.Scan(&r.OperationID, &r.Key, &codec, &r.OriginalSize, &r.StoredSize, &r.ContentHash, &r.DeletedAt); err != nil {
			return nil, fmt.Errorf("vault scan record: %w", err)
		}
		r.Codec = compressor.Codec(codec)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault scan records: %w", err)
	}
	return out, nil
}

// MarkRestored stamps restoredAt and restoreOperationID on the record for
// (operationID, key), enforcing that a record is restored at most once:
// the UPDATE only matches rows where restored_at IS NULL, and a zero
// rows-affected result is reported as AlreadyRestored.
func (v *Vault) MarkRestored(ctx context.Context, operationID, key, restoredAt, restoreOperationID string) error {
	res, err := v.db.ExecContext(ctx, `
UPDATE deletions SET restored_at = ?, restore_operation_id = ?
WHERE operation_id = ? AND key = ? AND restored_at IS NULL
`, restoredAt, restoreOperationID, operationID, key)
	if err != nil {
		return fmt.Errorf("vault mark restored: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s3gcerr.Newf(s3gcerr.AlreadyRestored, nil, "key %q in operation %q was already restored or never recorded", key, operationID)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
