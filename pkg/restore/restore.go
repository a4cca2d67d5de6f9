// Package restore implements the restore engine (C8): the inverse of the GC
// cycle orchestrator. It reads undone vault records, decompresses and
// hash-verifies their backup blobs, writes the bytes back to the bucket
// under their original key, and marks each record restored exactly once.
// Structurally it mirrors pkg/gc (single-shot run, bounded worker pool,
// per-object error collection bounded the same way) run in reverse: list
// candidates from the vault instead of the bucket, act by writing instead
// of deleting.
package restore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/block/s3gc/pkg/compressor"
	"github.com/block/s3gc/pkg/metrics"
	"github.com/block/s3gc/pkg/objstore"
	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/utils"
	"github.com/block/s3gc/pkg/vault"
)

const maxErrors = 1000

// Result is one restore run's outcome report.
type Result struct {
	RestoreOperationID string
	Restored           int64
	Skipped            int64
	Errors             []string

	mu sync.Mutex
}

func (r *Result) addError(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Errors) >= maxErrors {
		return
	}
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) incr(counter *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*counter++
}

// Engine restores vault records back into the object store.
type Engine struct {
	Vault             *vault.Vault
	Store             objstore.Store
	WorkerConcurrency int
	Metrics           metrics.Sink
	Logger            loggers.Advanced
}

func (e *Engine) workers() int {
	if e.WorkerConcurrency > 0 {
		return e.WorkerConcurrency
	}
	return 8
}

func (e *Engine) sink() metrics.Sink {
	if e.Metrics != nil {
		return e.Metrics
	}
	return metrics.NoopSink{}
}

// RestoreOperation restores every undone vault record written by
// operationID. When dryRun is true, nothing is written or marked; the
// result reports what would happen. When skipExisting is true, a record
// whose key already exists in the bucket is skipped (not marked restored)
// rather than overwritten. A fresh restore operation ID is minted once per
// call and recorded on every row this call actually restores.
func (e *Engine) RestoreOperation(ctx context.Context, operationID string, dryRun, skipExisting bool) (*Result, error) {
	records, err := e.Vault.LookupByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	return e.restoreRecords(ctx, records, dryRun, skipExisting)
}

// RestoreSingleKey restores the most recent undone vault record for key.
// LookupByKey already orders most-recent-first, so only the first record
// (if any) is restored.
func (e *Engine) RestoreSingleKey(ctx context.Context, key string, dryRun bool) (*Result, error) {
	records, err := e.Vault.LookupByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(records) > 1 {
		records = records[:1]
	}
	return e.restoreRecords(ctx, records, dryRun, false)
}

func (e *Engine) restoreRecords(ctx context.Context, records []vault.Record, dryRun, skipExisting bool) (*Result, error) {
	result := &Result{RestoreOperationID: ulid.Make().String()}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			if err := e.restoreOne(gctx, result, rec, dryRun, skipExisting); err != nil {
				result.addError("restoring %q (operation %q): %v", rec.Key, rec.OperationID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	e.sink().RestoreCompleted(result.Restored, result.Skipped)
	return result, nil
}

// restoreOne restores a single record. Records with no backup blob
// (audit_only deletions, codec "none") can never be restored — the
// corresponding object was never actually removed from the bucket, so
// there is nothing to recover and the record is reported as skipped.
func (e *Engine) restoreOne(ctx context.Context, result *Result, rec vault.Record, dryRun, skipExisting bool) error {
	if rec.Codec == compressor.CodecNone || rec.StoredSize == 0 {
		result.incr(&result.Skipped)
		return nil
	}

	if skipExisting {
		if _, err := e.Store.Head(ctx, rec.Key); err == nil {
			result.incr(&result.Skipped)
			return nil
		}
	}

	if dryRun {
		result.incr(&result.Restored)
		return nil
	}

	f, err := e.Vault.OpenBlobReader(rec.OperationID, rec.Key, rec.Codec)
	if err != nil {
		return err
	}
	defer utils.CloseAndLog(f, e.Logger)

	var buf bytes.Buffer
	if err := compressor.Decompress(&buf, f, rec.Codec); err != nil {
		return err
	}

	hash, err := compressor.HashReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	if hash != rec.ContentHash {
		return s3gcerr.Newf(s3gcerr.RestoreError, nil, "content hash mismatch for %q: expected %s, got %s", rec.Key, rec.ContentHash, hash)
	}

	if err := e.Store.Put(ctx, rec.Key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return err
	}

	if err := e.Vault.MarkRestored(ctx, rec.OperationID, rec.Key, time.Now().Format(time.RFC3339), result.RestoreOperationID); err != nil {
		return err
	}
	result.incr(&result.Restored)
	return nil
}
