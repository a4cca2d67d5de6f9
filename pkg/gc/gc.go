// Package gc implements the GC cycle orchestrator (C7): the state machine
// that lists bucket objects, filters them against the reference registry
// and (as a final check) the source databases directly, backs up and
// deletes the objects that survive filtering, and records everything in
// the vault. Its phase separation — list, resolve/verify candidates, act
// on survivors — keeps the listing pass read-only and pushes every
// mutating decision into the verify/act stage. The bounded worker pool is
// built on golang.org/x/sync/errgroup.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/siddontang/loggers"
	"golang.org/x/sync/errgroup"

	"github.com/block/s3gc/pkg/compressor"
	"github.com/block/s3gc/pkg/config"
	"github.com/block/s3gc/pkg/dbverify"
	"github.com/block/s3gc/pkg/metrics"
	"github.com/block/s3gc/pkg/objstore"
	"github.com/block/s3gc/pkg/registry"
	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/utils"
	"github.com/block/s3gc/pkg/vault"
)

// State is one step of the GC cycle state machine.
type State string

const (
	StatePending   State = "pending"
	StateListing   State = "listing"
	StateVerifying State = "verifying"
	StateActing    State = "acting"
	StateClosed    State = "closed"
	// StateCancelled is a cycle closed early by a deadline or shutdown;
	// in-flight object actions were allowed to finish, no new candidates
	// were dequeued, and the partial counters are final.
	StateCancelled State = "cancelled"
)

// maxErrors bounds the per-cycle error log so a pathological bucket can't
// grow an operation record without limit.
const maxErrors = 1000

// Cycle is one GC cycle's progress and final report. Listed counts keys
// that survived the exclusion and retention gates; Candidates those whose
// registry count was zero; Orphans those that also passed the direct
// database re-verification. Deleted only ever advances in execute mode,
// after the bucket delete has returned OK.
type Cycle struct {
	OperationID string
	Mode        config.Mode
	State       State
	StartedAt   time.Time
	EndedAt     time.Time

	Listed     int64
	Candidates int64
	Orphans    int64
	Deleted    int64
	Skipped    int64
	Errors     []string

	mu sync.Mutex
}

func (c *Cycle) addError(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Errors) >= maxErrors {
		return
	}
	c.Errors = append(c.Errors, fmt.Sprintf(format, args...))
}

func (c *Cycle) incr(counter *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*counter++
}

// Orchestrator runs GC cycles against one bucket. Only one cycle may run
// at a time; a second call to Run while one is in flight fails fast with
// s3gcerr.CycleBusy rather than queuing.
type Orchestrator struct {
	Registry *registry.Registry
	Vault    *vault.Vault
	Store    objstore.Store
	Verifier dbverify.Verifier
	Config   *config.Config
	Logger   loggers.Advanced
	Metrics  metrics.Sink

	mu      sync.Mutex
	running bool
}

func (o *Orchestrator) sink() metrics.Sink {
	if o.Metrics != nil {
		return o.Metrics
	}
	return metrics.NoopSink{}
}

// Run executes one full GC cycle: list, verify, act, close. It blocks
// until the cycle completes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) (*Cycle, error) {
	if !o.tryStart() {
		return nil, s3gcerr.New(s3gcerr.CycleBusy, "a GC cycle is already running", nil)
	}
	defer o.finish()

	cycle := &Cycle{
		OperationID: ulid.Make().String(),
		Mode:        o.Config.Mode,
		State:       StatePending,
		StartedAt:   time.Now(),
	}

	digest := configDigest(o.Config)
	if err := o.Vault.BeginOperation(ctx, cycle.OperationID, string(cycle.Mode), digest, cycle.StartedAt.Format(time.RFC3339)); err != nil {
		return nil, err
	}
	o.sink().CycleStarted(string(cycle.Mode))

	final := StateClosed
	if err := o.runListVerifyAct(ctx, cycle); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || s3gcerr.Is(err, s3gcerr.Cancelled) {
			final = StateCancelled
			cycle.addError("cycle cancelled: %v", err)
		} else {
			cycle.addError("cycle error: %v", err)
		}
	}
	cycle.State = final

	cycle.EndedAt = time.Now()
	o.sink().CycleCompleted(string(cycle.Mode), cycle.EndedAt.Sub(cycle.StartedAt), cycle.Listed, cycle.Candidates, cycle.Orphans, cycle.Deleted, cycle.Skipped, int64(len(cycle.Errors)))
	// The closing write must survive the very cancellation that ended the
	// cycle, or a cancelled cycle would never be recorded as closed.
	if err := o.Vault.EndOperation(context.WithoutCancel(ctx), cycle.OperationID, cycle.EndedAt.Format(time.RFC3339), vault.OperationCounters{
		Listed: cycle.Listed, Candidates: cycle.Candidates, Orphans: cycle.Orphans,
		Deleted: cycle.Deleted, Skipped: cycle.Skipped,
		ErrorsLen: int64(len(cycle.Errors)),
	}); err != nil {
		return cycle, err
	}
	return cycle, nil
}

func (o *Orchestrator) tryStart() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
}

// runListVerifyAct drives the Listing -> Verifying -> Acting pipeline.
// Listing runs in the calling goroutine and pushes candidates onto a
// channel buffered to 2x the configured worker concurrency; a bounded
// pool of workers (errgroup, default
// concurrency 8) drains it, each worker running the verify-then-act steps
// for one candidate end to end.
func (o *Orchestrator) runListVerifyAct(ctx context.Context, cycle *Cycle) error {
	workers := o.Config.WorkerConcurrency
	if workers <= 0 {
		workers = 8
	}
	queue := make(chan objstore.ObjectInfo, workers*2)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers + 1) // +1 for the lister goroutine itself

	g.Go(func() error {
		defer close(queue)
		cycle.State = StateListing
		return o.Store.List(gctx, "", func(info objstore.ObjectInfo) bool {
			if gctx.Err() != nil {
				return false
			}
			if o.isExcluded(info.Key) {
				return true
			}
			if !o.isOldEnough(info.LastModified) {
				return true
			}
			cycle.incr(&cycle.Listed)
			select {
			case queue <- info:
				return true
			case <-gctx.Done():
				return false
			}
		})
	})

	cycle.State = StateVerifying
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for info := range queue {
				if err := o.processOne(gctx, cycle, info); err != nil {
					cycle.addError("processing %q: %v", info.Key, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	// The lister stops yielding quietly on cancellation, so a cancelled
	// context has to be surfaced here for the cycle to close as cancelled.
	return ctx.Err()
}

func (o *Orchestrator) isExcluded(key string) bool {
	for _, prefix := range o.Config.ExcludePrefixes {
		if prefix != "" && len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// isOldEnough reports whether an object has sat in the bucket longer than
// the configured retention floor. A zero LastModified (a store that failed
// to report one) is treated as too young rather than ancient: this fails
// closed, since the alternative reads a missing timestamp as "infinitely
// old" and deletes on the first pass.
func (o *Orchestrator) isOldEnough(lastModified time.Time) bool {
	if lastModified.IsZero() {
		return false
	}
	if o.Config.RetentionDays <= 0 {
		return true
	}
	cutoff := time.Now().Add(-time.Duration(o.Config.RetentionDays) * 24 * time.Hour)
	return lastModified.Before(cutoff)
}

// processOne verifies one listed candidate against the registry and (on a
// zero registry count) the source database directly, then acts according
// to the configured mode. Registry count > 0 always wins ties over a
// stale verifier result: the registry is authoritative for what is
// currently "live" unless it returns exactly zero, at which point the
// direct database check is the final word.
func (o *Orchestrator) processOne(ctx context.Context, cycle *Cycle, info objstore.ObjectInfo) error {
	count, err := o.Registry.CountOf(ctx, info.Key)
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}

	if count > 0 {
		cycle.incr(&cycle.Skipped)
		return nil
	}
	cycle.incr(&cycle.Candidates)

	if o.Verifier != nil {
		referenced, err := o.Verifier.StillReferenced(ctx, info.Key)
		if err != nil {
			return fmt.Errorf("direct verification: %w", err)
		}
		if referenced {
			cycle.incr(&cycle.Skipped)
			cycle.addError("registry_stale(%q)", info.Key)
			if o.Logger != nil {
				o.Logger.Warnf("gc: registry count 0 but %q is still referenced in the source database; registry may be stale", info.Key)
			}
			if err := o.Registry.Increment(ctx, info.Key, "", ""); err != nil {
				cycle.addError("reconciling stale registry entry for %q: %v", info.Key, err)
			} else {
				o.sink().RegistryStaleReconciled()
			}
			return nil
		}
	}

	cycle.incr(&cycle.Orphans)
	return o.act(ctx, cycle, info)
}

// act deletes (or simulates deleting) a confirmed-unreferenced object
// according to the cycle's mode.
//
//   - dry_run records nothing in the vault and deletes nothing from S3; the
//     orphan is already counted, so there is nothing more to do.
//   - audit_only records an audit row with no backup blob (stored_size = 0,
//     codec "none" — resolved this way since a never-deleted object needs
//     no recovery copy) and leaves the S3 object in place.
//   - execute backs the object up to a content-addressed blob, records the
//     audit row, and deletes the S3 object. Only this mode ever advances
//     the deleted counter.
func (o *Orchestrator) act(ctx context.Context, cycle *Cycle, info objstore.ObjectInfo) error {
	cycle.State = StateActing
	if cycle.Mode == config.ModeDryRun {
		return nil
	}

	if cycle.Mode == config.ModeAuditOnly {
		if err := o.Vault.RecordDeletion(ctx, vault.Record{
			OperationID:  cycle.OperationID,
			Key:          info.Key,
			Codec:        compressor.CodecNone,
			OriginalSize: info.Size,
			StoredSize:   0,
			DeletedAt:    time.Now().Format(time.RFC3339),
		}); err != nil {
			if s3gcerr.Is(err, s3gcerr.VaultConflict) {
				// Same key listed twice under eventual consistency: the PK
				// already rejected it, so the second attempt is dropped
				// silently rather than surfaced as a cycle error.
				return nil
			}
			return err
		}
		return nil
	}

	rc, _, err := o.Store.Get(ctx, info.Key)
	if err != nil {
		o.sink().ObjectBackupFailed()
		return fmt.Errorf("fetching object for backup: %w", err)
	}
	defer utils.CloseAndLog(rc, o.Logger)

	f, err := o.Vault.OpenBlobWriter(cycle.OperationID, info.Key, compressor.CodecZstd)
	if err != nil {
		o.sink().ObjectBackupFailed()
		return err
	}
	res, err := compressor.Compress(f, rc, compressor.CodecZstd)
	closeErr := f.Close()
	if err != nil {
		o.sink().ObjectBackupFailed()
		return err
	}
	if closeErr != nil {
		o.sink().ObjectBackupFailed()
		return fmt.Errorf("closing backup blob: %w", closeErr)
	}

	if err := o.Vault.RecordDeletion(ctx, vault.Record{
		OperationID:  cycle.OperationID,
		Key:          info.Key,
		Codec:        compressor.CodecZstd,
		OriginalSize: res.OriginalSize,
		StoredSize:   res.StoredSize,
		ContentHash:  res.ContentHash,
		DeletedAt:    time.Now().Format(time.RFC3339),
	}); err != nil {
		if s3gcerr.Is(err, s3gcerr.VaultConflict) {
			// Same key listed twice under eventual consistency: the PK
			// already rejected it, so the second attempt is dropped
			// silently rather than surfaced as a cycle error. The blob we
			// just wrote for this duplicate is orphaned but harmless —
			// the first attempt's record/blob pair is the one that counts.
			return nil
		}
		return err
	}

	if err := o.Store.Delete(ctx, info.Key); err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	cycle.incr(&cycle.Deleted)
	o.sink().ObjectDeleted()
	return nil
}

// configDigest produces a short, stable fingerprint of the configuration
// snapshot active for this cycle, stored alongside the operation so a
// later audit can tell which settings produced a given deletion.
func configDigest(c *config.Config) string {
	return fmt.Sprintf("%s|%s|%d|%d", c.Bucket, c.Mode, c.RetentionDays, len(c.WatchedColumns))
}
