package gc

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/s3gc/pkg/config"
	"github.com/block/s3gc/pkg/objstore"
	"github.com/block/s3gc/pkg/registry"
	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

// fakeVerifier is this package's own local Verifier stub; dbverify's test
// helper of the same shape is not visible across package boundaries.
type fakeVerifier struct {
	referenced map[string]bool
}

func (f *fakeVerifier) StillReferenced(_ context.Context, key string) (bool, error) {
	return f.referenced[key], nil
}

func newTestOrchestrator(t *testing.T, mode config.Mode) (*Orchestrator, *objstore.MemoryStore, *registry.Registry, *vault.Vault) {
	t.Helper()
	reg, err := registry.Open(t.TempDir()+"/registry.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	v, err := vault.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	store := objstore.NewMemoryStore()

	o := &Orchestrator{
		Registry: reg,
		Vault:    v,
		Store:    store,
		Verifier: &fakeVerifier{},
		Config: &config.Config{
			Bucket:            "test-bucket",
			Mode:              mode,
			RetentionDays:     0,
			WorkerConcurrency: 2,
			WatchedColumns:    []config.WatchedColumn{{Table: "uploads", Column: "s3_key"}},
		},
	}
	return o, store, reg, v
}

func TestRunSkipsObjectsStillInRegistry(t *testing.T) {
	o, store, reg, _ := newTestOrchestrator(t, config.ModeExecute)
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "bucket/live", LastModified: time.Now().Add(-48 * time.Hour)}, []byte("data"))
	require.NoError(t, reg.Increment(ctx, "bucket/live", "uploads", "s3_key"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cycle.State)
	assert.EqualValues(t, 1, cycle.Listed)
	assert.EqualValues(t, 1, cycle.Skipped)
	assert.EqualValues(t, 0, cycle.Candidates)
	assert.EqualValues(t, 0, cycle.Deleted)
	assert.True(t, store.Exists("bucket/live"))
}

func TestRunDeletesUnreferencedObjectInExecuteMode(t *testing.T) {
	o, store, _, v := newTestOrchestrator(t, config.ModeExecute)
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "bucket/orphan", LastModified: time.Now().Add(-48 * time.Hour)}, []byte("payload"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cycle.Candidates)
	assert.EqualValues(t, 1, cycle.Orphans)
	assert.EqualValues(t, 1, cycle.Deleted)
	assert.False(t, store.Exists("bucket/orphan"))

	records, err := v.LookupByOperation(ctx, cycle.OperationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "bucket/orphan", records[0].Key)
}

func TestRunAuditOnlyKeepsObjectButRecordsDeletion(t *testing.T) {
	o, store, _, v := newTestOrchestrator(t, config.ModeAuditOnly)
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "bucket/orphan", LastModified: time.Now().Add(-48 * time.Hour)}, []byte("payload"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cycle.Orphans)
	assert.EqualValues(t, 0, cycle.Deleted)
	assert.True(t, store.Exists("bucket/orphan"))

	records, err := v.LookupByOperation(ctx, cycle.OperationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestRunDryRunTouchesNeitherStoreNorVault(t *testing.T) {
	o, store, _, v := newTestOrchestrator(t, config.ModeDryRun)
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "bucket/orphan", LastModified: time.Now().Add(-48 * time.Hour)}, []byte("payload"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cycle.Candidates)
	assert.EqualValues(t, 1, cycle.Orphans)
	assert.EqualValues(t, 0, cycle.Deleted)
	assert.True(t, store.Exists("bucket/orphan"))

	records, err := v.LookupByOperation(ctx, cycle.OperationID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRunSkipsObjectStillReferencedInDatabaseDespiteZeroRegistryCount(t *testing.T) {
	o, store, reg, _ := newTestOrchestrator(t, config.ModeExecute)
	o.Verifier = &fakeVerifier{referenced: map[string]bool{"bucket/stale": true}}
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "bucket/stale", LastModified: time.Now().Add(-48 * time.Hour)}, []byte("payload"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cycle.Candidates)
	assert.EqualValues(t, 0, cycle.Orphans)
	assert.EqualValues(t, 1, cycle.Skipped)
	assert.EqualValues(t, 0, cycle.Deleted)
	assert.True(t, store.Exists("bucket/stale"))

	require.Len(t, cycle.Errors, 1)
	assert.Contains(t, cycle.Errors[0], `registry_stale("bucket/stale")`)

	count, err := reg.CountOf(ctx, "bucket/stale")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

// TestRunDryRunReportsOrphanWithoutCountingDeletions pins the reporting
// contract: one referenced object and one orphan, both old enough, produce
// exactly one candidate and one verified orphan but no deletions in dry_run.
func TestRunDryRunReportsOrphanWithoutCountingDeletions(t *testing.T) {
	o, store, reg, _ := newTestOrchestrator(t, config.ModeDryRun)
	o.Config.RetentionDays = 7
	ctx := context.Background()

	aged := time.Now().Add(-30 * 24 * time.Hour)
	store.Seed(objstore.ObjectInfo{Key: "avatars/alice.jpg", LastModified: aged}, []byte("alice"))
	store.Seed(objstore.ObjectInfo{Key: "avatars/bob.jpg", LastModified: aged}, []byte("bob"))
	require.NoError(t, reg.Increment(ctx, "avatars/alice.jpg", "users", "avatar_url"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cycle.Listed)
	assert.EqualValues(t, 1, cycle.Candidates)
	assert.EqualValues(t, 1, cycle.Orphans)
	assert.EqualValues(t, 0, cycle.Deleted)
	assert.True(t, store.Exists("avatars/alice.jpg"))
	assert.True(t, store.Exists("avatars/bob.jpg"))
}

func TestRunRespectsRetentionDays(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(t, config.ModeExecute)
	o.Config.RetentionDays = 7
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "bucket/fresh", LastModified: time.Now()}, []byte("payload"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cycle.Listed)
	assert.EqualValues(t, 0, cycle.Deleted)
	assert.True(t, store.Exists("bucket/fresh"))
}

func TestRunRespectsExcludePrefixes(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(t, config.ModeExecute)
	o.Config.ExcludePrefixes = []string{"keep/"}
	ctx := context.Background()

	store.Seed(objstore.ObjectInfo{Key: "keep/me", LastModified: time.Now().Add(-48 * time.Hour)}, []byte("payload"))

	cycle, err := o.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, cycle.Listed)
	assert.True(t, store.Exists("keep/me"))
}

func TestRunIsSingleFlight(t *testing.T) {
	o, store, _, _ := newTestOrchestrator(t, config.ModeExecute)
	for i := 0; i < 50; i++ {
		store.Seed(objstore.ObjectInfo{Key: fmt.Sprintf("bucket/item-%d", i), LastModified: time.Now().Add(-48 * time.Hour)}, []byte("x"))
	}

	o.mu.Lock()
	o.running = true
	o.mu.Unlock()

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.True(t, s3gcerr.Is(err, s3gcerr.CycleBusy))
}

func TestRunBoundedErrorsListDoesNotGrowUnbounded(t *testing.T) {
	c := &Cycle{}
	for i := 0; i < maxErrors+50; i++ {
		c.addError("err %d", i)
	}
	assert.Len(t, c.Errors, maxErrors)
}

func TestIsExcludedAndIsOldEnough(t *testing.T) {
	o := &Orchestrator{Config: &config.Config{ExcludePrefixes: []string{"tmp/"}, RetentionDays: 1}}
	assert.True(t, o.isExcluded("tmp/a"))
	assert.False(t, o.isExcluded("keep/a"))
	assert.False(t, o.isOldEnough(time.Now()))
	assert.True(t, o.isOldEnough(time.Now().Add(-48*time.Hour)))
}

func TestIsOldEnoughFailsClosedOnZeroTimestamp(t *testing.T) {
	o := &Orchestrator{Config: &config.Config{RetentionDays: 0}}
	assert.False(t, o.isOldEnough(time.Time{}))
}

func TestActDropsDuplicateKeySilentlyOnVaultConflict(t *testing.T) {
	o, store, _, v := newTestOrchestrator(t, config.ModeAuditOnly)
	ctx := context.Background()
	info := objstore.ObjectInfo{Key: "bucket/dup", LastModified: time.Now().Add(-48 * time.Hour), Size: 4}
	store.Seed(info, []byte("data"))

	cycle := &Cycle{OperationID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Mode: config.ModeAuditOnly}
	require.NoError(t, o.act(ctx, cycle, info))
	require.NoError(t, o.act(ctx, cycle, info))

	records, err := v.LookupByOperation(ctx, cycle.OperationID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestConfigDigestIsStable(t *testing.T) {
	cfg := &config.Config{Bucket: "b", Mode: config.ModeExecute, RetentionDays: 7, WatchedColumns: []config.WatchedColumn{{Table: "t", Column: "c"}}}
	a := configDigest(cfg)
	b := configDigest(cfg)
	assert.Equal(t, a, b)
	assert.True(t, strings.Contains(a, "b"))
}
