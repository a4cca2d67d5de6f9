package restore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/s3gc/pkg/compressor"
	"github.com/block/s3gc/pkg/objstore"
	"github.com/block/s3gc/pkg/s3gcerr"
	"github.com/block/s3gc/pkg/vault"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T) (*Engine, *vault.Vault, *objstore.MemoryStore) {
	t.Helper()
	v, err := vault.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	store := objstore.NewMemoryStore()
	return &Engine{Vault: v, Store: store, WorkerConcurrency: 2}, v, store
}

// seedBackedUpRecord records a vault deletion with a real compressed blob,
// mimicking what pkg/gc's act() does in execute mode.
func seedBackedUpRecord(t *testing.T, v *vault.Vault, operationID, key, payload string) {
	t.Helper()
	f, err := v.OpenBlobWriter(operationID, key, compressor.CodecZstd)
	require.NoError(t, err)
	res, err := compressor.Compress(f, strings.NewReader(payload), compressor.CodecZstd)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, v.RecordDeletion(context.Background(), vault.Record{
		OperationID:  operationID,
		Key:          key,
		Codec:        compressor.CodecZstd,
		OriginalSize: res.OriginalSize,
		StoredSize:   res.StoredSize,
		ContentHash:  res.ContentHash,
		DeletedAt:    time.Now().Format(time.RFC3339),
	}))
}

func TestRestoreOperationRestoresObjectAndMarksRecord(t *testing.T) {
	e, v, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "execute", "digest", time.Now().Format(time.RFC3339)))
	seedBackedUpRecord(t, v, "op1", "avatars/bob.jpg", "original bytes")

	result, err := e.RestoreOperation(ctx, "op1", false, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Restored)
	assert.Empty(t, result.Errors)
	assert.True(t, store.Exists("avatars/bob.jpg"))

	rc, _, err := store.Get(ctx, "avatars/bob.jpg")
	require.NoError(t, err)
	defer rc.Close()
	data := make([]byte, len("original bytes"))
	_, err = rc.Read(data)
	require.NoError(t, err)
	assert.Equal(t, "original bytes", string(data))

	records, err := v.LookupByOperation(ctx, "op1")
	require.NoError(t, err)
	assert.Empty(t, records) // restored_at now set, excluded from lookup
}

func TestRestoreOperationSecondAttemptRestoresNothing(t *testing.T) {
	e, v, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "execute", "digest", time.Now().Format(time.RFC3339)))
	seedBackedUpRecord(t, v, "op1", "avatars/bob.jpg", "payload")

	_, err := e.RestoreOperation(ctx, "op1", false, false)
	require.NoError(t, err)

	result, err := e.RestoreOperation(ctx, "op1", false, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.Restored)
}

func TestRestoreOperationDryRunWritesNothing(t *testing.T) {
	e, v, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "execute", "digest", time.Now().Format(time.RFC3339)))
	seedBackedUpRecord(t, v, "op1", "avatars/bob.jpg", "payload")

	result, err := e.RestoreOperation(ctx, "op1", true, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Restored)
	assert.False(t, store.Exists("avatars/bob.jpg"))

	records, err := v.LookupByOperation(ctx, "op1")
	require.NoError(t, err)
	assert.Len(t, records, 1) // not marked restored
}

func TestRestoreOperationSkipExistingSkipsWithoutMarking(t *testing.T) {
	e, v, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "execute", "digest", time.Now().Format(time.RFC3339)))
	seedBackedUpRecord(t, v, "op1", "avatars/bob.jpg", "payload")
	store.Seed(objstore.ObjectInfo{Key: "avatars/bob.jpg"}, []byte("already there"))

	result, err := e.RestoreOperation(ctx, "op1", false, true)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.Restored)
	assert.EqualValues(t, 1, result.Skipped)

	records, err := v.LookupByOperation(ctx, "op1")
	require.NoError(t, err)
	assert.Len(t, records, 1) // left undone since it was skipped, not restored
}

func TestRestoreOperationSkipsAuditOnlyRecordsWithNoBlob(t *testing.T) {
	e, v, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "audit_only", "digest", time.Now().Format(time.RFC3339)))
	require.NoError(t, v.RecordDeletion(ctx, vault.Record{
		OperationID: "op1",
		Key:         "avatars/carol.jpg",
		Codec:       compressor.CodecNone,
		DeletedAt:   time.Now().Format(time.RFC3339),
	}))

	result, err := e.RestoreOperation(ctx, "op1", false, false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.Restored)
	assert.EqualValues(t, 1, result.Skipped)
	assert.False(t, store.Exists("avatars/carol.jpg"))
}

func TestRestoreSingleKeyRestoresMostRecentRecord(t *testing.T) {
	e, v, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "execute", "digest", time.Now().Format(time.RFC3339)))
	seedBackedUpRecord(t, v, "op1", "avatars/bob.jpg", "payload")

	result, err := e.RestoreSingleKey(ctx, "avatars/bob.jpg", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Restored)
	assert.True(t, store.Exists("avatars/bob.jpg"))
}

func TestRestoreSingleKeyNoRecordsIsNoop(t *testing.T) {
	e, _, _ := newTestEngine(t)
	result, err := e.RestoreSingleKey(context.Background(), "missing/key", false)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.Restored)
	assert.EqualValues(t, 0, result.Skipped)
}

func TestRestoreOneDetectsContentHashMismatch(t *testing.T) {
	e, v, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op1", "execute", "digest", time.Now().Format(time.RFC3339)))
	seedBackedUpRecord(t, v, "op1", "avatars/bob.jpg", "payload")

	records, err := v.LookupByOperation(ctx, "op1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	records[0].ContentHash = "tampered"

	result := &Result{RestoreOperationID: "restore1"}
	err = e.restoreOne(ctx, result, records[0], false, false)
	require.Error(t, err)
	assert.True(t, s3gcerr.Is(err, s3gcerr.RestoreError))
}
