package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/s3gc/pkg/compressor"
	"github.com/block/s3gc/pkg/s3gcerr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestBeginAndEndOperation(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.BeginOperation(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "execute", "digest-1", "2026-07-31T00:00:00Z"))
	require.NoError(t, v.EndOperation(ctx, "01ARZ3NDEKTSV4RRFFQ69G5FAV", "2026-07-31T00:05:00Z", OperationCounters{
		Listed: 10, Candidates: 4, Orphans: 3, Deleted: 3, Skipped: 6,
	}))

	err := v.EndOperation(ctx, "unknown-op", "2026-07-31T00:05:00Z", OperationCounters{})
	require.Error(t, err)
}

func TestRecordDeletionAndBlobRoundTrip(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	const opID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	require.NoError(t, v.BeginOperation(ctx, opID, "execute", "digest-1", "2026-07-31T00:00:00Z"))

	payload := []byte("backed up object bytes")
	f, err := v.OpenBlobWriter(opID, "bucket/key1", compressor.CodecZstd)
	require.NoError(t, err)
	res, err := compressor.Compress(f, bytes.NewReader(payload), compressor.CodecZstd)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec := Record{
		OperationID:  opID,
		Key:          "bucket/key1",
		Codec:        compressor.CodecZstd,
		OriginalSize: res.OriginalSize,
		StoredSize:   res.StoredSize,
		ContentHash:  res.ContentHash,
		DeletedAt:    "2026-07-31T00:01:00Z",
	}
	require.NoError(t, v.RecordDeletion(ctx, rec))

	// Duplicate (operation_id, key) must fail with VaultConflict.
	err = v.RecordDeletion(ctx, rec)
	require.Error(t, err)
	kind, ok := s3gcerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, s3gcerr.VaultConflict, kind)

	rf, err := v.OpenBlobReader(opID, "bucket/key1", compressor.CodecZstd)
	require.NoError(t, err)
	defer rf.Close()
	var out bytes.Buffer
	require.NoError(t, compressor.Decompress(&out, rf, compressor.CodecZstd))
	assert.Equal(t, payload, out.Bytes())

	expectedPath := filepath.Join(v.root, "backups", opID, "")
	assert.DirExists(t, expectedPath)
}

func TestLookupByKeyAndByOperation(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	const opID = "op-1"
	require.NoError(t, v.BeginOperation(ctx, opID, "execute", "digest", "2026-07-31T00:00:00Z"))

	for _, key := range []string{"bucket/a", "bucket/b"} {
		require.NoError(t, v.RecordDeletion(ctx, Record{
			OperationID: opID, Key: key, Codec: compressor.CodecNone,
			DeletedAt: "2026-07-31T00:01:00Z",
		}))
	}

	byOp, err := v.LookupByOperation(ctx, opID)
	require.NoError(t, err)
	assert.Len(t, byOp, 2)

	byKey, err := v.LookupByKey(ctx, "bucket/a")
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	assert.Equal(t, opID, byKey[0].OperationID)
}

func TestMarkRestoredOnceThenAlreadyRestored(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	const opID = "op-2"
	require.NoError(t, v.BeginOperation(ctx, opID, "execute", "digest", "2026-07-31T00:00:00Z"))
	require.NoError(t, v.RecordDeletion(ctx, Record{
		OperationID: opID, Key: "bucket/c", Codec: compressor.CodecNone,
		DeletedAt: "2026-07-31T00:01:00Z",
	}))

	require.NoError(t, v.MarkRestored(ctx, opID, "bucket/c", "2026-07-31T01:00:00Z", "restore-op-1"))

	err := v.MarkRestored(ctx, opID, "bucket/c", "2026-07-31T02:00:00Z", "restore-op-2")
	require.Error(t, err)
	kind, ok := s3gcerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, s3gcerr.AlreadyRestored, kind)

	// A restored record no longer shows up in an active lookup.
	byKey, err := v.LookupByKey(ctx, "bucket/c")
	require.NoError(t, err)
	assert.Empty(t, byKey)
}

func TestLastOperationAndListOperationsAndTotals(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.BeginOperation(ctx, "01A", "execute", "digest", "2026-07-31T00:00:00Z"))
	require.NoError(t, v.EndOperation(ctx, "01A", "2026-07-31T00:01:00Z", OperationCounters{Deleted: 2}))
	require.NoError(t, v.BeginOperation(ctx, "01B", "dry_run", "digest", "2026-07-31T01:00:00Z"))
	require.NoError(t, v.EndOperation(ctx, "01B", "2026-07-31T01:01:00Z", OperationCounters{Deleted: 5}))

	last, ok, err := v.LastOperation(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "01B", last.OperationID)

	ops, next, err := v.ListOperations(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "01B", ops[0].OperationID)
	assert.Equal(t, "01B", next)

	ops, next, err = v.ListOperations(ctx, 1, next)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "01A", ops[0].OperationID)
	assert.Empty(t, next)

	total, err := v.TotalDeleted(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, total)

	runs, err := v.TotalRuns(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, runs)
}

func TestLastOperationNoOperationsReturnsNotOK(t *testing.T) {
	v := openTestVault(t)
	_, ok, err := v.LastOperation(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlobPathIsContentAddressedAndStable(t *testing.T) {
	v := openTestVault(t)
	p1 := v.BlobPath("op-1", "bucket/key", compressor.CodecZstd)
	p2 := v.BlobPath("op-1", "bucket/key", compressor.CodecZstd)
	assert.Equal(t, p1, p2)
	p3 := v.BlobPath("op-1", "bucket/other-key", compressor.CodecZstd)
	assert.NotEqual(t, p1, p3)
}
