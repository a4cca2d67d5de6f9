package vault

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/s3gc/pkg/compressor"
	"github.com/block/s3gc/pkg/s3gcerr"
)

// rawRow reads the immutable columns of a deletions row directly, bypassing
// LookupByKey/LookupByOperation (which filter to undone records only) so a
// test can observe a record both before and after it is restored.
type rawRow struct {
	operationID, key, codec, contentHash, deletedAt string
	originalSize, storedSize                        int64
	restoredAt, restoreOperationID                  *string
}

func readRawRow(t *testing.T, v *Vault, operationID, key string) rawRow {
	t.Helper()
	var r rawRow
	err := v.db.QueryRow(`
SELECT operation_id, key, codec, original_size, stored_size, content_hash, deleted_at, restored_at, restore_operation_id
FROM deletions WHERE operation_id = ? AND key = ?
`, operationID, key).Scan(&r.operationID, &r.key, &r.codec, &r.originalSize, &r.storedSize, &r.contentHash, &r.deletedAt, &r.restoredAt, &r.restoreOperationID)
	require.NoError(t, err)
	return r
}

// TestMarkRestoredTransitionsOnlyOnceAndLeavesOtherFieldsUnchanged covers,
// across a RecordDeletion followed by any number of MarkRestored attempts:
// operation_id, key, content_hash, and deleted_at never change, and
// restored_at/restore_operation_id transition from null to set exactly
// once — a second MarkRestored call is rejected with AlreadyRestored and
// leaves the row as the first call left it.
func TestMarkRestoredTransitionsOnlyOnceAndLeavesOtherFieldsUnchanged(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		rng := rand.New(rand.NewSource(seed))
		v := openTestVault(t)
		ctx := context.Background()
		opID := fmt.Sprintf("01ARZ3NDEKTSV4RRFFQ69G5F%02d", seed)
		key := fmt.Sprintf("bucket/object-%d", seed)
		require.NoError(t, v.BeginOperation(ctx, opID, "execute", "digest", "2026-07-31T00:00:00Z"))

		payload := make([]byte, 16+rng.Intn(4096))
		rng.Read(payload)

		f, err := v.OpenBlobWriter(opID, key, compressor.CodecZstd)
		require.NoError(t, err)
		res, err := compressor.Compress(f, bytes.NewReader(payload), compressor.CodecZstd)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		require.NoError(t, v.RecordDeletion(ctx, Record{
			OperationID: opID, Key: key, Codec: compressor.CodecZstd,
			OriginalSize: res.OriginalSize, StoredSize: res.StoredSize,
			ContentHash: res.ContentHash, DeletedAt: "2026-07-31T00:01:00Z",
		}))

		before := readRawRow(t, v, opID, key)
		assert.Nil(t, before.restoredAt)
		assert.Nil(t, before.restoreOperationID)

		require.NoError(t, v.MarkRestored(ctx, opID, key, "2026-07-31T01:00:00Z", "01RESTOREOPERATIONID0001"))
		after := readRawRow(t, v, opID, key)
		assert.NotNil(t, after.restoredAt)
		assert.NotNil(t, after.restoreOperationID)
		assertImmutableFieldsUnchanged(t, before, after)

		// A second, different restore operation attempting to mark the
		// same row must be rejected and must not move restored_at or
		// restore_operation_id from what the first call set.
		err = v.MarkRestored(ctx, opID, key, "2026-07-31T02:00:00Z", "01RESTOREOPERATIONID0002")
		require.Error(t, err)
		kind, ok := s3gcerr.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, s3gcerr.AlreadyRestored, kind)

		stillAfter := readRawRow(t, v, opID, key)
		assert.Equal(t, after, stillAfter)
	}
}

func assertImmutableFieldsUnchanged(t *testing.T, before, after rawRow) {
	t.Helper()
	assert.Equal(t, before.operationID, after.operationID)
	assert.Equal(t, before.key, after.key)
	assert.Equal(t, before.contentHash, after.contentHash)
	assert.Equal(t, before.deletedAt, after.deletedAt)
	assert.Equal(t, before.codec, after.codec)
	assert.Equal(t, before.originalSize, after.originalSize)
	assert.Equal(t, before.storedSize, after.storedSize)
}

// TestRecordedBlobRoundTripsAcrossPayloadSizes covers, over a range of
// payload sizes, that every RecordDeletion of a non-audit-only record has a
// blob on disk whose decompressed, re-hashed bytes equal the original
// payload and whose hash equals the record's stored content_hash.
func TestRecordedBlobRoundTripsAcrossPayloadSizes(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	const opID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"
	require.NoError(t, v.BeginOperation(ctx, opID, "execute", "digest", "2026-07-31T00:00:00Z"))

	rng := rand.New(rand.NewSource(42))
	sizes := []int{0, 1, 17, 4096, 1 << 20}
	for i, size := range sizes {
		key := fmt.Sprintf("bucket/payload-%d", i)
		payload := make([]byte, size)
		rng.Read(payload)

		f, err := v.OpenBlobWriter(opID, key, compressor.CodecZstd)
		require.NoError(t, err)
		res, err := compressor.Compress(f, bytes.NewReader(payload), compressor.CodecZstd)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		require.NoError(t, v.RecordDeletion(ctx, Record{
			OperationID: opID, Key: key, Codec: compressor.CodecZstd,
			OriginalSize: res.OriginalSize, StoredSize: res.StoredSize,
			ContentHash: res.ContentHash, DeletedAt: "2026-07-31T00:01:00Z",
		}))

		blobPath := v.BlobPath(opID, key, compressor.CodecZstd)
		_, statErr := os.Stat(blobPath)
		require.NoError(t, statErr, "blob for %q must exist on disk", key)

		rf, err := v.OpenBlobReader(opID, key, compressor.CodecZstd)
		require.NoError(t, err)
		out := bytes.NewBuffer([]byte{})
		require.NoError(t, compressor.Decompress(out, rf, compressor.CodecZstd))
		require.NoError(t, rf.Close())

		assert.Equal(t, payload, out.Bytes())
		hash, err := compressor.HashReader(bytes.NewReader(out.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, res.ContentHash, hash)
	}
}
