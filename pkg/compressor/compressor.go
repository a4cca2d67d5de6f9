// Package compressor implements the stateless streaming compress/decompress
// API used by the vault (C2) before a deleted object's bytes are written to
// a backup blob.
package compressor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/block/s3gc/pkg/s3gcerr"
)

// Codec names a compression scheme. Stored alongside every vault record so
// the vault may evolve codecs without invalidating older backups.
type Codec string

const (
	CodecZstd Codec = "zstd"
	// CodecNone stores bytes uncompressed; used for already-incompressible
	// content or for audit_only records where stored_size is always 0 and
	// no blob is ever written.
	CodecNone Codec = "none"
)

// Result carries the accounting a vault record needs after a Compress call.
type Result struct {
	Codec        Codec
	StoredSize   int64
	OriginalSize int64
	ContentHash  string // hex-encoded SHA-256 of the pre-compression bytes
}

// Compress reads all of r, computing the SHA-256 of the uncompressed bytes
// while streaming compressed output to w under codec. It returns accounting
// the vault needs to populate original_size, stored_size, and content_hash.
func Compress(w io.Writer, r io.Reader, codec Codec) (Result, error) {
	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)

	var originalSize, storedSize int64
	switch codec {
	case CodecZstd:
		counting := &countingWriter{w: w}
		enc, err := zstd.NewWriter(counting)
		if err != nil {
			return Result{}, s3gcerr.New(s3gcerr.BackupError, "creating zstd encoder", err)
		}
		n, err := io.Copy(enc, tee)
		if err != nil {
			_ = enc.Close()
			return Result{}, s3gcerr.New(s3gcerr.BackupError, "compressing object bytes", err)
		}
		originalSize = n
		if err := enc.Close(); err != nil {
			return Result{}, s3gcerr.New(s3gcerr.BackupError, "closing zstd encoder", err)
		}
		storedSize = counting.n
	case CodecNone:
		counting := &countingWriter{w: w}
		n, err := io.Copy(counting, tee)
		if err != nil {
			return Result{}, s3gcerr.New(s3gcerr.BackupError, "copying object bytes", err)
		}
		originalSize = n
		storedSize = counting.n
	default:
		return Result{}, s3gcerr.Newf(s3gcerr.BackupError, nil, "unknown codec %q", codec)
	}

	return Result{
		Codec:        codec,
		StoredSize:   storedSize,
		OriginalSize: originalSize,
		ContentHash:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// Decompress streams the inverse of Compress: reads compressed bytes from r
// under codec and writes the original bytes to w. The caller is responsible
// for verifying the resulting content hash against the vault record.
func Decompress(w io.Writer, r io.Reader, codec Codec) error {
	switch codec {
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return s3gcerr.New(s3gcerr.RestoreError, "creating zstd decoder", err)
		}
		defer dec.Close()
		if _, err := io.Copy(w, dec); err != nil {
			return s3gcerr.New(s3gcerr.RestoreError, "decompressing blob", err)
		}
		return nil
	case CodecNone:
		if _, err := io.Copy(w, r); err != nil {
			return s3gcerr.New(s3gcerr.RestoreError, "copying blob bytes", err)
		}
		return nil
	default:
		return s3gcerr.Newf(s3gcerr.RestoreError, nil, "unknown codec %q", codec)
	}
}

// HashReader computes the SHA-256 content hash of r without retaining the
// bytes in memory; used by restore to verify a decompressed blob against the
// vault record's content_hash.
func HashReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hashing content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
