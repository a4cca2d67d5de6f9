// Package objstore wraps the aws-sdk-go-v2 S3 client operations the GC
// cycle orchestrator (C7) and restore engine (C8) need: paginated listing,
// get/put/head, and delete. It is a thin adapter — the orchestration logic
// (candidate filtering, retention, exclusion prefixes) lives in pkg/gc, not
// here.
package objstore

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/block/s3gc/pkg/s3gcerr"
)

// ObjectInfo is one listed or HEAD-probed object's identity and metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Store is the S3 surface this system needs. An interface so pkg/gc and
// pkg/restore tests can substitute an in-memory fake instead of talking to
// a real bucket.
type Store interface {
	// List streams every object under prefix (empty for the whole bucket)
	// to yield, stopping early if yield returns false or ctx is cancelled.
	List(ctx context.Context, prefix string, yield func(ObjectInfo) bool) error
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
}

// S3Store is the real Store backed by aws-sdk-go-v2.
type S3Store struct {
	Client   *s3.Client
	Uploader *manager.Uploader
	Bucket   string
}

// EndpointOptions overrides the SDK's default resolution for a non-AWS
// S3-compatible store (MinIO, Ceph RGW, etc). A zero value means "use AWS
// itself": the default endpoint resolver and credential chain.
type EndpointOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// NewS3Store loads the default AWS config chain (env vars, shared config,
// IMDS, etc. — aws-sdk-go-v2's standard resolution order) scoped to
// region, optionally overridden by opts for an S3-compatible store, and
// returns a Store for bucket.
func NewS3Store(ctx context.Context, bucket, region string, opts EndpointOptions) (*S3Store, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, s3gcerr.New(s3gcerr.ConfigurationError, "loading AWS SDK config", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3Store{
		Client:   client,
		Uploader: manager.NewUploader(client),
		Bucket:   bucket,
	}, nil
}

// List paginates ListObjectsV2 under prefix, calling yield for each object
// in listing order. Listing stops early (without error) if yield returns
// false.
func (s *S3Store) List(ctx context.Context, prefix string, yield func(ObjectInfo) bool) error {
	paginator := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return s3gcerr.New(s3gcerr.BackupError, "listing bucket objects", err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				info.Size = *obj.Size
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			info.ETag = aws.ToString(obj.ETag)
			if !yield(info) {
				return nil
			}
		}
	}
	return nil
}

// Head returns an object's metadata without fetching its body, used by the
// admin health probe and by restore's skip-existing check.
func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, s3gcerr.Newf(s3gcerr.RestoreError, err, "object %q not found", key)
		}
		return ObjectInfo{}, s3gcerr.New(s3gcerr.BackupError, "heading object", err)
	}
	info := ObjectInfo{Key: key, ETag: aws.ToString(out.ETag)}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Get streams an object's body. The caller must close the returned
// ReadCloser.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ObjectInfo{}, s3gcerr.Newf(s3gcerr.RestoreError, err, "object %q not found", key)
		}
		return nil, ObjectInfo{}, s3gcerr.New(s3gcerr.BackupError, "getting object", err)
	}
	info := ObjectInfo{Key: key, ETag: aws.ToString(out.ETag)}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return out.Body, info, nil
}

// Put uploads body to key, using the multipart-aware manager.Uploader so
// large restored objects don't need to fit in a single PutObject call —
// the same uploader shape used throughout the aws-sdk-go-v2 ecosystem
// examples in the pack's dependency surface.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.Uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return s3gcerr.New(s3gcerr.RestoreError, "putting object", err)
	}
	return nil
}

// Delete removes key. Deleting an already-missing key is not an error — a
// concurrently-deleted object has already reached the desired end state.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return s3gcerr.New(s3gcerr.BackupError, "deleting object", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
