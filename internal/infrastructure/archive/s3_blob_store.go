// Package archive stores evidence payloads in S3 buckets with Object Lock so
// stored bytes cannot be overwritten or deleted before retention expires.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	domainerrors "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/evidence"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/values"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

// S3API is the subset of *s3.Client the blob store uses
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3BlobStore is a write-once evidence.BlobStore backed by S3
type S3BlobStore struct {
	client    S3API
	bucket    string
	prefix    string
	retention values.RetentionPeriod
	timeout   time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewS3BlobStore loads AWS credentials from the default chain and creates a
// store for cfg.Bucket. A non-empty cfg.Endpoint selects path-style
// addressing for MinIO or LocalStack.
func NewS3BlobStore(ctx context.Context, cfg config.EvidenceConfig, logger *zap.Logger) (*S3BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, domainerrors.NewInternalError("failed to load AWS config").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3BlobStoreWithClient(client, cfg, logger)
}

// NewS3BlobStoreWithClient creates a store over an existing client
func NewS3BlobStoreWithClient(client S3API, cfg config.EvidenceConfig, logger *zap.Logger) (*S3BlobStore, error) {
	retention, err := cfg.RetentionPeriod()
	if err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		retention: retention,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.Named("s3_blob_store"),
	}, nil
}

// EnsureBucket creates the bucket with Object Lock enabled when it does not
// exist yet. Object Lock can only be turned on at creation.
func (s *S3BlobStore) EnsureBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket:                     aws.String(s.bucket),
		ObjectLockEnabledForBucket: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}

	s.logger.Info("created evidence bucket with object lock",
		zap.String("bucket", s.bucket),
		zap.Stringer("retention", s.retention))
	return nil
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// Put stores data under key. The write is conditional on the key being
// absent, and the object is retained in compliance mode when a retention
// period is configured.
func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	input := &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.objectKey(key)),
		Body:              bytes.NewReader(data),
		ContentLength:     aws.Int64(int64(len(data))),
		IfNoneMatch:       aws.String("*"),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if !s.retention.IsZero() {
		input.ObjectLockMode = types.ObjectLockModeCompliance
		input.ObjectLockRetainUntilDate = aws.Time(s.retention.RetainUntil(s.now()))
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if apiErrorCode(err) == "PreconditionFailed" {
			return domainerrors.NewConflictError("OBJECT_EXISTS", "object already stored under "+key)
		}
		s.logger.Error("evidence upload failed",
			zap.String("bucket", s.bucket),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("put object %s: %w", key, err)
	}

	s.logger.Debug("evidence object stored",
		zap.String("key", key),
		zap.Int("size", len(data)))
	return nil
}

// Get returns the object bytes
func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, domainerrors.NewNotFoundError("evidence object")
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether key is stored
func (s *S3BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("head object %s: %w", key, err)
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return true
	}
	switch apiErrorCode(err) {
	case "NotFound", "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}

var _ evidence.BlobStore = (*S3BlobStore)(nil)
