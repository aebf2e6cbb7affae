package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	domainerrors "github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/domain/errors"
	"github.com/EfeObus/TekVwarho-ProAudit-sub002/internal/infrastructure/config"
)

// MockS3Client is a testify mock of S3API
type MockS3Client struct {
	mock.Mock
}

func (m *MockS3Client) HeadBucket(ctx context.Context, input *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadBucketOutput), args.Error(1)
}

func (m *MockS3Client) CreateBucket(ctx context.Context, input *s3.CreateBucketInput, opts ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.CreateBucketOutput), args.Error(1)
}

func (m *MockS3Client) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.PutObjectOutput), args.Error(1)
}

func (m *MockS3Client) GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *MockS3Client) HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadObjectOutput), args.Error(1)
}

func newTestStore(t *testing.T, client S3API, retention string) *S3BlobStore {
	store, err := NewS3BlobStoreWithClient(client, config.EvidenceConfig{
		Bucket:    "evidence-bucket",
		Prefix:    "evidence",
		Retention: retention,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	store.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return store
}

func TestS3BlobStorePut(t *testing.T) {
	t.Run("sets object lock retention and write-once condition", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "7y")

		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return aws.ToString(in.Bucket) == "evidence-bucket" &&
				aws.ToString(in.Key) == "evidence/ab/abcdef" &&
				aws.ToString(in.IfNoneMatch) == "*" &&
				aws.ToString(in.ContentType) == "application/pdf" &&
				in.ObjectLockMode == types.ObjectLockModeCompliance &&
				in.ObjectLockRetainUntilDate.Equal(time.Date(2033, 3, 1, 12, 0, 0, 0, time.UTC)) &&
				aws.ToInt64(in.ContentLength) == int64(len("payload"))
		})).Return(&s3.PutObjectOutput{}, nil).Once()

		require.NoError(t, store.Put(context.Background(), "ab/abcdef", []byte("payload"), "application/pdf"))
		client.AssertExpectations(t)
	})

	t.Run("no retention configured", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "none")

		client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
			return in.ObjectLockMode == "" && in.ObjectLockRetainUntilDate == nil
		})).Return(&s3.PutObjectOutput{}, nil).Once()

		require.NoError(t, store.Put(context.Background(), "k", []byte("x"), ""))
		client.AssertExpectations(t)
	})

	t.Run("existing object is a conflict", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "7y")

		client.On("PutObject", mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}).Once()

		err := store.Put(context.Background(), "k", []byte("x"), "")
		require.Error(t, err)
		assert.True(t, domainerrors.HasCode(err, "OBJECT_EXISTS"))
	})

	t.Run("transport error is wrapped", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "7y")
		boom := errors.New("connection reset")

		client.On("PutObject", mock.Anything, mock.Anything).Return(nil, boom).Once()

		err := store.Put(context.Background(), "k", []byte("x"), "")
		assert.ErrorIs(t, err, boom)
	})
}

func TestS3BlobStoreGet(t *testing.T) {
	client := &MockS3Client{}
	store := newTestStore(t, client, "7y")

	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "evidence/present"
	})).Return(&s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader([]byte("stored")))}, nil)
	client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return aws.ToString(in.Key) == "evidence/missing"
	})).Return(nil, &types.NoSuchKey{})

	data, err := store.Get(context.Background(), "present")
	require.NoError(t, err)
	assert.Equal(t, []byte("stored"), data)

	_, err = store.Get(context.Background(), "missing")
	assert.True(t, domainerrors.IsType(err, domainerrors.ErrorTypeNotFound))
}

func TestS3BlobStoreExists(t *testing.T) {
	client := &MockS3Client{}
	store := newTestStore(t, client, "7y")

	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "evidence/present"
	})).Return(&s3.HeadObjectOutput{}, nil)
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "evidence/missing"
	})).Return(nil, &types.NotFound{})
	client.On("HeadObject", mock.Anything, mock.MatchedBy(func(in *s3.HeadObjectInput) bool {
		return aws.ToString(in.Key) == "evidence/denied"
	})).Return(nil, &smithy.GenericAPIError{Code: "Forbidden"})

	ok, err := store.Exists(context.Background(), "present")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Exists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Exists(context.Background(), "denied")
	assert.Error(t, err)
}

func TestS3BlobStoreEnsureBucket(t *testing.T) {
	t.Run("existing bucket", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "7y")
		client.On("HeadBucket", mock.Anything, mock.Anything).Return(&s3.HeadBucketOutput{}, nil).Once()

		require.NoError(t, store.EnsureBucket(context.Background()))
		client.AssertNotCalled(t, "CreateBucket", mock.Anything, mock.Anything)
	})

	t.Run("missing bucket is created with object lock", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "7y")
		client.On("HeadBucket", mock.Anything, mock.Anything).Return(nil, &types.NotFound{}).Once()
		client.On("CreateBucket", mock.Anything, mock.MatchedBy(func(in *s3.CreateBucketInput) bool {
			return aws.ToString(in.Bucket) == "evidence-bucket" && aws.ToBool(in.ObjectLockEnabledForBucket)
		})).Return(&s3.CreateBucketOutput{}, nil).Once()

		require.NoError(t, store.EnsureBucket(context.Background()))
		client.AssertExpectations(t)
	})

	t.Run("head failure other than not found", func(t *testing.T) {
		client := &MockS3Client{}
		store := newTestStore(t, client, "7y")
		client.On("HeadBucket", mock.Anything, mock.Anything).
			Return(nil, &smithy.GenericAPIError{Code: "Forbidden"}).Once()

		assert.Error(t, store.EnsureBucket(context.Background()))
	})
}

func TestS3BlobStoreRejectsShortRetention(t *testing.T) {
	_, err := NewS3BlobStoreWithClient(&MockS3Client{}, config.EvidenceConfig{
		Bucket:    "evidence-bucket",
		Retention: "3y",
	}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
