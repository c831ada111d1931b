package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore keeps attachment payloads outside the relational store.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MinioBlobs implements BlobStore for MinIO/S3 compatible storage. Every call
// is bounded by Timeout and retried at most MaxTries times.
type MinioBlobs struct {
	client   *minio.Client
	bucket   string
	Timeout  time.Duration
	MaxTries uint
}

// NewMinioBlobs connects to MinIO and ensures the bucket exists.
func NewMinioBlobs(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioBlobs, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioBlobs{client: client, bucket: bucket, Timeout: 10 * time.Second, MaxTries: 3}, nil
}

// Put uploads an object.
func (m *MinioBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := retryBlob(ctx, m, func(ctx context.Context) (struct{}, error) {
		_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Get downloads an object.
func (m *MinioBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := retryBlob(ctx, m, func(ctx context.Context) ([]byte, error) {
		obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		defer obj.Close()
		return io.ReadAll(obj)
	})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return data, nil
}

// Delete removes an object.
func (m *MinioBlobs) Delete(ctx context.Context, key string) error {
	_, err := retryBlob(ctx, m, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

func retryBlob[T any](ctx context.Context, m *MinioBlobs, op func(context.Context) (T, error)) (T, error) {
	tries := m.MaxTries
	if tries == 0 {
		tries = 1
	}
	return backoff.Retry(ctx, func() (T, error) {
		callCtx := ctx
		if m.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.Timeout)
			defer cancel()
		}
		v, err := op(callCtx)
		if err != nil && minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(tries))
}
