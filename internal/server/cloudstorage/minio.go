package cloudstorage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/dmitrijs2005/syncserver/internal/server/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// minioAPI is the subset of *minio.Client used by MinioStorage.
type minioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

type MinioStorage struct {
	client minioAPI
	bucket string
	// getObject is split out because *minio.Object cannot be built outside
	// the client.
	getObject func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

func NewMinioStorage(cfg config.MinIOConfig) (*MinioStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	return &MinioStorage{
		client: client,
		bucket: cfg.Bucket,
		getObject: func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
			return client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
		},
	}, nil
}

// EnsureBucket creates the bucket unless it already exists.
func (m *MinioStorage) EnsureBucket(ctx context.Context) error {
	err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
	if err == nil {
		return nil
	}
	exists, errExists := m.client.BucketExists(ctx, m.bucket)
	if errExists == nil && exists {
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", m.bucket, err)
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (m *MinioStorage) Download(ctx context.Context, name string, opts Options) ([]byte, error) {
	obj, err := m.getObject(ctx, m.bucket, opts.Key(name))
	if err != nil {
		if isMinioNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("minio get %s: %w", name, err)
	}
	defer obj.Close()

	// minio reports a missing key on first read, not on GetObject.
	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("minio read %s: %w", name, err)
	}
	return data, nil
}

func (m *MinioStorage) Upload(ctx context.Context, name string, data []byte, opts Options) (string, error) {
	info, err := m.client.PutObject(ctx, m.bucket, opts.Key(name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: opts.MimeType})
	if err != nil {
		return "", fmt.Errorf("minio put %s: %w", name, err)
	}
	if info.ETag != "" {
		return info.ETag, nil
	}
	return Checksum(data), nil
}

func (m *MinioStorage) Delete(ctx context.Context, name string, opts Options) error {
	ok, err := m.Lookup(ctx, name, opts)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := m.client.RemoveObject(ctx, m.bucket, opts.Key(name), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio remove %s: %w", name, err)
	}
	return nil
}

func (m *MinioStorage) Lookup(ctx context.Context, name string, opts Options) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, opts.Key(name), minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("minio stat %s: %w", name, err)
	}
	return true, nil
}
