package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/smallbiznis/drawledger/internal/config"
	"go.uber.org/zap"
)

type minioStore struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// NewMinIO returns nil when no endpoint is configured; uploads are then refused.
func NewMinIO(cfg config.Config, log *zap.Logger) (Store, error) {
	endpoint := strings.TrimSpace(cfg.MinIO.Endpoint)
	if endpoint == "" {
		return nil, nil
	}
	if strings.TrimSpace(cfg.MinIO.Bucket) == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
		Secure: cfg.MinIO.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return &minioStore{client: client, bucket: cfg.MinIO.Bucket, log: log.Named("blobstore")}, nil
}

func (s *minioStore) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return err
	}
	s.log.Info("created bucket", zap.String("bucket", s.bucket))
	return nil
}

func (s *minioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug("stored object",
		zap.String("key", key),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag),
	)
	return nil
}
