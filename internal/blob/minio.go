// Package blob stores attachments, legacy survey answers and redrive
// record-id lists in an S3-compatible bucket.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrNotFound means the key does not exist in the bucket
var ErrNotFound = errors.New("blob not found")

var operationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exporter_blob_operations_total",
		Help: "Blob store operations by operation and result.",
	},
	[]string{"operation", "result"},
)

// Config addresses the bucket
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store is a bucket-backed blob store
type Store struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewStore connects to the endpoint and makes sure the bucket exists,
// retrying while the endpoint comes up.
func NewStore(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}

	s := &Store{client: client, bucket: cfg.Bucket, logger: logger}
	for attempt := 0; attempt < 10; attempt++ {
		if err = s.ensureBucket(ctx); err == nil {
			return s, nil
		}
		logger.Warn("blob store not ready", "endpoint", cfg.Endpoint, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second * time.Duration(1+attempt)):
		}
	}
	return nil, fmt.Errorf("blob store not ready: %w", err)
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}

// Put writes data under key
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	record("put", err)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	return nil
}

// Get reads the blob under key. A missing key returns ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		record("get", err)
		return nil, fmt.Errorf("get blob %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			record("get", nil)
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		record("get", err)
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	record("get", nil)
	return data, nil
}

func record(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}
