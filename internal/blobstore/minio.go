package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// MinioConfig holds the connection settings for the object-storage backend.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
	Region    string `json:"region" yaml:"region"`
	Bucket    string `json:"bucket" yaml:"bucket"`
}

// DefaultMinioConfig returns a MinioConfig with sensible defaults.
func DefaultMinioConfig() *MinioConfig {
	return &MinioConfig{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin123",
		UseSSL:    false,
		Region:    "us-east-1",
		Bucket:    "grader-files",
	}
}

// Validate validates the configuration.
func (c *MinioConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access_key is required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	return nil
}

// MinioStore is the object-storage backed blob store, for deployments where
// several services share one file space. Objects are keyed
// objects/<d0d1>/<digest>; descriptions live under descriptions/<digest>.
type MinioStore struct {
	config    *MinioConfig
	client    *minio.Client
	logger    *logrus.Logger
	mu        sync.RWMutex
	connected bool
}

// NewMinioStore creates a MinIO-backed store. Call Connect before use.
func NewMinioStore(config *MinioConfig, logger *logrus.Logger) (*MinioStore, error) {
	if config == nil {
		config = DefaultMinioConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &MinioStore{config: config, logger: logger}, nil
}

// Connect establishes the connection and ensures the bucket exists.
func (s *MinioStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := minio.New(s.config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(s.config.AccessKey, s.config.SecretKey, ""),
		Secure: s.config.UseSSL,
		Region: s.config.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, s.config.Bucket, minio.MakeBucketOptions{
			Region: s.config.Region,
		}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.config.Bucket, err)
		}
	}

	s.client = client
	s.connected = true
	s.logger.WithField("bucket", s.config.Bucket).Info("Connected to MinIO")
	return nil
}

// Close drops the connection.
func (s *MinioStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.client = nil
	return nil
}

func (s *MinioStore) getClient() (*minio.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected || s.client == nil {
		return nil, fmt.Errorf("not connected to MinIO")
	}
	return s.client, nil
}

func objectKey(digest string) string {
	return "objects/" + digest[:2] + "/" + digest
}

func (s *MinioStore) Put(ctx context.Context, content []byte) (string, error) {
	if len(content) == 0 {
		return EmptyDigest, nil
	}
	client, err := s.getClient()
	if err != nil {
		return "", err
	}
	digest := Digest(content)

	// Writes are idempotent: an object that already exists is the same bytes.
	if _, err := client.StatObject(ctx, s.config.Bucket, objectKey(digest), minio.StatObjectOptions{}); err == nil {
		return digest, nil
	}

	_, err = client.PutObject(ctx, s.config.Bucket, objectKey(digest),
		bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	if err != nil {
		return "", fmt.Errorf("failed to store blob %s: %w", digest, err)
	}

	s.logger.WithFields(logrus.Fields{
		"digest": digest,
		"size":   len(content),
	}).Debug("Stored blob")
	return digest, nil
}

func (s *MinioStore) Get(ctx context.Context, digest string) ([]byte, error) {
	if err := checkDigest(digest); err != nil {
		return nil, err
	}
	if digest == EmptyDigest {
		return []byte{}, nil
	}
	client, err := s.getClient()
	if err != nil {
		return nil, err
	}

	obj, err := client.GetObject(ctx, s.config.Bucket, objectKey(digest), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", digest, err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", digest, err)
	}
	if got := Digest(content); got != digest {
		return nil, fmt.Errorf("blob %s corrupted: content hashes to %s", digest, got)
	}
	return content, nil
}

func (s *MinioStore) Exists(ctx context.Context, digest string) (bool, error) {
	if err := checkDigest(digest); err != nil {
		return false, err
	}
	if digest == EmptyDigest {
		return true, nil
	}
	client, err := s.getClient()
	if err != nil {
		return false, err
	}

	_, err = client.StatObject(ctx, s.config.Bucket, objectKey(digest), minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", digest, err)
	}
	return true, nil
}

func (s *MinioStore) Describe(ctx context.Context, digest, description string) error {
	if err := checkDigest(digest); err != nil {
		return err
	}
	client, err := s.getClient()
	if err != nil {
		return err
	}

	body := []byte(strings.TrimSpace(description))
	_, err = client.PutObject(ctx, s.config.Bucket, "descriptions/"+digest,
		bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
			ContentType: "text/plain",
		})
	if err != nil {
		return fmt.Errorf("failed to describe blob %s: %w", digest, err)
	}
	return nil
}

func isMinioNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
	}
	return false
}
