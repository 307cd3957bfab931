// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// CacheControl is applied to every written object when set.
	CacheControl string
}

// BlobStore writes archived pages to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(path).NewWriter(ctx)
	writer.ContentType = contentType
	if s.cfg.CacheControl != "" {
		writer.CacheControl = s.cfg.CacheControl
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", path, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, path), nil
}
