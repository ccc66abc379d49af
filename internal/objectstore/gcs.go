// Package objectstore is the Object Store Adapter: upload a byte buffer
// under a key, produce a public URL for a key, and delete a key. No retry
// lives in this package; retries are the caller's policy.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"github.com/ivoscc/kubernetes-task-runner/internal/batch"
)

// Store is the Object Store Adapter's interface, backed in production by
// GCS and by an in-memory fake in tests.
type Store interface {
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	URLFor(key string) string
}

// GCSStore wraps a *storage.Client scoped to a single bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds an Object Store Adapter over an existing GCS client.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

// Upload writes data to key in the configured bucket.
func (s *GCSStore) Upload(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return &batch.StorageError{Op: "upload", Cause: err}
	}
	if err := w.Close(); err != nil {
		return &batch.StorageError{Op: "upload", Cause: err}
	}
	return nil
}

// Delete removes key from the configured bucket. Object-not-found is
// treated as success, mirroring the cluster adapter's idempotent deletes.
func (s *GCSStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && err != storage.ErrObjectNotExist {
		return &batch.StorageError{Op: "delete", Cause: err}
	}
	return nil
}

// URLFor returns the public read URL for key.
func (s *GCSStore) URLFor(key string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, key)
}
