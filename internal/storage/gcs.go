package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// uploadTimeout bounds a single object upload.
const uploadTimeout = 2 * time.Minute

// GCSStore keeps files in one bucket; each prefix is a key prefix.
// It assumes Application Default Credentials are configured
// (gcloud auth application-default login) unless options say otherwise.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a store for bucket. Close releases the client.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("NewGCSStore: bucket is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewGCSStore: create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// Name implements Store.
func (s *GCSStore) Name() string {
	return "gs://" + s.bucket
}

// Close closes the underlying storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// List implements Store. Only objects directly under prefix are returned.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	p := strings.Trim(prefix, "/") + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix:    p,
		Delimiter: "/",
	})

	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("GCSStore.List %s/%s: %w", s.bucket, p, err)
		}
		// Synthetic "directory" entries carry only a Prefix.
		if attrs.Name == "" || attrs.Name == p {
			continue
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// Read implements Store.
func (s *GCSStore) Read(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("GCSStore.Read %s/%s: %w", s.bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GCSStore.Read: open %s/%s: %w", s.bucket, key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("GCSStore.Read: reading bytes: %w", err)
	}
	return data, nil
}

// Write implements Store.
func (s *GCSStore) Write(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "text/csv"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("GCSStore.Write: copy to %s/%s: %w", s.bucket, key, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("GCSStore.Write: finalize %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

var _ Store = (*GCSStore)(nil)
