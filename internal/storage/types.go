// Package storage persists raw and transformed export files on the local
// filesystem or in a Google Cloud Storage bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Read when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidName is returned for file names that are not plain names.
var ErrInvalidName = errors.New("invalid file name")

// Store is the capability the application needs from a storage backend.
// Keys are slash-separated: "<prefix>/<name>".
type Store interface {
	// List returns the keys directly under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Read returns the content stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key, replacing any previous content.
	Write(ctx context.Context, key string, data []byte) error

	// Name describes the backend for logs, e.g. "gs://bucket".
	Name() string
}

// Key joins a prefix and a file name. The name must be a plain file name.
func Key(prefix, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return path.Join(strings.Trim(prefix, "/"), name), nil
}

// BaseName returns the file name part of a key.
// e.g. "from_t212/1_2024-01-01_2024-01-31.csv" → "1_2024-01-01_2024-01-31.csv"
func BaseName(key string) string {
	return path.Base(key)
}

// ValidateName rejects names that would escape their prefix.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w %q: must not contain path separators", ErrInvalidName, name)
	}
	return nil
}
