package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// LocalStore keeps files under a root directory; each prefix is a
// subdirectory (e.g. from_t212/ and to_digrin/).
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir.
func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{root: dir}
}

// Name implements Store.
func (s *LocalStore) Name() string {
	return "file://" + filepath.ToSlash(s.root)
}

func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// List implements Store. A missing prefix directory lists as empty.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(strings.Trim(prefix, "/")))

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LocalStore.List: read dir %q: %w", dir, err)
	}

	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		keys = append(keys, path.Join(strings.Trim(prefix, "/"), e.Name()))
	}
	sort.Strings(keys)
	return keys, nil
}

// Read implements Store.
func (s *LocalStore) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, fmt.Errorf("LocalStore.Read: %w", err)
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("LocalStore.Read %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("LocalStore.Read %q: %w", key, err)
	}
	return data, nil
}

// Write implements Store. Content is written to a temporary file and
// renamed into place.
func (s *LocalStore) Write(ctx context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return fmt.Errorf("LocalStore.Write: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("LocalStore.Write: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("LocalStore.Write: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("LocalStore.Write: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("LocalStore.Write: close %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("LocalStore.Write: rename into %q: %w", key, err)
	}
	return nil
}

var _ Store = (*LocalStore)(nil)
