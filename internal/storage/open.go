package storage

import (
	"context"
	"fmt"

	"github.com/dvloznov/t212-digrin/internal/config"
)

// Open selects the backend named in cfg. The returned close function must
// be called when the store is no longer needed.
func Open(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	switch cfg.StorageBackend {
	case config.BackendLocal:
		return NewLocalStore(cfg.LocalRoot), func() error { return nil }, nil
	case config.BackendGCS:
		s, err := NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("storage.Open: unknown backend %q", cfg.StorageBackend)
	}
}
