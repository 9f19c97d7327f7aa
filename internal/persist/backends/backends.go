// Package backends builds a persist.Store from configuration.
package backends

import (
	"context"
	"fmt"

	"github.com/silvachamo/agrosync/internal/persist"
	"github.com/silvachamo/agrosync/internal/persist/file"
	s3store "github.com/silvachamo/agrosync/internal/persist/s3"
	"github.com/silvachamo/agrosync/internal/persist/sqlite"
)

// Config selects and configures a persistence backend.
type Config struct {
	Backend  string // file, sqlite, s3, memory
	Path     string
	MaxBytes int64
	S3       s3store.Config
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (persist.Store, error) {
	switch cfg.Backend {
	case "", "file":
		return file.New(cfg.Path, cfg.MaxBytes)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path, cfg.MaxBytes)
	case "s3":
		s3cfg := cfg.S3
		s3cfg.MaxBytes = cfg.MaxBytes
		return s3store.Open(ctx, s3cfg)
	case "memory":
		return persist.NewMemory(cfg.MaxBytes), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend: %s", cfg.Backend)
	}
}
