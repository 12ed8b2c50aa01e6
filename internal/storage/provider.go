// Package storage selects the dedup store backend for a run.
package storage

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/storage/memory"
	"github.com/jiang10061/image-downloader/internal/storage/postgres"
	"github.com/jiang10061/image-downloader/internal/storage/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Options describe which backend to open and how.
type Options struct {
	Driver      string
	DSN         string
	Table       string
	MaxConns    int
	AutoMigrate bool
}

// Open returns the Store for opts.Driver.
func Open(ctx context.Context, opts Options) (harvest.Store, error) {
	switch strings.ToLower(opts.Driver) {
	case DriverSQLite, "":
		store, err := sqlite.Open(ctx, sqlite.Config{
			Path:        opts.DSN,
			Table:       opts.Table,
			MaxConns:    opts.MaxConns,
			AutoMigrate: opts.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case DriverPostgres:
		store, err := postgres.NewURLStore(ctx, postgres.Config{
			DSN:         opts.DSN,
			Table:       opts.Table,
			MaxConns:    clampInt32(opts.MaxConns),
			AutoMigrate: opts.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	case DriverMemory:
		return memory.NewURLStore(), nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", opts.Driver)
	}
}

func clampInt32(v int) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < 0 {
		return 0
	}
	return int32(v)
}
