// Package store opens the reference store selected by configuration.
package store

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/serialcheck/internal/config"
	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/JonMunkholm/serialcheck/internal/store/memory"
	"github.com/JonMunkholm/serialcheck/internal/store/postgres"
	"github.com/JonMunkholm/serialcheck/internal/store/sqlite"
)

// Migrator is implemented by stores with a schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Open connects the configured store. The caller owns the returned store
// and must Close it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (core.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, postgres.Options{
			URL:             cfg.URL,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Migrate applies pending migrations if s has a schema.
func Migrate(ctx context.Context, s core.Store) error {
	m, ok := s.(Migrator)
	if !ok {
		return nil
	}
	return m.Migrate(ctx)
}
