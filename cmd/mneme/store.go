package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpungsan/mneme/internal/config"
	"github.com/hpungsan/mneme/internal/db"
	"github.com/hpungsan/mneme/internal/persist"
	"github.com/hpungsan/mneme/internal/pgstore"
)

// openStore opens the configured storage backend. The returned func releases
// it and is safe to call more than once.
func openStore(ctx context.Context, cfg *config.Config, baseDir string) (persist.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendSQLite, "":
		database, err := db.Init(baseDir)
		if err != nil {
			return nil, nil, err
		}
		db.ConfigurePool(database, cfg)
		return db.NewStore(database), sync.OnceFunc(func() { _ = database.Close() }), nil

	case config.BackendPostgres:
		if cfg.PostgresURL == "" {
			return nil, nil, fmt.Errorf("postgres_url is required for the postgres backend")
		}
		s, err := pgstore.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return s, sync.OnceFunc(s.Close), nil

	case config.BackendMemory:
		return persist.NewMemStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage_backend %q", cfg.StorageBackend)
	}
}
