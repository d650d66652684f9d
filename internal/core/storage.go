package core

import (
	"context"
	"fmt"

	"librarycore/internal/infra/persistence/memory"
	"librarycore/internal/infra/persistence/postgres"
	"librarycore/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and parameterizes a backend.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenPersistentStore opens the backend named by cfg.Driver, defaulting to
// sqlite when unset. clock stamps entity timestamps; nil uses wall time.
func OpenPersistentStore(ctx context.Context, cfg StorageConfig, engine *RulesEngine, clock Clock) (PersistentStore, error) {
	var opts []memory.Option
	if clock != nil {
		opts = append(opts, memory.WithNowFunc(clock.Now))
	}
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, cfg.SQLitePath, engine, opts...)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
