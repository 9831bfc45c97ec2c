package core

import (
	"context"
	"fmt"
	"os"

	"pericia/internal/infra/persistence/leveldb"
	"pericia/internal/infra/persistence/memory"
	"pericia/internal/infra/persistence/postgres"
	"pericia/internal/infra/persistence/sqlite"
	"pericia/internal/schema"
	"pericia/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageLevelDB  StorageDriver = "leveldb"  // embedded leveldb directory
)

// BackendConfig selects and parameterises a backend.
type BackendConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
	LevelDBPath string
}

// BackendConfigFromEnv reads the backend selection from the environment.
// Defaults to sqlite when unset.
//
//	PERICIA_STORAGE_DRIVER: memory|sqlite|postgres|leveldb (default sqlite)
//	PERICIA_SQLITE_PATH: path to sqlite file (default ./pericia.db)
//	PERICIA_POSTGRES_DSN: postgres DSN when driver=postgres
//	PERICIA_LEVELDB_PATH: leveldb directory when driver=leveldb
func BackendConfigFromEnv() BackendConfig {
	return BackendConfig{
		Driver:      StorageDriver(os.Getenv("PERICIA_STORAGE_DRIVER")),
		SQLitePath:  os.Getenv("PERICIA_SQLITE_PATH"),
		PostgresDSN: os.Getenv("PERICIA_POSTGRES_DSN"),
		LevelDBPath: os.Getenv("PERICIA_LEVELDB_PATH"),
	}
}

// OpenBackend constructs the configured backend.
func OpenBackend(ctx context.Context, cfg BackendConfig) (domain.Backend, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	case StorageLevelDB:
		return leveldb.NewStore(cfg.LevelDBPath)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}

// OpenPersistentStore opens the configured backend and a ready Store on it.
// The backend is closed again when the store cannot be opened.
func OpenPersistentStore(ctx context.Context, cfg BackendConfig, opts ...Option) (*Store, error) {
	backend, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, domain.StorageIOError{Op: "open", Err: err}
	}
	store, err := Open(ctx, backend, schema.Default(), opts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return store, nil
}
