package core

import (
	"context"
	"fmt"
	"os"

	"cytocore/internal/infra/persistence/memory"
	"cytocore/internal/infra/persistence/postgres"
	"cytocore/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	CYTOCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	CYTOCORE_SQLITE_PATH: path to sqlite file (default ./cytocore.db)
//	CYTOCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenPersistentStore(ctx context.Context) (PersistentStore, error) {
	driver := os.Getenv("CYTOCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		return sqlite.NewStore(ctx, os.Getenv("CYTOCORE_SQLITE_PATH"))
	case StoragePostgres:
		return postgres.NewStore(ctx, os.Getenv("CYTOCORE_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
