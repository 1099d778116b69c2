// internal/storage/factory.go
package storage

import (
	"fmt"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/storage/gormstore"
	"github.com/dcdl-sim/controller/internal/storage/memory"
	"github.com/dcdl-sim/controller/internal/storage/postgres"
	sqlitestorage "github.com/dcdl-sim/controller/internal/storage/sqlite"
)

// Deps carries the shared dependencies of the database backends.
type Deps = gormstore.Dependencies

// NewBackend creates a storage backend based on configuration
func NewBackend(cfg config.StorageConfig, db config.DBConfig, deps Deps) (Backend, error) {
	switch cfg.Type {
	case "postgres":
		return postgres.New(db, cfg.SQLite.DumpDir, deps), nil
	case "sqlite":
		b, err := sqlitestorage.New(cfg.SQLite, deps)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "memory", "":
		return memory.New(cfg.Memory), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
