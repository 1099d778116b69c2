// Package postgres implements storage.Backend on a PostgreSQL database.
// It wraps the shared GORM backend. When Postgres cannot be reached the
// connection falls back to an in-memory SQLite database that is dumped to
// the fallback directory when the run ends.
package postgres

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/database"
	"github.com/dcdl-sim/controller/internal/storage/gormstore"
	"github.com/dcdl-sim/controller/pkg/core"
)

// Backend wraps the GORM backend with a managed Postgres connection.
type Backend struct {
	*gormstore.Backend
	cfg         config.DBConfig
	fallbackDir string
	deps        gormstore.Dependencies
	manager     *database.Manager

	mu    sync.Mutex
	runID string
}

// New creates a Postgres backend. The connection is opened by Init.
func New(cfg config.DBConfig, fallbackDir string, deps gormstore.Dependencies) *Backend {
	return &Backend{cfg: cfg, fallbackDir: fallbackDir, deps: deps}
}

// Init connects, migrates the schema and starts the writer.
func (b *Backend) Init() error {
	b.manager = database.NewManager(b.deps.DBLog)
	if err := b.manager.Connect(b.cfg); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	b.deps.DB = b.manager.DB
	b.Backend = gormstore.New(b.deps)
	return b.Backend.Init()
}

// Local reports whether the backend fell back to in-memory SQLite.
func (b *Backend) Local() bool {
	return b.manager != nil && b.manager.ShouldSaveLocal
}

// StartRun records the run and remembers its id for the fallback dump.
func (b *Backend) StartRun(run *core.Run) error {
	if err := b.Backend.StartRun(run); err != nil {
		return err
	}
	b.mu.Lock()
	b.runID = run.ID
	b.mu.Unlock()
	return nil
}

// EndRun flushes the run. On the SQLite fallback it also dumps the database.
func (b *Backend) EndRun() error {
	if err := b.Backend.EndRun(); err != nil {
		return err
	}
	path := b.ExportedFilePath()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(b.fallbackDir, 0o755); err != nil {
		return fmt.Errorf("failed to create fallback directory: %w", err)
	}
	return b.manager.DumpMemoryToDisk(path)
}

// ExportedFilePath is the fallback dump target, empty while on Postgres.
func (b *Backend) ExportedFilePath() string {
	if !b.Local() || b.fallbackDir == "" {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runID == "" {
		return ""
	}
	return filepath.Join(b.fallbackDir, b.runID+".db")
}

// Close flushes and releases the connection.
func (b *Backend) Close() error {
	if b.Backend == nil {
		return nil
	}
	err := b.Backend.Close()
	if cerr := b.manager.Close(); err == nil {
		err = cerr
	}
	return err
}
