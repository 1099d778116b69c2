// Package sqlitestorage implements the storage.Backend interface using an in-memory
// SQLite database with periodic disk dumps via VACUUM INTO.
// It wraps the GORM backend via composition; the only SQLite-specific concerns are
// creating the in-memory DB and dumping it to disk.
package sqlitestorage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/database"
	"github.com/dcdl-sim/controller/internal/storage/gormstore"
	"github.com/dcdl-sim/controller/pkg/core"

	"gorm.io/gorm"
)

// Backend wraps the GORM backend for SQLite-specific behavior.
type Backend struct {
	*gormstore.Backend
	db  *gorm.DB
	cfg config.SQLiteConfig
	log *slog.Logger

	mu       sync.Mutex
	dumpPath string
	run      core.Run
	lastTick uint64

	dumpMu sync.Mutex // one VACUUM INTO at a time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a new SQLite storage backend.
func New(cfg config.SQLiteConfig, deps gormstore.Dependencies) (*Backend, error) {
	db, err := database.OpenSqlite("")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory SQLite DB: %w", err)
	}
	deps.DB = db
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	return &Backend{
		Backend:  gormstore.New(deps),
		db:       db,
		cfg:      cfg,
		log:      deps.Log,
		stopChan: make(chan struct{}),
	}, nil
}

// Init initializes the embedded GORM backend and starts the dump goroutine.
func (b *Backend) Init() error {
	if err := b.Backend.Init(); err != nil {
		return err
	}
	if b.cfg.DumpDir != "" {
		if err := os.MkdirAll(b.cfg.DumpDir, 0o755); err != nil {
			return fmt.Errorf("failed to create dump directory: %w", err)
		}
	}
	if b.cfg.DumpDir != "" && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}
	return nil
}

// Close stops the dump goroutine and closes the embedded GORM backend.
func (b *Backend) Close() error {
	select {
	case <-b.stopChan:
	default:
		close(b.stopChan)
	}
	b.wg.Wait()
	return b.Backend.Close()
}

// StartRun records the run and points dumps at <dumpDir>/<runID>.db.
func (b *Backend) StartRun(run *core.Run) error {
	if err := b.Backend.StartRun(run); err != nil {
		return err
	}
	b.mu.Lock()
	b.run = *run
	b.lastTick = 0
	if b.cfg.DumpDir != "" {
		b.dumpPath = filepath.Join(b.cfg.DumpDir, run.ID+".db")
	}
	b.mu.Unlock()
	return nil
}

// RecordCycle queues the summary and tracks the run's simulated length.
func (b *Backend) RecordCycle(s *core.CycleSummary) error {
	if err := b.Backend.RecordCycle(s); err != nil {
		return err
	}
	b.mu.Lock()
	b.lastTick = max(b.lastTick, s.Tick)
	b.mu.Unlock()
	return nil
}

// EndRun flushes the run and writes a final dump.
func (b *Backend) EndRun() error {
	if err := b.Backend.EndRun(); err != nil {
		return err
	}
	return b.dump()
}

// ExportedFilePath returns the last dump target, empty when dumps are disabled.
func (b *Backend) ExportedFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dumpPath
}

// ExportMetadata describes the dumped run for upload.
func (b *Backend) ExportMetadata() core.UploadMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return core.UploadMetadata{
		RunID:       b.run.ID,
		ControlMode: b.run.ControlMode,
		Duration:    float64(b.lastTick) * b.run.StepLength,
	}
}

func (b *Backend) dump() error {
	b.mu.Lock()
	path := b.dumpPath
	b.mu.Unlock()
	if path == "" {
		return nil
	}

	b.dumpMu.Lock()
	defer b.dumpMu.Unlock()
	start := time.Now()
	if err := database.DumpMemoryDBToDisk(b.db, path); err != nil {
		return err
	}
	b.log.Debug("Dumped SQLite to disk", "path", path, "duration", time.Since(start))
	return nil
}

// dumpLoop periodically dumps the in-memory SQLite database to disk via VACUUM INTO.
// VACUUM INTO creates a point-in-time snapshot, so no pause mechanism is needed.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.log.Error("Flush before dump failed", "error", err)
			}
			if err := b.dump(); err != nil {
				b.log.Error("Error dumping to disk", "error", err)
			}
		}
	}
}
