// internal/storage/memory/memory.go
package memory

import (
	"errors"
	"sync"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/pkg/core"
)

// ErrNoRun is returned when a record arrives outside StartRun/EndRun.
var ErrNoRun = errors.New("no active run")

// Backend keeps the run's records in memory and exports them to JSON at EndRun.
type Backend struct {
	cfg config.MemoryConfig
	run *core.Run

	cycles       []core.CycleSummary
	laneChanges  []core.LaneChangeEvent
	cooperations []core.CooperationEvent
	endTick      uint64

	lastExportPath string
	lastExportMeta core.UploadMetadata

	mu sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{cfg: cfg}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartRun begins recording a new run and drops anything left from the last one.
func (b *Backend) StartRun(run *core.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := *run
	b.run = &r
	b.cycles = nil
	b.laneChanges = nil
	b.cooperations = nil
	b.endTick = 0
	return nil
}

// EndRun exports the run's data and closes it.
func (b *Backend) EndRun() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.run == nil {
		return ErrNoRun
	}
	err := b.exportJSON()
	b.run = nil
	return err
}

// RecordCycle stores a cycle summary.
func (b *Backend) RecordCycle(s *core.CycleSummary) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == nil {
		return ErrNoRun
	}
	b.cycles = append(b.cycles, *s)
	b.endTick = max(b.endTick, s.Tick)
	return nil
}

// RecordLaneChange stores a lane-change event.
func (b *Backend) RecordLaneChange(e *core.LaneChangeEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == nil {
		return ErrNoRun
	}
	b.laneChanges = append(b.laneChanges, *e)
	b.endTick = max(b.endTick, e.Tick)
	return nil
}

// RecordCooperation stores a cooperation event.
func (b *Backend) RecordCooperation(e *core.CooperationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == nil {
		return ErrNoRun
	}
	b.cooperations = append(b.cooperations, *e)
	b.endTick = max(b.endTick, e.Tick)
	return nil
}

// Counts returns the number of stored cycles, lane changes and cooperations.
func (b *Backend) Counts() (cycles, laneChanges, cooperations int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cycles), len(b.laneChanges), len(b.cooperations)
}

// ExportedFilePath returns the path of the last export, empty before the first EndRun.
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}

// ExportMetadata describes the last exported run.
func (b *Backend) ExportMetadata() core.UploadMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportMeta
}
