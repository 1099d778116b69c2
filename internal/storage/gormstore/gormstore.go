// Package gormstore implements storage.Backend on top of any gorm dialect.
// Records are converted on arrival and queued; a writer goroutine drains
// the queues into the database in batched transactions.
package gormstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dcdl-sim/controller/internal/database"
	"github.com/dcdl-sim/controller/internal/geo"
	"github.com/dcdl-sim/controller/internal/model"
	"github.com/dcdl-sim/controller/internal/model/convert"
	"github.com/dcdl-sim/controller/internal/queue"
	"github.com/dcdl-sim/controller/pkg/core"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// ErrNoRun is returned when a record arrives outside StartRun/EndRun.
var ErrNoRun = errors.New("no active run")

const defaultFlushInterval = 2 * time.Second

// Dependencies holds everything the backend needs.
type Dependencies struct {
	DB            *gorm.DB
	Projector     *geo.Projector // nil stores engine-local coordinates
	Tag           string
	FlushInterval time.Duration
	Log           *slog.Logger
	DBLog         zerolog.Logger
}

// queues groups all the write queues used by the backend.
type queues struct {
	Cycles       *queue.Queue[model.Cycle]
	LaneChanges  *queue.Queue[model.LaneChange]
	Cooperations *queue.Queue[model.Cooperation]
}

func newQueues() *queues {
	return &queues{
		Cycles:       queue.New[model.Cycle](),
		LaneChanges:  queue.New[model.LaneChange](),
		Cooperations: queue.New[model.Cooperation](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps   Dependencies
	queues *queues

	mu  sync.Mutex // serializes flushes and guards run
	run *model.Run

	stopChan chan struct{}
	stopped  chan struct{}
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	return &Backend{
		deps:   deps,
		queues: newQueues(),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init migrates the schema and starts the writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gormstore: no database")
	}
	if err := database.Setup(b.deps.DB, b.deps.DBLog); err != nil {
		return fmt.Errorf("failed to setup DB: %w", err)
	}

	b.stopChan = make(chan struct{})
	b.stopped = make(chan struct{})
	go b.writeLoop()
	return nil
}

// Close stops the writer goroutine after a final flush.
func (b *Backend) Close() error {
	if b.stopChan != nil {
		close(b.stopChan)
		<-b.stopped
		b.stopChan = nil
	}
	return b.Flush()
}

// StartRun inserts the run row. Records that follow are stamped with its id.
func (b *Backend) StartRun(run *core.Run) error {
	row := convert.CoreToRun(*run, b.deps.Tag, b.deps.Projector)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	b.mu.Lock()
	b.run = &row
	b.mu.Unlock()
	return nil
}

// EndRun flushes pending records and stamps the run's end time.
func (b *Backend) EndRun() error {
	if err := b.Flush(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == nil {
		return ErrNoRun
	}
	end := time.Now()
	err := b.deps.DB.Model(b.run).Update("end_time", end).Error
	b.run = nil
	if err != nil {
		return fmt.Errorf("failed to close run: %w", err)
	}
	return nil
}

func (b *Backend) runID() (uint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.run == nil {
		return 0, ErrNoRun
	}
	return b.run.ID, nil
}

// RecordCycle converts and queues a cycle summary.
func (b *Backend) RecordCycle(s *core.CycleSummary) error {
	id, err := b.runID()
	if err != nil {
		return err
	}
	b.queues.Cycles.Push(convert.CoreToCycle(id, *s))
	return nil
}

// RecordLaneChange converts and queues a lane-change event.
func (b *Backend) RecordLaneChange(e *core.LaneChangeEvent) error {
	id, err := b.runID()
	if err != nil {
		return err
	}
	b.queues.LaneChanges.Push(convert.CoreToLaneChange(id, *e, b.deps.Projector))
	return nil
}

// RecordCooperation converts and queues a cooperation event.
func (b *Backend) RecordCooperation(e *core.CooperationEvent) error {
	id, err := b.runID()
	if err != nil {
		return err
	}
	b.queues.Cooperations.Push(convert.CoreToCooperation(id, *e, b.deps.Projector))
	return nil
}

// Pending returns the number of queued rows.
func (b *Backend) Pending() int {
	return b.queues.Cycles.Len() + b.queues.LaneChanges.Len() + b.queues.Cooperations.Len()
}

// Flush drains every queue into the database. Rows of a failed batch are
// put back for the next attempt.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return errors.Join(
		writeQueue(b.deps.DB, b.queues.Cycles, "cycles"),
		writeQueue(b.deps.DB, b.queues.LaneChanges, "lane changes"),
		writeQueue(b.deps.DB, b.queues.Cooperations, "cooperations"),
	)
}

// writeQueue writes all items from a queue to the database in a transaction.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string) error {
	if q.Empty() {
		return nil
	}

	items := q.Drain()
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&items, 1000).Error
	})
	if err != nil {
		q.Requeue(items)
		return fmt.Errorf("error creating %s: %w", name, err)
	}
	return nil
}

// writeLoop periodically drains queues into the DB until Close.
func (b *Backend) writeLoop() {
	defer close(b.stopped)
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.Flush(); err != nil {
				b.deps.Log.Error("DB write failed", "error", err)
				continue
			}
			b.deps.Log.Debug("DB write complete", "duration", time.Since(start))
		}
	}
}

// Runs returns every recorded run, oldest first.
func (b *Backend) Runs() ([]core.Run, error) {
	var rows []model.Run
	if err := b.deps.DB.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]core.Run, len(rows))
	for i, r := range rows {
		out[i] = convert.RunToCore(r)
	}
	return out, nil
}

// Cycles returns the recorded cycle summaries of one run in cycle order.
func (b *Backend) Cycles(runID string) ([]core.CycleSummary, error) {
	var run model.Run
	if err := b.deps.DB.Where("run_id = ?", runID).First(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to find run %s: %w", runID, err)
	}
	var rows []model.Cycle
	if err := b.deps.DB.Where("run_id = ?", run.ID).Order("cycle").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	out := make([]core.CycleSummary, len(rows))
	for i, c := range rows {
		out[i] = convert.CycleToCore(c)
	}
	return out, nil
}

// LaneChangeCount returns how many lane changes a run recorded.
func (b *Backend) LaneChangeCount(runID string) (int64, error) {
	var n int64
	err := b.deps.DB.Model(&model.LaneChange{}).
		Joins("JOIN runs ON runs.id = lane_changes.run_id").
		Where("runs.run_id = ?", runID).
		Count(&n).Error
	return n, err
}
