// Package run holds the state of the current controller session, shared
// between the tick loop, the logger and the status monitor.
package run

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/dcdl-sim/controller/pkg/core"
)

// Status is a point-in-time view of the session.
type Status struct {
	RunID       string    `json:"runId"`
	ControlMode string    `json:"controlMode"`
	StartTime   time.Time `json:"startTime"`
	Tick        uint64    `json:"tick"`
	Cycle       uint64    `json:"cycle"`
	SimTime     float64   `json:"simTime"`
	R           int       `json:"r"`
	N           int       `json:"n"`
	M           int       `json:"m"`
	HCL         int       `json:"hcl"`
	Vehicles    int       `json:"vehicles"`
	LastReward  float64   `json:"lastReward"`
}

// Context holds the current run and its progress.
type Context struct {
	mu     sync.RWMutex
	run    core.Run
	status Status
}

// NewContext creates a Context with no run started.
func NewContext() *Context {
	return &Context{
		run: core.Run{ID: "No run started"},
	}
}

// NewRun builds a run with a fresh id.
func NewRun(mode string, segments []string, stepLength, cycleLength float64, seed uint64) core.Run {
	return core.Run{
		ID:          xid.New().String(),
		StartTime:   time.Now().UTC(),
		ControlMode: mode,
		Segments:    append([]string(nil), segments...),
		StepLength:  stepLength,
		CycleLength: cycleLength,
		Seed:        seed,
	}
}

// Start sets the current run and clears progress.
func (c *Context) Start(r core.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run = r
	c.status = Status{RunID: r.ID, ControlMode: r.ControlMode, StartTime: r.StartTime}
}

// Started reports whether Start has been called.
func (c *Context) Started() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.RunID != ""
}

// Run returns the current run.
func (c *Context) Run() core.Run {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.run
}

// Advance records the tick just completed.
func (c *Context) Advance(tick, cycle uint64, vehicles int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Tick = tick
	c.status.Cycle = cycle
	c.status.SimTime = float64(tick) * c.run.StepLength
	c.status.Vehicles = vehicles
}

// SetLayout records the current corridor layout.
func (c *Context) SetLayout(r, n, m, hcl int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.R, c.status.N, c.status.M, c.status.HCL = r, n, m, hcl
}

// SetReward records the last reduced reward.
func (c *Context) SetReward(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastReward = v
}

// Status returns a copy of the progress.
func (c *Context) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// LogAttrs is a logging.ContextProvider adding run progress to every record.
func (c *Context) LogAttrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status.RunID == "" {
		return nil
	}
	return []slog.Attr{
		slog.Uint64("tick", c.status.Tick),
		slog.Uint64("cycle", c.status.Cycle),
	}
}
