// Package enginetest provides an in-memory engine.Client for tests.
package enginetest

import (
	"context"
	"sort"
	"sync"

	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/pkg/core"
)

// LaneChange records a ChangeLane call.
type LaneChange struct {
	VehicleID string
	LaneIndex int
	Duration  float64
}

// Acceleration records a SetAcceleration call.
type Acceleration struct {
	VehicleID string
	Accel     float64
	Duration  float64
}

// Fake is a scripted engine. Tests mutate Vehicles directly between ticks.
type Fake struct {
	mu sync.Mutex

	Vehicles    map[string]core.Snapshot
	Types       map[string]core.TypeParams
	LaneCounts  map[string]int
	LaneLengths map[string]float64

	Allowed      map[string][]string
	Modes        map[string]core.LaneChangeMode
	LaneChanges  []LaneChange
	Accels       []Acceleration
	Subscribed   map[string]bool
	StepCount    int
	Expected     int
	AllowedCalls int

	pending engine.Events
	fail    map[string]error

	// OnStep runs inside Step after the tick counter advances.
	OnStep func(f *Fake)
}

// New builds a corridor of edges, each with lanes lanes of the given length.
func New(edges []string, lanes int, laneLength float64) *Fake {
	f := &Fake{
		Vehicles:    make(map[string]core.Snapshot),
		Types:       make(map[string]core.TypeParams),
		LaneCounts:  make(map[string]int),
		LaneLengths: make(map[string]float64),
		Allowed:     make(map[string][]string),
		Modes:       make(map[string]core.LaneChangeMode),
		Subscribed:  make(map[string]bool),
		Expected:    1,
		fail:        make(map[string]error),
	}
	for _, e := range edges {
		f.LaneCounts[e] = lanes
		for i := 0; i < lanes; i++ {
			f.LaneLengths[core.LaneID(e, i)] = laneLength
		}
	}
	return f
}

// FailOn makes every call of op return err until cleared with a nil err.
func (f *Fake) FailOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, op)
		return
	}
	f.fail[op] = err
}

func (f *Fake) failure(op string) error {
	return f.fail[op]
}

// Depart places a vehicle in the simulation and reports it as departed.
func (f *Fake) Depart(s core.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Vehicles[s.ID] = s
	f.pending.Departed = append(f.pending.Departed, s.ID)
}

// Arrive removes a vehicle and reports it as arrived.
func (f *Fake) Arrive(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Vehicles, id)
	f.pending.Arrived = append(f.pending.Arrived, id)
}

// Move replaces the snapshot of an existing vehicle.
func (f *Fake) Move(s core.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Vehicles[s.ID] = s
}

func (f *Fake) Step(_ context.Context) error {
	f.mu.Lock()
	if err := f.failure("Step"); err != nil {
		f.mu.Unlock()
		return err
	}
	f.StepCount++
	hook := f.OnStep
	f.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (f *Fake) Events(_ context.Context) (engine.Events, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("Events"); err != nil {
		return engine.Events{}, err
	}
	ev := f.pending
	f.pending = engine.Events{}
	return ev, nil
}

func (f *Fake) MinExpected(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("MinExpected"); err != nil {
		return 0, err
	}
	return f.Expected, nil
}

func (f *Fake) Subscribe(_ context.Context, vehicleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("Subscribe"); err != nil {
		return err
	}
	if _, ok := f.Vehicles[vehicleID]; !ok {
		return engine.Unavailable("vehicle "+vehicleID, nil)
	}
	f.Subscribed[vehicleID] = true
	return nil
}

func (f *Fake) Snapshots(_ context.Context) (map[string]core.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("Snapshots"); err != nil {
		return nil, err
	}
	out := make(map[string]core.Snapshot, len(f.Subscribed))
	for id := range f.Subscribed {
		if s, ok := f.Vehicles[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *Fake) LaneCount(_ context.Context, edgeID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.LaneCounts[edgeID]
	if !ok {
		return 0, engine.Unavailable("edge "+edgeID, nil)
	}
	return n, nil
}

func (f *Fake) LaneLength(_ context.Context, laneID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.LaneLengths[laneID]
	if !ok {
		return 0, engine.Unavailable("lane "+laneID, nil)
	}
	return l, nil
}

func (f *Fake) VehicleTypes(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.Types))
	for id := range f.Types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *Fake) TypeParams(_ context.Context, typeID string) (core.TypeParams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("TypeParams"); err != nil {
		return core.TypeParams{}, err
	}
	p, ok := f.Types[typeID]
	if !ok {
		return core.TypeParams{}, engine.Unavailable("type "+typeID, nil)
	}
	return p, nil
}

func (f *Fake) SetLaneAllowed(_ context.Context, laneID string, vclasses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("SetLaneAllowed"); err != nil {
		return err
	}
	f.AllowedCalls++
	f.Allowed[laneID] = append([]string(nil), vclasses...)
	return nil
}

func (f *Fake) ChangeLane(_ context.Context, vehicleID string, laneIndex int, duration float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("ChangeLane"); err != nil {
		return err
	}
	f.LaneChanges = append(f.LaneChanges, LaneChange{VehicleID: vehicleID, LaneIndex: laneIndex, Duration: duration})
	return nil
}

func (f *Fake) SetAcceleration(_ context.Context, vehicleID string, accel, duration float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("SetAcceleration"); err != nil {
		return err
	}
	f.Accels = append(f.Accels, Acceleration{VehicleID: vehicleID, Accel: accel, Duration: duration})
	return nil
}

func (f *Fake) SetLaneChangeMode(_ context.Context, vehicleID string, mode core.LaneChangeMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("SetLaneChangeMode"); err != nil {
		return err
	}
	f.Modes[vehicleID] = mode
	return nil
}

func (f *Fake) Close() error { return nil }

var _ engine.Client = (*Fake)(nil)
