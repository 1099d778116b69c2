// Package controller drives one controlled simulation run: it advances the
// engine, mirrors vehicle state, applies lane policies at decision-cycle
// boundaries and arbitrates lane changes inside the corridor.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dcdl-sim/controller/internal/arbiter"
	"github.com/dcdl-sim/controller/internal/cache"
	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/dispatcher"
	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/internal/policy"
	"github.com/dcdl-sim/controller/internal/reward"
	"github.com/dcdl-sim/controller/internal/run"
	"github.com/dcdl-sim/controller/internal/ttc"
	"github.com/dcdl-sim/controller/internal/zone"
	"github.com/dcdl-sim/controller/pkg/core"
)

// Event kinds published to the dispatcher.
const (
	EventLaneChange  = "lanechange"
	EventCooperation = "cooperation"
	EventCycle       = "cycle"
)

// Publisher receives recorded events. *dispatcher.Dispatcher satisfies it.
type Publisher interface {
	HasHandler(kind string) bool
	Dispatch(e dispatcher.Event) (any, error)
}

// Deps are the collaborators of a Controller. Publisher and Run are optional.
type Deps struct {
	Client    engine.Client
	Policy    policy.Source
	Publisher Publisher
	Run       *run.Context
	Log       *slog.Logger
}

// Controller is the tick loop. It is not safe for concurrent use.
type Controller struct {
	cfg    config.Config
	client engine.Client
	source policy.Source
	pub    Publisher
	runCtx *run.Context
	log    *slog.Logger

	vehicles *cache.VehicleStateCache
	zones    *zone.Controller
	arb      *arbiter.Arbiter
	rewards  *reward.Aggregator

	segments      map[string]struct{}
	ticksPerCycle uint64
	tick          uint64
	cycle         uint64
	initialized   bool

	lastM, lastN int
	lastReward   reward.Reward
	ttcSamples   []float64

	tickDuration metric.Float64Histogram
}

// New wires a controller from cfg. The engine is not contacted until Init.
func New(cfg config.Config, deps Deps) (*Controller, error) {
	switch cfg.Control.Mode {
	case config.ModeNoControl, config.ModeBaseline, config.ModeCustom:
	default:
		return nil, fmt.Errorf("unknown control mode: %s", cfg.Control.Mode)
	}
	if deps.Client == nil {
		return nil, errors.New("controller: nil engine client")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	source := deps.Policy
	if source == nil || cfg.Control.Mode == config.ModeBaseline {
		source = policy.Fixed{M: cfg.Policy.M, N: cfg.Policy.N}
	}
	runCtx := deps.Run
	if runCtx == nil {
		runCtx = run.NewContext()
	}

	classes, err := cfg.Vehicle.ClassTable()
	if err != nil {
		return nil, err
	}
	vehicles := cache.New(deps.Client, classes, cfg.Vehicle.DefaultTypeParams(), log.With("component", "cache"))

	zones := zone.New(zone.Options{
		Segments:   cfg.Corridor.Segments,
		LaneIndex:  cfg.Corridor.ControlledLaneIndex,
		MergeIndex: cfg.Corridor.MergeLaneIndex,
		VClassHV:   cfg.Vehicle.VClassHV,
		VClassCAV:  cfg.Vehicle.VClassCAV,
	}, deps.Client, vehicles, vehicles, log.With("component", "zone"))

	arb, err := arbiter.New(arbiter.OptionsFromConfig(cfg), vehicles, deps.Client, log.With("component", "arbiter"))
	if err != nil {
		return nil, err
	}

	hist, err := meter().Float64Histogram(
		"controller.tick.duration",
		metric.WithDescription("Wall time spent in one controller tick"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tick histogram: %w", err)
	}

	return &Controller{
		cfg:           cfg,
		client:        deps.Client,
		source:        source,
		pub:           deps.Publisher,
		runCtx:        runCtx,
		log:           log,
		vehicles:      vehicles,
		zones:         zones,
		arb:           arb,
		rewards:       reward.New(reward.OptionsFromConfig(cfg)),
		segments:      lo.SliceToMap(cfg.Corridor.Segments, func(s string) (string, struct{}) { return s, struct{}{} }),
		ticksPerCycle: cfg.Timing.TicksPerCycle(),
		lastM:         cfg.Policy.M,
		lastN:         cfg.Policy.N,
		tickDuration:  hist,
	}, nil
}

// Init loads topology and vehicle types and puts the corridor in its initial
// layout for the configured mode.
func (c *Controller) Init(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	segments := c.cfg.Corridor.Segments
	if declared := c.cfg.Corridor.DeclaredSegments(); declared != len(segments) {
		c.log.Warn("declared segment count differs from corridor, using corridor",
			"declared", declared, "segments", len(segments))
	}

	if err := c.vehicles.LoadTopology(ctx, segments); err != nil {
		return err
	}
	if err := c.vehicles.LoadTypes(ctx); err != nil {
		return err
	}
	if err := c.zones.Reset(ctx); err != nil {
		return err
	}
	if c.cfg.Control.Mode == config.ModeBaseline {
		if err := c.applyPolicy(ctx, c.cfg.Policy.M, c.cfg.Policy.N); err != nil {
			return err
		}
	}
	c.publishLayout()
	c.initialized = true
	c.log.Info("controller initialized",
		"mode", c.cfg.Control.Mode, "segments", len(segments), "ticksPerCycle", c.ticksPerCycle)
	return nil
}

// Run alternates engine steps and ticks until the engine drains, the step
// limit is reached or ctx is cancelled. Fatal engine errors abort the run.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	defer c.finish()

	maxSteps := c.cfg.Control.MaxSteps
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if maxSteps > 0 && c.tick >= uint64(maxSteps) {
			c.log.Info("step limit reached", "ticks", c.tick)
			return nil
		}
		if err := c.client.Step(ctx); err != nil {
			return fmt.Errorf("engine step: %w", err)
		}
		if err := c.Tick(ctx); err != nil {
			return err
		}

		expected, err := c.client.MinExpected(ctx)
		if err != nil {
			if engine.IsTransient(err) {
				continue
			}
			return fmt.Errorf("min expected: %w", err)
		}
		if expected <= 0 {
			c.log.Info("simulation drained", "ticks", c.tick)
			return nil
		}
	}
}

// Tick runs one controller step against the state the engine reached after
// its last step.
func (c *Controller) Tick(ctx context.Context) error {
	start := time.Now()
	defer func() {
		c.tickDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(attribute.String("mode", c.cfg.Control.Mode)))
	}()

	ev, err := c.client.Events(ctx)
	if err != nil {
		if !engine.IsTransient(err) {
			return fmt.Errorf("engine events: %w", err)
		}
		c.log.Warn("engine events unavailable", "tick", c.tick, "error", err)
	}
	if err := c.vehicles.Reconcile(ctx, ev); err != nil {
		return err
	}

	snaps, err := c.client.Snapshots(ctx)
	if err != nil {
		if !engine.IsTransient(err) {
			return fmt.Errorf("engine snapshots: %w", err)
		}
		c.log.Warn("snapshots unavailable, reusing previous state", "error", err)
	} else {
		c.vehicles.Refresh(snaps)
	}

	if c.tick%c.ticksPerCycle == 0 {
		if err := c.boundary(ctx); err != nil {
			return err
		}
	}

	if c.cfg.Control.Mode != config.ModeNoControl {
		if cleared := c.zones.Step(); len(cleared) > 0 {
			c.log.Debug("clearance lanes released", "lanes", cleared)
			c.publishLayout()
		}
	}
	c.vehicles.TickCooldowns()

	if err := c.applyModes(ctx); err != nil {
		return err
	}
	if c.cfg.Control.Mode == config.ModeCustom {
		if err := c.arbitrate(ctx); err != nil {
			return err
		}
	}
	if err := c.sample(ctx); err != nil {
		return err
	}

	c.tick++
	c.runCtx.Advance(c.tick, c.cycle, c.vehicles.Tracked())
	return nil
}

// boundary closes the finished decision cycle and, in custom mode, applies
// the next policy.
func (c *Controller) boundary(ctx context.Context) error {
	if c.tick > 0 {
		c.reduce(c.cycle)
	}
	c.cycle = c.tick / c.ticksPerCycle

	if c.cfg.Control.Mode != config.ModeCustom {
		return nil
	}

	r, n, m := c.zones.State()
	d := policy.Decision{Cycle: int(c.cycle), R: r, N: n, M: m, Reward: c.lastReward}
	nextM, nextN, err := c.source.Next(ctx, d)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.log.Warn("policy unavailable, keeping previous layout",
			"m", c.lastM, "n", c.lastN, "error", err)
		nextM, nextN = c.lastM, c.lastN
	}
	return c.applyPolicy(ctx, nextM, nextN)
}

func (c *Controller) applyPolicy(ctx context.Context, m, n int) error {
	layout, err := c.zones.ApplyPolicy(ctx, m, n)
	if err != nil {
		return err
	}
	c.lastM, c.lastN = layout.M, layout.N
	c.publishLayout()
	return nil
}

func (c *Controller) publishLayout() {
	r, n, m := c.zones.State()
	c.runCtx.SetLayout(r, n, m, len(c.zones.HCL()))
}

// reduce turns the samples of one cycle into a reward and publishes it.
func (c *Controller) reduce(cycle uint64) {
	rw := c.rewards.Reduce(c.ttcSamples)
	c.ttcSamples = c.ttcSamples[:0]
	c.lastReward = rw
	c.runCtx.SetReward(rw.Value)

	r, n, m := c.zones.State()
	c.log.Info("cycle reward",
		"cycle", cycle, "reward", rw.Value, "throughput", rw.Throughput,
		"speed", rw.Speed, "safety", rw.Safety, "samples", rw.Samples)

	c.publish(EventCycle, core.CycleSummary{
		Time:       time.Now().UTC(),
		Cycle:      cycle,
		Tick:       c.tick,
		R:          r,
		N:          n,
		M:          m,
		HCL:        len(c.zones.HCL()),
		Throughput: rw.Throughput,
		Speed:      rw.Speed,
		Safety:     rw.Safety,
		Reward:     rw.Value,
		Samples:    rw.Samples,
		Vehicles:   c.vehicles.Tracked(),
	})
}

// finish reduces a partially completed cycle.
func (c *Controller) finish() {
	if c.rewards.Samples() > 0 {
		c.reduce(c.cycle)
	}
}

// desiredMode returns the lane-change mode a vehicle should run with, or
// false when its current mode should be left alone.
func (c *Controller) desiredMode(rec core.VehicleRecord) (core.LaneChangeMode, bool) {
	switch c.cfg.Control.Mode {
	case config.ModeNoControl:
		return engine.ModeKeepLane, true
	case config.ModeBaseline:
		if rec.Class == core.ClassCAV {
			return engine.ModeAutonomous, true
		}
		return engine.ModeKeepLane, true
	}

	if c.zones.IsControlled(rec.LaneID) {
		return engine.ModeControlled, true
	}
	if cur, ok := c.vehicles.Mode(rec.ID); ok && cur == engine.ModeControlled {
		return engine.ModeAutonomous, true
	}
	return 0, false
}

// applyModes hands vehicles entering the controlled lanes to the arbiter and
// gives released vehicles their autonomy back.
func (c *Controller) applyModes(ctx context.Context) error {
	for _, id := range c.vehicles.IDs() {
		rec, _ := c.vehicles.Get(id)
		want, ok := c.desiredMode(rec)
		if !ok {
			continue
		}
		if cur, set := c.vehicles.Mode(id); set && cur == want {
			continue
		}
		if err := c.client.SetLaneChangeMode(ctx, id, want); err != nil {
			if engine.IsTransient(err) {
				c.log.Debug("lane change mode not applied", "vehicle", id, "error", err)
				continue
			}
			return fmt.Errorf("lane change mode %s: %w", id, err)
		}
		c.vehicles.SetMode(id, want)
	}
	return nil
}

// arbitrate evaluates every vehicle on a controlled lane.
func (c *Controller) arbitrate(ctx context.Context) error {
	for _, id := range c.vehicles.IDs() {
		rec, _ := c.vehicles.Get(id)
		if !c.zones.IsControlled(rec.LaneID) {
			continue
		}
		out, err := c.arb.Evaluate(ctx, id, c.zones)
		if err != nil {
			return err
		}
		if out.Changed {
			c.publish(EventLaneChange, core.LaneChangeEvent{
				Time:        time.Now().UTC(),
				Tick:        c.tick,
				VehicleID:   id,
				Class:       rec.Class,
				FromLane:    rec.LaneID,
				TargetIndex: out.Motivation.TargetIndex,
				Probability: out.Motivation.Prob,
				Mandatory:   out.Motivation.Mandatory,
				Reason:      string(out.Motivation.Reason),
				TTCLeader:   c.capTTC(out.Assessment.TTCLeader),
				TTCFollower: c.capTTC(out.Assessment.TTCFollower),
				Position:    rec.Position,
			})
		}
		if coop := out.Cooperation; coop != nil && coop.Issued {
			c.publish(EventCooperation, core.CooperationEvent{
				Time:         time.Now().UTC(),
				Tick:         c.tick,
				RequesterID:  id,
				CooperatorID: coop.CooperatorID,
				Action:       string(coop.Action),
				Acceleration: coop.Acceleration,
				Duration:     coop.Duration,
				Position:     rec.Position,
			})
		}
	}
	return nil
}

// sample feeds the reward with the speeds of the sampled population and the
// TTC of each of its vehicles to its leader. The population is every tracked
// vehicle unless reward.population restricts it to the corridor.
func (c *Controller) sample(ctx context.Context) error {
	corridorOnly := c.cfg.Reward.Population == config.PopulationCorridor
	records := lo.FilterMap(c.vehicles.IDs(), func(id string, _ int) (core.VehicleRecord, bool) {
		rec, ok := c.vehicles.Get(id)
		if !ok {
			return rec, false
		}
		if !corridorOnly {
			return rec, true
		}
		_, inCorridor := c.segments[rec.EdgeID]
		return rec, inCorridor
	})

	speeds := make([]float64, 0, len(records))
	for _, rec := range records {
		speeds = append(speeds, rec.Speed)
		if rec.Leader == nil || rec.Leader.ID == "" {
			continue
		}
		lead, ok := c.vehicles.Get(rec.Leader.ID)
		if !ok {
			continue
		}
		ego, err := c.state(ctx, rec)
		if err != nil {
			return err
		}
		other, err := c.state(ctx, lead)
		if err != nil {
			return err
		}
		c.ttcSamples = append(c.ttcSamples, ttc.TwoD(ego, other))
	}
	c.rewards.UpdatePerStep(speeds)
	return nil
}

func (c *Controller) state(ctx context.Context, rec core.VehicleRecord) (ttc.State, error) {
	p, err := c.vehicles.TypeParams(ctx, rec.TypeID)
	if err != nil {
		return ttc.State{}, err
	}
	return ttc.FromSnapshot(rec.Snapshot, p), nil
}

// capTTC keeps recorded TTCs finite.
func (c *Controller) capTTC(v float64) float64 {
	if math.IsNaN(v) || v > c.cfg.Safety.TTCCap {
		return c.cfg.Safety.TTCCap
	}
	return v
}

func (c *Controller) publish(kind string, payload any) {
	if c.pub == nil || !c.pub.HasHandler(kind) {
		return
	}
	if _, err := c.pub.Dispatch(dispatcher.Event{Kind: kind, Payload: payload, Timestamp: time.Now()}); err != nil {
		c.log.Warn("event not recorded", "kind", kind, "error", err)
	}
}

// Ticks returns the number of completed ticks.
func (c *Controller) Ticks() uint64 { return c.tick }

// Cycle returns the current decision cycle.
func (c *Controller) Cycle() uint64 { return c.cycle }

// Zones exposes the corridor state.
func (c *Controller) Zones() *zone.Controller { return c.zones }

// Vehicles exposes the vehicle cache.
func (c *Controller) Vehicles() *cache.VehicleStateCache { return c.vehicles }

// LastReward returns the reward of the last completed cycle.
func (c *Controller) LastReward() reward.Reward { return c.lastReward }
