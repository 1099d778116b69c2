// Package arbiter decides, tick by tick, whether a vehicle inside the
// controlled corridor should change lane, and negotiates gaps with
// neighbouring CAVs when a mandatory change is unsafe.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/pkg/core"
)

// Vehicles is the per-vehicle state the arbiter reads and the control memory it owns.
type Vehicles interface {
	Get(id string) (core.VehicleRecord, bool)
	VehiclesOnLane(laneID string) []string
	TypeParams(ctx context.Context, typeID string) (core.TypeParams, error)
	LaneCount(edgeID string) (int, bool)
	EdgeLength(edgeID string) (float64, bool)

	AddDissatisfaction(id string, delta float64) float64
	ResetDissatisfaction(id string)
	SetCDLDistance(id string, d float64)
	Cooldown(id string) int
	SetCooldown(id string, ticks int)
}

// Zones is the current corridor classification.
type Zones interface {
	IsHML(laneID string) bool
	IsCDL(laneID string) bool
	IsMerge(laneID string) bool
	CDL() []string
	CDLStartSegment() (string, bool)
	SegmentOrder(edgeID string) (int, bool)
	Segments() []string
}

// Commands are the engine calls the arbiter issues.
type Commands interface {
	ChangeLane(ctx context.Context, vehicleID string, laneIndex int, duration float64) error
	SetAcceleration(ctx context.Context, vehicleID string, accel, duration float64) error
}

// Options tunes the arbiter.
type Options struct {
	StepLength          float64
	TTCThreshold        float64
	RelaxedTTCThreshold float64
	LaneChangeDuration  float64
	SegmentLength       float64
	ExitDirection       int
	Motivation          config.MotivationConfig
	Cooperation         config.CooperationConfig
	Seed                uint64
}

// OptionsFromConfig extracts the arbiter options from the controller configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StepLength:          cfg.Timing.StepLength,
		TTCThreshold:        cfg.Safety.TTCThreshold,
		RelaxedTTCThreshold: cfg.Safety.RelaxedTTCThreshold,
		LaneChangeDuration:  cfg.LaneChange.Duration,
		SegmentLength:       cfg.Corridor.SegmentLength,
		ExitDirection:       cfg.Corridor.ExitDirection,
		Motivation:          cfg.Motivation,
		Cooperation:         cfg.Cooperation,
		Seed:                cfg.Control.Seed,
	}
}

// Outcome reports what happened to one vehicle during one tick.
type Outcome struct {
	VehicleID   string
	Motivation  Motivation
	Checked     bool // passed the gate and the safety check ran
	Assessment  Assessment
	Changed     bool
	Cooperation *CoopResult
}

// Arbiter is the per-vehicle lane-change decision engine.
type Arbiter struct {
	opts     Options
	vehicles Vehicles
	cmds     Commands
	rng      *rand.Rand
	log      *slog.Logger

	attempts metric.Int64Counter
	changes  metric.Int64Counter
	coops    metric.Int64Counter
}

// New creates an arbiter. The random gate is seeded from opts.Seed so that
// runs with the same seed make the same decisions.
func New(opts Options, vehicles Vehicles, cmds Commands, log *slog.Logger) (*Arbiter, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &Arbiter{
		opts:     opts,
		vehicles: vehicles,
		cmds:     cmds,
		rng:      rand.New(rand.NewPCG(opts.Seed, opts.Seed)),
		log:      log,
	}

	m := meter()
	var err error
	a.attempts, err = m.Int64Counter(
		"arbiter.lanechange.attempts",
		metric.WithDescription("Lane changes that passed the motivation gate"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating attempts counter: %w", err)
	}
	a.changes, err = m.Int64Counter(
		"arbiter.lanechange.executed",
		metric.WithDescription("Lane change commands issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating executed counter: %w", err)
	}
	a.coops, err = m.Int64Counter(
		"arbiter.cooperation.issued",
		metric.WithDescription("Cooperative acceleration commands issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cooperation counter: %w", err)
	}
	return a, nil
}

// Evaluate runs motivation, gate, safety check and execution or negotiation
// for one vehicle. Only fatal engine errors are returned.
func (a *Arbiter) Evaluate(ctx context.Context, id string, zones Zones) (Outcome, error) {
	out := Outcome{VehicleID: id}
	rec, ok := a.vehicles.Get(id)
	if !ok || rec.LaneID == "" {
		return out, nil
	}

	mot := a.Motivate(rec, zones)
	out.Motivation = mot
	if mot.Prob <= 0 || mot.TargetIndex < 0 {
		return out, nil
	}
	if !mot.Mandatory && a.rng.Float64() >= mot.Prob {
		return out, nil
	}

	attrs := metric.WithAttributes(attribute.String("reason", string(mot.Reason)))
	a.attempts.Add(ctx, 1, attrs)

	as, err := a.Assess(ctx, rec, mot.TargetIndex, zones)
	if err != nil {
		return out, err
	}
	out.Checked = true
	out.Assessment = as

	if as.Safe {
		err := a.cmds.ChangeLane(ctx, id, mot.TargetIndex, a.opts.LaneChangeDuration)
		if err != nil {
			if engine.IsTransient(err) {
				a.log.Debug("lane change not applied", "vehicle", id, "error", err)
				return out, nil
			}
			return out, fmt.Errorf("change lane %s: %w", id, err)
		}
		out.Changed = true
		a.changes.Add(ctx, 1, attrs)
		if mot.Prob >= 1 && rec.Class == core.ClassCAV {
			a.vehicles.ResetDissatisfaction(id)
		}
		return out, nil
	}

	if mot.Prob >= 1 && mot.Mandatory {
		res, err := a.Cooperate(ctx, rec, as.Predecessor, as.Follower)
		if err != nil {
			return out, err
		}
		out.Cooperation = &res
		if res.Issued {
			a.coops.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(res.Action))))
		}
	}
	return out, nil
}
