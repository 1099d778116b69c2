// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"github.com/dcdl-sim/controller/internal/geo"
	"github.com/dcdl-sim/controller/internal/model"
	"github.com/dcdl-sim/controller/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

// positionToPoint projects an engine-local position. Without a projector the
// local meters are stored as-is.
func positionToPoint(p core.Position, proj *geo.Projector) geom.Point {
	if proj != nil {
		return proj.Point(p)
	}
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: p.X, Y: p.Y}})
}

// CoreToRun converts a core.Run to a GORM model.Run.
func CoreToRun(r core.Run, tag string, proj *geo.Projector) model.Run {
	segments := datatypes.JSONSlice[string](r.Segments)
	if segments == nil {
		segments = datatypes.JSONSlice[string]{}
	}
	run := model.Run{
		RunID:       r.ID,
		StartTime:   r.StartTime,
		ControlMode: r.ControlMode,
		Segments:    segments,
		StepLength:  r.StepLength,
		CycleLength: r.CycleLength,
		Seed:        int64(r.Seed),
		Tag:         tag,
	}
	if proj != nil {
		run.Origin = proj.Origin()
	} else {
		run.Origin = geom.NewPoint(geom.Coordinates{})
	}
	return run
}

// CoreToCycle converts a core.CycleSummary to a GORM model.Cycle.
func CoreToCycle(runID uint, s core.CycleSummary) model.Cycle {
	return model.Cycle{
		Time:       s.Time,
		RunID:      runID,
		Cycle:      uint(s.Cycle),
		Tick:       uint(s.Tick),
		R:          s.R,
		N:          s.N,
		M:          s.M,
		HCL:        s.HCL,
		Throughput: s.Throughput,
		Speed:      s.Speed,
		Safety:     s.Safety,
		Reward:     s.Reward,
		Samples:    s.Samples,
		Vehicles:   s.Vehicles,
	}
}

// CoreToLaneChange converts a core.LaneChangeEvent to a GORM model.LaneChange.
func CoreToLaneChange(runID uint, e core.LaneChangeEvent, proj *geo.Projector) model.LaneChange {
	return model.LaneChange{
		Time:        e.Time,
		RunID:       runID,
		Tick:        uint(e.Tick),
		VehicleID:   e.VehicleID,
		Class:       e.Class.String(),
		FromLane:    e.FromLane,
		TargetIndex: e.TargetIndex,
		Probability: e.Probability,
		Mandatory:   e.Mandatory,
		Reason:      e.Reason,
		TTCLeader:   e.TTCLeader,
		TTCFollower: e.TTCFollower,
		Position:    positionToPoint(e.Position, proj),
	}
}

// CoreToCooperation converts a core.CooperationEvent to a GORM model.Cooperation.
func CoreToCooperation(runID uint, e core.CooperationEvent, proj *geo.Projector) model.Cooperation {
	return model.Cooperation{
		Time:         e.Time,
		RunID:        runID,
		Tick:         uint(e.Tick),
		RequesterID:  e.RequesterID,
		CooperatorID: e.CooperatorID,
		Action:       e.Action,
		Acceleration: e.Acceleration,
		Duration:     e.Duration,
		Position:     positionToPoint(e.Position, proj),
	}
}
