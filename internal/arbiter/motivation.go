package arbiter

import (
	"github.com/dcdl-sim/controller/pkg/core"
)

// Reason names the rule that produced a motivation.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonMerge     Reason = "merge"
	ReasonHVExit    Reason = "hv-exit"
	ReasonSpeedGain Reason = "speed-gain"
	ReasonCDLExit   Reason = "cdl-exit"
)

// Motivation is the lane-change probability of one vehicle for one tick.
// Mandatory vehicles skip the random gate and may request cooperation.
type Motivation struct {
	Prob        float64
	Mandatory   bool
	TargetIndex int // -1 when no legal target lane exists
	Reason      Reason
}

var noMotivation = Motivation{TargetIndex: -1}

// Motivate computes the lane-change motivation of rec. It updates the
// dissatisfaction and CDL-distance memory of CAVs as a side effect.
func (a *Arbiter) Motivate(rec core.VehicleRecord, zones Zones) Motivation {
	if rec.LaneIndex < 0 || rec.LaneID == "" {
		return noMotivation
	}
	target := rec.LaneIndex + a.opts.ExitDirection
	legal := a.legalTarget(rec.EdgeID, target)

	build := func(prob float64, mandatory bool, reason Reason) Motivation {
		if prob <= 0 {
			return noMotivation
		}
		m := Motivation{Prob: prob, Mandatory: mandatory, TargetIndex: target, Reason: reason}
		if !legal {
			m.TargetIndex = -1
		}
		return m
	}

	lane := rec.LaneID
	isCAV := rec.Class == core.ClassCAV

	switch {
	case isCAV && zones.IsMerge(lane):
		if !legal {
			return noMotivation
		}
		p := a.hmlMotivation(rec, target, zones)
		return build(p, p >= 1, ReasonMerge)

	case !isCAV && (zones.IsCDL(lane) || zones.IsHML(lane)):
		return build(1, true, ReasonHVExit)

	case isCAV && zones.IsHML(lane):
		if !legal {
			return noMotivation
		}
		p := a.hmlMotivation(rec, target, zones)
		return build(p, p >= 1, ReasonSpeedGain)

	case isCAV && zones.IsCDL(lane):
		p := a.cdlMotivation(rec, target, zones)
		return build(p, p >= 1, ReasonCDLExit)
	}
	return noMotivation
}

func (a *Arbiter) legalTarget(edge string, target int) bool {
	if target < 0 {
		return false
	}
	n, ok := a.vehicles.LaneCount(edge)
	return !ok || target < n
}

// hmlMotivation accumulates dissatisfaction and, once it passes the
// threshold, turns the speed gain of the target lane into a probability.
// The accumulator is only reset by Evaluate once a full-motivation change
// has been issued.
func (a *Arbiter) hmlMotivation(rec core.VehicleRecord, target int, zones Zones) float64 {
	mo := a.opts.Motivation
	v := rec.Speed
	desired := rec.SpeedLimit
	if desired <= 0 {
		desired = v
	}

	var delta float64
	if desired > mo.LowSpeedGuard {
		delta = max(0, (desired-v)/desired) * a.opts.StepLength
	}
	total := a.vehicles.AddDissatisfaction(rec.ID, delta)
	if total <= mo.DissatisfactionThreshold {
		return 0
	}

	gain := a.speedGain(rec, target, zones)
	if gain <= 0 {
		return 0
	}
	if gain < mo.SpeedGainThreshold {
		return gain / mo.SpeedGainThreshold
	}
	return 1
}

// speedGain is the speed of the target-lane predecessor minus the speed of
// the own-lane leader. A missing target predecessor counts as free flow at
// design speed; a missing own leader counts as the vehicle's own speed.
func (a *Arbiter) speedGain(rec core.VehicleRecord, target int, zones Zones) float64 {
	vp := -1.0
	if rec.Leader != nil {
		if l, ok := a.vehicles.Get(rec.Leader.ID); ok {
			vp = l.Speed
		}
	}

	vtp := -1.0
	if pred, _ := a.Neighbours(rec, target, zones); pred != "" {
		if p, ok := a.vehicles.Get(pred); ok {
			vtp = p.Speed
		}
	}

	if vtp < 0 {
		vtp = a.opts.Motivation.DesignSpeed
	}
	if vp < 0 {
		vp = rec.Speed
	}
	return vtp - vp
}

// cdlMotivation combines the speed-gain motivation with a positional term
// that reaches 1 as the vehicle nears the end of the dedicated zone.
func (a *Arbiter) cdlMotivation(rec core.VehicleRecord, target int, zones Zones) float64 {
	var eff float64
	if a.legalTarget(rec.EdgeID, target) {
		eff = a.hmlMotivation(rec, target, zones)
	}
	d := a.cdlDistance(rec, zones)

	zoneLength := float64(len(zones.CDL())) * a.opts.SegmentLength
	denom := zoneLength - a.opts.Motivation.StopBarDistance

	var safe float64
	switch {
	case denom <= 0, d >= denom:
		safe = 1
	default:
		safe = min(max(d/denom, 0), 1)
	}
	return 1 - (1-eff)*(1-safe)
}

// cdlDistance is the distance travelled since the start of the dedicated zone.
func (a *Arbiter) cdlDistance(rec core.VehicleRecord, zones Zones) float64 {
	var d float64
	start, hasStart := zones.CDLStartSegment()
	cur, inCorridor := zones.SegmentOrder(rec.EdgeID)
	if hasStart && inCorridor {
		first, _ := zones.SegmentOrder(start)
		if idx := cur - first; idx >= 0 {
			d = float64(idx)*a.opts.SegmentLength + rec.LanePos
		}
	}
	a.vehicles.SetCDLDistance(rec.ID, d)
	return d
}
