package arbiter

import (
	"context"
	"fmt"
	"math"

	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/pkg/core"
)

// Action is the maneuver asked of a cooperating vehicle.
type Action string

const (
	ActionAccelerate Action = "accel"
	ActionDecelerate Action = "decel"
)

// CoopResult describes one negotiation attempt.
type CoopResult struct {
	CooperatorID string
	Action       Action
	Acceleration float64
	Duration     float64
	Issued       bool
	Skipped      string // why no command was sent
}

// Cooperate asks one CAV neighbour to open a gap for ego. The predecessor is
// asked to accelerate or the follower to decelerate; the engine's
// car-following model stays in charge of collision avoidance.
func (a *Arbiter) Cooperate(ctx context.Context, ego core.VehicleRecord, pred, follower string) (CoopResult, error) {
	isCAV := func(id string) bool {
		r, ok := a.vehicles.Get(id)
		return ok && r.Class == core.ClassCAV
	}

	var res CoopResult
	switch {
	case pred == "" && isCAV(follower):
		res.CooperatorID, res.Action = follower, ActionDecelerate
	case follower == "" && isCAV(pred):
		res.CooperatorID, res.Action = pred, ActionAccelerate
	case isCAV(pred):
		res.CooperatorID, res.Action = pred, ActionAccelerate
	case isCAV(follower):
		res.CooperatorID, res.Action = follower, ActionDecelerate
	default:
		res.Skipped = "no controllable neighbour"
		return res, nil
	}

	co, ok := a.vehicles.Get(res.CooperatorID)
	if !ok {
		res.Skipped = "cooperator vanished"
		return res, nil
	}
	if a.vehicles.Cooldown(co.ID) > 0 {
		res.Skipped = "cooldown"
		return res, nil
	}

	params, err := a.vehicles.TypeParams(ctx, co.TypeID)
	if err != nil {
		return res, fmt.Errorf("cooperator %s: %w", co.ID, err)
	}

	cc := a.opts.Cooperation
	tau := params.Tau
	if tau < cc.MinReactionTime {
		tau = cc.DefaultReactionTime
	}
	safeDistance := co.Speed*tau + params.MinGap
	gap := math.Inf(1)
	if co.Leader != nil {
		gap = co.Leader.Gap
	}

	margin := cc.DecelMargin
	if res.Action == ActionAccelerate {
		margin = cc.AccelMargin
	}
	if co.Leader != nil && gap <= safeDistance*margin {
		res.Skipped = "insufficient headway"
		return res, nil
	}

	dt := a.opts.StepLength
	res.Duration = float64(cc.DurationTicks) * dt

	switch res.Action {
	case ActionAccelerate:
		res.Acceleration = min(cc.AccelFraction*params.Accel, (gap-safeDistance)/max(dt, 0.1))
	case ActionDecelerate:
		decel := cc.DecelFraction * params.Decel
		if res.Duration > 0 {
			decel = min(decel, co.Speed/res.Duration)
		}
		if decel <= 0 {
			res.Skipped = "stationary"
			return res, nil
		}
		res.Acceleration = -decel
	}

	if err := a.cmds.SetAcceleration(ctx, co.ID, res.Acceleration, res.Duration); err != nil {
		if engine.IsTransient(err) {
			res.Skipped = "engine rejected command"
			return res, nil
		}
		return res, fmt.Errorf("set acceleration %s: %w", co.ID, err)
	}

	res.Issued = true
	a.vehicles.SetCooldown(co.ID, cc.CooldownTicks)
	a.log.Debug("cooperation requested",
		"requester", ego.ID, "cooperator", co.ID, "action", res.Action, "accel", res.Acceleration)
	return res, nil
}
