package arbiter

import (
	"context"
	"fmt"
	"math"

	"github.com/dcdl-sim/controller/internal/ttc"
	"github.com/dcdl-sim/controller/pkg/core"
)

const fallbackEdgeLength = 1000.0

// Assessment is the result of a lane-change safety check.
type Assessment struct {
	Predecessor string
	Follower    string
	TTCLeader   float64
	TTCFollower float64
	Threshold   float64
	Safe        bool
}

type searchEdge struct {
	id  string
	rel int // -1 upstream, 0 current, +1 downstream
}

// Neighbours finds the nearest vehicle ahead of and behind rec on lane index
// target, looking at the current segment and its immediate neighbours since
// segment boundaries split lanes.
func (a *Arbiter) Neighbours(rec core.VehicleRecord, target int, zones Zones) (pred, follower string) {
	if target < 0 {
		return "", ""
	}
	if n, ok := a.vehicles.LaneCount(rec.EdgeID); ok && target >= n {
		return "", ""
	}
	order, ok := zones.SegmentOrder(rec.EdgeID)
	if !ok {
		return "", ""
	}

	segments := zones.Segments()
	var edges []searchEdge
	if order > 0 {
		edges = append(edges, searchEdge{segments[order-1], -1})
	}
	edges = append(edges, searchEdge{rec.EdgeID, 0})
	if order < len(segments)-1 {
		edges = append(edges, searchEdge{segments[order+1], 1})
	}

	curLen := a.edgeLength(rec.EdgeID)
	bestAhead, bestBehind := math.Inf(1), math.Inf(1)

	for _, e := range edges {
		edgeLen := a.edgeLength(e.id)
		for _, other := range a.vehicles.VehiclesOnLane(core.LaneID(e.id, target)) {
			if other == rec.ID {
				continue
			}
			o, ok := a.vehicles.Get(other)
			if !ok || o.LanePos < 0 {
				continue
			}

			var dist float64
			switch e.rel {
			case -1:
				dist = o.LanePos - edgeLen - rec.LanePos
			case 0:
				dist = o.LanePos - rec.LanePos
			case 1:
				dist = (curLen - rec.LanePos) + o.LanePos
			}

			if dist > 0 {
				if dist < bestAhead {
					bestAhead, pred = dist, other
				}
			} else if -dist < bestBehind {
				bestBehind, follower = -dist, other
			}
		}
	}
	return pred, follower
}

func (a *Arbiter) edgeLength(edge string) float64 {
	if l, ok := a.vehicles.EdgeLength(edge); ok {
		return l
	}
	return fallbackEdgeLength
}

func (a *Arbiter) state(ctx context.Context, rec core.VehicleRecord) (ttc.State, error) {
	p, err := a.vehicles.TypeParams(ctx, rec.TypeID)
	if err != nil {
		return ttc.State{}, fmt.Errorf("vehicle %s: %w", rec.ID, err)
	}
	return ttc.FromSnapshot(rec.Snapshot, p), nil
}

// Assess checks the 2D-TTC to the target-lane predecessor and from the
// target-lane follower. HVs leaving the transitional zone use the relaxed
// threshold.
func (a *Arbiter) Assess(ctx context.Context, rec core.VehicleRecord, target int, zones Zones) (Assessment, error) {
	pred, follower := a.Neighbours(rec, target, zones)
	as := Assessment{
		Predecessor: pred,
		Follower:    follower,
		TTCLeader:   math.Inf(1),
		TTCFollower: math.Inf(1),
		Threshold:   a.opts.TTCThreshold,
	}
	if rec.Class == core.ClassHV && zones.IsHML(rec.LaneID) {
		as.Threshold = a.opts.RelaxedTTCThreshold
	}

	ego, err := a.state(ctx, rec)
	if err != nil {
		return as, err
	}

	if p, ok := a.vehicles.Get(pred); ok {
		s, err := a.state(ctx, p)
		if err != nil {
			return as, err
		}
		as.TTCLeader = ttc.TwoD(ego, s)
	}
	if f, ok := a.vehicles.Get(follower); ok {
		s, err := a.state(ctx, f)
		if err != nil {
			return as, err
		}
		as.TTCFollower = ttc.TwoD(s, ego)
	}

	as.Safe = as.TTCLeader > as.Threshold && as.TTCFollower > as.Threshold
	return as, nil
}
