// Package zone partitions the controlled corridor into open, transitional (HML)
// and CAV-dedicated (CDL) segments, and tracks dedicated lanes that still carry
// human-driven vehicles from the previous layout (HCL).
package zone

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/pkg/core"
)

// Permissions sets the vehicle classes allowed on a lane.
type Permissions interface {
	SetLaneAllowed(ctx context.Context, laneID string, vclasses []string) error
}

// Topology reports the number of lanes of a corridor edge.
type Topology interface {
	LaneCount(edgeID string) (int, bool)
}

// Occupancy reports which vehicle classes are currently on a lane.
type Occupancy interface {
	HasClassOnLane(laneID string, class core.VehicleClass) bool
}

// Options describes the corridor.
type Options struct {
	Segments   []string
	LaneIndex  int // lane managed as HML/CDL on every segment
	MergeIndex int // lane treated as a mandatory merge lane, -1 for none
	VClassHV   string
	VClassCAV  string
}

// Layout is the result of applying a policy.
type Layout struct {
	R, N, M int
	HML     []string
	CDL     []string
	HCL     []string
}

// Controller holds the (r, n, m) state of the corridor.
type Controller struct {
	opts  Options
	perms Permissions
	topo  Topology
	occ   Occupancy
	log   *slog.Logger

	r, n, m int

	hml       map[string]struct{}
	cdl       map[string]struct{}
	hcl       map[string]struct{}
	merge     map[string]struct{}
	clearance map[string]string // HCL lane -> segment
}

// New creates a controller in the all-open state. Nothing is sent to the
// engine until Reset or ApplyPolicy is called.
func New(opts Options, perms Permissions, topo Topology, occ Occupancy, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		opts:      opts,
		perms:     perms,
		topo:      topo,
		occ:       occ,
		log:       log,
		r:         len(opts.Segments),
		hml:       make(map[string]struct{}),
		cdl:       make(map[string]struct{}),
		hcl:       make(map[string]struct{}),
		merge:     make(map[string]struct{}),
		clearance: make(map[string]string),
	}
}

// Total is the number of controlled segments.
func (c *Controller) Total() int {
	return len(c.opts.Segments)
}

func (c *Controller) allClasses() []string {
	return []string{c.opts.VClassHV, c.opts.VClassCAV}
}

func (c *Controller) setAllowed(ctx context.Context, laneID string, vclasses []string) error {
	err := c.perms.SetLaneAllowed(ctx, laneID, vclasses)
	if err == nil {
		return nil
	}
	if engine.IsTransient(err) {
		c.log.Warn("lane permission not applied", "lane", laneID, "error", err)
		return nil
	}
	return fmt.Errorf("set allowed %s: %w", laneID, err)
}

// openAll opens every lane of every segment to all classes and records the merge lanes.
func (c *Controller) openAll(ctx context.Context) error {
	clear(c.merge)
	all := c.allClasses()
	for _, edge := range c.opts.Segments {
		count, ok := c.topo.LaneCount(edge)
		if !ok {
			c.log.Warn("unknown lane count, opening managed lane only", "edge", edge)
			count = c.opts.LaneIndex + 1
		}
		for i := 0; i < count; i++ {
			laneID := core.LaneID(edge, i)
			if err := c.setAllowed(ctx, laneID, all); err != nil {
				return err
			}
			if i == c.opts.MergeIndex {
				c.merge[laneID] = struct{}{}
			}
		}
	}
	return nil
}

// Reset returns the corridor to mixed traffic: (r, n, m) = (TOTAL, 0, 0).
func (c *Controller) Reset(ctx context.Context) error {
	if err := c.openAll(ctx); err != nil {
		return err
	}
	c.r, c.n, c.m = c.Total(), 0, 0
	clear(c.hml)
	clear(c.cdl)
	clear(c.hcl)
	clear(c.clearance)
	return nil
}

// Clamp bounds a requested (m, n) so that m+n never exceeds total.
func Clamp(total, m, n int) (int, int) {
	m = min(max(m, 0), total)
	n = min(max(n, 0), total-m)
	return m, n
}

// ApplyPolicy installs a new layout. Over-budget requests are clamped. The
// clearance set is the overlap of the previous HML range with the new CDL range.
func (c *Controller) ApplyPolicy(ctx context.Context, m, n int) (Layout, error) {
	total := c.Total()
	reqM, reqN := m, n
	m, n = Clamp(total, m, n)
	if m != reqM || n != reqN {
		c.log.Warn("policy clamped", "requestedM", reqM, "requestedN", reqN, "m", m, "n", n)
	}
	r := total - m - n
	hmlStart, cdlStart := r, r+n

	lastStart, lastEnd := c.r, c.r+c.n

	if err := c.openAll(ctx); err != nil {
		return Layout{}, err
	}
	clear(c.hml)
	clear(c.cdl)
	clear(c.hcl)
	clear(c.clearance)

	all := c.allClasses()
	cavOnly := []string{c.opts.VClassCAV}

	for i := hmlStart; i < cdlStart; i++ {
		laneID := c.laneAt(i)
		if err := c.setAllowed(ctx, laneID, all); err != nil {
			return Layout{}, err
		}
		c.hml[laneID] = struct{}{}
	}
	for i := cdlStart; i < total; i++ {
		laneID := c.laneAt(i)
		if err := c.setAllowed(ctx, laneID, cavOnly); err != nil {
			return Layout{}, err
		}
		c.cdl[laneID] = struct{}{}
	}

	for i := max(lastStart, cdlStart); i < min(lastEnd, total); i++ {
		laneID := c.laneAt(i)
		if _, ok := c.cdl[laneID]; !ok {
			continue
		}
		c.hcl[laneID] = struct{}{}
		c.clearance[laneID] = c.opts.Segments[i]
	}

	c.r, c.n, c.m = r, n, m
	layout := c.Layout()
	c.log.Info("lane policy applied", "r", r, "n", n, "m", m, "hcl", len(layout.HCL))
	return layout, nil
}

// Step drops every clearance lane that no longer carries a human-driven
// vehicle and returns the lanes that were released.
func (c *Controller) Step() []string {
	if len(c.hcl) == 0 {
		return nil
	}
	var cleared []string
	for laneID := range c.hcl {
		if c.occ.HasClassOnLane(laneID, core.ClassHV) {
			continue
		}
		cleared = append(cleared, laneID)
	}
	for _, laneID := range cleared {
		delete(c.hcl, laneID)
		delete(c.clearance, laneID)
	}
	slices.Sort(cleared)
	return cleared
}

func (c *Controller) laneAt(i int) string {
	return core.LaneID(c.opts.Segments[i], c.opts.LaneIndex)
}

// State returns the current (r, n, m).
func (c *Controller) State() (r, n, m int) {
	return c.r, c.n, c.m
}

// Layout returns the current partition with lanes in corridor order.
func (c *Controller) Layout() Layout {
	return Layout{
		R:   c.r,
		N:   c.n,
		M:   c.m,
		HML: c.ordered(c.hml),
		CDL: c.ordered(c.cdl),
		HCL: c.ordered(c.hcl),
	}
}

func (c *Controller) ordered(set map[string]struct{}) []string {
	return lo.FilterMap(c.opts.Segments, func(edge string, _ int) (string, bool) {
		laneID := core.LaneID(edge, c.opts.LaneIndex)
		_, ok := set[laneID]
		return laneID, ok
	})
}

func (c *Controller) HML() []string { return c.ordered(c.hml) }
func (c *Controller) CDL() []string { return c.ordered(c.cdl) }
func (c *Controller) HCL() []string { return c.ordered(c.hcl) }

// MergeLanes returns the merge lanes of every segment, sorted.
func (c *Controller) MergeLanes() []string {
	lanes := lo.Keys(c.merge)
	slices.Sort(lanes)
	return lanes
}

func (c *Controller) IsHML(laneID string) bool {
	_, ok := c.hml[laneID]
	return ok
}

func (c *Controller) IsCDL(laneID string) bool {
	_, ok := c.cdl[laneID]
	return ok
}

func (c *Controller) IsHCL(laneID string) bool {
	_, ok := c.hcl[laneID]
	return ok
}

func (c *Controller) IsMerge(laneID string) bool {
	_, ok := c.merge[laneID]
	return ok
}

// IsControlled reports whether vehicles on laneID are arbitrated by the controller.
func (c *Controller) IsControlled(laneID string) bool {
	return c.IsHML(laneID) || c.IsCDL(laneID) || c.IsMerge(laneID)
}

// LaneState classifies a lane. Clearance lanes are also dedicated lanes.
func (c *Controller) LaneState(laneID string) core.LaneState {
	switch {
	case c.IsHCL(laneID):
		return core.LaneClearing
	case c.IsCDL(laneID):
		return core.LaneDedicated
	case c.IsHML(laneID):
		return core.LaneTransitional
	default:
		return core.LaneOpen
	}
}

// ClearanceSegment returns the segment an HCL lane belongs to.
func (c *Controller) ClearanceSegment(laneID string) (string, bool) {
	s, ok := c.clearance[laneID]
	return s, ok
}

// CDLStartSegment returns the first dedicated segment, if any.
func (c *Controller) CDLStartSegment() (string, bool) {
	start := c.r + c.n
	if c.m == 0 || start >= c.Total() {
		return "", false
	}
	return c.opts.Segments[start], true
}

// SegmentOrder returns the position of edgeID in the corridor.
func (c *Controller) SegmentOrder(edgeID string) (int, bool) {
	i := slices.Index(c.opts.Segments, edgeID)
	return i, i >= 0
}

// Segments returns the corridor segment ids.
func (c *Controller) Segments() []string {
	return c.opts.Segments
}
