// Package cache mirrors per-vehicle engine state between ticks and owns every
// piece of per-vehicle control memory.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/pkg/core"
)

// VehicleStateCache holds snapshots, the lane occupancy index and control memory.
// It is not safe for concurrent use; the tick loop is its only caller.
type VehicleStateCache struct {
	client   engine.Client
	classes  config.ClassTable
	defaults core.TypeParams
	log      *slog.Logger

	tracked  map[string]struct{}
	fresh    map[string]struct{} // subscribed this tick, may lack a snapshot yet
	vehicles map[string]core.VehicleRecord
	classOf  map[string]core.VehicleClass
	byLane   map[string][]string
	types    map[string]core.TypeParams

	dissatisfaction map[string]float64
	cdlDistance     map[string]float64
	cooldowns       map[string]int
	modes           map[string]core.LaneChangeMode

	laneCounts  map[string]int
	edgeLengths map[string]float64
}

// New creates an empty cache bound to an engine client.
func New(client engine.Client, classes config.ClassTable, defaults core.TypeParams, log *slog.Logger) *VehicleStateCache {
	if log == nil {
		log = slog.Default()
	}
	return &VehicleStateCache{
		client:          client,
		classes:         classes,
		defaults:        defaults,
		log:             log,
		tracked:         make(map[string]struct{}),
		fresh:           make(map[string]struct{}),
		vehicles:        make(map[string]core.VehicleRecord),
		classOf:         make(map[string]core.VehicleClass),
		byLane:          make(map[string][]string),
		types:           make(map[string]core.TypeParams),
		dissatisfaction: make(map[string]float64),
		cdlDistance:     make(map[string]float64),
		cooldowns:       make(map[string]int),
		modes:           make(map[string]core.LaneChangeMode),
		laneCounts:      make(map[string]int),
		edgeLengths:     make(map[string]float64),
	}
}

// Reconcile applies the engine's departed/arrived event pair. Departed vehicles
// are subscribed; arrived vehicles lose all of their memory in one call.
func (c *VehicleStateCache) Reconcile(ctx context.Context, ev engine.Events) error {
	for _, id := range ev.Arrived {
		c.forget(id)
	}

	for _, id := range ev.Departed {
		if _, ok := c.tracked[id]; ok {
			continue
		}
		if err := c.client.Subscribe(ctx, id); err != nil {
			if engine.IsTransient(err) {
				c.log.Debug("skipping subscription", "vehicle", id, "error", err)
				continue
			}
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
		c.tracked[id] = struct{}{}
		c.fresh[id] = struct{}{}
	}
	return nil
}

func (c *VehicleStateCache) forget(id string) {
	delete(c.tracked, id)
	delete(c.fresh, id)
	delete(c.vehicles, id)
	delete(c.classOf, id)
	delete(c.dissatisfaction, id)
	delete(c.cdlDistance, id)
	delete(c.cooldowns, id)
	delete(c.modes, id)
}

// Refresh replaces the current snapshots and rebuilds the lane occupancy index.
// Vehicle classes are assigned the first time a vehicle is seen. Vehicles
// absent from snapshots are forgotten unless they were subscribed this tick.
func (c *VehicleStateCache) Refresh(snapshots map[string]core.Snapshot) {
	clear(c.vehicles)
	clear(c.byLane)

	for id, s := range snapshots {
		class, ok := c.classOf[id]
		if !ok {
			class = c.classes.Lookup(s.TypeID)
			c.classOf[id] = class
		}
		c.tracked[id] = struct{}{}
		c.vehicles[id] = core.VehicleRecord{Snapshot: s, Class: class}
		if s.LaneID != "" {
			c.byLane[s.LaneID] = append(c.byLane[s.LaneID], id)
		}
	}
	for _, ids := range c.byLane {
		slices.Sort(ids)
	}

	// An arrival lost with a failed events call would otherwise leave the
	// vehicle's memory behind for the rest of the run.
	stale := c.staleIDs()
	for _, id := range stale {
		c.forget(id)
	}
	if len(stale) > 0 {
		c.log.Debug("purged vehicles missing from snapshots", "vehicles", stale)
	}
	clear(c.fresh)
}

// staleIDs lists vehicles with state in the cache but no current snapshot,
// except those subscribed during this tick.
func (c *VehicleStateCache) staleIDs() []string {
	seen := make(map[string]struct{})
	var stale []string
	check := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		if _, ok := c.vehicles[id]; ok {
			return
		}
		if _, ok := c.fresh[id]; ok {
			return
		}
		stale = append(stale, id)
	}
	for id := range c.tracked {
		check(id)
	}
	for id := range c.classOf {
		check(id)
	}
	for id := range c.dissatisfaction {
		check(id)
	}
	for id := range c.cdlDistance {
		check(id)
	}
	for id := range c.cooldowns {
		check(id)
	}
	for id := range c.modes {
		check(id)
	}
	slices.Sort(stale)
	return stale
}

// Get returns the latest record of a vehicle.
func (c *VehicleStateCache) Get(id string) (core.VehicleRecord, bool) {
	r, ok := c.vehicles[id]
	return r, ok
}

// Class returns the class assigned to a vehicle.
func (c *VehicleStateCache) Class(id string) (core.VehicleClass, bool) {
	cl, ok := c.classOf[id]
	return cl, ok
}

// VehiclesOnLane returns the ids currently on laneID, sorted.
func (c *VehicleStateCache) VehiclesOnLane(laneID string) []string {
	return c.byLane[laneID]
}

// HasClassOnLane reports whether any vehicle of class occupies laneID.
func (c *VehicleStateCache) HasClassOnLane(laneID string, class core.VehicleClass) bool {
	return lo.SomeBy(c.byLane[laneID], func(id string) bool {
		return c.classOf[id] == class
	})
}

// IDs returns the ids of every vehicle with a current snapshot, sorted.
func (c *VehicleStateCache) IDs() []string {
	ids := lo.Keys(c.vehicles)
	slices.Sort(ids)
	return ids
}

// Speeds returns the current speed of every vehicle with a snapshot.
func (c *VehicleStateCache) Speeds() []float64 {
	return lo.MapToSlice(c.vehicles, func(_ string, r core.VehicleRecord) float64 {
		return r.Speed
	})
}

// Tracked is the number of subscribed vehicles.
func (c *VehicleStateCache) Tracked() int {
	return len(c.tracked)
}

// LoadTypes caches the parameters of every vehicle type the engine knows.
func (c *VehicleStateCache) LoadTypes(ctx context.Context) error {
	ids, err := c.client.VehicleTypes(ctx)
	if err != nil {
		return fmt.Errorf("listing vehicle types: %w", err)
	}
	for _, id := range ids {
		if _, err := c.TypeParams(ctx, id); err != nil {
			return err
		}
	}
	c.log.Info("cached vehicle types", "count", len(c.types))
	return nil
}

// TypeParams returns the cached parameters of typeID, loading them on first use.
// A transient engine failure yields the configured default geometry.
func (c *VehicleStateCache) TypeParams(ctx context.Context, typeID string) (core.TypeParams, error) {
	if p, ok := c.types[typeID]; ok {
		return p, nil
	}
	p, err := c.client.TypeParams(ctx, typeID)
	if err != nil {
		if engine.IsTransient(err) {
			c.log.Warn("using default vehicle geometry", "type", typeID, "error", err)
			return c.defaults, nil
		}
		return core.TypeParams{}, fmt.Errorf("type params %s: %w", typeID, err)
	}
	c.types[typeID] = p
	return p, nil
}

// Dissatisfaction returns the accumulated speed deficit of a vehicle, in seconds.
func (c *VehicleStateCache) Dissatisfaction(id string) float64 {
	return c.dissatisfaction[id]
}

// AddDissatisfaction accumulates delta and returns the new total.
func (c *VehicleStateCache) AddDissatisfaction(id string, delta float64) float64 {
	c.dissatisfaction[id] += delta
	return c.dissatisfaction[id]
}

// ResetDissatisfaction zeroes the accumulator of a vehicle.
func (c *VehicleStateCache) ResetDissatisfaction(id string) {
	c.dissatisfaction[id] = 0
}

// CDLDistance returns the last recorded distance travelled inside the dedicated zone.
func (c *VehicleStateCache) CDLDistance(id string) float64 {
	return c.cdlDistance[id]
}

func (c *VehicleStateCache) SetCDLDistance(id string, d float64) {
	c.cdlDistance[id] = d
}

// Cooldown returns the remaining cooperation cooldown of a vehicle, in ticks.
func (c *VehicleStateCache) Cooldown(id string) int {
	return c.cooldowns[id]
}

func (c *VehicleStateCache) SetCooldown(id string, ticks int) {
	if ticks <= 0 {
		delete(c.cooldowns, id)
		return
	}
	c.cooldowns[id] = ticks
}

// TickCooldowns decrements every cooldown, dropping those that expire.
func (c *VehicleStateCache) TickCooldowns() {
	for id, remaining := range c.cooldowns {
		if remaining <= 1 {
			delete(c.cooldowns, id)
			continue
		}
		c.cooldowns[id] = remaining - 1
	}
}

// Mode returns the last lane-change mode sent to the engine for a vehicle.
func (c *VehicleStateCache) Mode(id string) (core.LaneChangeMode, bool) {
	m, ok := c.modes[id]
	return m, ok
}

func (c *VehicleStateCache) SetMode(id string, mode core.LaneChangeMode) {
	c.modes[id] = mode
}

// LoadTopology caches the lane count of every edge and the length of its lane 0.
func (c *VehicleStateCache) LoadTopology(ctx context.Context, edges []string) error {
	for _, edge := range edges {
		n, err := c.client.LaneCount(ctx, edge)
		if err != nil {
			if engine.IsTransient(err) {
				c.log.Warn("edge lane count unavailable", "edge", edge, "error", err)
				continue
			}
			return fmt.Errorf("lane count %s: %w", edge, err)
		}
		c.laneCounts[edge] = n

		l, err := c.client.LaneLength(ctx, core.LaneID(edge, 0))
		if err != nil {
			if engine.IsTransient(err) {
				c.log.Warn("edge length unavailable", "edge", edge, "error", err)
				continue
			}
			return fmt.Errorf("lane length %s: %w", edge, err)
		}
		c.edgeLengths[edge] = l
	}
	return nil
}

// LaneCount returns the cached lane count of an edge.
func (c *VehicleStateCache) LaneCount(edge string) (int, bool) {
	n, ok := c.laneCounts[edge]
	return n, ok
}

// EdgeLength returns the cached length of an edge.
func (c *VehicleStateCache) EdgeLength(edge string) (float64, bool) {
	l, ok := c.edgeLengths[edge]
	return l, ok
}
