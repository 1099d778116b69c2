// Package wsbridge implements engine.Client over a WebSocket relay that
// fronts the traffic simulation engine.
//
// Queries are synchronous request/response round trips. Actuation commands
// (lane permissions, lane changes, accelerations, lane-change modes) are
// queued and sent as one batch ahead of the next step, since the engine
// only applies them when it advances.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/internal/queue"
	"github.com/dcdl-sim/controller/pkg/core"
	"github.com/dcdl-sim/controller/pkg/streaming"
)

const defaultTimeout = 10 * time.Second

// Config holds the relay endpoint.
type Config struct {
	URL            string
	Secret         string
	RequestTimeout time.Duration
}

// Bridge is an engine.Client backed by a WebSocket relay.
type Bridge struct {
	conn     *connection
	cfg      Config
	commands *queue.Queue[streaming.Command]
	logger   *slog.Logger
}

var _ engine.Client = (*Bridge)(nil)

// New creates an unconnected bridge.
func New(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		conn:     newConnection(logger),
		cfg:      cfg,
		commands: queue.New[streaming.Command](),
		logger:   logger,
	}
}

// Dial connects to the relay.
func (b *Bridge) Dial() error {
	if err := b.conn.dial(b.cfg.URL, b.cfg.Secret); err != nil {
		return engine.Disconnected(err)
	}
	return nil
}

// Close drops any unsent commands and disconnects.
func (b *Bridge) Close() error {
	if n := b.commands.Len(); n > 0 {
		b.logger.Debug("Dropping unsent engine commands", "count", n)
		b.commands.Drain()
	}
	return b.conn.close()
}

// call performs one round trip and decodes the payload into out.
// object names the referenced entity for transient errors.
func (b *Bridge) call(ctx context.Context, msgType, object string, payload, out any) error {
	resp, err := b.conn.request(ctx, msgType, payload, b.cfg.RequestTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return engine.Disconnected(err)
	}
	if resp.Error != nil {
		return mapError(object, resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return engine.Disconnected(fmt.Errorf("decode %s response: %w", msgType, err))
	}
	return nil
}

func mapError(object string, e *streaming.Error) error {
	if e.Code == streaming.CodeUnavailable {
		return engine.Unavailable(object, e)
	}
	return engine.Disconnected(e)
}

// enqueue defers a command to the next step.
func (b *Bridge) enqueue(cmd streaming.Command) error {
	if err := b.conn.err(); err != nil {
		return engine.Disconnected(err)
	}
	b.commands.Push(cmd)
	return nil
}

// flush sends queued commands as one batch. Commands the engine cannot
// apply because their target vanished are logged and dropped.
func (b *Bridge) flush(ctx context.Context) error {
	cmds := b.commands.Drain()
	if len(cmds) == 0 {
		return nil
	}

	var result streaming.BatchResult
	if err := b.call(ctx, streaming.TypeBatch, "batch", streaming.BatchPayload{Commands: cmds}, &result); err != nil {
		if engine.IsTransient(err) {
			b.logger.Debug("Engine rejected command batch", "count", len(cmds), "error", err)
			return nil
		}
		return err
	}
	if len(result.Errors) != len(cmds) {
		return engine.Disconnected(fmt.Errorf("batch result has %d entries for %d commands", len(result.Errors), len(cmds)))
	}

	for i, e := range result.Errors {
		if e == nil {
			continue
		}
		if e.Code != streaming.CodeUnavailable {
			return engine.Disconnected(fmt.Errorf("%s: %w", cmds[i].Type, e))
		}
		b.logger.Debug("Engine command skipped", "type", cmds[i].Type, "vehicle", cmds[i].VehicleID, "lane", cmds[i].LaneID, "error", e.Message)
	}
	return nil
}

// Step flushes queued commands then advances the engine by one tick.
func (b *Bridge) Step(ctx context.Context) error {
	if err := b.flush(ctx); err != nil {
		return err
	}
	return b.call(ctx, streaming.TypeStep, "step", nil, nil)
}

func (b *Bridge) Events(ctx context.Context) (engine.Events, error) {
	var p streaming.EventsPayload
	if err := b.call(ctx, streaming.TypeEvents, "events", nil, &p); err != nil {
		return engine.Events{}, err
	}
	return engine.Events{Departed: p.Departed, Arrived: p.Arrived}, nil
}

func (b *Bridge) MinExpected(ctx context.Context) (int, error) {
	var p streaming.CountPayload
	if err := b.call(ctx, streaming.TypeMinExpected, "min expected", nil, &p); err != nil {
		return 0, err
	}
	return p.Count, nil
}

func (b *Bridge) Subscribe(ctx context.Context, vehicleID string) error {
	return b.call(ctx, streaming.TypeSubscribe, "vehicle "+vehicleID, streaming.VehicleRef{VehicleID: vehicleID}, nil)
}

// Snapshots returns the state of every subscribed vehicle keyed by id.
func (b *Bridge) Snapshots(ctx context.Context) (map[string]core.Snapshot, error) {
	var p streaming.SnapshotsPayload
	if err := b.call(ctx, streaming.TypeSnapshots, "snapshots", nil, &p); err != nil {
		return nil, err
	}
	out := make(map[string]core.Snapshot, len(p.Vehicles))
	for _, v := range p.Vehicles {
		out[v.ID] = toSnapshot(v)
	}
	return out, nil
}

func toSnapshot(v streaming.Snapshot) core.Snapshot {
	s := core.Snapshot{
		ID:         v.ID,
		Position:   core.Position{X: v.X, Y: v.Y},
		Speed:      v.Speed,
		Angle:      v.Angle,
		EdgeID:     v.EdgeID,
		LaneID:     v.LaneID,
		LaneIndex:  v.LaneIndex,
		LanePos:    v.LanePos,
		TypeID:     v.TypeID,
		SpeedLimit: v.SpeedLimit,
	}
	if v.LeaderID != "" {
		s.Leader = &core.Leader{ID: v.LeaderID, Gap: v.LeaderGap}
	}
	return s
}

func (b *Bridge) LaneCount(ctx context.Context, edgeID string) (int, error) {
	var p streaming.CountPayload
	if err := b.call(ctx, streaming.TypeLaneCount, "edge "+edgeID, streaming.EdgeRef{EdgeID: edgeID}, &p); err != nil {
		return 0, err
	}
	return p.Count, nil
}

func (b *Bridge) LaneLength(ctx context.Context, laneID string) (float64, error) {
	var p streaming.LengthPayload
	if err := b.call(ctx, streaming.TypeLaneLength, "lane "+laneID, streaming.LaneRef{LaneID: laneID}, &p); err != nil {
		return 0, err
	}
	return p.Length, nil
}

func (b *Bridge) VehicleTypes(ctx context.Context) ([]string, error) {
	var p streaming.TypesPayload
	if err := b.call(ctx, streaming.TypeVehicleTypes, "vehicle types", nil, &p); err != nil {
		return nil, err
	}
	return p.TypeIDs, nil
}

func (b *Bridge) TypeParams(ctx context.Context, typeID string) (core.TypeParams, error) {
	var p streaming.TypeParamsPayload
	if err := b.call(ctx, streaming.TypeTypeParams, "type "+typeID, streaming.TypeRef{TypeID: typeID}, &p); err != nil {
		return core.TypeParams{}, err
	}
	return core.TypeParams{
		Length: p.Length,
		Width:  p.Width,
		Accel:  p.Accel,
		Decel:  p.Decel,
		Tau:    p.Tau,
		MinGap: p.MinGap,
	}, nil
}

func (b *Bridge) SetLaneAllowed(_ context.Context, laneID string, vclasses []string) error {
	return b.enqueue(streaming.Command{Type: streaming.CmdSetLaneAllowed, LaneID: laneID, VClasses: vclasses})
}

func (b *Bridge) ChangeLane(_ context.Context, vehicleID string, laneIndex int, duration float64) error {
	return b.enqueue(streaming.Command{Type: streaming.CmdChangeLane, VehicleID: vehicleID, LaneIndex: laneIndex, Duration: duration})
}

func (b *Bridge) SetAcceleration(_ context.Context, vehicleID string, accel, duration float64) error {
	return b.enqueue(streaming.Command{Type: streaming.CmdSetAcceleration, VehicleID: vehicleID, Accel: accel, Duration: duration})
}

func (b *Bridge) SetLaneChangeMode(_ context.Context, vehicleID string, mode core.LaneChangeMode) error {
	return b.enqueue(streaming.Command{Type: streaming.CmdSetLaneChangeMode, VehicleID: vehicleID, Mode: int(mode)})
}

// Pending returns the number of commands waiting for the next step.
func (b *Bridge) Pending() int {
	return b.commands.Len()
}
