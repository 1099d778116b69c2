// Package engine defines the contract between the controller and the
// external traffic simulation engine.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dcdl-sim/controller/pkg/core"
)

// Lane-change autonomy modes understood by the engine.
const (
	ModeAutonomous core.LaneChangeMode = 0b011001010101
	ModeControlled core.LaneChangeMode = 256
	ModeKeepLane   core.LaneChangeMode = 0
)

var (
	// ErrUnavailable marks a transient failure: the vehicle, lane or type
	// is momentarily unknown to the engine. Callers skip it for this tick.
	ErrUnavailable = errors.New("engine: object unavailable")

	// ErrDisconnected marks a fatal failure: the engine is unreachable or
	// spoke an invalid protocol. The run must abort.
	ErrDisconnected = errors.New("engine: disconnected")
)

// Unavailable wraps a transient failure for the named object.
func Unavailable(object string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, object)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, object, cause)
}

// Disconnected wraps a fatal transport failure.
func Disconnected(cause error) error {
	return fmt.Errorf("%w: %v", ErrDisconnected, cause)
}

// IsTransient reports whether err can be skipped for the current tick.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable) && !errors.Is(err, ErrDisconnected)
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return err != nil && !IsTransient(err)
}

// Events is the departed/arrived vehicle id pair reported after each step.
type Events struct {
	Departed []string
	Arrived  []string
}

// Client is the engine surface consumed by the controller.
type Client interface {
	// Step advances the engine by one tick.
	Step(ctx context.Context) error
	// Events returns vehicles that entered or left the simulation during the last step.
	Events(ctx context.Context) (Events, error)
	// MinExpected returns the number of vehicles still running or waiting to depart.
	MinExpected(ctx context.Context) (int, error)

	Subscribe(ctx context.Context, vehicleID string) error
	Snapshots(ctx context.Context) (map[string]core.Snapshot, error)

	LaneCount(ctx context.Context, edgeID string) (int, error)
	LaneLength(ctx context.Context, laneID string) (float64, error)
	VehicleTypes(ctx context.Context) ([]string, error)
	TypeParams(ctx context.Context, typeID string) (core.TypeParams, error)

	SetLaneAllowed(ctx context.Context, laneID string, vclasses []string) error
	ChangeLane(ctx context.Context, vehicleID string, laneIndex int, duration float64) error
	SetAcceleration(ctx context.Context, vehicleID string, accel, duration float64) error
	SetLaneChangeMode(ctx context.Context, vehicleID string, mode core.LaneChangeMode) error

	Close() error
}
