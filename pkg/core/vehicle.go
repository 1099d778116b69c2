// pkg/core/vehicle.go
package core

import (
	"fmt"
	"math"
	"strings"
)

// VehicleClass tags a vehicle as human-driven or connected-autonomous.
// It is assigned once when the vehicle is first observed.
type VehicleClass uint8

const (
	ClassHV VehicleClass = iota
	ClassCAV
)

func (c VehicleClass) String() string {
	switch c {
	case ClassCAV:
		return "CAV"
	default:
		return "HV"
	}
}

// ParseVehicleClass converts "HV"/"CAV" (any case) to a VehicleClass.
func ParseVehicleClass(s string) (VehicleClass, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HV":
		return ClassHV, nil
	case "CAV":
		return ClassCAV, nil
	default:
		return ClassHV, fmt.Errorf("unknown vehicle class: %q", s)
	}
}

// Position is a point in the engine's local Cartesian frame, in meters.
type Position struct {
	X float64
	Y float64
}

// Leader references the vehicle directly ahead on the same lane.
type Leader struct {
	ID  string
	Gap float64
}

// Snapshot is the per-tick kinematic state of one vehicle as reported by the engine.
type Snapshot struct {
	ID         string
	Position   Position
	Speed      float64
	Angle      float64 // engine compass angle, degrees clockwise from north
	EdgeID     string
	LaneID     string
	LaneIndex  int
	LanePos    float64 // offset from the lane start, meters
	TypeID     string
	SpeedLimit float64 // speed currently allowed for this vehicle
	Leader     *Leader
}

// Heading returns the mathematical heading in radians (counter-clockwise from +X).
func (s Snapshot) Heading() float64 {
	return HeadingFromAngle(s.Angle)
}

// HeadingFromAngle converts an engine compass angle in degrees to a heading in radians.
func HeadingFromAngle(angle float64) float64 {
	deg := math.Mod(90.0-angle, 360.0)
	if deg < 0 {
		deg += 360.0
	}
	return deg * math.Pi / 180.0
}

// TypeParams holds static geometry and driving parameters of a vehicle type.
type TypeParams struct {
	Length float64
	Width  float64
	Accel  float64
	Decel  float64
	Tau    float64 // reaction time, seconds
	MinGap float64
}

// LaneChangeMode is the lane-change autonomy bitset understood by the engine.
type LaneChangeMode int

// VehicleRecord bundles a snapshot with the class tag assigned to the vehicle.
type VehicleRecord struct {
	Snapshot
	Class VehicleClass
}
