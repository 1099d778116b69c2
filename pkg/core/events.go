// pkg/core/events.go
package core

import "time"

// Run identifies one controller session against the engine.
type Run struct {
	ID          string
	StartTime   time.Time
	ControlMode string
	Segments    []string
	StepLength  float64
	CycleLength float64
	Seed        uint64
}

// LaneChangeEvent is emitted whenever the arbiter issues a lane-change command.
type LaneChangeEvent struct {
	Time        time.Time
	Tick        uint64
	VehicleID   string
	Class       VehicleClass
	FromLane    string
	TargetIndex int
	Probability float64
	Mandatory   bool
	Reason      string
	TTCLeader   float64
	TTCFollower float64
	Position    Position
}

// CooperationEvent is emitted when a neighbor is asked to open a gap.
type CooperationEvent struct {
	Time         time.Time
	Tick         uint64
	RequesterID  string
	CooperatorID string
	Action       string // "accel" or "decel"
	Acceleration float64
	Duration     float64
	Position     Position
}

// CycleSummary is the reduced reward signal and layout for one decision cycle.
type CycleSummary struct {
	Time       time.Time
	Cycle      uint64
	Tick       uint64
	R          int
	N          int
	M          int
	HCL        int
	Throughput float64
	Speed      float64
	Safety     float64
	Reward     float64
	Samples    int
	Vehicles   int
}

// UploadMetadata describes a recorded run file handed to the policy service.
type UploadMetadata struct {
	RunID       string
	ControlMode string
	Duration    float64 // simulated seconds
	Tag         string
}
