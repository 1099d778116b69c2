package model

import (
	"time"

	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&ControllerInfo{},
	&Run{},
	&Cycle{},
	&LaneChange{},
	&Cooperation{},
}

////////////////////////
// SYSTEM MODELS
////////////////////////

// ControllerInfo describes the controller instance that owns the database.
type ControllerInfo struct {
	gorm.Model
	Name        string `json:"name" gorm:"size:127"`
	Description string `json:"description" gorm:"size:255"`
	Schema      int    `json:"schema"`
}

func (*ControllerInfo) TableName() string {
	return "controller_infos"
}

////////////////////////
// RUN MODELS
////////////////////////

// Run is one controller session against the engine.
type Run struct {
	ID          uint                        `json:"id" gorm:"primarykey;autoIncrement;"`
	RunID       string                      `json:"runId" gorm:"size:32;uniqueIndex"`
	StartTime   time.Time                   `json:"startTime" gorm:"type:timestamptz;"`
	EndTime     *time.Time                  `json:"endTime" gorm:"type:timestamptz;"`
	ControlMode string                      `json:"controlMode" gorm:"size:16"`
	Segments    datatypes.JSONSlice[string] `json:"segments"`
	StepLength  float64                     `json:"stepLength"`
	CycleLength float64                     `json:"cycleLength"`
	Seed        int64                       `json:"seed"`
	Origin      geom.Point                  `json:"origin"` // WGS84 anchor of the engine frame, stored as EPSG:3857
	Tag         string                      `json:"tag" gorm:"size:127"`

	Cycles       []Cycle       `json:"-" gorm:"foreignKey:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	LaneChanges  []LaneChange  `json:"-" gorm:"foreignKey:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
	Cooperations []Cooperation `json:"-" gorm:"foreignKey:RunID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`
}

func (*Run) TableName() string {
	return "runs"
}

// Cycle is the reduced reward signal and zone layout of one decision cycle.
type Cycle struct {
	ID         uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time       time.Time `json:"time" gorm:"type:timestamptz;"`
	RunID      uint      `json:"runId" gorm:"index:idx_cycle_run_id"`
	Cycle      uint      `json:"cycle" gorm:"index:idx_cycle"`
	Tick       uint      `json:"tick"`
	R          int       `json:"r"`
	N          int       `json:"n"`
	M          int       `json:"m"`
	HCL        int       `json:"hcl"`
	Throughput float64   `json:"throughput"`
	Speed      float64   `json:"speed"`
	Safety     float64   `json:"safety"`
	Reward     float64   `json:"reward"`
	Samples    int       `json:"samples"`
	Vehicles   int       `json:"vehicles"`
}

func (*Cycle) TableName() string {
	return "cycles"
}

// LaneChange is one lane-change command issued by the arbiter.
type LaneChange struct {
	ID          uint       `json:"id" gorm:"primarykey;autoIncrement;"`
	Time        time.Time  `json:"time" gorm:"type:timestamptz;"`
	RunID       uint       `json:"runId" gorm:"index:idx_lanechange_run_id"`
	Tick        uint       `json:"tick" gorm:"index:idx_lanechange_tick"`
	VehicleID   string     `json:"vehicleId" gorm:"size:64"`
	Class       string     `json:"class" gorm:"size:8"`
	FromLane    string     `json:"fromLane" gorm:"size:64"`
	TargetIndex int        `json:"targetIndex"`
	Probability float64    `json:"probability"`
	Mandatory   bool       `json:"mandatory"`
	Reason      string     `json:"reason" gorm:"size:32"`
	TTCLeader   float64    `json:"ttcLeader"`
	TTCFollower float64    `json:"ttcFollower"`
	Position    geom.Point `json:"position"`
}

func (*LaneChange) TableName() string {
	return "lane_changes"
}

// Cooperation is one gap-opening request sent to a neighbor.
type Cooperation struct {
	ID           uint       `json:"id" gorm:"primarykey;autoIncrement;"`
	Time         time.Time  `json:"time" gorm:"type:timestamptz;"`
	RunID        uint       `json:"runId" gorm:"index:idx_cooperation_run_id"`
	Tick         uint       `json:"tick"`
	RequesterID  string     `json:"requesterId" gorm:"size:64"`
	CooperatorID string     `json:"cooperatorId" gorm:"size:64"`
	Action       string     `json:"action" gorm:"size:8"`
	Acceleration float64    `json:"acceleration"`
	Duration     float64    `json:"duration"`
	Position     geom.Point `json:"position"`
}

func (*Cooperation) TableName() string {
	return "cooperations"
}
