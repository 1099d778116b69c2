// Package streaming defines the JSON messages exchanged with the engine
// relay over WebSocket. Every request carries an ID that the relay echoes
// in its response.
package streaming

import (
	"encoding/json"
)

// Request types understood by the relay.
const (
	TypeStep         = "step"
	TypeEvents       = "events"
	TypeMinExpected  = "min_expected"
	TypeSubscribe    = "subscribe"
	TypeSnapshots    = "snapshots"
	TypeLaneCount    = "lane_count"
	TypeLaneLength   = "lane_length"
	TypeVehicleTypes = "vehicle_types"
	TypeTypeParams   = "type_params"
	TypeBatch        = "batch"
)

// Command types carried inside a batch.
const (
	CmdSetLaneAllowed    = "set_lane_allowed"
	CmdChangeLane        = "change_lane"
	CmdSetAcceleration   = "set_acceleration"
	CmdSetLaneChangeMode = "set_lane_change_mode"
)

// Error codes returned by the relay.
const (
	// CodeUnavailable means the referenced object is momentarily unknown.
	CodeUnavailable = "unavailable"
	// CodeProtocol means the request was malformed or unsupported.
	CodeProtocol = "protocol"
	// CodeEngine means the engine itself failed.
	CodeEngine = "engine"
)

// Envelope wraps all requests sent over the WebSocket.
type Envelope struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the relay's reply to one Envelope.
type Response struct {
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error describes a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// VehicleRef names a vehicle.
type VehicleRef struct {
	VehicleID string `json:"vehicleId"`
}

// EdgeRef names an edge.
type EdgeRef struct {
	EdgeID string `json:"edgeId"`
}

// LaneRef names a lane.
type LaneRef struct {
	LaneID string `json:"laneId"`
}

// TypeRef names a vehicle type.
type TypeRef struct {
	TypeID string `json:"typeId"`
}

// CountPayload carries an integer result.
type CountPayload struct {
	Count int `json:"count"`
}

// LengthPayload carries a lane length in meters.
type LengthPayload struct {
	Length float64 `json:"length"`
}

// TypesPayload lists vehicle type ids.
type TypesPayload struct {
	TypeIDs []string `json:"typeIds"`
}

// EventsPayload lists vehicles that departed or arrived during the last step.
type EventsPayload struct {
	Departed []string `json:"departed"`
	Arrived  []string `json:"arrived"`
}

// Snapshot is the wire form of one subscribed vehicle's state.
type Snapshot struct {
	ID         string  `json:"id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Speed      float64 `json:"speed"`
	Angle      float64 `json:"angle"`
	EdgeID     string  `json:"edge"`
	LaneID     string  `json:"lane"`
	LaneIndex  int     `json:"laneIndex"`
	LanePos    float64 `json:"lanePos"`
	TypeID     string  `json:"type"`
	SpeedLimit float64 `json:"speedLimit"`
	LeaderID   string  `json:"leader,omitempty"`
	LeaderGap  float64 `json:"leaderGap,omitempty"`
}

// SnapshotsPayload carries every subscribed vehicle's state.
type SnapshotsPayload struct {
	Vehicles []Snapshot `json:"vehicles"`
}

// TypeParamsPayload describes a vehicle type.
type TypeParamsPayload struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Accel  float64 `json:"accel"`
	Decel  float64 `json:"decel"`
	Tau    float64 `json:"tau"`
	MinGap float64 `json:"minGap"`
}

// Command is one deferred actuation applied before the next step.
type Command struct {
	Type      string   `json:"type"`
	VehicleID string   `json:"vehicleId,omitempty"`
	LaneID    string   `json:"laneId,omitempty"`
	VClasses  []string `json:"vclasses,omitempty"`
	LaneIndex int      `json:"laneIndex,omitempty"`
	Accel     float64  `json:"accel,omitempty"`
	Duration  float64  `json:"duration,omitempty"`
	Mode      int      `json:"mode,omitempty"`
}

// BatchPayload is the body of a batch request.
type BatchPayload struct {
	Commands []Command `json:"commands"`
}

// BatchResult holds one entry per command, nil when the command succeeded.
type BatchResult struct {
	Errors []*Error `json:"errors"`
}
