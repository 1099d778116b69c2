package config

import (
	"fmt"
	"time"

	"github.com/dcdl-sim/controller/pkg/core"
)

// Control modes.
const (
	ModeNoControl = "nocontrol"
	ModeBaseline  = "baseline"
	ModeCustom    = "custom"
)

// Reward sampling populations.
const (
	PopulationAll      = "all"
	PopulationCorridor = "corridor"
)

// Config is the controller configuration. It is built once at startup and
// handed to each component's constructor.
type Config struct {
	LogLevel string `json:"logLevel" mapstructure:"logLevel"`
	LogsDir  string `json:"logsDir" mapstructure:"logsDir"`

	Control     ControlConfig     `json:"control" mapstructure:"control"`
	Engine      EngineConfig      `json:"engine" mapstructure:"engine"`
	Corridor    CorridorConfig    `json:"corridor" mapstructure:"corridor"`
	Timing      TimingConfig      `json:"timing" mapstructure:"timing"`
	Safety      SafetyConfig      `json:"safety" mapstructure:"safety"`
	Motivation  MotivationConfig  `json:"motivation" mapstructure:"motivation"`
	Cooperation CooperationConfig `json:"cooperation" mapstructure:"cooperation"`
	Vehicle     VehicleConfig     `json:"vehicle" mapstructure:"vehicle"`
	LaneChange  LaneChangeConfig  `json:"laneChange" mapstructure:"laneChange"`
	Policy      PolicyConfig      `json:"policy" mapstructure:"policy"`
	Reward      RewardConfig      `json:"reward" mapstructure:"reward"`
	RL          RLConfig          `json:"rl" mapstructure:"rl"`
	Geo         GeoConfig         `json:"geo" mapstructure:"geo"`
}

// ControlConfig selects how much of the controller is active.
type ControlConfig struct {
	Mode     string `json:"mode" mapstructure:"mode"`
	Seed     uint64 `json:"seed" mapstructure:"seed"`
	MaxSteps int    `json:"maxSteps" mapstructure:"maxSteps"`
}

// EngineConfig holds the engine bridge endpoint.
type EngineConfig struct {
	URL            string        `json:"url" mapstructure:"url"`
	Secret         string        `json:"secret" mapstructure:"secret"`
	RequestTimeout time.Duration `json:"requestTimeout" mapstructure:"requestTimeout"`
}

// CorridorConfig describes the controlled road segments.
type CorridorConfig struct {
	Segments            []string `json:"segments" mapstructure:"segments"`
	ControlledLaneIndex int      `json:"controlledLaneIndex" mapstructure:"controlledLaneIndex"`
	MergeLaneIndex      int      `json:"mergeLaneIndex" mapstructure:"mergeLaneIndex"` // -1 disables merge lanes
	SegmentLength       float64  `json:"segmentLength" mapstructure:"segmentLength"`
	ControlAreaLength   float64  `json:"controlAreaLength" mapstructure:"controlAreaLength"`
	ExitDirection       int      `json:"exitDirection" mapstructure:"exitDirection"`
}

// DeclaredSegments is the segment count implied by the control area length.
func (c CorridorConfig) DeclaredSegments() int {
	if c.SegmentLength <= 0 {
		return 0
	}
	return int(c.ControlAreaLength / c.SegmentLength)
}

// TimingConfig holds the simulation step and decision cycle, in seconds.
type TimingConfig struct {
	StepLength    float64 `json:"stepLength" mapstructure:"stepLength"`
	DecisionCycle float64 `json:"decisionCycle" mapstructure:"decisionCycle"`
}

// TicksPerCycle is the number of engine steps in one decision cycle.
func (t TimingConfig) TicksPerCycle() uint64 {
	n := uint64(t.DecisionCycle/t.StepLength + 0.5)
	if n == 0 {
		return 1
	}
	return n
}

// SafetyConfig holds 2D-TTC thresholds, in seconds.
type SafetyConfig struct {
	TTCThreshold        float64 `json:"ttcThreshold" mapstructure:"ttcThreshold"`
	RelaxedTTCThreshold float64 `json:"relaxedTTCThreshold" mapstructure:"relaxedTTCThreshold"`
	TTCCap              float64 `json:"ttcCap" mapstructure:"ttcCap"`
}

// MotivationConfig tunes lane-change motivation.
type MotivationConfig struct {
	DissatisfactionThreshold float64 `json:"dissatisfactionThreshold" mapstructure:"dissatisfactionThreshold"`
	SpeedGainThreshold       float64 `json:"speedGainThreshold" mapstructure:"speedGainThreshold"`
	StopBarDistance          float64 `json:"stopBarDistance" mapstructure:"stopBarDistance"`
	LowSpeedGuard            float64 `json:"lowSpeedGuard" mapstructure:"lowSpeedGuard"`
	DesignSpeed              float64 `json:"designSpeed" mapstructure:"designSpeed"`
}

// CooperationConfig tunes cooperative gap negotiation.
type CooperationConfig struct {
	CooldownTicks       int     `json:"cooldownTicks" mapstructure:"cooldownTicks"`
	DurationTicks       int     `json:"durationTicks" mapstructure:"durationTicks"`
	DefaultReactionTime float64 `json:"defaultReactionTime" mapstructure:"defaultReactionTime"`
	MinReactionTime     float64 `json:"minReactionTime" mapstructure:"minReactionTime"`
	AccelMargin         float64 `json:"accelMargin" mapstructure:"accelMargin"`
	DecelMargin         float64 `json:"decelMargin" mapstructure:"decelMargin"`
	AccelFraction       float64 `json:"accelFraction" mapstructure:"accelFraction"`
	DecelFraction       float64 `json:"decelFraction" mapstructure:"decelFraction"`
}

// ClassMapping maps an engine vehicle type id to a vehicle class.
type ClassMapping struct {
	TypeID string `json:"typeId" mapstructure:"typeId"`
	Class  string `json:"class" mapstructure:"class"`
}

// VehicleConfig holds fallback geometry and the type to class lookup table.
type VehicleConfig struct {
	DefaultLength float64        `json:"defaultLength" mapstructure:"defaultLength"`
	DefaultWidth  float64        `json:"defaultWidth" mapstructure:"defaultWidth"`
	DefaultAccel  float64        `json:"defaultAccel" mapstructure:"defaultAccel"`
	DefaultDecel  float64        `json:"defaultDecel" mapstructure:"defaultDecel"`
	DefaultTau    float64        `json:"defaultTau" mapstructure:"defaultTau"`
	DefaultMinGap float64        `json:"defaultMinGap" mapstructure:"defaultMinGap"`
	DefaultClass  string         `json:"defaultClass" mapstructure:"defaultClass"`
	Classes       []ClassMapping `json:"classes" mapstructure:"classes"`
	VClassHV      string         `json:"vclassHV" mapstructure:"vclassHV"`
	VClassCAV     string         `json:"vclassCAV" mapstructure:"vclassCAV"`
}

// DefaultTypeParams is the geometry used when the engine cannot describe a type.
func (v VehicleConfig) DefaultTypeParams() core.TypeParams {
	return core.TypeParams{
		Length: v.DefaultLength,
		Width:  v.DefaultWidth,
		Accel:  v.DefaultAccel,
		Decel:  v.DefaultDecel,
		Tau:    v.DefaultTau,
		MinGap: v.DefaultMinGap,
	}
}

// ClassTable is the decoded type id to class lookup.
type ClassTable struct {
	Types    map[string]core.VehicleClass
	Fallback core.VehicleClass
}

// Lookup returns the class for typeID, or the fallback class.
func (t ClassTable) Lookup(typeID string) core.VehicleClass {
	if c, ok := t.Types[typeID]; ok {
		return c
	}
	return t.Fallback
}

// ClassTable decodes the configured class mappings.
func (v VehicleConfig) ClassTable() (ClassTable, error) {
	table := ClassTable{Types: make(map[string]core.VehicleClass, len(v.Classes))}
	fallback := v.DefaultClass
	if fallback == "" {
		fallback = "HV"
	}
	c, err := core.ParseVehicleClass(fallback)
	if err != nil {
		return ClassTable{}, fmt.Errorf("vehicle.defaultClass: %w", err)
	}
	table.Fallback = c
	for _, m := range v.Classes {
		c, err := core.ParseVehicleClass(m.Class)
		if err != nil {
			return ClassTable{}, fmt.Errorf("vehicle.classes[%s]: %w", m.TypeID, err)
		}
		table.Types[m.TypeID] = c
	}
	return table, nil
}

// LaneChangeConfig holds lane-change command parameters.
type LaneChangeConfig struct {
	Duration float64 `json:"duration" mapstructure:"duration"`
}

// PolicyStep is one (m, n) entry of a policy schedule.
type PolicyStep struct {
	M int `json:"m" mapstructure:"m"`
	N int `json:"n" mapstructure:"n"`
}

// PolicyConfig selects where (m, n) decisions come from.
type PolicyConfig struct {
	Type     string        `json:"type" mapstructure:"type"`
	M        int           `json:"m" mapstructure:"m"`
	N        int           `json:"n" mapstructure:"n"`
	Schedule []PolicyStep  `json:"schedule" mapstructure:"schedule"`
	URL      string        `json:"url" mapstructure:"url"`
	APIKey   string        `json:"apiKey" mapstructure:"apiKey"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout"`
}

// RewardConfig holds the reward weights and the vehicles sampled each tick.
type RewardConfig struct {
	Alpha      float64 `json:"alpha" mapstructure:"alpha"`
	Beta       float64 `json:"beta" mapstructure:"beta"`
	Gamma      float64 `json:"gamma" mapstructure:"gamma"`
	Population string  `json:"population" mapstructure:"population"` // all | corridor
}

// RLConfig carries learning hyper-parameters through to the remote policy service.
type RLConfig struct {
	Algorithm    string  `json:"algorithm" mapstructure:"algorithm"`
	LearningRate float64 `json:"learningRate" mapstructure:"learningRate"`
	Gamma        float64 `json:"gamma" mapstructure:"gamma"`
	BufferSize   int     `json:"bufferSize" mapstructure:"bufferSize"`
	BatchSize    int     `json:"batchSize" mapstructure:"batchSize"`
	Epochs       int     `json:"epochs" mapstructure:"epochs"`
}

// GeoConfig anchors the engine's local frame to a WGS84 origin.
type GeoConfig struct {
	OriginLon float64 `json:"originLon" mapstructure:"originLon"`
	OriginLat float64 `json:"originLat" mapstructure:"originLat"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds settings of the in-memory SQLite backend.
type SQLiteConfig struct {
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
	DumpDir      string        `json:"dumpDir" mapstructure:"dumpDir"`
}

// StorageConfig selects and configures the recording backend.
type StorageConfig struct {
	Type       string
	BufferSize int
	Memory     MemoryConfig
	SQLite     SQLiteConfig
}

// DBConfig holds Postgres connection settings.
type DBConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
}

// DSN renders the Postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// InfluxConfig holds InfluxDB connection settings.
type InfluxConfig struct {
	Enabled    bool
	Host       string
	Port       string
	Protocol   string
	Token      string
	Org        string
	BackupPath string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// GraylogConfig holds the GELF log sink address.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// MonitorConfig holds the status monitor settings.
type MonitorConfig struct {
	Enabled    bool
	Interval   time.Duration
	StatusFile string
}
