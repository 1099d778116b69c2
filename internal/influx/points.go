package influx

import (
	"github.com/dcdl-sim/controller/pkg/core"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
)

// CyclePoint builds the "cycle" measurement for one decision cycle.
func CyclePoint(run core.Run, s core.CycleSummary) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement("cycle").
		AddTag("run_id", run.ID).
		AddTag("control_mode", run.ControlMode).
		AddField("cycle", int64(s.Cycle)).
		AddField("tick", int64(s.Tick)).
		AddField("r", s.R).
		AddField("n", s.N).
		AddField("m", s.M).
		AddField("hcl", s.HCL).
		AddField("throughput", s.Throughput).
		AddField("speed", s.Speed).
		AddField("safety", s.Safety).
		AddField("reward", s.Reward).
		AddField("samples", s.Samples).
		AddField("vehicles", s.Vehicles).
		SetTime(s.Time)
}

// LaneChangePoint builds the "lane_change" measurement.
func LaneChangePoint(run core.Run, e core.LaneChangeEvent) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement("lane_change").
		AddTag("run_id", run.ID).
		AddTag("class", e.Class.String()).
		AddTag("reason", e.Reason).
		AddField("vehicle_id", e.VehicleID).
		AddField("tick", int64(e.Tick)).
		AddField("from_lane", e.FromLane).
		AddField("target_index", e.TargetIndex).
		AddField("probability", e.Probability).
		AddField("mandatory", e.Mandatory).
		AddField("ttc_leader", e.TTCLeader).
		AddField("ttc_follower", e.TTCFollower).
		SetTime(e.Time)
}

// CooperationPoint builds the "cooperation" measurement.
func CooperationPoint(run core.Run, e core.CooperationEvent) *influxdb2_write.Point {
	return influxdb2_write.NewPointWithMeasurement("cooperation").
		AddTag("run_id", run.ID).
		AddTag("action", e.Action).
		AddField("requester_id", e.RequesterID).
		AddField("cooperator_id", e.CooperatorID).
		AddField("tick", int64(e.Tick)).
		AddField("acceleration", e.Acceleration).
		AddField("duration", e.Duration).
		SetTime(e.Time)
}

// StartRun tags subsequent points with run.
func (m *Manager) StartRun(run *core.Run) error {
	m.mu.Lock()
	m.run = *run
	m.mu.Unlock()
	return nil
}

// EndRun flushes buffered points.
func (m *Manager) EndRun() error {
	for _, w := range m.Writers {
		w.Flush()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BackupWriter != nil {
		return m.BackupWriter.Flush()
	}
	return nil
}

func (m *Manager) currentRun() core.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// RecordCycle writes a cycle point.
func (m *Manager) RecordCycle(s *core.CycleSummary) error {
	return m.WritePoint(BucketCycles, CyclePoint(m.currentRun(), *s))
}

// RecordLaneChange writes a lane-change point.
func (m *Manager) RecordLaneChange(e *core.LaneChangeEvent) error {
	return m.WritePoint(BucketEvents, LaneChangePoint(m.currentRun(), *e))
}

// RecordCooperation writes a cooperation point.
func (m *Manager) RecordCooperation(e *core.CooperationEvent) error {
	return m.WritePoint(BucketEvents, CooperationPoint(m.currentRun(), *e))
}

// Init is a no-op; Connect does the work.
func (m *Manager) Init() error {
	return nil
}
