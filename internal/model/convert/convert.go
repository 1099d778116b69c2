package convert

import (
	"github.com/dcdl-sim/controller/internal/model"
	"github.com/dcdl-sim/controller/pkg/core"
)

// RunToCore converts a GORM model.Run back to a core.Run.
func RunToCore(m model.Run) core.Run {
	return core.Run{
		ID:          m.RunID,
		StartTime:   m.StartTime,
		ControlMode: m.ControlMode,
		Segments:    []string(m.Segments),
		StepLength:  m.StepLength,
		CycleLength: m.CycleLength,
		Seed:        uint64(m.Seed),
	}
}

// CycleToCore converts a GORM model.Cycle back to a core.CycleSummary.
func CycleToCore(m model.Cycle) core.CycleSummary {
	return core.CycleSummary{
		Time:       m.Time,
		Cycle:      uint64(m.Cycle),
		Tick:       uint64(m.Tick),
		R:          m.R,
		N:          m.N,
		M:          m.M,
		HCL:        m.HCL,
		Throughput: m.Throughput,
		Speed:      m.Speed,
		Safety:     m.Safety,
		Reward:     m.Reward,
		Samples:    m.Samples,
		Vehicles:   m.Vehicles,
	}
}
