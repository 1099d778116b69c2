// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dcdl-sim/controller/pkg/core"
)

// ExportVersion is bumped whenever the JSON layout changes.
const ExportVersion = 1

// RunExport is the root JSON structure.
type RunExport struct {
	Version     int         `json:"version"`
	RunID       string      `json:"runId"`
	ControlMode string      `json:"controlMode"`
	StartTime   time.Time   `json:"startTime"`
	Segments    []string    `json:"segments"`
	StepLength  float64     `json:"stepLength"`
	CycleLength float64     `json:"cycleLength"`
	Seed        uint64      `json:"seed"`
	EndTick     uint64      `json:"endTick"`
	Duration    float64     `json:"duration"`
	Cycles      []CycleJSON `json:"cycles"`
	// Format: [tick, vehicleId, class, fromLane, targetIndex, probability, mandatory, reason, ttcLeader, ttcFollower, [x, y]]
	LaneChanges [][]any `json:"laneChanges"`
	// Format: [tick, requesterId, cooperatorId, action, acceleration, duration, [x, y]]
	Cooperations [][]any `json:"cooperations"`
}

// CycleJSON is one decision cycle.
type CycleJSON struct {
	Cycle      uint64  `json:"cycle"`
	Tick       uint64  `json:"tick"`
	R          int     `json:"r"`
	N          int     `json:"n"`
	M          int     `json:"m"`
	HCL        int     `json:"hcl"`
	Throughput float64 `json:"throughput"`
	Speed      float64 `json:"speed"`
	Safety     float64 `json:"safety"`
	Reward     float64 `json:"reward"`
	Samples    int     `json:"samples"`
	Vehicles   int     `json:"vehicles"`
}

// exportJSON writes the run data to a (optionally gzipped) JSON file.
func (b *Backend) exportJSON() error {
	export := b.buildExport()

	runID := strings.NewReplacer(" ", "_", ":", "_", "/", "_").Replace(b.run.ID)
	timestamp := b.run.StartTime.Format("20060102_150405")
	filename := fmt.Sprintf("%s_%s_%s.json", runID, b.run.ControlMode, timestamp)
	if b.cfg.CompressOutput {
		filename += ".gz"
	}

	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	outputPath := filepath.Join(b.cfg.OutputDir, filename)

	if err := writeExport(outputPath, export, b.cfg.CompressOutput); err != nil {
		return err
	}

	b.lastExportPath = outputPath
	b.lastExportMeta = core.UploadMetadata{
		RunID:       b.run.ID,
		ControlMode: b.run.ControlMode,
		Duration:    export.Duration,
	}
	return nil
}

func (b *Backend) buildExport() RunExport {
	export := RunExport{
		Version:      ExportVersion,
		RunID:        b.run.ID,
		ControlMode:  b.run.ControlMode,
		StartTime:    b.run.StartTime,
		Segments:     b.run.Segments,
		StepLength:   b.run.StepLength,
		CycleLength:  b.run.CycleLength,
		Seed:         b.run.Seed,
		EndTick:      b.endTick,
		Duration:     float64(b.endTick) * b.run.StepLength,
		Cycles:       make([]CycleJSON, 0, len(b.cycles)),
		LaneChanges:  make([][]any, 0, len(b.laneChanges)),
		Cooperations: make([][]any, 0, len(b.cooperations)),
	}
	if export.Segments == nil {
		export.Segments = []string{}
	}

	for _, c := range b.cycles {
		export.Cycles = append(export.Cycles, CycleJSON{
			Cycle:      c.Cycle,
			Tick:       c.Tick,
			R:          c.R,
			N:          c.N,
			M:          c.M,
			HCL:        c.HCL,
			Throughput: c.Throughput,
			Speed:      c.Speed,
			Safety:     c.Safety,
			Reward:     c.Reward,
			Samples:    c.Samples,
			Vehicles:   c.Vehicles,
		})
	}

	for _, e := range b.laneChanges {
		export.LaneChanges = append(export.LaneChanges, []any{
			e.Tick,
			e.VehicleID,
			e.Class.String(),
			e.FromLane,
			e.TargetIndex,
			e.Probability,
			boolToInt(e.Mandatory),
			e.Reason,
			e.TTCLeader,
			e.TTCFollower,
			[]float64{e.Position.X, e.Position.Y},
		})
	}

	for _, e := range b.cooperations {
		export.Cooperations = append(export.Cooperations, []any{
			e.Tick,
			e.RequesterID,
			e.CooperatorID,
			e.Action,
			e.Acceleration,
			e.Duration,
			[]float64{e.Position.X, e.Position.Y},
		})
	}

	return export
}

func writeExport(path string, data RunExport, compress bool) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	var w io.Writer = f
	if compress {
		gz := gzip.NewWriter(f)
		defer func() {
			if cerr := gz.Close(); err == nil {
				err = cerr
			}
		}()
		w = gz
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
