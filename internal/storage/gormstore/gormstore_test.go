package gormstore

import (
	"testing"
	"time"

	"github.com/dcdl-sim/controller/internal/database"
	"github.com/dcdl-sim/controller/internal/geo"
	"github.com/dcdl-sim/controller/internal/model"
	"github.com/dcdl-sim/controller/pkg/core"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, proj *geo.Projector) *Backend {
	t.Helper()
	db, err := database.OpenSqlite("")
	require.NoError(t, err)

	b := New(Dependencies{
		DB:            db,
		Projector:     proj,
		Tag:           "test",
		FlushInterval: time.Hour, // tests flush explicitly
		DBLog:         zerolog.Nop(),
	})
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testRun() *core.Run {
	return &core.Run{
		ID:          "run-1",
		StartTime:   time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		ControlMode: "custom",
		Segments:    []string{"2", "3"},
		StepLength:  0.1,
		CycleLength: 60,
		Seed:        7,
	}
}

func TestRecordBeforeStartRun(t *testing.T) {
	b := newTestBackend(t, nil)
	assert.ErrorIs(t, b.RecordCycle(&core.CycleSummary{}), ErrNoRun)
	assert.ErrorIs(t, b.RecordLaneChange(&core.LaneChangeEvent{}), ErrNoRun)
	assert.ErrorIs(t, b.RecordCooperation(&core.CooperationEvent{}), ErrNoRun)
	assert.ErrorIs(t, b.EndRun(), ErrNoRun)
}

func TestRunLifecycle(t *testing.T) {
	b := newTestBackend(t, nil)
	require.NoError(t, b.StartRun(testRun()))

	for c := uint64(0); c < 3; c++ {
		require.NoError(t, b.RecordCycle(&core.CycleSummary{Cycle: c, Tick: (c + 1) * 600, R: 1, N: 5, M: 4, Reward: float64(c) / 10}))
	}
	require.NoError(t, b.RecordLaneChange(&core.LaneChangeEvent{Tick: 5, VehicleID: "cav.1", Class: core.ClassCAV, Reason: "speed", Position: core.Position{X: 40, Y: -3.2}}))
	require.NoError(t, b.RecordLaneChange(&core.LaneChangeEvent{Tick: 9, VehicleID: "hv.2", Class: core.ClassHV, Reason: "hv-exit", Mandatory: true}))
	require.NoError(t, b.RecordCooperation(&core.CooperationEvent{Tick: 5, RequesterID: "cav.1", CooperatorID: "cav.3", Action: "accel", Acceleration: 0.8, Duration: 1}))
	assert.Equal(t, 6, b.Pending())

	require.NoError(t, b.EndRun())
	assert.Zero(t, b.Pending())

	var run model.Run
	require.NoError(t, b.DB().Where("run_id = ?", "run-1").First(&run).Error)
	assert.NotNil(t, run.EndTime)
	assert.Equal(t, "test", run.Tag)
	assert.Equal(t, []string{"2", "3"}, []string(run.Segments))

	cycles, err := b.Cycles("run-1")
	require.NoError(t, err)
	require.Len(t, cycles, 3)
	assert.Equal(t, uint64(2), cycles[2].Cycle)
	assert.InDelta(t, 0.2, cycles[2].Reward, 1e-9)

	n, err := b.LaneChangeCount("run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var coops []model.Cooperation
	require.NoError(t, b.DB().Find(&coops).Error)
	require.Len(t, coops, 1)
	assert.Equal(t, run.ID, coops[0].RunID)

	runs, err := b.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "custom", runs[0].ControlMode)
}

func TestLaneChangePositionsAreProjected(t *testing.T) {
	proj, err := geo.NewProjector(0, 0)
	require.NoError(t, err)
	b := newTestBackend(t, &proj)

	require.NoError(t, b.StartRun(testRun()))
	require.NoError(t, b.RecordLaneChange(&core.LaneChangeEvent{VehicleID: "cav.1", Position: core.Position{X: 120, Y: -6.4}}))
	require.NoError(t, b.Flush())

	var lc model.LaneChange
	require.NoError(t, b.DB().First(&lc).Error)
	coords, ok := lc.Position.Coordinates()
	require.True(t, ok)
	assert.InDelta(t, 120, coords.XY.X, 1e-6)
	assert.InDelta(t, -6.4, coords.XY.Y, 1e-6)
}

func TestCycles_UnknownRun(t *testing.T) {
	b := newTestBackend(t, nil)
	_, err := b.Cycles("missing")
	assert.Error(t, err)
}

func TestSecondRunGetsItsOwnRows(t *testing.T) {
	b := newTestBackend(t, nil)

	first := testRun()
	require.NoError(t, b.StartRun(first))
	require.NoError(t, b.RecordCycle(&core.CycleSummary{Cycle: 0}))
	require.NoError(t, b.EndRun())

	second := testRun()
	second.ID = "run-2"
	require.NoError(t, b.StartRun(second))
	require.NoError(t, b.RecordCycle(&core.CycleSummary{Cycle: 0}))
	require.NoError(t, b.RecordCycle(&core.CycleSummary{Cycle: 1}))
	require.NoError(t, b.EndRun())

	c1, err := b.Cycles("run-1")
	require.NoError(t, err)
	c2, err := b.Cycles("run-2")
	require.NoError(t, err)
	assert.Len(t, c1, 1)
	assert.Len(t, c2, 2)
}
