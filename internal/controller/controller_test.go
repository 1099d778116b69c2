package controller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/dispatcher"
	"github.com/dcdl-sim/controller/internal/engine"
	"github.com/dcdl-sim/controller/internal/engine/enginetest"
	"github.com/dcdl-sim/controller/internal/policy"
	"github.com/dcdl-sim/controller/pkg/core"
)

const segLen = 200.0

type recorder struct {
	events []dispatcher.Event
}

func (r *recorder) HasHandler(string) bool { return true }

func (r *recorder) Dispatch(e dispatcher.Event) (any, error) {
	r.events = append(r.events, e)
	return nil, nil
}

func (r *recorder) payloads(kind string) []any {
	var out []any
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e.Payload)
		}
	}
	return out
}

// scripted returns layouts in order, repeating the last one.
type scripted struct {
	layouts   [][2]int
	err       error
	decisions []policy.Decision
}

func (s *scripted) Next(_ context.Context, d policy.Decision) (int, int, error) {
	s.decisions = append(s.decisions, d)
	if s.err != nil {
		return 0, 0, s.err
	}
	l := s.layouts[min(len(s.decisions), len(s.layouts))-1]
	return l[0], l[1], nil
}

type harness struct {
	c    *Controller
	cfg  config.Config
	fake *enginetest.Fake
	rec  *recorder
}

func newHarness(t *testing.T, mode string, src policy.Source, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Control.Mode = mode
	cfg.Timing.DecisionCycle = 1 // 10 ticks per cycle
	cfg.Corridor.MergeLaneIndex = -1
	for _, fn := range mutate {
		fn(&cfg)
	}

	fake := enginetest.New(cfg.Corridor.Segments, 3, segLen)
	params := cfg.Vehicle.DefaultTypeParams()
	fake.Types["hv"] = params
	fake.Types["cav"] = params

	rec := &recorder{}
	c, err := New(cfg, Deps{Client: fake, Policy: src, Publisher: rec})
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))
	return &harness{c: c, cfg: cfg, fake: fake, rec: rec}
}

func (h *harness) place(id, typeID, edge string, lane int, pos, speed float64) core.Snapshot {
	order := 0
	for i, s := range h.cfg.Corridor.Segments {
		if s == edge {
			order = i
		}
	}
	s := core.Snapshot{
		ID:         id,
		TypeID:     typeID,
		EdgeID:     edge,
		LaneIndex:  lane,
		LaneID:     core.LaneID(edge, lane),
		LanePos:    pos,
		Speed:      speed,
		SpeedLimit: 20,
		Angle:      90,
		Position:   core.Position{X: float64(order)*segLen + pos, Y: -float64(lane) * 3.2},
	}
	if _, ok := h.fake.Vehicles[id]; ok {
		h.fake.Move(s)
	} else {
		h.fake.Depart(s)
	}
	return s
}

func (h *harness) ticks(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, h.c.Tick(context.Background()))
	}
}

func TestNew_UnknownMode(t *testing.T) {
	cfg := config.Default()
	cfg.Control.Mode = "autopilot"
	_, err := New(cfg, Deps{Client: enginetest.New(nil, 1, 100)})
	assert.ErrorContains(t, err, "unknown control mode")
}

func TestInit_NoControlOpensCorridor(t *testing.T) {
	h := newHarness(t, config.ModeNoControl, nil)

	r, n, m := h.c.Zones().State()
	assert.Equal(t, [3]int{10, 0, 0}, [3]int{r, n, m})
	assert.Equal(t, []string{"custom1", "custom2"}, h.fake.Allowed["5_0"])
	assert.Equal(t, []string{"custom1", "custom2"}, h.fake.Allowed["11_2"])
}

func TestInit_BaselineAppliesConfiguredLayout(t *testing.T) {
	h := newHarness(t, config.ModeBaseline, &scripted{layouts: [][2]int{{1, 1}}})

	r, n, m := h.c.Zones().State()
	assert.Equal(t, [3]int{0, 5, 5}, [3]int{r, n, m}, "baseline ignores the policy source")
	assert.Equal(t, []string{"custom2"}, h.fake.Allowed["11_0"])
	assert.Equal(t, []string{"custom1", "custom2"}, h.fake.Allowed["2_0"])
}

func TestInit_TopologyMismatchUsesCorridor(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Corridor.ControlAreaLength = 1000
	fake := enginetest.New(cfg.Corridor.Segments, 3, segLen)

	c, err := New(cfg, Deps{Client: fake, Log: slog.New(slog.NewTextHandler(&buf, nil))})
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background()))

	assert.Contains(t, buf.String(), "declared segment count differs")
	assert.Equal(t, 10, c.Zones().Total())
}

func TestTick_CustomBoundaryConsultsPolicy(t *testing.T) {
	src := &scripted{layouts: [][2]int{{5, 5}, {3, 4}}}
	h := newHarness(t, config.ModeCustom, src)
	h.place("c1", "cav", "3", 2, 50, 20)

	h.ticks(t, 1)
	require.Len(t, src.decisions, 1)
	assert.Equal(t, 0, src.decisions[0].Cycle)
	r, n, m := h.c.Zones().State()
	assert.Equal(t, [3]int{0, 5, 5}, [3]int{r, n, m})

	h.ticks(t, 9)
	assert.Len(t, src.decisions, 1, "no decision inside a cycle")

	h.ticks(t, 1)
	require.Len(t, src.decisions, 2)
	d := src.decisions[1]
	assert.Equal(t, 1, d.Cycle)
	assert.Equal(t, [3]int{0, 5, 5}, [3]int{d.R, d.N, d.M}, "decision carries the layout that produced the reward")
	assert.Equal(t, 10, d.Reward.Samples)
	assert.Greater(t, d.Reward.Value, 0.0)

	r, n, m = h.c.Zones().State()
	assert.Equal(t, [3]int{3, 4, 3}, [3]int{r, n, m})
	assert.Equal(t, uint64(1), h.c.Cycle())

	cycles := h.rec.payloads(EventCycle)
	require.Len(t, cycles, 1)
	summary := cycles[0].(core.CycleSummary)
	assert.Equal(t, uint64(0), summary.Cycle)
	assert.Equal(t, d.Reward.Value, summary.Reward)
}

func TestTick_RewardSamplesEveryVehicle(t *testing.T) {
	cases := []struct {
		name       string
		population string
		samples    int
	}{
		{"all", config.PopulationAll, 20},
		{"corridor", config.PopulationCorridor, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &scripted{layouts: [][2]int{{5, 5}}}
			h := newHarness(t, config.ModeCustom, src, func(c *config.Config) {
				c.Reward.Population = tc.population
			})
			h.place("c1", "cav", "3", 2, 50, 20)
			h.place("h1", "hv", "approach", 0, 80, 15)

			h.ticks(t, 11)
			require.Len(t, src.decisions, 2)
			assert.Equal(t, tc.samples, src.decisions[1].Reward.Samples)
		})
	}
}

func TestTick_PolicyErrorKeepsPreviousLayout(t *testing.T) {
	src := &scripted{err: errors.New("connection refused")}
	h := newHarness(t, config.ModeCustom, src)

	h.ticks(t, 1)
	r, n, m := h.c.Zones().State()
	assert.Equal(t, [3]int{0, 5, 5}, [3]int{r, n, m}, "configured layout is the first fallback")

	src.err = nil
	src.layouts = [][2]int{{2, 2}}
	h.ticks(t, 10)
	r, n, m = h.c.Zones().State()
	assert.Equal(t, [3]int{6, 2, 2}, [3]int{r, n, m})

	src.err = errors.New("timeout")
	h.ticks(t, 10)
	r, n, m = h.c.Zones().State()
	assert.Equal(t, [3]int{6, 2, 2}, [3]int{r, n, m}, "last applied layout is kept")
}

func TestTick_LaneChangeModes(t *testing.T) {
	h := newHarness(t, config.ModeCustom, &scripted{layouts: [][2]int{{5, 5}}})
	h.place("c1", "cav", "8", 0, 100, 20)
	h.place("c2", "cav", "3", 2, 100, 20)

	h.ticks(t, 1)
	assert.Equal(t, engine.ModeControlled, h.fake.Modes["c1"])
	assert.NotContains(t, h.fake.Modes, "c2", "vehicles outside controlled lanes keep the engine default")

	h.place("c1", "cav", "9", 2, 10, 20)
	h.ticks(t, 1)
	assert.Equal(t, engine.ModeAutonomous, h.fake.Modes["c1"])
	assert.NotContains(t, h.fake.Modes, "c2")
}

func TestTick_NoControlKeepsEveryVehicleInLane(t *testing.T) {
	h := newHarness(t, config.ModeNoControl, nil)
	h.place("h1", "hv", "9", 0, 50, 10)
	h.place("c1", "cav", "4", 1, 50, 5)

	h.ticks(t, 3)
	assert.Equal(t, engine.ModeKeepLane, h.fake.Modes["h1"])
	assert.Equal(t, engine.ModeKeepLane, h.fake.Modes["c1"])
	assert.Empty(t, h.fake.LaneChanges)
	assert.Empty(t, h.fake.Accels)
}

func TestTick_BaselineModes(t *testing.T) {
	h := newHarness(t, config.ModeBaseline, nil)
	h.place("h1", "hv", "9", 0, 50, 10)
	h.place("c1", "cav", "4", 0, 50, 5)

	h.ticks(t, 3)
	assert.Equal(t, engine.ModeKeepLane, h.fake.Modes["h1"])
	assert.Equal(t, engine.ModeAutonomous, h.fake.Modes["c1"])
	assert.Empty(t, h.fake.LaneChanges, "baseline leaves lane changes to the engine")
}

func TestTick_HVOnDedicatedLaneIsMovedOut(t *testing.T) {
	h := newHarness(t, config.ModeCustom, &scripted{layouts: [][2]int{{5, 5}}})
	h.place("h1", "hv", "9", 0, 50, 15)

	h.ticks(t, 1)
	require.NotEmpty(t, h.fake.LaneChanges)
	lc := h.fake.LaneChanges[0]
	assert.Equal(t, "h1", lc.VehicleID)
	assert.Equal(t, 1, lc.LaneIndex)
	assert.Equal(t, h.cfg.LaneChange.Duration, lc.Duration)

	events := h.rec.payloads(EventLaneChange)
	require.Len(t, events, 1)
	ev := events[0].(core.LaneChangeEvent)
	assert.Equal(t, core.ClassHV, ev.Class)
	assert.Equal(t, "9_0", ev.FromLane)
	assert.True(t, ev.Mandatory)
	assert.Equal(t, "hv-exit", ev.Reason)
	assert.Equal(t, h.cfg.Safety.TTCCap, ev.TTCLeader, "infinite TTC is recorded at the cap")
}

func TestTick_ClearanceLanesReleasedWhenHVLeaves(t *testing.T) {
	src := &scripted{layouts: [][2]int{{0, 10}, {5, 5}}}
	h := newHarness(t, config.ModeCustom, src)
	h.place("h1", "hv", "9", 0, 50, 15)

	h.ticks(t, 10)
	assert.Len(t, h.c.Zones().HML(), 10)

	h.ticks(t, 1)
	assert.Equal(t, []string{"9_0"}, h.c.Zones().HCL(), "only the lane still carrying an HV stays in clearance")
	assert.Equal(t, core.LaneClearing, h.c.Zones().LaneState("9_0"))

	h.place("h1", "hv", "9", 1, 60, 15)
	h.ticks(t, 1)
	assert.Empty(t, h.c.Zones().HCL())
	assert.Equal(t, core.LaneDedicated, h.c.Zones().LaneState("9_0"))
}

func TestTick_LeaderTTCFeedsSafety(t *testing.T) {
	h := newHarness(t, config.ModeCustom, &scripted{layouts: [][2]int{{5, 5}}})
	h.place("lead", "cav", "3", 2, 60, 10)
	f := h.place("follow", "cav", "3", 2, 50, 20)
	f.Leader = &core.Leader{ID: "lead", Gap: 5}
	h.fake.Move(f)

	h.ticks(t, 11)
	rw := h.c.LastReward()
	assert.InDelta(t, 0.05, rw.Safety, 1e-9)
	assert.Equal(t, 20, rw.Samples)
}

func TestRun_StopsAtStepLimitAndRecordsCycles(t *testing.T) {
	h := newHarness(t, config.ModeCustom, nil, func(c *config.Config) {
		c.Control.MaxSteps = 25
	})
	h.place("c1", "cav", "3", 2, 50, 20)

	require.NoError(t, h.c.Run(context.Background()))
	assert.Equal(t, uint64(25), h.c.Ticks())
	assert.Equal(t, 25, h.fake.StepCount)

	cycles := h.rec.payloads(EventCycle)
	require.Len(t, cycles, 3, "two full cycles plus the partial one")
	for i, p := range cycles {
		assert.Equal(t, uint64(i), p.(core.CycleSummary).Cycle)
	}
	assert.Equal(t, 5, cycles[2].(core.CycleSummary).Samples)
}

func TestRun_DrainedEngine(t *testing.T) {
	h := newHarness(t, config.ModeCustom, nil)
	h.fake.Expected = 0

	require.NoError(t, h.c.Run(context.Background()))
	assert.Equal(t, uint64(1), h.c.Ticks())
}

func TestRun_FatalEngineErrorAborts(t *testing.T) {
	h := newHarness(t, config.ModeCustom, nil)
	h.fake.FailOn("Snapshots", engine.Disconnected(errors.New("socket closed")))

	err := h.c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDisconnected)
}

func TestRun_TransientSnapshotFailureTolerated(t *testing.T) {
	h := newHarness(t, config.ModeCustom, nil, func(c *config.Config) {
		c.Control.MaxSteps = 3
	})
	h.fake.FailOn("Snapshots", engine.Unavailable("snapshots", nil))

	require.NoError(t, h.c.Run(context.Background()))
	assert.Equal(t, uint64(3), h.c.Ticks())
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t, config.ModeCustom, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.fake.StepCount)
}
