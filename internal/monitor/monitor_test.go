package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dcdl-sim/controller/internal/run"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu     sync.Mutex
	points []*influxdb2_write.Point
	bucket string
}

func (w *recordingWriter) WritePoint(bucket string, p *influxdb2_write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bucket = bucket
	w.points = append(w.points, p)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func startedContext() *run.Context {
	ctx := run.NewContext()
	ctx.Start(run.NewRun("custom", []string{"2"}, 0.1, 60, 1))
	ctx.Advance(600, 1, 42)
	ctx.SetLayout(1, 5, 4, 1)
	return ctx
}

func TestGetProgramStatus(t *testing.T) {
	s := NewService(Dependencies{
		Run:    startedContext(),
		Queues: map[string]func() int{"commands": func() int { return 3 }},
	})

	lines, status := s.GetProgramStatus()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"tick": 600`)
	assert.Contains(t, lines[1], `"commands": 3`)
	assert.Equal(t, 42, status.Run.Vehicles)
	assert.Equal(t, 3, status.Pending["commands"])
}

func TestStatusPoint(t *testing.T) {
	st := Status{
		Time:    time.Now(),
		Run:     run.Status{RunID: "r", ControlMode: "custom", Tick: 10, M: 4},
		Pending: map[string]int{"storage": 7, "commands": 1},
	}
	p := StatusPoint(st)
	assert.Equal(t, "controller_status", p.Name())

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, int64(10), fields["tick"])
	assert.Equal(t, int64(7), fields["pending_storage"])
	assert.Equal(t, int64(1), fields["pending_commands"])
}

func TestStartStop_WritesStatusFileAndPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "status.txt")
	w := &recordingWriter{}
	s := NewService(Dependencies{
		Run:        startedContext(),
		StatusFile: path,
		Interval:   10 * time.Millisecond,
		Points:     w,
		Bucket:     "controller_status",
	})

	require.NoError(t, s.Start())
	require.NoError(t, s.Start()) // second start is a no-op
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return w.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"controlMode": "custom"`)
	assert.Equal(t, "controller_status", w.bucket)
}

func TestStart_SkipsUntilRunStarted(t *testing.T) {
	w := &recordingWriter{}
	s := NewService(Dependencies{
		Run:      run.NewContext(),
		Interval: 5 * time.Millisecond,
		Points:   w,
	})
	require.NoError(t, s.Start())
	time.Sleep(40 * time.Millisecond)
	s.Stop()
	assert.Zero(t, w.count())
}
