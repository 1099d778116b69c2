package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dcdl-sim/controller/internal/run"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
)

// PointWriter receives status points; *influx.Manager satisfies it.
type PointWriter interface {
	WritePoint(bucket string, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Run        *run.Context
	Logger     *slog.Logger
	StatusFile string
	Interval   time.Duration
	// Queues reports named backlog lengths (pending engine commands, storage rows).
	Queues map[string]func() int
	// Points and Bucket are optional; when set each status is also written as a point.
	Points PointWriter
	Bucket string
}

// Status is one monitor sample.
type Status struct {
	Time    time.Time      `json:"time"`
	Run     run.Status     `json:"run"`
	Pending map[string]int `json:"pending"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
	}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetProgramStatus samples the run progress and queue backlogs.
func (s *Service) GetProgramStatus() ([]string, Status) {
	status := Status{
		Time:    time.Now().UTC(),
		Run:     s.deps.Run.Status(),
		Pending: make(map[string]int, len(s.deps.Queues)),
	}
	for name, fn := range s.deps.Queues {
		status.Pending[name] = fn()
	}

	var output []string
	runStr, err := json.MarshalIndent(status.Run, "", "  ")
	if err != nil {
		runStr = []byte(fmt.Sprintf(`{"error": "%s"}`, err))
	}
	output = append(output, string(runStr))

	pendingStr, err := json.MarshalIndent(status.Pending, "", "  ")
	if err != nil {
		pendingStr = []byte(fmt.Sprintf(`{"error": "%s"}`, err))
	}
	output = append(output, string(pendingStr))

	return output, status
}

// StatusPoint converts a status sample into a "controller_status" point.
func StatusPoint(st Status) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement("controller_status").
		AddTag("run_id", st.Run.RunID).
		AddTag("control_mode", st.Run.ControlMode).
		AddField("tick", int64(st.Run.Tick)).
		AddField("cycle", int64(st.Run.Cycle)).
		AddField("sim_time", st.Run.SimTime).
		AddField("vehicles", st.Run.Vehicles).
		AddField("r", st.Run.R).
		AddField("n", st.Run.N).
		AddField("m", st.Run.M).
		AddField("hcl", st.Run.HCL).
		AddField("last_reward", st.Run.LastReward).
		SetTime(st.Time)

	names := make([]string, 0, len(st.Pending))
	for name := range st.Pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p.AddField("pending_"+name, st.Pending[name])
	}
	return p
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	var statusFile *os.File
	if s.deps.StatusFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.deps.StatusFile), 0o755); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("creating status directory: %w", err)
		}
		f, err := os.Create(s.deps.StatusFile)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("creating status file: %w", err)
		}
		statusFile = f
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
		}()
		if statusFile != nil {
			defer statusFile.Close()
		}

		logger := s.deps.Logger
		logger.Debug("Starting status monitor goroutine", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !s.deps.Run.Started() {
					continue
				}
				s.sample(statusFile)
			}
		}
	}()

	return nil
}

func (s *Service) sample(statusFile *os.File) {
	lines, status := s.GetProgramStatus()

	if statusFile != nil {
		if err := statusFile.Truncate(0); err == nil {
			_, _ = statusFile.Seek(0, 0)
			for _, line := range lines {
				_, _ = statusFile.WriteString(line + "\n")
			}
		}
	}

	if s.deps.Points != nil {
		if err := s.deps.Points.WritePoint(s.deps.Bucket, StatusPoint(status)); err != nil {
			s.deps.Logger.Error("Error writing status point", "error", err)
		}
	}
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
