package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tebeka/atexit"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/controller"
	"github.com/dcdl-sim/controller/internal/dispatcher"
	"github.com/dcdl-sim/controller/internal/engine/wsbridge"
	"github.com/dcdl-sim/controller/internal/geo"
	"github.com/dcdl-sim/controller/internal/influx"
	"github.com/dcdl-sim/controller/internal/logging"
	"github.com/dcdl-sim/controller/internal/monitor"
	intOtel "github.com/dcdl-sim/controller/internal/otel"
	"github.com/dcdl-sim/controller/internal/policy"
	"github.com/dcdl-sim/controller/internal/run"
	"github.com/dcdl-sim/controller/internal/storage"
	"github.com/dcdl-sim/controller/internal/storage/gormstore"
	"github.com/dcdl-sim/controller/pkg/core"
)

const shutdownTimeout = 10 * time.Second

// app holds the services of one controller process.
type app struct {
	cfg          config.Config
	sessionStart time.Time

	logFile     *os.File
	otelFile    *os.File
	slogManager *logging.SlogManager
	logger      *slog.Logger
	zlog        zerolog.Logger
	otel        *intOtel.Provider

	runCtx     *run.Context
	bridge     *wsbridge.Bridge
	source     policy.Source
	dispatcher *dispatcher.Dispatcher
	backend    storage.Backend
	influx     *influx.Manager
	monitor    *monitor.Service
	sinks      []sink
}

func runController(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{sessionStart: time.Now(), runCtx: run.NewContext()}
	atexit.Register(a.shutdownTelemetry)

	if err := a.setupLogging(); err != nil {
		return err
	}
	if err := a.setupEngine(); err != nil {
		return err
	}
	defer func() { _ = a.bridge.Close() }()

	if err := a.setupPolicy(ctx); err != nil {
		return err
	}
	if err := a.setupRecording(ctx); err != nil {
		return err
	}
	a.setupMonitor()

	return a.execute(ctx)
}

// setupLogging loads config and builds the slog, zerolog and OTel outputs.
func (a *app) setupLogging() error {
	a.slogManager = logging.NewSlogManager()
	a.slogManager.Setup(nil, "info", nil)
	a.logger = a.slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		a.logger.Warn("Failed to load config, using defaults and environment", "error", err)
	}
	cfg, err := config.Get()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	if err := os.MkdirAll(cfg.LogsDir, 0o755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	logPath := logging.LogFilePath(cfg.LogsDir, BinaryName, a.sessionStart)
	if _, err := os.Stat(logPath); err == nil {
		_ = os.Rename(logPath, logPath+".old")
	}
	a.logFile, err = os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	otelCfg := config.GetOTelConfig()
	var otelOut io.Writer
	if otelCfg.Enabled {
		f, err := os.Create(filepath.Join(cfg.LogsDir, BinaryName+".otel.jsonl"))
		if err != nil {
			return fmt.Errorf("opening otel log file: %w", err)
		}
		a.otelFile = f
		otelOut = f
	}
	a.otel, err = intOtel.New(intOtel.FromSettings(otelCfg, otelOut))
	if err != nil {
		a.logger.Warn("OpenTelemetry disabled", "error", err)
		a.otel, _ = intOtel.New(intOtel.Config{})
	}

	if gl := config.GetGraylogConfig(); gl.Enabled {
		if err := a.slogManager.EnableGraylog(gl.Address); err != nil {
			a.logger.Warn("Graylog disabled", "address", gl.Address, "error", err)
		}
	}
	a.slogManager.SetContextProvider(a.runCtx.LogAttrs)
	a.slogManager.Setup(io.MultiWriter(os.Stdout, a.logFile), cfg.LogLevel, a.otel.LoggerProvider())
	a.logger = a.slogManager.Logger()
	slog.SetDefault(a.logger)

	a.zlog = logging.NewZerolog(a.logFile, cfg.LogLevel)
	a.logger.Info("Starting controller",
		"version", CurrentVersion, "build", BuildDate, "mode", cfg.Control.Mode)
	return nil
}

func (a *app) setupEngine() error {
	a.bridge = wsbridge.New(wsbridge.Config{
		URL:            a.cfg.Engine.URL,
		Secret:         a.cfg.Engine.Secret,
		RequestTimeout: a.cfg.Engine.RequestTimeout,
	}, a.logger.With("component", "wsbridge"))

	if err := a.bridge.Dial(); err != nil {
		return fmt.Errorf("connecting to engine relay %s: %w", a.cfg.Engine.URL, err)
	}
	a.logger.Info("Connected to engine relay", "url", a.cfg.Engine.URL)
	return nil
}

// setupPolicy builds the (m, n) source. A remote service that is unreachable
// at startup is replaced with the fixed layout.
func (a *app) setupPolicy(ctx context.Context) error {
	source, err := policy.NewSource(a.cfg.Policy)
	if err != nil {
		return err
	}
	if client, ok := source.(*policy.Client); ok {
		if err := client.Healthcheck(ctx); err != nil {
			a.logger.Warn("Policy service unreachable, using fixed layout",
				"url", a.cfg.Policy.URL, "error", err)
			source = policy.Fixed{M: a.cfg.Policy.M, N: a.cfg.Policy.N}
		} else if err := client.Configure(ctx, a.cfg.RL); err != nil {
			a.logger.Warn("Policy service rejected RL settings", "error", err)
		}
	}
	a.source = source
	a.logger.Info("Policy source ready", "type", a.cfg.Policy.Type)
	return nil
}

// setupRecording creates the storage backend, the optional InfluxDB writer
// and the dispatcher handlers that feed them.
func (a *app) setupRecording(ctx context.Context) error {
	d, err := dispatcher.New(logging.NewDispatcherLogger(a.zlog))
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	a.dispatcher = d

	var proj *geo.Projector
	if a.cfg.Geo.OriginLon != 0 || a.cfg.Geo.OriginLat != 0 {
		p, err := geo.NewProjector(a.cfg.Geo.OriginLon, a.cfg.Geo.OriginLat)
		if err != nil {
			return fmt.Errorf("geo origin: %w", err)
		}
		proj = &p
	}

	storageCfg := config.GetStorageConfig()
	backend, err := storage.NewBackend(storageCfg, config.GetDBConfig(), gormstore.Dependencies{
		Projector: proj,
		Tag:       runTag,
		Log:       a.logger.With("component", "storage"),
		DBLog:     a.zlog,
	})
	if err != nil {
		return fmt.Errorf("creating storage backend: %w", err)
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("initializing %s storage: %w", storageCfg.Type, err)
	}
	a.backend = backend
	a.sinks = append(a.sinks, backend)
	a.logger.Info("Storage backend initialized", "type", storageCfg.Type)

	a.influx = influx.NewManager(a.zlog, config.GetInfluxConfig())
	switch err := a.influx.Connect(ctx); {
	case errors.Is(err, influx.ErrDisabled):
		a.influx = nil
	case err != nil:
		a.logger.Warn("InfluxDB unavailable", "error", err)
		a.influx = nil
	default:
		a.sinks = append(a.sinks, a.influx)
	}

	registerSinks(a.dispatcher, a.sinks, storageCfg.BufferSize, a.logger)
	return nil
}

func (a *app) setupMonitor() {
	mc := config.GetMonitorConfig()
	if !mc.Enabled {
		return
	}
	queues := map[string]func() int{
		"commands": a.bridge.Pending,
	}
	if p, ok := a.backend.(interface{ Pending() int }); ok {
		queues["storage"] = p.Pending
	}
	for _, kind := range []string{controller.EventCycle, controller.EventLaneChange, controller.EventCooperation} {
		queues["events."+kind] = func() int { return a.dispatcher.Depth(kind) }
	}
	deps := monitor.Dependencies{
		Run:        a.runCtx,
		Logger:     a.logger.With("component", "monitor"),
		StatusFile: mc.StatusFile,
		Interval:   mc.Interval,
		Queues:     queues,
	}
	if a.influx != nil {
		deps.Points = a.influx
		deps.Bucket = influx.BucketController
	}
	a.monitor = monitor.NewService(deps)
	if err := a.monitor.Start(); err != nil {
		a.logger.Warn("Status monitor not started", "error", err)
		a.monitor = nil
	}
}

// execute runs the controller and then closes recording in order: the
// dispatcher drains, sinks end the run, exports are uploaded.
func (a *app) execute(ctx context.Context) error {
	r := run.NewRun(a.cfg.Control.Mode, a.cfg.Corridor.Segments,
		a.cfg.Timing.StepLength, a.cfg.Timing.DecisionCycle, a.cfg.Control.Seed)
	a.runCtx.Start(r)
	for _, s := range a.sinks {
		if err := s.StartRun(&r); err != nil {
			return fmt.Errorf("starting run %s: %w", r.ID, err)
		}
	}

	ctrl, err := controller.New(a.cfg, controller.Deps{
		Client:    a.bridge,
		Policy:    a.source,
		Publisher: a.dispatcher,
		Run:       a.runCtx,
		Log:       a.logger.With("component", "controller"),
	})
	if err != nil {
		return err
	}

	a.logger.Info("Run started", "runId", r.ID, "mode", r.ControlMode)
	runErr := ctrl.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		a.logger.Warn("Run interrupted", "ticks", ctrl.Ticks())
		runErr = nil
	}

	if a.monitor != nil {
		a.monitor.Stop()
	}
	a.dispatcher.Close()

	for _, s := range a.sinks {
		if err := s.EndRun(); err != nil {
			a.logger.Error("Failed to end run", "error", err)
		}
	}
	a.upload(context.Background(), r)

	if err := a.backend.Close(); err != nil {
		a.logger.Error("Failed to close storage", "error", err)
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.logger.Error("Failed to close InfluxDB writer", "error", err)
		}
	}

	a.logger.Info("Run finished", "runId", r.ID, "ticks", ctrl.Ticks(), "cycles", ctrl.Cycle())
	return runErr
}

// upload hands the exported run file to a remote policy service.
func (a *app) upload(ctx context.Context, r core.Run) {
	client, ok := a.source.(*policy.Client)
	if !ok {
		return
	}
	up, ok := a.backend.(storage.Uploadable)
	if !ok || up.ExportedFilePath() == "" {
		return
	}
	meta := up.ExportMetadata()
	meta.Tag = runTag
	if err := client.Upload(ctx, up.ExportedFilePath(), meta); err != nil {
		a.logger.Error("Failed to upload run", "runId", r.ID, "error", err)
		return
	}
	a.logger.Info("Uploaded run", "runId", r.ID, "path", up.ExportedFilePath())
}

func (a *app) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.slogManager != nil {
		_ = a.slogManager.Flush(ctx)
	}
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
	if a.otelFile != nil {
		_ = a.otelFile.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
