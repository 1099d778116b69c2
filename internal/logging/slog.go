package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const otelScope = "dcdl-controller"

// SlogManager builds the process logger: a text sink (file or console), an
// optional GELF sink for Graylog and an optional OTel bridge, with run
// progress stamped on every record.
type SlogManager struct {
	logger  *slog.Logger
	console io.Writer

	logProvider *sdklog.LoggerProvider
	graylog     io.Writer
	provider    ContextProvider
}

// NewSlogManager creates a manager that logs to stdout until Setup is given a file.
func NewSlogManager() *SlogManager {
	return &SlogManager{console: os.Stdout}
}

// parseLevel accepts slog level names in any case. Unknown names mean info.
func parseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// EnableGraylog sends every record as GELF to address (host:port, UDP).
// Takes effect on the next Setup.
func (m *SlogManager) EnableGraylog(address string) error {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return fmt.Errorf("graylog writer: %w", err)
	}
	m.graylog = w
	return nil
}

// SetGraylogWriter routes GELF output to w. Takes effect on the next Setup.
func (m *SlogManager) SetGraylogWriter(w io.Writer) {
	m.graylog = w
}

// SetContextProvider injects run attributes (tick, cycle) into every record.
// Takes effect on the next Setup.
func (m *SlogManager) SetContextProvider(p ContextProvider) {
	m.provider = p
}

// Setup rebuilds the logger. Text goes to out, or to the console when out is
// nil. A nil provider disables the OTel bridge.
func (m *SlogManager) Setup(out io.Writer, level string, provider *sdklog.LoggerProvider) {
	m.logProvider = provider
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if t, ok := a.Value.Any().(time.Time); ok && a.Key == slog.TimeKey {
				a.Value = slog.StringValue(t.UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	if out == nil {
		out = m.console
	}
	sinks := []slog.Handler{slog.NewTextHandler(out, opts)}
	if m.graylog != nil {
		sinks = append(sinks, slog.NewJSONHandler(m.graylog, opts))
	}
	if provider != nil {
		sinks = append(sinks, otelslog.NewHandler(otelScope, otelslog.WithLoggerProvider(provider)))
	}

	var h slog.Handler = newFanout(sinks...)
	if m.provider != nil {
		h = progressHandler{inner: h, progress: m.provider}
	}
	m.logger = slog.New(h)
	m.logger.Info("Logging initialized", "level", opts.Level)
}

// Logger returns the configured logger, or slog.Default before Setup.
func (m *SlogManager) Logger() *slog.Logger {
	if m.logger == nil {
		return slog.Default()
	}
	return m.logger
}

// Flush forces pending OTel records out.
func (m *SlogManager) Flush(ctx context.Context) error {
	if m.logProvider == nil {
		return nil
	}
	return m.logProvider.ForceFlush(ctx)
}
