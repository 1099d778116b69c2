package logging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/samber/lo"
)

// ContextProvider returns attributes appended to every record, such as the
// current run id, tick and cycle.
type ContextProvider func() []slog.Attr

// fanout writes each record to every sink that accepts its level. A failing
// sink (a dropped Graylog datagram, say) does not stop the others.
type fanout []slog.Handler

func newFanout(sinks ...slog.Handler) fanout {
	return lo.Compact(sinks)
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return lo.SomeBy(f, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanout(lo.Map(f, func(h slog.Handler, _ int) slog.Handler { return h.WithAttrs(attrs) }))
}

func (f fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return fanout(lo.Map(f, func(h slog.Handler, _ int) slog.Handler { return h.WithGroup(name) }))
}

// progressHandler stamps records with the attributes of a ContextProvider at
// the moment they are handled, so a logger built once keeps reporting the
// live tick.
type progressHandler struct {
	inner    slog.Handler
	progress ContextProvider
}

func (h progressHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h progressHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := h.progress(); len(attrs) > 0 {
		r.AddAttrs(attrs...)
	}
	return h.inner.Handle(ctx, r)
}

func (h progressHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return progressHandler{inner: h.inner.WithAttrs(attrs), progress: h.progress}
}

func (h progressHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return progressHandler{inner: h.inner.WithGroup(name), progress: h.progress}
}
