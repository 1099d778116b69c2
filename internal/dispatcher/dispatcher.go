// Package dispatcher routes events published by the tick loop to their
// recorders. Buffered routes hand events to a worker goroutine so the tick
// loop never waits on storage or network I/O.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher closed")

// Queued is the result of a Dispatch that was handed to a buffered route.
const Queued = "queued"

// Event is one record published by the tick loop.
type Event struct {
	Kind      string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger is the structured logger the dispatcher reports through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a route.
type Option func(*routeOptions)

type routeOptions struct {
	buffer   int
	blocking bool
	logged   bool
}

// Buffered runs the handler on its own goroutine behind a queue of size events.
func Buffered(size int) Option {
	return func(o *routeOptions) { o.buffer = size }
}

// Blocking makes a full buffered route wait for space instead of dropping.
func Blocking() Option {
	return func(o *routeOptions) { o.blocking = true }
}

// Logged logs the kind, duration and outcome of every handled event.
func Logged() Option {
	return func(o *routeOptions) { o.logged = true }
}

type route struct {
	kind     string
	handle   HandlerFunc
	queue    chan Event // nil for synchronous routes
	blocking bool
}

// Dispatcher routes events to the handler registered for their kind.
type Dispatcher struct {
	log Logger
	wg  sync.WaitGroup

	mu     sync.RWMutex
	routes map[string]*route
	closed bool

	depth     metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a dispatcher that reports through logger and the global OTel meter.
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{log: logger, routes: make(map[string]*route)}
	m := meter()

	var err error
	if d.depth, err = m.Int64ObservableGauge("dispatcher.queue.size",
		metric.WithDescription("Events waiting in a buffered route")); err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	if _, err = m.RegisterCallback(d.observeDepth, d.depth); err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}
	if d.processed, err = m.Int64Counter("dispatcher.events.processed",
		metric.WithDescription("Events handled")); err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}
	if d.dropped, err = m.Int64Counter("dispatcher.events.dropped",
		metric.WithDescription("Events dropped on a full route")); err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}
	return d, nil
}

func (d *Dispatcher) observeDepth(_ context.Context, o metric.Observer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for kind, r := range d.routes {
		if r.queue != nil {
			o.ObserveInt64(d.depth, int64(len(r.queue)), metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
	return nil
}

// Register installs h for kind, replacing any earlier handler. Routes must be
// registered before the first Dispatch.
func (d *Dispatcher) Register(kind string, h HandlerFunc, opts ...Option) {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logged {
		h = d.logged(kind, h)
	}

	r := &route{kind: kind, handle: h, blocking: o.blocking}
	if o.buffer > 0 {
		r.queue = make(chan Event, o.buffer)
		d.wg.Add(1)
		go d.work(r)
	}

	d.mu.Lock()
	d.routes[kind] = r
	d.mu.Unlock()
}

// Dispatch hands e to its route. Synchronous routes return the handler's
// result; buffered routes return Queued or an error when the event was dropped.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return nil, ErrClosed
	}
	r, ok := d.routes[e.Kind]
	if !ok {
		d.mu.RUnlock()
		return nil, fmt.Errorf("unknown event kind: %s", e.Kind)
	}
	if r.queue == nil {
		d.mu.RUnlock()
		return r.handle(e)
	}
	// the read lock keeps Close from closing the queue under a pending send
	defer d.mu.RUnlock()
	return d.enqueue(r, e)
}

func (d *Dispatcher) enqueue(r *route, e Event) (any, error) {
	if r.blocking {
		r.queue <- e
		return Queued, nil
	}
	select {
	case r.queue <- e:
		return Queued, nil
	default:
		d.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", r.kind)))
		return nil, fmt.Errorf("queue full: %s", r.kind)
	}
}

func (d *Dispatcher) work(r *route) {
	defer d.wg.Done()
	attrs := metric.WithAttributes(attribute.String("kind", r.kind))
	for e := range r.queue {
		if _, err := r.handle(e); err != nil {
			d.log.Error("buffered handler failed", "kind", r.kind, "error", err)
		}
		d.processed.Add(context.Background(), 1, attrs)
	}
}

// HasHandler reports whether a route exists for kind.
func (d *Dispatcher) HasHandler(kind string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.routes[kind]
	return ok
}

// Depth is the number of events waiting in the buffered route for kind.
func (d *Dispatcher) Depth(kind string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if r, ok := d.routes[kind]; ok && r.queue != nil {
		return len(r.queue)
	}
	return 0
}

// Close rejects further events and waits until every queued event has been
// handled. Calling it again is a no-op.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, r := range d.routes {
		if r.queue != nil {
			close(r.queue)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) logged(kind string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		res, err := h(e)
		if err != nil {
			d.log.Error("event failed", "kind", kind, "duration", time.Since(start), "error", err)
			return res, err
		}
		d.log.Debug("event handled", "kind", kind, "payload", fmt.Sprintf("%T", e.Payload), "duration", time.Since(start))
		return res, nil
	}
}
