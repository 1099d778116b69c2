package main

import (
	"fmt"
	"log/slog"

	"github.com/dcdl-sim/controller/internal/controller"
	"github.com/dcdl-sim/controller/internal/dispatcher"
	"github.com/dcdl-sim/controller/pkg/core"
)

// sink receives recorded events. storage.Backend and *influx.Manager satisfy it.
type sink interface {
	StartRun(run *core.Run) error
	EndRun() error
	RecordCycle(s *core.CycleSummary) error
	RecordLaneChange(e *core.LaneChangeEvent) error
	RecordCooperation(e *core.CooperationEvent) error
}

// registerSinks routes controller events to every sink through buffered
// dispatcher handlers. Cycle summaries block rather than drop.
func registerSinks(d *dispatcher.Dispatcher, sinks []sink, bufferSize int, log *slog.Logger) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	d.Register(controller.EventCycle, fanOut(sinks, log, func(s sink, e dispatcher.Event) error {
		v, ok := e.Payload.(core.CycleSummary)
		if !ok {
			return payloadError(e)
		}
		return s.RecordCycle(&v)
	}), dispatcher.Buffered(bufferSize), dispatcher.Blocking(), dispatcher.Logged())

	d.Register(controller.EventLaneChange, fanOut(sinks, log, func(s sink, e dispatcher.Event) error {
		v, ok := e.Payload.(core.LaneChangeEvent)
		if !ok {
			return payloadError(e)
		}
		return s.RecordLaneChange(&v)
	}), dispatcher.Buffered(bufferSize))

	d.Register(controller.EventCooperation, fanOut(sinks, log, func(s sink, e dispatcher.Event) error {
		v, ok := e.Payload.(core.CooperationEvent)
		if !ok {
			return payloadError(e)
		}
		return s.RecordCooperation(&v)
	}), dispatcher.Buffered(bufferSize))
}

// fanOut applies record to every sink. A failing sink is logged and does not
// stop the others.
func fanOut(sinks []sink, log *slog.Logger, record func(sink, dispatcher.Event) error) dispatcher.HandlerFunc {
	return func(e dispatcher.Event) (any, error) {
		var first error
		for _, s := range sinks {
			if err := record(s, e); err != nil {
				log.Error("Failed to record event", "kind", e.Kind, "sink", fmt.Sprintf("%T", s), "error", err)
				if first == nil {
					first = err
				}
			}
		}
		return nil, first
	}
}

func payloadError(e dispatcher.Event) error {
	return fmt.Errorf("unexpected %s payload %T", e.Kind, e.Payload)
}
