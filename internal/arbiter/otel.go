package arbiter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/dcdl-sim/controller/internal/arbiter"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
