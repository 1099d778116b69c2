// Package policy supplies the (m, n) lane layout applied at every decision cycle.
package policy

import (
	"context"
	"fmt"

	"github.com/dcdl-sim/controller/internal/config"
	"github.com/dcdl-sim/controller/internal/reward"
)

// Decision is the state handed to a source at a decision-cycle boundary.
type Decision struct {
	Cycle  int
	R      int
	N      int
	M      int
	Reward reward.Reward
}

// Source produces the next (m, n) request. Requests may exceed the corridor;
// the zone controller clamps them.
type Source interface {
	Next(ctx context.Context, d Decision) (m, n int, err error)
}

// Fixed always returns the same layout.
type Fixed struct {
	M, N int
}

func (f Fixed) Next(context.Context, Decision) (int, int, error) {
	return f.M, f.N, nil
}

// Schedule cycles through a list of layouts, one per decision cycle.
type Schedule struct {
	Steps []config.PolicyStep
}

func (s Schedule) Next(_ context.Context, d Decision) (int, int, error) {
	if len(s.Steps) == 0 {
		return 0, 0, fmt.Errorf("empty policy schedule")
	}
	i := d.Cycle % len(s.Steps)
	if i < 0 {
		i += len(s.Steps)
	}
	step := s.Steps[i]
	return step.M, step.N, nil
}

// NewSource builds the source selected by cfg.Type.
func NewSource(cfg config.PolicyConfig) (Source, error) {
	switch cfg.Type {
	case "fixed", "":
		return Fixed{M: cfg.M, N: cfg.N}, nil
	case "schedule":
		if len(cfg.Schedule) == 0 {
			return nil, fmt.Errorf("policy.schedule is empty")
		}
		return Schedule{Steps: cfg.Schedule}, nil
	case "remote":
		return NewClient(cfg.URL, cfg.APIKey, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown policy type: %s", cfg.Type)
	}
}
