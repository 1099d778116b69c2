// Package reward turns per-tick traffic samples into one scalar per decision cycle.
package reward

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/dcdl-sim/controller/internal/config"
)

// Options holds the normalisation constants and weights.
type Options struct {
	StepLength    float64
	DecisionCycle float64
	DesignSpeed   float64
	TTCCap        float64
	Alpha         float64 // throughput weight
	Beta          float64 // speed weight
	Gamma         float64 // safety weight
}

// OptionsFromConfig extracts reward options from the controller configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		StepLength:    cfg.Timing.StepLength,
		DecisionCycle: cfg.Timing.DecisionCycle,
		DesignSpeed:   cfg.Motivation.DesignSpeed,
		TTCCap:        cfg.Safety.TTCCap,
		Alpha:         cfg.Reward.Alpha,
		Beta:          cfg.Reward.Beta,
		Gamma:         cfg.Reward.Gamma,
	}
}

// Reward is the reduced signal of one decision cycle.
type Reward struct {
	Throughput float64
	Speed      float64
	Safety     float64
	Value      float64
	Samples    int
}

// Aggregator accumulates speed and distance between two reductions.
type Aggregator struct {
	opts     Options
	distance float64
	speedSum float64
	samples  int
}

func New(opts Options) *Aggregator {
	return &Aggregator{opts: opts}
}

// UpdatePerStep records the speeds of every active vehicle for one tick.
func (a *Aggregator) UpdatePerStep(speeds []float64) {
	if len(speeds) == 0 {
		return
	}
	sum := floats.Sum(speeds)
	a.speedSum += sum
	a.samples += len(speeds)
	a.distance += sum * a.opts.StepLength
}

// Samples is the number of vehicle-ticks recorded since the last reduction.
func (a *Aggregator) Samples() int {
	return a.samples
}

// Reduce normalises the accumulated samples, combines them with the mean
// 2D-TTC of the given ego/leader pairs and resets the accumulators.
func (a *Aggregator) Reduce(ttcSamples []float64) Reward {
	o := a.opts
	r := Reward{Samples: a.samples}

	ticksPerCycle := o.DecisionCycle / o.StepLength
	if ticksPerCycle > 0 {
		maxDistance := float64(a.samples) / ticksPerCycle * o.DesignSpeed * o.DecisionCycle
		if maxDistance > 0 {
			r.Throughput = a.distance / maxDistance
		}
	}
	if a.samples > 0 && o.DesignSpeed > 0 {
		r.Speed = a.speedSum / float64(a.samples) / o.DesignSpeed
	}

	meanTTC := o.TTCCap
	finite := make([]float64, 0, len(ttcSamples))
	for _, v := range ttcSamples {
		if !math.IsInf(v, 0) && !math.IsNaN(v) {
			finite = append(finite, v)
		}
	}
	if len(finite) > 0 {
		meanTTC = stat.Mean(finite, nil)
	}
	if o.TTCCap > 0 {
		r.Safety = min(max(meanTTC, 0), o.TTCCap) / o.TTCCap
	}

	r.Value = o.Alpha*r.Throughput + o.Beta*r.Speed + o.Gamma*r.Safety
	a.Reset()
	return r
}

// Reset clears the accumulators.
func (a *Aggregator) Reset() {
	a.distance = 0
	a.speedSum = 0
	a.samples = 0
}
