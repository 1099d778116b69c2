// Package ttc computes the two-dimensional time-to-collision between two
// rectangular vehicle footprints.
//
// Separation and relative velocity are projected onto the ego body frame:
// the longitudinal axis points along the ego heading and the lateral axis
// 90 degrees counter-clockwise from it. An axis is closing when separation
// and relative velocity have opposite signs.
package ttc

import (
	"math"

	"github.com/dcdl-sim/controller/pkg/core"
)

// Epsilon is the smallest relative axis speed, in m/s, treated as closing.
const Epsilon = 0.01

// State is the kinematic state of a rigid vehicle footprint.
type State struct {
	X       float64
	Y       float64
	Speed   float64
	Heading float64 // radians, counter-clockwise from +X
	Length  float64
	Width   float64
}

// FromSnapshot builds a State from an engine snapshot and its type geometry.
func FromSnapshot(s core.Snapshot, p core.TypeParams) State {
	return State{
		X:       s.Position.X,
		Y:       s.Position.Y,
		Speed:   s.Speed,
		Heading: s.Heading(),
		Length:  p.Length,
		Width:   p.Width,
	}
}

func (s State) valid() bool {
	for _, v := range [...]float64{s.X, s.Y, s.Speed, s.Heading, s.Length, s.Width} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return s.Length > 0 && s.Width > 0
}

// TwoD returns the time in seconds until the footprints of ego and other
// collide. It returns 0 when they already overlap and +Inf when they never
// close in or the input is malformed.
func TwoD(ego, other State) float64 {
	if !ego.valid() || !other.valid() {
		return math.Inf(1)
	}

	cos, sin := math.Cos(ego.Heading), math.Sin(ego.Heading)

	dx, dy := other.X-ego.X, other.Y-ego.Y
	lon := dx*cos + dy*sin
	lat := -dx*sin + dy*cos

	dvx := other.Speed*math.Cos(other.Heading) - ego.Speed*cos
	dvy := other.Speed*math.Sin(other.Heading) - ego.Speed*sin
	vLon := dvx*cos + dvy*sin
	vLat := -dvx*sin + dvy*cos

	halfLength := (ego.Length + other.Length) / 2
	halfWidth := (ego.Width + other.Width) / 2

	overlapLon := math.Abs(lon) <= halfLength
	overlapLat := math.Abs(lat) <= halfWidth

	var t float64
	switch {
	case overlapLon && overlapLat:
		return 0
	case overlapLon:
		t = axisTime(lat, vLat, halfWidth)
	case overlapLat:
		t = axisTime(lon, vLon, halfLength)
	default:
		t = math.Min(axisTime(lon, vLon, halfLength), axisTime(lat, vLat, halfWidth))
	}

	if math.IsNaN(t) {
		return math.Inf(1)
	}
	return t
}

// axisTime is the time for separation sep to shrink to half at relative speed v.
func axisTime(sep, v, half float64) float64 {
	if math.Abs(v) <= Epsilon || sep*v >= 0 {
		return math.Inf(1)
	}
	gap := math.Abs(sep) - half
	if gap <= 0 {
		return 0
	}
	return gap / math.Abs(v)
}
