package core

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneID_RoundTrip(t *testing.T) {
	id := LaneID("10", 2)
	assert.Equal(t, "10_2", id)

	edge, idx, err := SplitLaneID(id)
	require.NoError(t, err)
	assert.Equal(t, "10", edge)
	assert.Equal(t, 2, idx)
}

func TestSplitLaneID_EdgeWithUnderscore(t *testing.T) {
	edge, idx, err := SplitLaneID(":junction_3_1")
	require.NoError(t, err)
	assert.Equal(t, ":junction_3", edge)
	assert.Equal(t, 1, idx)
}

func TestSplitLaneID_Malformed(t *testing.T) {
	for _, in := range []string{"", "noindex", "_1", "edge_", "edge_x"} {
		_, _, err := SplitLaneID(in)
		assert.Error(t, err, in)
	}
}

func TestHeadingFromAngle(t *testing.T) {
	tests := []struct {
		angle float64
		want  float64
	}{
		{90, 0},
		{0, math.Pi / 2},
		{180, 3 * math.Pi / 2},
		{270, math.Pi},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, HeadingFromAngle(tt.angle), 1e-9, "angle %v", tt.angle)
	}
}

func TestParseVehicleClass(t *testing.T) {
	c, err := ParseVehicleClass("cav")
	require.NoError(t, err)
	assert.Equal(t, ClassCAV, c)

	c, err = ParseVehicleClass(" HV ")
	require.NoError(t, err)
	assert.Equal(t, ClassHV, c)

	_, err = ParseVehicleClass("truck")
	assert.Error(t, err)
}

func TestLaneState_String(t *testing.T) {
	assert.Equal(t, "open", LaneOpen.String())
	assert.Equal(t, "HML", LaneTransitional.String())
	assert.Equal(t, "CDL", LaneDedicated.String())
	assert.Equal(t, "HCL", LaneClearing.String())
}
