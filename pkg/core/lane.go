package core

import (
	"fmt"
	"strconv"
	"strings"
)

// LaneState is the zone classification of a controlled lane.
type LaneState uint8

const (
	LaneOpen LaneState = iota
	LaneTransitional
	LaneDedicated
	LaneClearing
)

func (s LaneState) String() string {
	switch s {
	case LaneTransitional:
		return "HML"
	case LaneDedicated:
		return "CDL"
	case LaneClearing:
		return "HCL"
	default:
		return "open"
	}
}

// LaneID builds the engine lane identifier "<edge>_<index>".
func LaneID(edgeID string, index int) string {
	return fmt.Sprintf("%s_%d", edgeID, index)
}

// SplitLaneID is the inverse of LaneID.
func SplitLaneID(laneID string) (edgeID string, index int, err error) {
	i := strings.LastIndexByte(laneID, '_')
	if i <= 0 || i == len(laneID)-1 {
		return "", 0, fmt.Errorf("malformed lane id: %q", laneID)
	}
	index, err = strconv.Atoi(laneID[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed lane id %q: %w", laneID, err)
	}
	return laneID[:i], index, nil
}
