package entities

import "math"

// Direction is one of the five ranging deck sensors.
type Direction string

const (
	Front Direction = "front"
	Back  Direction = "back"
	Left  Direction = "left"
	Right Direction = "right"
	Up    Direction = "up"
)

// Directions is the fixed sampling order inside a scan step.
var Directions = []Direction{Front, Back, Left, Right, Up}

// NoObstacle is the distance reported when nothing is within range.
var NoObstacle = math.Inf(1)

// RangingSample is one directional distance. DistanceM is +Inf when nothing is in range.
type RangingSample struct {
	Step      int       `json:"step"`
	Direction Direction `json:"direction"`
	DistanceM float64   `json:"-"`
}

// Valid reports whether the distance is usable (non-negative, not NaN).
func (s RangingSample) Valid() bool {
	return !math.IsNaN(s.DistanceM) && s.DistanceM >= 0
}

// RangingSweep is the ordered output of one session.
type RangingSweep []RangingSample

// Steps returns the number of distinct scan steps in the sweep.
func (s RangingSweep) Steps() int {
	n, last := 0, -1
	for _, smp := range s {
		if smp.Step != last {
			n++
			last = smp.Step
		}
	}
	return n
}

// Closest returns the smallest valid distance per direction.
func (s RangingSweep) Closest() map[Direction]float64 {
	out := make(map[Direction]float64, len(Directions))
	for _, smp := range s {
		if !smp.Valid() {
			continue
		}
		if cur, ok := out[smp.Direction]; !ok || smp.DistanceM < cur {
			out[smp.Direction] = smp.DistanceM
		}
	}
	return out
}

// Frames groups the sweep by step, keeping the per-step direction map.
func (s RangingSweep) Frames() []map[Direction]float64 {
	var out []map[Direction]float64
	last := -1
	for _, smp := range s {
		if smp.Step != last || len(out) == 0 {
			out = append(out, make(map[Direction]float64, len(Directions)))
			last = smp.Step
		}
		out[len(out)-1][smp.Direction] = smp.DistanceM
	}
	return out
}
