package messages

import (
	"math"
	"time"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// RangingFrame is one multiranger reading published on <prefix>/ranging.
// A nil distance means no obstacle in range; JSON cannot carry +Inf.
type RangingFrame struct {
	Seq   uint64    `json:"seq"`
	Front *float64  `json:"front"`
	Back  *float64  `json:"back"`
	Left  *float64  `json:"left"`
	Right *float64  `json:"right"`
	Up    *float64  `json:"up"`
	At    time.Time `json:"at"`
}

// Distances converts the frame to a direction map with +Inf for "no obstacle".
func (f RangingFrame) Distances() map[entities.Direction]float64 {
	conv := func(p *float64) float64 {
		if p == nil {
			return math.Inf(1)
		}
		return *p
	}
	return map[entities.Direction]float64{
		entities.Front: conv(f.Front),
		entities.Back:  conv(f.Back),
		entities.Left:  conv(f.Left),
		entities.Right: conv(f.Right),
		entities.Up:    conv(f.Up),
	}
}

// NewRangingFrame builds a frame from a direction map; +Inf and missing both encode as nil.
func NewRangingFrame(seq uint64, d map[entities.Direction]float64, at time.Time) RangingFrame {
	enc := func(dir entities.Direction) *float64 {
		v, ok := d[dir]
		if !ok || math.IsInf(v, 1) {
			return nil
		}
		return &v
	}
	return RangingFrame{
		Seq:   seq,
		Front: enc(entities.Front),
		Back:  enc(entities.Back),
		Left:  enc(entities.Left),
		Right: enc(entities.Right),
		Up:    enc(entities.Up),
		At:    at,
	}
}
