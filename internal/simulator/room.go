// Package simulator models the inspected room, its ambient sensors and a
// drone with a five-direction ranging deck, for tests and bench runs.
package simulator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// Obstacle is a vertical cylinder standing in the room.
type Obstacle struct {
	X, Y    float64
	RadiusM float64
}

// Room is an axis-aligned box with its origin in a floor corner.
type Room struct {
	WidthM    float64 // along x
	DepthM    float64 // along y
	HeightM   float64
	MaxRangeM float64 // ranging sensor limit; farther returns +Inf
	Obstacles []Obstacle
}

// ParseObstacle reads an obstacle written as "x,y,radius" in meters.
func ParseObstacle(s string) (Obstacle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Obstacle{}, fmt.Errorf("obstacle %q: want x,y,radius", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Obstacle{}, fmt.Errorf("obstacle %q: %w", s, err)
		}
		v[i] = f
	}
	if v[2] <= 0 {
		return Obstacle{}, fmt.Errorf("obstacle %q: radius must be positive", s)
	}
	return Obstacle{X: v[0], Y: v[1], RadiusM: v[2]}, nil
}

func DefaultRoom() Room {
	return Room{WidthM: 4, DepthM: 5, HeightM: 2.5, MaxRangeM: 4}
}

// yaw offsets of each deck sensor relative to the heading, degrees counter-clockwise
var directionOffset = map[entities.Direction]float64{
	entities.Front: 0,
	entities.Left:  90,
	entities.Back:  180,
	entities.Right: -90,
}

// Distances returns what the deck would read at (x, y, z) with the given heading.
func (r Room) Distances(x, y, z, yawDeg float64) map[entities.Direction]float64 {
	out := make(map[entities.Direction]float64, len(entities.Directions))
	for dir, off := range directionOffset {
		out[dir] = r.limit(r.ray(x, y, (yawDeg+off)*math.Pi/180))
	}
	out[entities.Up] = r.limit(r.HeightM - z)
	return out
}

func (r Room) limit(d float64) float64 {
	if d < 0 {
		d = 0
	}
	if r.MaxRangeM > 0 && d > r.MaxRangeM {
		return math.Inf(1)
	}
	return d
}

// ray is the distance from (x, y) along angle theta to the first wall or obstacle.
func (r Room) ray(x, y, theta float64) float64 {
	dx, dy := math.Cos(theta), math.Sin(theta)
	best := math.Inf(1)
	hit := func(t float64) {
		if t >= 0 && t < best {
			best = t
		}
	}
	const eps = 1e-12
	if dx > eps {
		hit((r.WidthM - x) / dx)
	} else if dx < -eps {
		hit(-x / dx)
	}
	if dy > eps {
		hit((r.DepthM - y) / dy)
	} else if dy < -eps {
		hit(-y / dy)
	}
	for _, o := range r.Obstacles {
		// |p + t*d - c|^2 = r^2 with |d| = 1
		fx, fy := x-o.X, y-o.Y
		b := fx*dx + fy*dy
		c := fx*fx + fy*fy - o.RadiusM*o.RadiusM
		disc := b*b - c
		if disc < 0 {
			continue
		}
		sq := math.Sqrt(disc)
		if t := -b - sq; t >= 0 {
			hit(t)
		} else if t := -b + sq; t >= 0 {
			hit(0) // inside the obstacle
		}
	}
	return best
}
