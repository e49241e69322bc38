package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

var (
	ErrNotConnected = errors.New("sim drone: not connected")
	ErrNotAirborne  = errors.New("sim drone: not airborne")
	ErrNoRadio      = errors.New("sim drone: radio not found")
	ErrLinkLost     = errors.New("sim drone: radio link lost")
)

// Faults injected into a SimDrone. Step indices are -1 when disabled.
type Faults struct {
	FailConnect     bool `json:"fail_connect"`
	DropAtStep      int  `json:"drop_at_step"`
	DeckSilentAfter int  `json:"deck_silent_after"` // deck stops answering once this many steps are flown
	LandHang        bool `json:"land_hang"`         // Land never confirms
}

func NoFaults() Faults { return Faults{DropAtStep: -1, DeckSilentAfter: -1} }

// SimDrone is an in-process drone flying inside a Room.
type SimDrone struct {
	mu        sync.Mutex
	room      Room
	x, y, z   float64
	yawDeg    float64
	connected bool
	airborne  bool
	steps     int
	faults    Faults
	latency   time.Duration
	noiseM    float64
	rng       *rand.Rand
}

// NewSimDrone places a drone on the floor at (x, y) facing +x.
func NewSimDrone(room Room, x, y float64) *SimDrone {
	return &SimDrone{room: room, x: x, y: y, faults: NoFaults(), rng: rand.New(rand.NewSource(1))}
}

// WithFaults replaces the fault plan.
func (d *SimDrone) WithFaults(f Faults) *SimDrone {
	d.mu.Lock()
	d.faults = f
	d.mu.Unlock()
	return d
}

// WithLatency delays every command.
func (d *SimDrone) WithLatency(l time.Duration) *SimDrone {
	d.mu.Lock()
	d.latency = l
	d.mu.Unlock()
	return d
}

// WithNoise adds uniform noise of ±m metres to finite readings.
func (d *SimDrone) WithNoise(m float64, seed int64) *SimDrone {
	d.mu.Lock()
	d.noiseM = m
	d.rng = rand.New(rand.NewSource(seed))
	d.mu.Unlock()
	return d
}

func (d *SimDrone) wait(ctx context.Context) error {
	d.mu.Lock()
	l := d.latency
	d.mu.Unlock()
	if l <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(l):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *SimDrone) Connect(ctx context.Context) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.FailConnect {
		return ErrNoRadio
	}
	d.connected = true
	d.steps = 0
	return nil
}

func (d *SimDrone) Takeoff(ctx context.Context, heightM float64) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	d.z = heightM
	d.airborne = true
	return nil
}

func (d *SimDrone) ExecutePattern(ctx context.Context, step entities.ScanStep) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.airborne {
		return ErrNotAirborne
	}
	if d.faults.DropAtStep >= 0 && step.Index >= d.faults.DropAtStep {
		d.connected = false
		return fmt.Errorf("step %d: %w", step.Index, ErrLinkLost)
	}
	d.yawDeg += step.YawDeg
	d.steps++
	return nil
}

func (d *SimDrone) Sample(ctx context.Context) (map[entities.Direction]float64, error) {
	d.mu.Lock()
	if !d.airborne {
		d.mu.Unlock()
		return nil, ErrNotAirborne
	}
	if d.faults.DeckSilentAfter >= 0 && d.steps >= d.faults.DeckSilentAfter {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := d.room.Distances(d.x, d.y, d.z, d.yawDeg)
	if d.noiseM > 0 {
		for k, v := range out {
			if v > 0 && v < d.room.MaxRangeM {
				out[k] = max(0, v+(d.rng.Float64()*2-1)*d.noiseM)
			}
		}
	}
	d.mu.Unlock()
	return out, nil
}

func (d *SimDrone) Land(ctx context.Context) error {
	d.mu.Lock()
	hang := d.faults.LandHang
	d.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.z = 0
	d.airborne = false
	d.mu.Unlock()
	return nil
}

func (d *SimDrone) Disconnect(context.Context) error {
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

// Airborne reports whether the drone is flying.
func (d *SimDrone) Airborne() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.airborne
}

// Yaw is the current heading in degrees.
func (d *SimDrone) Yaw() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.yawDeg
}
