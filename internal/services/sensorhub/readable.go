package sensorhub

import (
	"context"
	"errors"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// ErrSensorAbsent marks a sensor whose hardware did not initialize.
var ErrSensorAbsent = errors.New("sensor absent")

var errUnsupportedValue = errors.New("sensor returned neither a number nor a boolean")

// Readable is one sensor channel. Init is called at most once, lazily.
// Read returns float64 or bool.
type Readable interface {
	Source() entities.SensorSource
	Init() error
	Read(ctx context.Context) (any, error)
}

// MotionSensor is an edge-triggered Readable. Watch delivers edges to emit
// until ctx ends; it must not block.
type MotionSensor interface {
	Readable
	Watch(ctx context.Context, emit func(entities.MotionEvent)) error
}

// Func adapts a pair of functions to Readable.
type Func struct {
	Src     entities.SensorSource
	InitFn  func() error
	ReadFn  func(ctx context.Context) (any, error)
	CloseFn func() error
}

func (f Func) Source() entities.SensorSource { return f.Src }

func (f Func) Init() error {
	if f.InitFn == nil {
		return nil
	}
	return f.InitFn()
}

func (f Func) Read(ctx context.Context) (any, error) { return f.ReadFn(ctx) }

func (f Func) Close() error {
	if f.CloseFn == nil {
		return nil
	}
	return f.CloseFn()
}
