//go:build !linux

package sensorhub

import (
	"context"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// PinInput needs the Linux GPIO character device; elsewhere it is always absent.
type PinInput struct{ src entities.SensorSource }

func NewPIR(string, int) *PinInput    { return &PinInput{src: entities.SourceMotion} }
func NewButton(string, int) *PinInput { return &PinInput{src: entities.SourceButton} }

func (p *PinInput) Source() entities.SensorSource { return p.src }
func (p *PinInput) Init() error                   { return ErrSensorAbsent }

func (p *PinInput) Read(context.Context) (any, error) { return nil, ErrSensorAbsent }

func (p *PinInput) Watch(context.Context, func(entities.MotionEvent)) error {
	return ErrSensorAbsent
}

func (p *PinInput) Close() error { return nil }
