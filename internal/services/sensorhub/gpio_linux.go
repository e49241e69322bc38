//go:build linux

package sensorhub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// PinInput is a GPIO input line reporting edges. Used for the PIR and the button.
type PinInput struct {
	src      entities.SensorSource
	chip     string
	offset   int
	debounce time.Duration
	pullUp   bool

	mu   sync.Mutex
	line *gpiocdev.Line
	emit func(entities.MotionEvent)
}

// NewPIR watches a passive infrared sensor on chip/offset (BCM numbering on a Pi).
func NewPIR(chip string, offset int) *PinInput {
	return &PinInput{src: entities.SourceMotion, chip: chip, offset: offset}
}

// NewButton reads a push button wired to ground, with the internal pull-up.
func NewButton(chip string, offset int) *PinInput {
	return &PinInput{src: entities.SourceButton, chip: chip, offset: offset, debounce: 10 * time.Millisecond, pullUp: true}
}

func (p *PinInput) Source() entities.SensorSource { return p.src }

func (p *PinInput) Init() error {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithConsumer("inspection-" + string(p.src)),
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(p.onEdge),
	}
	if p.pullUp {
		opts = append(opts, gpiocdev.WithPullUp, gpiocdev.AsActiveLow)
	}
	if p.debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(p.debounce))
	}
	l, err := gpiocdev.RequestLine(p.chip, p.offset, opts...)
	if err != nil {
		return fmt.Errorf("request %s line %d: %w", p.chip, p.offset, err)
	}
	p.mu.Lock()
	p.line = l
	p.mu.Unlock()
	return nil
}

func (p *PinInput) onEdge(evt gpiocdev.LineEvent) {
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	if emit == nil {
		return
	}
	emit(entities.MotionEvent{
		Active: evt.Type == gpiocdev.LineEventRisingEdge,
		At:     time.Now().UTC(),
	})
}

func (p *PinInput) Read(context.Context) (any, error) {
	p.mu.Lock()
	l := p.line
	p.mu.Unlock()
	if l == nil {
		return nil, ErrSensorAbsent
	}
	v, err := l.Value()
	if err != nil {
		return nil, err
	}
	return v == 1, nil
}

func (p *PinInput) Watch(ctx context.Context, emit func(entities.MotionEvent)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.line == nil {
		return ErrSensorAbsent
	}
	p.emit = emit
	go func() {
		<-ctx.Done()
		p.mu.Lock()
		p.emit = nil
		p.mu.Unlock()
	}()
	return nil
}

func (p *PinInput) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.line == nil {
		return nil
	}
	err := p.line.Close()
	p.line = nil
	return err
}
