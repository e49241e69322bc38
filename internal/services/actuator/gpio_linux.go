//go:build linux

package actuator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// GPIO drives a two-colour LED from two output lines.
type GPIO struct {
	mu    sync.Mutex
	lines *gpiocdev.Lines
	last  entities.LEDState
	set   bool
}

// OpenGPIO requests the red and green lines (BCM offsets) as outputs, both low.
func OpenGPIO(chip string, red, green int) (*GPIO, error) {
	lines, err := gpiocdev.RequestLines(chip, []int{red, green},
		gpiocdev.AsOutput(0, 0),
		gpiocdev.WithConsumer("inspection-led"))
	if err != nil {
		return nil, fmt.Errorf("request led lines %d,%d on %s: %w", red, green, chip, err)
	}
	return &GPIO{lines: lines, last: entities.LEDOff, set: true}, nil
}

func (g *GPIO) SetState(s entities.LEDState) error {
	var values []int
	switch s {
	case entities.LEDOff:
		values = []int{0, 0}
	case entities.LEDRed:
		values = []int{1, 0}
	case entities.LEDGreen:
		values = []int{0, 1}
	default:
		return Validate(s)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lines == nil {
		return errors.New("led lines closed")
	}
	if g.set && s == g.last {
		return nil
	}
	if err := g.lines.SetValues(values); err != nil {
		return fmt.Errorf("set led %s: %w", s, err)
	}
	g.last, g.set = s, true
	return nil
}

// Close turns the LED off and releases the lines.
func (g *GPIO) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lines == nil {
		return nil
	}
	_ = g.lines.SetValues([]int{0, 0})
	err := g.lines.Close()
	g.lines = nil
	return err
}
