//go:build !linux

package actuator

import (
	"errors"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

var errNoGPIO = errors.New("gpio character device requires linux")

type GPIO struct{}

func OpenGPIO(string, int, int) (*GPIO, error) { return nil, errNoGPIO }

func (g *GPIO) SetState(entities.LEDState) error { return errNoGPIO }

func (g *GPIO) Close() error { return nil }
