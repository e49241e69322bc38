//go:build !linux

package sensorhub

import "fmt"

// LinuxBus is unavailable off Linux; OpenBus always fails so I2C sensors report absent.
type LinuxBus struct{}

func OpenBus(path string) (*LinuxBus, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrSensorAbsent)
}

func (b *LinuxBus) Tx(uint16, []byte, []byte) error { return ErrSensorAbsent }

func (b *LinuxBus) Close() error { return nil }
