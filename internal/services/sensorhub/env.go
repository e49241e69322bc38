package sensorhub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/bmp280"
	"tinygo.org/x/drivers/shtc3"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// BusOpener returns the shared I2C bus, opening it on first use.
type BusOpener func() (drivers.I2C, error)

// SharedBus opens path once and hands the same bus to every caller.
func SharedBus(path string) (BusOpener, func() error) {
	var once sync.Once
	var bus *LinuxBus
	var err error
	open := func() (drivers.I2C, error) {
		once.Do(func() { bus, err = OpenBus(path) })
		if err != nil {
			return nil, err
		}
		return bus, nil
	}
	closeFn := func() error {
		if bus == nil {
			return nil
		}
		return bus.Close()
	}
	return open, closeFn
}

// SHTC3 reads temperature and humidity in one transaction. Both channels share one device.
type SHTC3 struct {
	open BusOpener

	mu   sync.Mutex
	init bool
	err  error
	dev  shtc3.Device
}

func NewSHTC3(open BusOpener) *SHTC3 { return &SHTC3{open: open} }

func (s *SHTC3) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init {
		return s.err
	}
	s.init = true
	bus, err := s.open()
	if err != nil {
		s.err = err
		return err
	}
	s.dev = shtc3.New(bus)
	if err := s.dev.WakeUp(); err != nil {
		s.err = fmt.Errorf("shtc3 wake: %w", err)
		return s.err
	}
	_ = s.dev.Sleep()
	return nil
}

// read returns °C and %RH.
func (s *SHTC3) read() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	_ = s.dev.WakeUp()
	defer func() { _ = s.dev.Sleep() }()
	tmc, rhx100, err := s.dev.ReadTemperatureHumidity()
	if err != nil {
		return 0, 0, fmt.Errorf("shtc3 read: %w", err)
	}
	rh := float64(min(max(rhx100, 0), 10000)) / 100
	return float64(tmc) / 1000, rh, nil
}

func (s *SHTC3) Temperature() Readable {
	return Func{
		Src:    entities.SourceTemperature,
		InitFn: s.start,
		ReadFn: func(context.Context) (any, error) {
			t, _, err := s.read()
			if err != nil {
				return nil, err
			}
			return t, nil
		},
	}
}

func (s *SHTC3) Humidity() Readable {
	return Func{
		Src:    entities.SourceHumidity,
		InitFn: s.start,
		ReadFn: func(context.Context) (any, error) {
			_, h, err := s.read()
			if err != nil {
				return nil, err
			}
			return h, nil
		},
	}
}

var errBMP280Missing = errors.New("bmp280 not responding")

// BMP280 is the barometric pressure channel.
type BMP280 struct {
	open    BusOpener
	address uint16

	mu  sync.Mutex
	dev bmp280.Device
}

// NewBMP280 uses address when non-zero, else the driver default (0x77).
func NewBMP280(open BusOpener, address uint16) *BMP280 {
	return &BMP280{open: open, address: address}
}

func (b *BMP280) Source() entities.SensorSource { return entities.SourcePressure }

func (b *BMP280) Init() error {
	bus, err := b.open()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dev = bmp280.New(bus)
	if b.address != 0 {
		b.dev.Address = b.address
	}
	if !b.dev.Connected() {
		return errBMP280Missing
	}
	b.dev.Configure(bmp280.STANDBY_125MS, bmp280.FILTER_4X, bmp280.SAMPLING_16X, bmp280.SAMPLING_16X, bmp280.MODE_NORMAL)
	return nil
}

// Read returns hPa.
func (b *BMP280) Read(context.Context) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mpa, err := b.dev.ReadPressure()
	if err != nil {
		return nil, fmt.Errorf("bmp280 read: %w", err)
	}
	return float64(mpa) / 100000, nil
}
