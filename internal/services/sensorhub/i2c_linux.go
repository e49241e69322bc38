//go:build linux

package sensorhub

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const i2cSlave = 0x0703 // linux/i2c-dev.h

// LinuxBus is an i2c-dev adapter satisfying tinygo's drivers.I2C.
type LinuxBus struct {
	mu    sync.Mutex
	path  string
	fd    int
	slave int
}

// OpenBus opens a /dev/i2c-N character device.
func OpenBus(path string) (*LinuxBus, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &LinuxBus{path: path, fd: fd, slave: -1}, nil
}

// Tx writes w then reads len(r) bytes from addr, as two transfers.
func (b *LinuxBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return fmt.Errorf("%s: bus closed", b.path)
	}
	if int(addr) != b.slave {
		if err := unix.IoctlSetInt(b.fd, i2cSlave, int(addr)); err != nil {
			return fmt.Errorf("%s: select 0x%02x: %w", b.path, addr, err)
		}
		b.slave = int(addr)
	}
	if len(w) > 0 {
		n, err := unix.Write(b.fd, w)
		if err != nil {
			return fmt.Errorf("%s: write 0x%02x: %w", b.path, addr, err)
		}
		if n != len(w) {
			return fmt.Errorf("%s: short write to 0x%02x (%d/%d)", b.path, addr, n, len(w))
		}
	}
	if len(r) > 0 {
		n, err := unix.Read(b.fd, r)
		if err != nil {
			return fmt.Errorf("%s: read 0x%02x: %w", b.path, addr, err)
		}
		if n != len(r) {
			return fmt.Errorf("%s: short read from 0x%02x (%d/%d)", b.path, addr, n, len(r))
		}
	}
	return nil
}

func (b *LinuxBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}
