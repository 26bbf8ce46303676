//go:build linux

package machine

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// PowerButton is the non-blocking semaphore handle raised on the Shutdown
// transition. The main loop polls its descriptor and exits once it fires.
type PowerButton struct {
	fd int
}

// NewPowerButton creates the eventfd.
func NewPowerButton() (*PowerButton, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("machine: create power button eventfd: %w", err)
	}
	return &PowerButton{fd: fd}, nil
}

// Fd returns the pollable descriptor.
func (p *PowerButton) Fd() int { return p.fd }

// Signal implements powerSignal.
func (p *PowerButton) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.fd, buf[:]); err != nil {
		return fmt.Errorf("machine: signal power button: %w", err)
	}
	return nil
}

// Drain consumes a pending signal.
func (p *PowerButton) Drain() error {
	var buf [8]byte
	if _, err := unix.Read(p.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("machine: drain power button: %w", err)
	}
	return nil
}

// Close releases the descriptor.
func (p *PowerButton) Close() error {
	return unix.Close(p.fd)
}
