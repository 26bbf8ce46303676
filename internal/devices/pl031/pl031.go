// Package pl031 emulates the ARM PrimeCell real-time clock attached to the
// ARM64 machine.
package pl031

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/microvm/internal/devices"
)

const (
	regDR   = 0x000 // data (current time, read-only)
	regMR   = 0x004 // match
	regLR   = 0x008 // load
	regCR   = 0x00c // control
	regIMSC = 0x010 // interrupt mask
	regRIS  = 0x014 // raw interrupt status
	regMIS  = 0x018 // masked interrupt status
	regICR  = 0x01c // interrupt clear

	idRegisterBase = 0xfe0
)

// amba ID bytes of the PL031 primecell.
var deviceID = [8]byte{0x31, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// PL031 keeps the guest clock as an offset against the host view of wall
// time, so a guest writing the load register does not disturb the host.
type PL031 struct {
	mu sync.Mutex

	base time.Time
	tick uint32 // load-register offset applied to the running clock

	mr   uint32
	imsc uint32
	ris  uint32
}

// New creates the RTC with the guest clock matching the host.
func New() *PL031 {
	return &PL031{base: time.Now()}
}

// Realize implements devices.Device.
func (p *PL031) Realize(res devices.Resource) error { return nil }

func (p *PL031) currentLocked() uint32 {
	elapsed := time.Since(p.base)
	return uint32(p.base.Unix()) + p.tick + uint32(elapsed/time.Second)
}

// Read implements devices.Device.
func (p *PL031) Read(offset uint64, data []byte) error {
	if len(data) != 4 && !(offset >= idRegisterBase && len(data) == 1) {
		return fmt.Errorf("pl031: unsupported read of %d bytes at %#x", len(data), offset)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if offset >= idRegisterBase && offset < idRegisterBase+uint64(len(deviceID))*4 {
		// ID registers expose one identification byte per word.
		idx := (offset - idRegisterBase) / 4
		if len(data) == 4 {
			binary.LittleEndian.PutUint32(data, uint32(deviceID[idx]))
		} else {
			data[0] = deviceID[idx]
		}
		return nil
	}

	var value uint32
	switch offset {
	case regDR:
		value = p.currentLocked()
	case regMR:
		value = p.mr
	case regLR:
		value = p.currentLocked()
	case regCR:
		value = 1 // the RTC is always enabled
	case regIMSC:
		value = p.imsc
	case regRIS:
		value = p.ris
	case regMIS:
		value = p.ris & p.imsc
	default:
		return fmt.Errorf("pl031: read of unknown register %#x", offset)
	}

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// Write implements devices.Device.
func (p *PL031) Write(offset uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("pl031: unsupported write of %d bytes at %#x", len(data), offset)
	}
	value := binary.LittleEndian.Uint32(data)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case regMR:
		p.mr = value
	case regLR:
		p.tick += value - p.currentLocked()
	case regCR:
		// Writes cannot disable the clock.
	case regIMSC:
		p.imsc = value & 1
	case regICR:
		p.ris &^= value
	default:
		return fmt.Errorf("pl031: write of unknown register %#x", offset)
	}
	return nil
}

var (
	_ devices.Device = &PL031{}
)
