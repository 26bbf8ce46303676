// Package serial emulates the 8250-compatible UART that serves as the guest
// console. On x86_64 it answers port I/O at the COM1 ports; on ARM64 the
// same register file is memory mapped and announced as ns16550a in the
// device tree.
package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/microvm/internal/devices"
)

// COM1Base is the legacy port I/O base on x86_64.
const COM1Base uint16 = 0x3f8

// RegisterCount is the size of the UART register file.
const RegisterCount = 8

const (
	lcrDLABBit = 1 << 7

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	ierRxInterrupt = 1 << 0

	iirNoInterrupt = 0x01
	iirRxAvailable = 0x04

	rxBufferCap = 64
)

// Serial is a minimal 8250: no FIFO trigger levels, immediate transmission,
// a bounded receive buffer fed from the host side.
type Serial struct {
	mu sync.Mutex

	out io.Writer
	irq devices.IRQLine

	rxBuf []byte

	dll byte
	dlm byte
	ier byte
	iir byte
	lcr byte
	mcr byte
	lsr byte
	msr byte
	scr byte
}

// New creates a serial device writing guest output to out.
func New(out io.Writer) *Serial {
	return &Serial{
		out: out,
		iir: iirNoInterrupt,
		lcr: 0x03, // 8 bits, no parity
		mcr: 0x08, // OUT2
		lsr: lsrTHRE | lsrTEMT,
		msr: 0xb0, // CTS, DSR, DCD
	}
}

// Realize implements devices.Device.
func (s *Serial) Realize(res devices.Resource) error { return nil }

// SetIRQLine wires the device to its interrupt line. Input delivered before
// a line is attached is kept but never signalled.
func (s *Serial) SetIRQLine(line devices.IRQLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.irq = line
}

// InputData feeds host-side console input into the receive buffer and
// signals the guest when receive interrupts are enabled.
func (s *Serial) InputData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rxBuf)+len(data) > rxBufferCap {
		return fmt.Errorf("serial: receive buffer full, dropping %d bytes", len(data))
	}
	s.rxBuf = append(s.rxBuf, data...)
	s.lsr |= lsrDataReady

	if s.ier&ierRxInterrupt != 0 {
		s.iir = iirRxAvailable
		if s.irq != nil {
			if err := s.irq.SetLevel(true); err != nil {
				return fmt.Errorf("serial: raise interrupt: %w", err)
			}
		}
	}
	return nil
}

// Read implements devices.Device; offsets address the register file.
func (s *Serial) Read(offset uint64, data []byte) error {
	if len(data) == 0 || offset >= RegisterCount {
		return fmt.Errorf("serial: bad read at offset %#x", offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var value byte
	switch offset {
	case 0:
		if s.lcr&lcrDLABBit != 0 {
			value = s.dll
			break
		}
		if len(s.rxBuf) > 0 {
			value = s.rxBuf[0]
			s.rxBuf = s.rxBuf[1:]
		}
		if len(s.rxBuf) == 0 {
			s.lsr &^= lsrDataReady
			s.iir = iirNoInterrupt
			if s.irq != nil {
				s.irq.SetLevel(false)
			}
		}
	case 1:
		if s.lcr&lcrDLABBit != 0 {
			value = s.dlm
		} else {
			value = s.ier
		}
	case 2:
		value = s.iir
	case 3:
		value = s.lcr
	case 4:
		value = s.mcr
	case 5:
		value = s.lsr
	case 6:
		value = s.msr
	case 7:
		value = s.scr
	}

	for i := range data {
		data[i] = 0
	}
	data[0] = value
	return nil
}

// Write implements devices.Device.
func (s *Serial) Write(offset uint64, data []byte) error {
	if len(data) == 0 || offset >= RegisterCount {
		return fmt.Errorf("serial: bad write at offset %#x", offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	value := data[0]
	switch offset {
	case 0:
		if s.lcr&lcrDLABBit != 0 {
			s.dll = value
			break
		}
		if s.out != nil {
			if _, err := s.out.Write([]byte{value}); err != nil {
				return fmt.Errorf("serial: write output: %w", err)
			}
		}
	case 1:
		if s.lcr&lcrDLABBit != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0f
		}
	case 3:
		s.lcr = value
	case 4:
		s.mcr = value & 0x1f
	case 7:
		s.scr = value
	}
	return nil
}

var (
	_ devices.Device = &Serial{}
)
