// Package devices implements the MMIO device bus of the machine: fixed
// devices (serial, RTC), paravirtualized transports, and the replaceable
// slots behind device hot add and remove.
package devices

import "fmt"

// DeviceType tags what a bus slot carries, which decides the device tree
// node emitted for it.
type DeviceType int

const (
	TypeSerial DeviceType = iota
	TypeRTC
	TypeVirtio
)

func (t DeviceType) String() string {
	switch t {
	case TypeSerial:
		return "serial"
	case TypeRTC:
		return "rtc"
	case TypeVirtio:
		return "virtio-mmio"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// Resource is the bus-assigned location of one device: its MMIO window and
// interrupt line.
type Resource struct {
	Addr uint64
	Size uint64
	IRQ  uint32
	Type DeviceType
}

// Device is the bus-facing contract. Read and Write receive offsets relative
// to the assigned window.
type Device interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error

	// Realize commits the device once the bus has assigned its resource.
	Realize(res Resource) error
}

// IRQLine asserts one interrupt line; devices hold it as their only path
// back into the interrupt controller.
type IRQLine interface {
	SetLevel(high bool) error
}

// IRQLineFunc adapts a function to IRQLine.
type IRQLineFunc func(high bool) error

// SetLevel implements IRQLine.
func (f IRQLineFunc) SetLevel(high bool) error {
	if f == nil {
		return nil
	}
	return f(high)
}
