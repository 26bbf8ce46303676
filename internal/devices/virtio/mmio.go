// Package virtio implements the memory-mapped transport window that
// paravirtualized devices are reached through, plus the thin backend shells
// the machine binds block, net, console and vsock configurations to. The
// queue protocol itself lives behind the Device interface.
package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tinyrange/microvm/internal/devices"
)

// Paravirtualized device IDs on the transport.
const (
	DeviceIDNet     uint32 = 1
	DeviceIDBlock   uint32 = 2
	DeviceIDConsole uint32 = 3
	DeviceIDVsock   uint32 = 19
)

// Transport register offsets (virtio-mmio, version 2).
const (
	regMagic           = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00c
	regDeviceFeatures  = 0x010
	regDeviceFeatSel   = 0x014
	regDriverFeatures  = 0x020
	regDriverFeatSel   = 0x024
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regInterruptStatus = 0x060
	regInterruptACK    = 0x064
	regStatus          = 0x070
	regConfigSpace     = 0x100

	magicValue    = 0x74726976 // "virt"
	vendorValue   = 0x554d4551 // "QEMU"
	mmioVersion   = 2
	queueSizeMax  = 256
	maxQueueCount = 8
)

// Device status bits.
const (
	statusAcknowledge = 1
	statusDriver      = 2
	statusDriverOK    = 4
	statusFeaturesOK  = 8
	statusFailed      = 128
)

// Device is the backend behind one transport window.
type Device interface {
	// DeviceID reports the paravirt device type.
	DeviceID() uint32
	// Features advertises the 64-bit host feature set.
	Features() uint64
	// ReadConfig and WriteConfig serve the device-specific config space.
	ReadConfig(offset uint64, data []byte) error
	WriteConfig(offset uint64, data []byte) error
	// Activate is called once the driver sets DRIVER_OK.
	Activate(negotiated uint64) error
	// Reset returns the backend to its pre-driver state.
	Reset() error
}

// MMIODevice is the transport window. An empty window (no backend) answers
// with device ID zero, which drivers treat as an unpopulated slot; a backend
// can be bound and unbound while the machine runs.
type MMIODevice struct {
	mu sync.Mutex

	res devices.Resource
	irq devices.IRQLine

	backend Device

	status         uint32
	deviceFeatSel  uint32
	driverFeatSel  uint32
	driverFeatures uint64
	queueSel       uint32
	queueNum       [maxQueueCount]uint32
	queueReady     [maxQueueCount]uint32
	intrStatus     uint32
}

// NewMMIODevice creates a transport window with an optional backend.
func NewMMIODevice(backend Device) *MMIODevice {
	return &MMIODevice{backend: backend}
}

// Realize implements devices.Device.
func (m *MMIODevice) Realize(res devices.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.res = res
	return nil
}

// SetIRQLine wires the transport interrupt.
func (m *MMIODevice) SetIRQLine(line devices.IRQLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irq = line
}

// Backend returns the bound backend, if any.
func (m *MMIODevice) Backend() Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backend
}

// BindBackend installs a backend into an empty window.
func (m *MMIODevice) BindBackend(dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		return fmt.Errorf("virtio: transport at %#x already has a backend", m.res.Addr)
	}
	m.backend = dev
	m.resetLocked()
	return nil
}

// UnbindBackend removes the backend; the window reads as unpopulated again.
func (m *MMIODevice) UnbindBackend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return fmt.Errorf("virtio: transport at %#x has no backend", m.res.Addr)
	}
	if err := m.backend.Reset(); err != nil {
		return fmt.Errorf("virtio: reset backend: %w", err)
	}
	m.backend = nil
	m.resetLocked()
	return nil
}

func (m *MMIODevice) resetLocked() {
	m.status = 0
	m.deviceFeatSel = 0
	m.driverFeatSel = 0
	m.driverFeatures = 0
	m.queueSel = 0
	m.queueNum = [maxQueueCount]uint32{}
	m.queueReady = [maxQueueCount]uint32{}
	m.intrStatus = 0
}

// Read implements devices.Device.
func (m *MMIODevice) Read(offset uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("virtio: zero-length read at %#x", offset)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= regConfigSpace {
		if m.backend == nil {
			return fmt.Errorf("virtio: config read on empty transport at %#x", m.res.Addr)
		}
		return m.backend.ReadConfig(offset-regConfigSpace, data)
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio: register read of %d bytes at %#x", len(data), offset)
	}

	var value uint32
	switch offset {
	case regMagic:
		value = magicValue
	case regVersion:
		value = mmioVersion
	case regDeviceID:
		if m.backend != nil {
			value = m.backend.DeviceID()
		}
	case regVendorID:
		value = vendorValue
	case regDeviceFeatures:
		if m.backend != nil {
			value = uint32(m.backend.Features() >> (32 * m.deviceFeatSel))
		}
	case regQueueNumMax:
		value = queueSizeMax
	case regQueueReady:
		if m.queueSel < maxQueueCount {
			value = m.queueReady[m.queueSel]
		}
	case regInterruptStatus:
		value = m.intrStatus
	case regStatus:
		value = m.status
	default:
		value = 0
	}

	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// Write implements devices.Device.
func (m *MMIODevice) Write(offset uint64, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("virtio: zero-length write at %#x", offset)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if offset >= regConfigSpace {
		if m.backend == nil {
			return fmt.Errorf("virtio: config write on empty transport at %#x", m.res.Addr)
		}
		return m.backend.WriteConfig(offset-regConfigSpace, data)
	}
	if len(data) != 4 {
		return fmt.Errorf("virtio: register write of %d bytes at %#x", len(data), offset)
	}
	value := binary.LittleEndian.Uint32(data)

	switch offset {
	case regDeviceFeatSel:
		m.deviceFeatSel = value & 1
	case regDriverFeatSel:
		m.driverFeatSel = value & 1
	case regDriverFeatures:
		shift := 32 * m.driverFeatSel
		m.driverFeatures = m.driverFeatures&^(0xffffffff<<shift) | uint64(value)<<shift
	case regQueueSel:
		m.queueSel = value
	case regQueueNum:
		if m.queueSel < maxQueueCount {
			m.queueNum[m.queueSel] = value
		}
	case regQueueReady:
		if m.queueSel < maxQueueCount {
			m.queueReady[m.queueSel] = value
		}
	case regQueueNotify:
		// Queue processing is the backend's business.
	case regInterruptACK:
		m.intrStatus &^= value
		if m.irq != nil && m.intrStatus == 0 {
			m.irq.SetLevel(false)
		}
	case regStatus:
		if value == 0 {
			if m.backend != nil {
				if err := m.backend.Reset(); err != nil {
					return fmt.Errorf("virtio: reset backend: %w", err)
				}
			}
			m.resetLocked()
			return nil
		}
		newlyOK := value&statusDriverOK != 0 && m.status&statusDriverOK == 0
		m.status = value
		if newlyOK && m.backend != nil {
			if err := m.backend.Activate(m.driverFeatures); err != nil {
				m.status |= statusFailed
				return fmt.Errorf("virtio: activate backend: %w", err)
			}
		}
	}
	return nil
}

var (
	_ devices.Device = &MMIODevice{}
)
