package devices

import (
	"fmt"
	"sync"

	"github.com/tinyrange/microvm/internal/memory"
)

// BusLayout parameterizes where the bus carves device windows and which
// interrupt lines it hands out; the values differ per architecture.
type BusLayout struct {
	MMIOBase uint64
	SlotSize uint64
	IRQBase  uint32
	IRQMax   uint32
}

// slotEntry is one attached device with its assigned resource.
type slotEntry struct {
	dev Device
	res Resource
}

// replaceableDev is one hot-swappable transport slot: the transport stays
// attached, its backend config comes and goes.
type replaceableDev struct {
	id      string
	typ     DeviceType
	driver  string
	config  any
	inUse   bool
	slotIdx int
}

// Bus owns the MMIO device slots of the machine. Attach and detach are
// guarded by the bus mutex; the address space performs its own locking for
// the region changes.
type Bus struct {
	mu sync.Mutex

	space  *memory.AddressSpace
	layout BusLayout

	nextAddr uint64
	nextIRQ  uint32

	entries     []*slotEntry
	replaceable []*replaceableDev
	configs     map[string]any
}

// NewBus creates an empty bus over the system address space.
func NewBus(space *memory.AddressSpace, layout BusLayout) *Bus {
	return &Bus{
		space:    space,
		layout:   layout,
		nextAddr: layout.MMIOBase,
		nextIRQ:  layout.IRQBase,
		configs:  make(map[string]any),
	}
}

// busRegion adapts one slot into the address space's IO dispatch.
type busRegion struct {
	dev Device
}

func (r busRegion) Read(offset uint64, data []byte) error  { return r.dev.Read(offset, data) }
func (r busRegion) Write(offset uint64, data []byte) error { return r.dev.Write(offset, data) }

// AttachDevice assigns the next free window and interrupt line to dev, maps
// it into the address space and realizes it.
func (b *Bus) AttachDevice(dev Device, typ DeviceType) (Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attachLocked(dev, typ)
}

func (b *Bus) attachLocked(dev Device, typ DeviceType) (Resource, error) {
	if b.nextIRQ > b.layout.IRQMax {
		return Resource{}, fmt.Errorf("devices: out of interrupt lines (max %d)", b.layout.IRQMax)
	}

	res := Resource{
		Addr: b.nextAddr,
		Size: b.layout.SlotSize,
		IRQ:  b.nextIRQ,
		Type: typ,
	}

	region := memory.NewIORegion(res.Size, busRegion{dev: dev})
	if err := b.space.AddSubregion(b.space.Root(), region, res.Addr); err != nil {
		return Resource{}, fmt.Errorf("devices: map %s at %#x: %w", typ, res.Addr, err)
	}

	if err := dev.Realize(res); err != nil {
		if derr := b.space.DelSubregion(b.space.Root(), region); derr != nil {
			return Resource{}, fmt.Errorf("devices: unmap after failed realize: %v (realize: %w)", derr, err)
		}
		return Resource{}, fmt.Errorf("devices: realize %s: %w", typ, err)
	}

	b.nextAddr += b.layout.SlotSize
	b.nextIRQ++
	b.entries = append(b.entries, &slotEntry{dev: dev, res: res})
	return res, nil
}

// FillReplaceableDevice attaches an inactive transport slot for the named
// backend, to be activated later by device hot add. Called during machine
// construction only.
func (b *Bus) FillReplaceableDevice(id string, config any, typ DeviceType, dev Device) (Resource, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.replaceable {
		if r.id == id {
			return Resource{}, fmt.Errorf("devices: replaceable slot %q already filled", id)
		}
	}

	res, err := b.attachLocked(dev, typ)
	if err != nil {
		return Resource{}, err
	}

	b.replaceable = append(b.replaceable, &replaceableDev{
		id:      id,
		typ:     typ,
		config:  config,
		inUse:   config != nil,
		slotIdx: len(b.entries) - 1,
	})
	if config != nil {
		b.configs[id] = config
	}
	return res, nil
}

// ReplaceableTransport returns the transport device of a replaceable slot.
func (b *Bus) ReplaceableTransport(slot int) (Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slot < 0 || slot >= len(b.replaceable) {
		return nil, false
	}
	return b.entries[b.replaceable[slot].slotIdx].dev, true
}

// ReplaceableSlotByID finds the active slot holding id.
func (b *Bus) ReplaceableSlotByID(id string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.replaceable {
		if r.id == id && r.inUse {
			return i, true
		}
	}
	return 0, false
}

// ReplaceableInfo reports the binding state of one slot.
func (b *Bus) ReplaceableInfo(slot int) (id string, typ DeviceType, config any, inUse bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slot < 0 || slot >= len(b.replaceable) {
		return "", 0, nil, false
	}
	r := b.replaceable[slot]
	return r.id, r.typ, r.config, r.inUse
}

// AddReplaceableConfig registers a backend configuration for a later
// device_add.
func (b *Bus) AddReplaceableConfig(id string, config any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.configs[id]; ok {
		return fmt.Errorf("devices: backend config %q already registered", id)
	}
	b.configs[id] = config
	return nil
}

// Config returns a registered backend configuration.
func (b *Bus) Config(id string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.configs[id]
	return cfg, ok
}

// AddReplaceableDevice activates the replaceable slot at index slot with the
// backend config registered under id.
func (b *Bus) AddReplaceableDevice(id, driver string, slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if slot < 0 || slot >= len(b.replaceable) {
		return fmt.Errorf("devices: no replaceable slot %d", slot)
	}
	r := b.replaceable[slot]
	if r.inUse {
		return fmt.Errorf("devices: replaceable slot %d already holds %q", slot, r.id)
	}
	config, ok := b.configs[id]
	if !ok {
		return fmt.Errorf("devices: no backend config %q", id)
	}

	r.id = id
	r.driver = driver
	r.config = config
	r.inUse = true
	return nil
}

// DelReplaceableDevice deactivates the slot holding id and returns the
// device path reported in the removal event.
func (b *Bus) DelReplaceableDevice(id string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.replaceable {
		if r.id == id && r.inUse {
			r.inUse = false
			r.config = nil
			r.driver = ""
			res := b.entries[r.slotIdx].res
			return fmt.Sprintf("/machine/peripheral/%s/virtio-mmio@%x", id, res.Addr), nil
		}
	}
	return "", fmt.Errorf("devices: no active device %q", id)
}

// Resources returns the assigned resources in attach order, for the device
// tree and diagnostics.
func (b *Bus) Resources() []Resource {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Resource, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.res
	}
	return out
}

// ReplaceableCount returns the number of replaceable slots.
func (b *Bus) ReplaceableCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.replaceable)
}
