package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfBounds reports an access outside every RAM region, or one that
	// crosses a hole or a non-RAM region.
	ErrOutOfBounds = errors.New("memory: access out of bounds")
	// ErrOverlap reports a RAM subregion being added over an existing sibling.
	ErrOverlap = errors.New("memory: regions overlap")
)

// FlatRange is one contiguous RAM span of the flattened address space.
type FlatRange struct {
	Base   uint64
	Size   uint64
	Mem    *HostMemMapping
	Offset uint64 // offset of Base within Mem
}

// ioRange is one trapped span of the flattened address space.
type ioRange struct {
	base uint64
	size uint64
	ops  IOHandler
}

// Listener observes RAM topology changes, typically to mirror regions into
// hypervisor memory slots. AddRange errors fail the topology change.
type Listener interface {
	AddRange(fr FlatRange) error
	DelRange(fr FlatRange) error
}

// AddressSpace owns a region tree and maintains a flattened view of it.
// Reads and writes are served from the flat view; topology changes rebuild
// it and notify registered listeners.
type AddressSpace struct {
	root *Region

	mu        sync.RWMutex
	ram       []FlatRange
	io        []ioRange
	listeners []Listener
}

// NewAddressSpace creates an address space over the given root container.
func NewAddressSpace(root *Region) (*AddressSpace, error) {
	if root == nil || root.kind != RegionContainer {
		return nil, fmt.Errorf("memory: address space root must be a container region")
	}
	as := &AddressSpace{root: root}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as, as.rebuildLocked()
}

// Root returns the root container. Releasing the address space releases the
// whole tree.
func (as *AddressSpace) Root() *Region { return as.root }

// RegisterListener attaches a listener and replays the current RAM ranges
// into it.
func (as *AddressSpace) RegisterListener(l Listener) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for _, fr := range as.ram {
		if err := l.AddRange(fr); err != nil {
			return fmt.Errorf("memory: replay range [%#x, +%#x): %w", fr.Base, fr.Size, err)
		}
	}
	as.listeners = append(as.listeners, l)
	return nil
}

// AddSubregion inserts child below parent at the given offset and publishes
// the new topology. If a listener rejects the resulting RAM layout the
// change is rolled back before returning.
func (as *AddressSpace) AddSubregion(parent, sub *Region, offset uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := parent.addChild(sub, offset); err != nil {
		return err
	}
	if err := as.rebuildLocked(); err != nil {
		parent.removeChild(sub)
		if rerr := as.rebuildLocked(); rerr != nil {
			return fmt.Errorf("memory: rollback after failed add: %w", rerr)
		}
		return err
	}
	return nil
}

// DelSubregion removes child from parent and publishes the new topology.
func (as *AddressSpace) DelSubregion(parent, sub *Region) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !parent.removeChild(sub) {
		return fmt.Errorf("memory: subregion not found under parent")
	}
	return as.rebuildLocked()
}

// rebuildLocked regenerates the flat view from the tree and diffs it against
// the previous view, notifying listeners of removed and added RAM ranges.
func (as *AddressSpace) rebuildLocked() error {
	var ram []FlatRange
	var io []ioRange
	as.root.walk(0, func(base uint64, reg *Region) {
		switch reg.kind {
		case RegionRAM:
			ram = append(ram, FlatRange{Base: base, Size: reg.size, Mem: reg.hostMem})
		case RegionIO:
			io = append(io, ioRange{base: base, size: reg.size, ops: reg.ops})
		}
	})

	removed := diffRanges(as.ram, ram)
	added := diffRanges(ram, as.ram)

	for _, l := range as.listeners {
		for _, fr := range removed {
			if err := l.DelRange(fr); err != nil {
				return fmt.Errorf("memory: listener del range [%#x, +%#x): %w", fr.Base, fr.Size, err)
			}
		}
	}
	type applied struct {
		l  Listener
		fr FlatRange
	}
	var done []applied
	for _, l := range as.listeners {
		for _, fr := range added {
			if err := l.AddRange(fr); err != nil {
				// Undo the adds already applied and restore the removed
				// ranges so listeners stay consistent with the topology the
				// caller will roll back to.
				for _, d := range done {
					d.l.DelRange(d.fr)
				}
				for _, l2 := range as.listeners {
					for _, fr2 := range removed {
						l2.AddRange(fr2)
					}
				}
				return fmt.Errorf("memory: listener add range [%#x, +%#x): %w", fr.Base, fr.Size, err)
			}
			done = append(done, applied{l: l, fr: fr})
		}
	}

	as.ram = ram
	as.io = io
	return nil
}

func diffRanges(a, b []FlatRange) []FlatRange {
	var out []FlatRange
	for _, fa := range a {
		found := false
		for _, fb := range b {
			if fa == fb {
				found = true
				break
			}
		}
		if !found {
			out = append(out, fa)
		}
	}
	return out
}

// findRAM locates the RAM range fully containing [addr, addr+size).
func (as *AddressSpace) findRAM(addr, size uint64) (FlatRange, error) {
	if addr+size < addr {
		return FlatRange{}, fmt.Errorf("%w: [%#x, +%#x) overflows", ErrOutOfBounds, addr, size)
	}
	for _, fr := range as.ram {
		if addr >= fr.Base && addr+size <= fr.Base+fr.Size {
			return fr, nil
		}
	}
	return FlatRange{}, fmt.Errorf("%w: [%#x, +%#x)", ErrOutOfBounds, addr, size)
}

// Read copies len(buf) bytes from guest physical address addr.
func (as *AddressSpace) Read(buf []byte, addr uint64) error {
	as.mu.RLock()
	defer as.mu.RUnlock()

	fr, err := as.findRAM(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	off := addr - fr.Base + fr.Offset
	copy(buf, fr.Mem.Bytes()[off:])
	return nil
}

// Write copies buf into guest memory at guest physical address addr.
func (as *AddressSpace) Write(buf []byte, addr uint64) error {
	as.mu.RLock()
	defer as.mu.RUnlock()

	fr, err := as.findRAM(addr, uint64(len(buf)))
	if err != nil {
		return err
	}
	off := addr - fr.Base + fr.Offset
	copy(fr.Mem.Bytes()[off:], buf)
	return nil
}

// DispatchIO routes a trapped access to the IO region containing it. Accesses
// below a byte are rejected.
func (as *AddressSpace) DispatchIO(addr uint64, data []byte, isWrite bool) error {
	if len(data) == 0 {
		return fmt.Errorf("memory: zero-length IO access at %#x", addr)
	}

	as.mu.RLock()
	defer as.mu.RUnlock()

	end := addr + uint64(len(data))
	for _, ior := range as.io {
		if addr >= ior.base && end <= ior.base+ior.size {
			if isWrite {
				return ior.ops.Write(addr-ior.base, data)
			}
			return ior.ops.Read(addr-ior.base, data)
		}
	}
	return fmt.Errorf("%w: no IO region for [%#x, +%#x)", ErrOutOfBounds, addr, len(data))
}

// RAMRanges returns a copy of the flattened RAM view.
func (as *AddressSpace) RAMRanges() []FlatRange {
	as.mu.RLock()
	defer as.mu.RUnlock()

	out := make([]FlatRange, len(as.ram))
	copy(out, as.ram)
	return out
}

// RAMSize returns the total number of RAM bytes mapped into the space.
func (as *AddressSpace) RAMSize() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	var total uint64
	for _, fr := range as.ram {
		total += fr.Size
	}
	return total
}

// MemoryEndAddress returns the first address above the highest RAM range.
func (as *AddressSpace) MemoryEndAddress() uint64 {
	as.mu.RLock()
	defer as.mu.RUnlock()

	var end uint64
	for _, fr := range as.ram {
		if fr.Base+fr.Size > end {
			end = fr.Base + fr.Size
		}
	}
	return end
}

// ReadObject reads a fixed-layout value of type T from guest memory. T must
// only contain fixed-size fields so its wire size is well defined; all
// multi-byte fields are read little-endian.
func ReadObject[T any](as *AddressSpace, addr uint64) (T, error) {
	var v T
	size := binary.Size(v)
	if size < 0 {
		return v, fmt.Errorf("memory: type %T has no fixed wire size", v)
	}
	buf := make([]byte, size)
	if err := as.Read(buf, addr); err != nil {
		return v, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("memory: decode %T at %#x: %w", v, addr, err)
	}
	return v, nil
}

// WriteObject writes a fixed-layout value of type T to guest memory with
// little-endian multi-byte fields.
func WriteObject[T any](as *AddressSpace, v T, addr uint64) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("memory: encode %T at %#x: %w", v, addr, err)
	}
	return as.Write(buf.Bytes(), addr)
}
