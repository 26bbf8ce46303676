//go:build linux

package kvm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/microvm/internal/memory"
)

// MemoryListener mirrors the flattened RAM view of an address space into KVM
// memory slots. It is registered with memory.AddressSpace.RegisterListener so
// every topology change is reflected into the kernel before it becomes
// visible to readers.
type MemoryListener struct {
	vm *VM

	mu       sync.Mutex
	maxSlots int
	slots    map[uint32]memory.FlatRange
}

// NewMemoryListener creates a listener installing slots into vm.
func NewMemoryListener(vm *VM, maxSlots int) *MemoryListener {
	return &MemoryListener{
		vm:       vm,
		maxSlots: maxSlots,
		slots:    make(map[uint32]memory.FlatRange),
	}
}

// AddRange implements memory.Listener.
func (l *MemoryListener) AddRange(fr memory.FlatRange) error {
	if fr.Mem == nil {
		return fmt.Errorf("kvm: RAM range [%#x, +%#x) has no host backing", fr.Base, fr.Size)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var slot uint32
	for {
		if _, used := l.slots[slot]; !used {
			break
		}
		slot++
	}
	if int(slot) >= l.maxSlots {
		return fmt.Errorf("kvm: out of memory slots (max %d)", l.maxSlots)
	}

	host := fr.Mem.Bytes()[fr.Offset:]
	if err := l.vm.SetUserMemoryRegion(slot, fr.Base, fr.Size, uintptr(unsafe.Pointer(&host[0]))); err != nil {
		return err
	}

	l.slots[slot] = fr
	return nil
}

// DelRange implements memory.Listener.
func (l *MemoryListener) DelRange(fr memory.FlatRange) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for slot, cur := range l.slots {
		if cur == fr {
			// A zero-size update removes the slot.
			if err := l.vm.SetUserMemoryRegion(slot, fr.Base, 0, 0); err != nil {
				return err
			}
			delete(l.slots, slot)
			return nil
		}
	}
	return fmt.Errorf("kvm: no slot for RAM range [%#x, +%#x)", fr.Base, fr.Size)
}

var (
	_ memory.Listener = &MemoryListener{}
)
