package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// HostMemMapping is an anonymous host mapping backing one RAM region. It
// remembers the guest physical address it was created for so the flat view
// and the hypervisor listeners can translate without extra bookkeeping.
type HostMemMapping struct {
	guestAddr uint64
	mem       []byte
}

// NewHostMemMapping maps size bytes of anonymous memory for guest physical
// address guestAddr. With omitInit set the mapping is created MAP_NORESERVE
// so short-lived guests do not pay for up-front backing.
func NewHostMemMapping(guestAddr, size uint64, omitInit bool) (*HostMemMapping, error) {
	if size == 0 {
		return nil, fmt.Errorf("memory: zero-size host mapping for GPA %#x", guestAddr)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("memory: mapping size %#x exceeds host address limit", size)
	}

	flags := unix.MAP_ANONYMOUS | unix.MAP_PRIVATE
	if omitInit {
		flags |= unix.MAP_NORESERVE
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %#x bytes: %w", size, err)
	}

	return &HostMemMapping{guestAddr: guestAddr, mem: mem}, nil
}

// GuestAddr returns the guest physical base this mapping was created for.
func (m *HostMemMapping) GuestAddr() uint64 { return m.guestAddr }

// Size returns the mapping length in bytes.
func (m *HostMemMapping) Size() uint64 { return uint64(len(m.mem)) }

// Bytes exposes the raw host backing.
func (m *HostMemMapping) Bytes() []byte { return m.mem }

// Close unmaps the host memory. The mapping must no longer be registered
// with any hypervisor slot.
func (m *HostMemMapping) Close() error {
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("memory: munmap: %w", err)
	}
	return nil
}

// CreateHostMmaps maps one host mapping per (guestAddr, size) range. On any
// failure the mappings created so far are released.
func CreateHostMmaps(ranges [][2]uint64, omitInit bool) ([]*HostMemMapping, error) {
	var mappings []*HostMemMapping
	for _, r := range ranges {
		m, err := NewHostMemMapping(r[0], r[1], omitInit)
		if err != nil {
			for _, prev := range mappings {
				prev.Close()
			}
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}
