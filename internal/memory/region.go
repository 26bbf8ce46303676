// Package memory implements the guest physical address space as a tree of
// regions rooted at a container. RAM regions are backed by host mappings,
// IO regions trap into device handlers, and containers only group children.
package memory

import (
	"fmt"
	"sort"
	"sync"
)

// RegionKind discriminates the three region flavours.
type RegionKind int

const (
	RegionContainer RegionKind = iota
	RegionRAM
	RegionIO
)

func (k RegionKind) String() string {
	switch k {
	case RegionContainer:
		return "container"
	case RegionRAM:
		return "ram"
	case RegionIO:
		return "io"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// IOHandler receives trapped accesses to an IO region. The offset is relative
// to the region base.
type IOHandler interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

// Region is a node in the address space tree. Regions are shared-owned:
// devices may keep references to the region they were attached with, the
// tree keeps its own. A region only gains an absolute address once it is
// added below a parent with AddSubregion.
type Region struct {
	kind    RegionKind
	size    uint64
	hostMem *HostMemMapping
	ops     IOHandler

	mu       sync.Mutex
	children []*child
}

type child struct {
	offset uint64
	region *Region
}

// NewContainerRegion creates a region that only groups subregions.
func NewContainerRegion(size uint64) *Region {
	return &Region{kind: RegionContainer, size: size}
}

// NewRAMRegion creates a region backed by a host memory mapping.
func NewRAMRegion(mem *HostMemMapping) *Region {
	return &Region{kind: RegionRAM, size: mem.Size(), hostMem: mem}
}

// NewIORegion creates a trapped region dispatching to ops.
func NewIORegion(size uint64, ops IOHandler) *Region {
	return &Region{kind: RegionIO, size: size, ops: ops}
}

// Kind returns the region flavour.
func (r *Region) Kind() RegionKind { return r.kind }

// Size returns the region size in bytes.
func (r *Region) Size() uint64 { return r.size }

// HostMemory returns the backing mapping of a RAM region, or nil.
func (r *Region) HostMemory() *HostMemMapping { return r.hostMem }

// addChild inserts a subregion sorted by offset. RAM and IO siblings of the
// same kind must not overlap.
func (r *Region) addChild(sub *Region, offset uint64) error {
	if r.kind != RegionContainer {
		return fmt.Errorf("memory: region of kind %s cannot hold subregions", r.kind)
	}
	if offset+sub.size < offset {
		return fmt.Errorf("memory: subregion [%#x, +%#x) overflows", offset, sub.size)
	}
	if offset+sub.size > r.size {
		return fmt.Errorf("memory: subregion [%#x, %#x) exceeds container size %#x",
			offset, offset+sub.size, r.size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.children {
		if c.region.kind != sub.kind {
			continue
		}
		if offset < c.offset+c.region.size && c.offset < offset+sub.size {
			return fmt.Errorf("%w: [%#x, %#x) overlaps sibling [%#x, %#x)", ErrOverlap,
				offset, offset+sub.size, c.offset, c.offset+c.region.size)
		}
	}

	r.children = append(r.children, &child{offset: offset, region: sub})
	sort.Slice(r.children, func(i, j int) bool {
		return r.children[i].offset < r.children[j].offset
	})
	return nil
}

func (r *Region) removeChild(sub *Region) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.children {
		if c.region == sub {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return true
		}
	}
	return false
}

// walk visits the tree depth-first, reporting the absolute base of every
// region below base.
func (r *Region) walk(base uint64, visit func(base uint64, reg *Region)) {
	visit(base, r)

	r.mu.Lock()
	children := make([]*child, len(r.children))
	copy(children, r.children)
	r.mu.Unlock()

	for _, c := range children {
		c.region.walk(base+c.offset, visit)
	}
}
