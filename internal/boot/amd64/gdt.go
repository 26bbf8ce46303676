package amd64

// gdtEntry packs a flat segment descriptor the way the CPU reads it out of
// the GDT: flags carries the access byte in bits 0..7 and the granularity
// nibble in bits 12..15.
func gdtEntry(flags uint16, base uint32, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<32 |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<32 |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

// GdtSegment is the unpacked view of one descriptor, carried in the boot
// layout so vCPU realization can program the segment register caches without
// re-parsing guest memory.
type GdtSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	Dpl      uint8
	Db       uint8
	S        uint8
	L        uint8
	G        uint8
	Avl      uint8
}

func segmentFromGdt(entry uint64, selector uint16) GdtSegment {
	base := (entry>>16)&0x00ffffff | (entry>>56&0xff)<<24
	limit := uint32(entry&0xffff) | uint32(entry>>48&0xf)<<16
	flags := uint16(entry>>40) & 0xf0ff

	return GdtSegment{
		Base:     base,
		Limit:    limit,
		Selector: selector,
		Type:     uint8(flags & 0xf),
		Present:  uint8(flags >> 7 & 1),
		Dpl:      uint8(flags >> 5 & 3),
		Db:       uint8(flags >> 14 & 1),
		S:        uint8(flags >> 4 & 1),
		L:        uint8(flags >> 13 & 1),
		G:        uint8(flags >> 15 & 1),
		Avl:      uint8(flags >> 12 & 1),
	}
}

// BootGdtSegments holds the descriptor tables and the code/data segments the
// first instructions run with.
type BootGdtSegments struct {
	CodeSegment GdtSegment
	DataSegment GdtSegment
	GdtBase     uint64
	GdtLimit    uint16
	IdtBase     uint64
	IdtLimit    uint16
}
