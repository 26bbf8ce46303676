package machine

import (
	amd64boot "github.com/tinyrange/microvm/internal/boot/amd64"
	arm64boot "github.com/tinyrange/microvm/internal/boot/arm64"
)

// X86RamRanges splits the configured memory size around the sub-4-GiB
// device window: RAM covers [0, min(gap, size)) and, when the size exceeds
// the window start, continues at 4 GiB. The two ranges always sum to
// exactly the configured size.
func X86RamRanges(memSize uint64) [][2]uint64 {
	gapStart := amd64boot.MemMappedIOBase

	low := memSize
	if low > gapStart {
		low = gapStart
	}
	ranges := [][2]uint64{{0, low}}

	if memSize > gapStart {
		gapEnd := gapStart + amd64boot.MemMappedIOSize
		ranges = append(ranges, [2]uint64{gapEnd, memSize - gapStart})
	}
	return ranges
}

// Arm64RamRanges places all RAM contiguously at the DRAM base.
func Arm64RamRanges(memSize uint64) [][2]uint64 {
	return [][2]uint64{{arm64boot.DRAMBase, memSize}}
}
