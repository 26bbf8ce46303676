package amd64

import (
	"testing"

	"github.com/tinyrange/microvm/internal/memory"
)

func newBootSpace(t *testing.T, ramSize uint64) *memory.AddressSpace {
	t.Helper()

	root := memory.NewContainerRegion(1 << 40)
	space, err := memory.NewAddressSpace(root)
	if err != nil {
		t.Fatalf("new address space: %v", err)
	}

	mem, err := memory.NewHostMemMapping(0, ramSize, false)
	if err != nil {
		t.Fatalf("host mapping: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	if err := space.AddSubregion(root, memory.NewRAMRegion(mem), 0); err != nil {
		t.Fatalf("add RAM: %v", err)
	}
	return space
}

func TestSetupBootParams(t *testing.T) {
	space := newBootSpace(t, 0x1000_0000)

	cfg := &BootLoaderConfig{
		Initrd:        "initrd",
		InitrdSize:    0x1_0000,
		KernelCmdline: "this_is_a_piece_of_test_string",
		CPUCount:      2,
	}

	zeroPageAddr, initrdAddr, err := SetupBootParams(cfg, space)
	if err != nil {
		t.Fatalf("setup boot params: %v", err)
	}
	if zeroPageAddr != 0x7000 {
		t.Fatalf("zero page at %#x, want 0x7000", zeroPageAddr)
	}
	if initrdAddr != 0x0fff_0000 {
		t.Fatalf("initrd at %#x, want 0x0fff_0000", initrdAddr)
	}

	zp, err := memory.ReadObject[BootParams](space, 0x7000)
	if err != nil {
		t.Fatalf("read zero page: %v", err)
	}

	if zp.E820Entries != 4 {
		t.Fatalf("e820 entries = %d, want 4", zp.E820Entries)
	}

	want := []E820Entry{
		{Addr: 0, Size: 0x0009_fc00, Type: E820RAM},
		{Addr: 0x0009_fc00, Size: 0x400, Type: E820Reserved},
		{Addr: 0x000f_0000, Size: 0, Type: E820Reserved},
		{Addr: 0x0010_0000, Size: 0x0ff0_0000, Type: E820RAM},
	}
	for i, w := range want {
		if zp.E820Table[i] != w {
			t.Fatalf("e820[%d] = %+v, want %+v", i, zp.E820Table[i], w)
		}
	}

	hdr := zp.KernelHeader
	if hdr.BootFlag != 0xaa55 {
		t.Fatalf("boot_flag = %#x, want 0xaa55", hdr.BootFlag)
	}
	if hdr.Header != 0x53726448 {
		t.Fatalf("header magic = %#x, want HdrS", hdr.Header)
	}
	if hdr.TypeOfLoader != 0xff {
		t.Fatalf("type_of_loader = %#x, want 0xff", hdr.TypeOfLoader)
	}
	if hdr.CmdlinePtr != uint32(CmdlineStart) {
		t.Fatalf("cmdline_ptr = %#x, want %#x", hdr.CmdlinePtr, CmdlineStart)
	}
	if hdr.CmdlineSize != uint32(len(cfg.KernelCmdline))+1 {
		t.Fatalf("cmdline_size = %d, want %d", hdr.CmdlineSize, len(cfg.KernelCmdline)+1)
	}
	if hdr.RamdiskImage != 0x0fff_0000 || hdr.RamdiskSize != 0x1_0000 {
		t.Fatalf("ramdisk = %#x/%#x, want 0x0fff_0000/0x1_0000", hdr.RamdiskImage, hdr.RamdiskSize)
	}

	// The command line lands NUL-terminated at its fixed slot.
	cmdline := make([]byte, len(cfg.KernelCmdline)+1)
	if err := space.Read(cmdline, CmdlineStart); err != nil {
		t.Fatalf("read cmdline: %v", err)
	}
	if string(cmdline[:len(cfg.KernelCmdline)]) != cfg.KernelCmdline || cmdline[len(cmdline)-1] != 0 {
		t.Fatalf("cmdline in memory = %q", cmdline)
	}
}

func TestZeroPageWireOffsets(t *testing.T) {
	space := newBootSpace(t, 0x1000_0000)

	cfg := &BootLoaderConfig{KernelCmdline: "console=ttyS0"}
	if _, _, err := SetupBootParams(cfg, space); err != nil {
		t.Fatalf("setup boot params: %v", err)
	}

	// The documented wire layout: boot_flag at 0x1f1+13, "HdrS" at 0x1f1+17,
	// the entry count at 0x1e8, the table at 0x2d0.
	raw := make([]byte, 0x2d0+20)
	if err := space.Read(raw, 0x7000); err != nil {
		t.Fatalf("read raw zero page: %v", err)
	}

	if raw[0x1fe] != 0x55 || raw[0x1ff] != 0xaa {
		t.Fatalf("boot_flag bytes = %#x %#x", raw[0x1fe], raw[0x1ff])
	}
	if string(raw[0x202:0x206]) != "HdrS" {
		t.Fatalf("header magic bytes = %q", raw[0x202:0x206])
	}
	if raw[0x1e8] != 4 {
		t.Fatalf("e820 count byte = %d, want 4", raw[0x1e8])
	}
	if raw[0x2d0] != 0 || raw[0x2d8] != 0 {
		t.Fatalf("first e820 entry base/size bytes not zero")
	}
}

func TestE820GapBoundaries(t *testing.T) {
	gap := MemMappedIOBase

	cases := []struct {
		memSize uint64
		entries uint8
		last    E820Entry
	}{
		{gap - 0x1000, 4, E820Entry{Addr: 0x10_0000, Size: gap - 0x1000 - 0x10_0000, Type: E820RAM}},
		{gap, 4, E820Entry{Addr: 0x10_0000, Size: gap - 0x10_0000, Type: E820RAM}},
		{gap + 0x1000, 5, E820Entry{Addr: 1 << 32, Size: 0x1000, Type: E820RAM}},
	}

	for _, tc := range cases {
		var bp BootParams
		buildE820(&bp, tc.memSize)
		if bp.E820Entries != tc.entries {
			t.Fatalf("mem %#x: entries = %d, want %d", tc.memSize, bp.E820Entries, tc.entries)
		}
		if got := bp.E820Table[bp.E820Entries-1]; got != tc.last {
			t.Fatalf("mem %#x: last entry = %+v, want %+v", tc.memSize, got, tc.last)
		}
		for i := 1; i < int(bp.E820Entries); i++ {
			prev, cur := bp.E820Table[i-1], bp.E820Table[i]
			if cur.Addr < prev.Addr {
				t.Fatalf("mem %#x: entries not sorted at %d", tc.memSize, i)
			}
			if prev.Addr+prev.Size > cur.Addr {
				t.Fatalf("mem %#x: entries overlap at %d", tc.memSize, i)
			}
		}
	}
}

func TestGdtSegments(t *testing.T) {
	space := newBootSpace(t, 0x100_0000)

	segs, err := setupGdt(space)
	if err != nil {
		t.Fatalf("setup gdt: %v", err)
	}

	code := segs.CodeSegment
	if code.Selector != 0x08 || code.L != 1 || code.Present != 1 || code.S != 1 {
		t.Fatalf("code segment = %+v", code)
	}
	data := segs.DataSegment
	if data.Selector != 0x10 || data.Db != 1 || data.Present != 1 {
		t.Fatalf("data segment = %+v", data)
	}
	if segs.GdtBase != 0x500 || segs.GdtLimit != 23 {
		t.Fatalf("gdt base/limit = %#x/%d", segs.GdtBase, segs.GdtLimit)
	}
	if segs.IdtBase != 0x520 || segs.IdtLimit != 7 {
		t.Fatalf("idt base/limit = %#x/%d", segs.IdtBase, segs.IdtLimit)
	}
}

func TestPageTables(t *testing.T) {
	space := newBootSpace(t, 0x100_0000)

	pml4, err := setupPageTables(space)
	if err != nil {
		t.Fatalf("setup page tables: %v", err)
	}
	if pml4 != 0x9000 {
		t.Fatalf("pml4 at %#x, want 0x9000", pml4)
	}

	ent, err := memory.ReadObject[uint64](space, 0x9000)
	if err != nil {
		t.Fatalf("read pml4[0]: %v", err)
	}
	if ent != 0xa000|3 {
		t.Fatalf("pml4[0] = %#x", ent)
	}

	pde0, err := memory.ReadObject[uint64](space, 0xb000)
	if err != nil {
		t.Fatalf("read pde[0]: %v", err)
	}
	if pde0 != 0x83 {
		t.Fatalf("pde[0] = %#x", pde0)
	}
	pde511, err := memory.ReadObject[uint64](space, 0xb000+511*8)
	if err != nil {
		t.Fatalf("read pde[511]: %v", err)
	}
	if pde511 != 511<<21|0x83 {
		t.Fatalf("pde[511] = %#x", pde511)
	}
}
