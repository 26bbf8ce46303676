package amd64

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/microvm/internal/memory"
)

// Fixed low-memory layout of the boot path. The zero page, command line,
// descriptor tables and identity-map page tables all live below the 1 MiB
// kernel load address.
const (
	ZeroPageStart   uint64 = 0x0000_7000
	CmdlineStart    uint64 = 0x0002_0000
	KernelLoadAddr  uint64 = 0x0010_0000
	BootLoaderSP    uint64 = 0x0000_8ff0
	bootGdtOffset   uint64 = 0x0000_0500
	bootIdtOffset   uint64 = 0x0000_0520
	bootPml4Start   uint64 = 0x0000_9000
	bootPdptStart   uint64 = 0x0000_a000
	bootPdeStart    uint64 = 0x0000_b000
	initrdAddrMax   uint64 = 0xffff_ffff
	ebdaStart       uint64 = 0x0009_fc00
	ebdaSize        uint64 = 0x0000_0400
	biosRegionStart uint64 = 0x000f_0000

	// MemMappedIOBase is where the sub-4-GiB device window starts; RAM above
	// it is pushed past 4 GiB.
	MemMappedIOBase uint64 = (1 << 32) - MemMappedIOSize
	// MemMappedIOSize is the size of the device window.
	MemMappedIOSize uint64 = 768 << 20

	pageMask uint64 = 0xffff_f000
)

// BootLoaderConfig carries everything the builder needs to materialize a
// bootable image layout in guest memory.
type BootLoaderConfig struct {
	// Kernel is the path of the ELF or bzImage kernel.
	Kernel string
	// Initrd optionally names an initial ramdisk; InitrdSize is its byte
	// length as measured by the caller.
	Initrd     string
	InitrdSize uint32
	// KernelCmdline holds the command line without a trailing NUL; the
	// builder appends one when it writes the line into guest memory.
	KernelCmdline string
	// CPUCount is reported for layouts that encode topology.
	CPUCount uint8
}

// BootLayout is the immutable result of a successful build: the addresses
// vCPU realization programs into the architectural state.
type BootLayout struct {
	BootIP       uint64
	BootSP       uint64
	ZeroPageAddr uint64
	InitrdStart  uint64
	Segments     BootGdtSegments
	BootPml4Addr uint64
}

// initrdAddress picks the highest page-aligned address that keeps the whole
// initrd below both the end of RAM and the 32-bit limit the boot protocol
// imposes.
func initrdAddress(initrdSize uint32, space *memory.AddressSpace) (uint64, error) {
	if initrdSize == 0 {
		return 0, nil
	}
	end := space.MemoryEndAddress()
	if end > initrdAddrMax+1 {
		end = initrdAddrMax + 1
	}
	if end <= uint64(initrdSize) {
		return 0, fmt.Errorf("initrd of %#x bytes does not fit below %#x", initrdSize, end)
	}
	return (end - uint64(initrdSize)) & pageMask, nil
}

// buildE820 fills the zero page memory map. Entries are emitted in ascending
// base order and never overlap: conventional low memory, the EBDA and BIOS
// reservations, RAM up to the device window, and any remainder above 4 GiB.
func buildE820(bp *BootParams, memSize uint64) {
	bp.AddE820Entry(0, ebdaStart, E820RAM)
	bp.AddE820Entry(ebdaStart, ebdaSize, E820Reserved)
	bp.AddE820Entry(biosRegionStart, 0, E820Reserved)

	gapStart := MemMappedIOBase
	low := memSize
	if low > gapStart {
		low = gapStart
	}
	bp.AddE820Entry(KernelLoadAddr, low-KernelLoadAddr, E820RAM)

	if memSize > gapStart {
		bp.AddE820Entry(1<<32, memSize-gapStart, E820RAM)
	}
}

// SetupBootParams writes the kernel command line and the zero page into guest
// memory and returns the zero page and initrd addresses.
func SetupBootParams(cfg *BootLoaderConfig, space *memory.AddressSpace) (uint64, uint64, error) {
	initrdAddr, err := initrdAddress(cfg.InitrdSize, space)
	if err != nil {
		return 0, 0, err
	}

	cmdline := append([]byte(cfg.KernelCmdline), 0)
	if err := space.Write(cmdline, CmdlineStart); err != nil {
		return 0, 0, fmt.Errorf("write kernel command line: %w", err)
	}

	header := NewRealModeKernelHeader(
		uint32(CmdlineStart),
		uint32(len(cfg.KernelCmdline))+1,
		uint32(initrdAddr),
		cfg.InitrdSize,
	)

	bp := BootParams{KernelHeader: header}
	buildE820(&bp, space.RAMSize())

	if err := memory.WriteObject(space, bp, ZeroPageStart); err != nil {
		return 0, 0, fmt.Errorf("write zero page: %w", err)
	}

	return ZeroPageStart, initrdAddr, nil
}

// setupGdt writes the descriptor tables and returns the unpacked code and
// data segments.
func setupGdt(space *memory.AddressSpace) (BootGdtSegments, error) {
	gdtTable := []uint64{
		gdtEntry(0, 0, 0),            // NULL
		gdtEntry(0xa09b, 0, 0xfffff), // CODE
		gdtEntry(0xc093, 0, 0xfffff), // DATA
	}

	buf := make([]byte, len(gdtTable)*8)
	for i, entry := range gdtTable {
		binary.LittleEndian.PutUint64(buf[i*8:], entry)
	}
	if err := space.Write(buf, bootGdtOffset); err != nil {
		return BootGdtSegments{}, fmt.Errorf("write GDT: %w", err)
	}

	// The IDT is a single zero entry: interrupts stay off until the kernel
	// installs its own.
	idt := make([]byte, 8)
	if err := space.Write(idt, bootIdtOffset); err != nil {
		return BootGdtSegments{}, fmt.Errorf("write IDT: %w", err)
	}

	return BootGdtSegments{
		CodeSegment: segmentFromGdt(gdtTable[1], 1<<3),
		DataSegment: segmentFromGdt(gdtTable[2], 2<<3),
		GdtBase:     bootGdtOffset,
		GdtLimit:    uint16(len(gdtTable)*8 - 1),
		IdtBase:     bootIdtOffset,
		IdtLimit:    uint16(len(idt) - 1),
	}, nil
}

// setupPageTables identity maps the first GiB with 2 MiB pages so the kernel
// can be entered in long mode.
func setupPageTables(space *memory.AddressSpace) (uint64, error) {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], bootPdptStart|3)
	if err := space.Write(buf[:], bootPml4Start); err != nil {
		return 0, fmt.Errorf("write PML4: %w", err)
	}

	binary.LittleEndian.PutUint64(buf[:], bootPdeStart|3)
	if err := space.Write(buf[:], bootPdptStart); err != nil {
		return 0, fmt.Errorf("write PDPT: %w", err)
	}

	pde := make([]byte, 512*8)
	for i := uint64(0); i < 512; i++ {
		binary.LittleEndian.PutUint64(pde[i*8:], i<<21|0x83)
	}
	if err := space.Write(pde, bootPdeStart); err != nil {
		return 0, fmt.Errorf("write PDE: %w", err)
	}

	return bootPml4Start, nil
}

// loadKernelImage copies the kernel into guest memory and returns the guest
// address of its first instruction.
func loadKernelImage(path string, space *memory.AddressSpace) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open kernel image: %w", err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return 0, fmt.Errorf("read kernel magic: %w", err)
	}

	if magic == [4]byte{0x7f, 'E', 'L', 'F'} {
		return loadELF(f, space)
	}
	return loadBzImage(f, space)
}

func loadELF(f *os.File, space *memory.AddressSpace) (uint64, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, fmt.Errorf("parse ELF kernel: %w", err)
	}
	defer ef.Close()

	if ef.Machine != elf.EM_X86_64 {
		return 0, fmt.Errorf("unsupported ELF machine %d (want x86_64)", ef.Machine)
	}

	loaded := false
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := io.ReadFull(prog.Open(), data); err != nil {
				return 0, fmt.Errorf("read ELF segment at %#x: %w", prog.Off, err)
			}
		}
		if prog.Memsz > prog.Filesz {
			data = append(data, make([]byte, prog.Memsz-prog.Filesz)...)
		}
		if err := space.Write(data, prog.Paddr); err != nil {
			return 0, fmt.Errorf("write ELF segment at %#x: %w", prog.Paddr, err)
		}
		loaded = true
	}
	if !loaded {
		return 0, errors.New("ELF kernel has no loadable segments")
	}
	if ef.Entry == 0 {
		return 0, errors.New("ELF kernel entry point is zero")
	}
	return ef.Entry, nil
}

const (
	bzMagicOffset   = 0x202
	bzSetupSectsOff = 0x1f1
	bzXLoadFlagsOff = 0x236
)

func loadBzImage(f *os.File, space *memory.AddressSpace) (uint64, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, fmt.Errorf("read bzImage kernel: %w", err)
	}
	if len(data) < bzMagicOffset+4 {
		return 0, errors.New("kernel image too small")
	}
	if binary.LittleEndian.Uint32(data[bzMagicOffset:]) != headerMagic {
		return 0, errors.New("unsupported kernel format: no ELF or HdrS signature")
	}
	if binary.LittleEndian.Uint16(data[bzXLoadFlagsOff:])&0x1 == 0 {
		return 0, errors.New("bzImage kernel does not advertise a 64-bit entry")
	}

	setupSects := int(data[bzSetupSectsOff])
	if setupSects == 0 {
		setupSects = 4
	}
	payloadOffset := 512 * (1 + setupSects)
	if payloadOffset >= len(data) {
		return 0, fmt.Errorf("bzImage payload offset %d exceeds image size %d", payloadOffset, len(data))
	}

	if err := space.Write(data[payloadOffset:], KernelLoadAddr); err != nil {
		return 0, fmt.Errorf("write bzImage payload: %w", err)
	}

	// The 64-bit entry point sits 0x200 bytes into the protected-mode
	// payload.
	return KernelLoadAddr + 0x200, nil
}

func loadInitrd(cfg *BootLoaderConfig, space *memory.AddressSpace, initrdAddr uint64) error {
	if cfg.InitrdSize == 0 {
		return nil
	}
	data, err := os.ReadFile(cfg.Initrd)
	if err != nil {
		return fmt.Errorf("read initrd: %w", err)
	}
	if uint64(len(data)) != uint64(cfg.InitrdSize) {
		return fmt.Errorf("initrd size changed: have %d bytes, config says %d", len(data), cfg.InitrdSize)
	}
	if err := space.Write(data, initrdAddr); err != nil {
		return fmt.Errorf("write initrd: %w", err)
	}
	return nil
}

// Load materializes the full boot layout in guest memory. On error the guest
// memory contents are undefined and the machine must not be started.
func Load(cfg *BootLoaderConfig, space *memory.AddressSpace) (*BootLayout, error) {
	bootIP, err := loadKernelImage(cfg.Kernel, space)
	if err != nil {
		return nil, err
	}

	zeroPageAddr, initrdAddr, err := SetupBootParams(cfg, space)
	if err != nil {
		return nil, err
	}

	if err := loadInitrd(cfg, space, initrdAddr); err != nil {
		return nil, err
	}

	segments, err := setupGdt(space)
	if err != nil {
		return nil, err
	}

	pml4, err := setupPageTables(space)
	if err != nil {
		return nil, err
	}

	return &BootLayout{
		BootIP:       bootIP,
		BootSP:       BootLoaderSP,
		ZeroPageAddr: zeroPageAddr,
		InitrdStart:  initrdAddr,
		Segments:     segments,
		BootPml4Addr: pml4,
	}, nil
}
