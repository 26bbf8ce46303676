// Package amd64 builds the Linux/x86_64 boot layout: kernel image placement,
// the real-mode kernel header and zero page, the E820 memory map, and the
// descriptor tables and page tables required for a 64-bit handoff.
//
// Structure layouts follow the documented Linux boot protocol:
// https://www.kernel.org/doc/html/latest/x86/boot.html
// https://www.kernel.org/doc/html/latest/x86/zero-page.html
package amd64

const (
	// E820RAM and E820Reserved are the memory map entry types the guest
	// kernel understands for usable and reserved ranges.
	E820RAM      uint32 = 1
	E820Reserved uint32 = 2

	// E820MaxEntries bounds the table embedded in the zero page.
	E820MaxEntries = 128
)

// RealModeKernelHeader is the boot protocol header embedded in the zero page
// at offset 0x1f1. All multi-byte fields are little-endian on the wire.
type RealModeKernelHeader struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	RealmodeSwtch       uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XLoadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

const (
	headerBootFlag    = 0xaa55
	headerMagic       = 0x53726448 // "HdrS"
	typeOfLoaderOther = 0xff
)

// NewRealModeKernelHeader fills the fields a boot loader is responsible for,
// leaving everything else zero.
func NewRealModeKernelHeader(cmdlinePtr, cmdlineSize, ramdiskImage, ramdiskSize uint32) RealModeKernelHeader {
	return RealModeKernelHeader{
		BootFlag:     headerBootFlag,
		Header:       headerMagic,
		TypeOfLoader: typeOfLoaderOther,
		CmdlinePtr:   cmdlinePtr,
		CmdlineSize:  cmdlineSize,
		RamdiskImage: ramdiskImage,
		RamdiskSize:  ramdiskSize,
	}
}

// E820Entry is one BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParams is the boot_params "zero page" the kernel reads at entry. The
// field ordering reproduces the documented layout byte for byte: the kernel
// header lands at offset 0x1f1, the entry count at 0x1e8 and the E820 table
// at 0x2d0.
type BootParams struct {
	ScreenInfo          [0x40]uint8
	ApmBiosInfo         [0x14]uint8
	Pad1                uint32
	TbootAddr           [0x8]uint8
	IstInfo             [0x10]uint8
	Pad2                [0x10]uint8
	Hd0Info             [0x10]uint8
	Hd1Info             [0x10]uint8
	SysDescTable        [0x10]uint8
	OlpcOfwHeader       [0x10]uint8
	ExtRamdiskImage     uint32
	ExtRamdiskSize      uint32
	ExtCmdLinePtr       uint32
	Pad3                [0x74]uint8
	EdidInfo            [0x80]uint8
	EfiInfo             [0x20]uint8
	AltMemK             uint32
	Scratch             uint32
	E820Entries         uint8
	EddbufEntries       uint8
	EddMbrSigBufEntries uint8
	KbdStatus           uint8
	SecureBoot          uint8
	Pad4                uint16
	Sentinel            uint8
	Pad5                uint8
	KernelHeader        RealModeKernelHeader // offset 0x1f1
	Pad6                [0x24]uint8
	EddMbrSigBuffer     [0x40]uint8
	E820Table           [E820MaxEntries]E820Entry // offset 0x2d0
	Pad8                [0x30]uint8
	Eddbuf              [0x1ec]uint8
}

// AddE820Entry appends one memory map entry.
func (bp *BootParams) AddE820Entry(addr, size uint64, entryType uint32) {
	bp.E820Table[bp.E820Entries] = E820Entry{Addr: addr, Size: size, Type: entryType}
	bp.E820Entries++
}
