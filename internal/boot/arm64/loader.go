// Package arm64 places a Linux ARM64 Image, its initrd and the device tree
// slot into guest memory and derives the register state for an EL1 handoff.
package arm64

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/tinyrange/microvm/internal/memory"
)

const (
	// DRAMBase is where guest RAM starts on this machine type.
	DRAMBase uint64 = 1 << 31
	// MemMappedIOBase is the device window below RAM.
	MemMappedIOBase uint64 = 1 << 30

	// kernelTextOffset is where the Image is placed relative to the start of
	// RAM, per the ARM64 boot protocol's text_offset default.
	kernelTextOffset uint64 = 0x8_0000

	// dtbAlignment keeps the device tree clear of the kernel's BSS; the
	// reserved slot starts at the next 2 MiB boundary after the image.
	dtbAlignment uint64 = 0x20_0000

	// FdtMaxSize bounds the blob the machine may write into the reserved
	// slot.
	FdtMaxSize uint64 = 0x1_0000

	imageHeaderSize = 64
	imageMagic      = 0x644d5241 // "ARM\x64"
	pageMask        = ^uint64(0xfff)
)

// BootLoaderConfig carries the inputs of the ARM64 layout build.
type BootLoaderConfig struct {
	Kernel     string
	Initrd     string
	InitrdSize uint32
}

// BootLayout reports where the builder placed everything. The device tree
// itself is authored by the machine, which knows the device list; only the
// slot is reserved here.
type BootLayout struct {
	KernelStart uint64
	DtbStart    uint64
	InitrdStart uint64
}

// Load copies the kernel Image and initrd into guest RAM and reserves the
// device tree slot. On error guest memory is undefined and the machine must
// not be started.
func Load(cfg *BootLoaderConfig, space *memory.AddressSpace) (*BootLayout, error) {
	data, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return nil, fmt.Errorf("read kernel image: %w", err)
	}
	if len(data) < imageHeaderSize {
		return nil, errors.New("kernel image too small for ARM64 Image header")
	}
	if binary.LittleEndian.Uint32(data[56:]) != imageMagic {
		return nil, errors.New("unsupported kernel format: missing ARM64 Image magic")
	}

	textOffset := binary.LittleEndian.Uint64(data[8:])
	if textOffset == 0 {
		textOffset = kernelTextOffset
	}

	kernelStart := DRAMBase + textOffset
	if err := space.Write(data, kernelStart); err != nil {
		return nil, fmt.Errorf("write kernel image: %w", err)
	}

	memSize := space.RAMSize()

	var initrdStart uint64
	if cfg.InitrdSize != 0 {
		initrdStart = (DRAMBase + memSize - uint64(cfg.InitrdSize)) & pageMask
		initrdData, err := os.ReadFile(cfg.Initrd)
		if err != nil {
			return nil, fmt.Errorf("read initrd: %w", err)
		}
		if uint64(len(initrdData)) != uint64(cfg.InitrdSize) {
			return nil, fmt.Errorf("initrd size changed: have %d bytes, config says %d", len(initrdData), cfg.InitrdSize)
		}
		if err := space.Write(initrdData, initrdStart); err != nil {
			return nil, fmt.Errorf("write initrd: %w", err)
		}
	}

	kernelEnd := kernelStart + uint64(len(data))
	dtbStart := (kernelEnd + dtbAlignment - 1) &^ (dtbAlignment - 1)
	if dtbStart+FdtMaxSize > DRAMBase+memSize {
		return nil, fmt.Errorf("no room for device tree at %#x", dtbStart)
	}
	if initrdStart != 0 && dtbStart+FdtMaxSize > initrdStart {
		return nil, fmt.Errorf("device tree slot at %#x overlaps initrd at %#x", dtbStart, initrdStart)
	}

	return &BootLayout{
		KernelStart: kernelStart,
		DtbStart:    dtbStart,
		InitrdStart: initrdStart,
	}, nil
}
