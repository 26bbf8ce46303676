//go:build linux && amd64

package machine

import (
	"fmt"

	boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/kvm"
)

const (
	archCpuInfoName     = "x86"
	archHotpluggableCPU = "host-x86-cpu"
)

// Control register and EFER bits programmed at realize.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// CPUBootConfig is the x86_64 register state derived from the boot layout.
type CPUBootConfig struct {
	BootIP   uint64
	BootSP   uint64
	ZeroPage uint64

	CodeSegment boot.GdtSegment
	DataSegment boot.GdtSegment
	GdtBase     uint64
	GdtSize     uint16
	IdtBase     uint64
	IdtSize     uint16

	Pml4Start uint64
}

func kvmSegmentFrom(seg boot.GdtSegment) kvm.Segment {
	return kvm.Segment{
		Base:     seg.Base,
		Limit:    seg.Limit,
		Selector: seg.Selector,
		Type:     seg.Type,
		Present:  seg.Present,
		Dpl:      seg.Dpl,
		Db:       seg.Db,
		S:        seg.S,
		L:        seg.L,
		G:        seg.G,
		Avl:      seg.Avl,
	}
}

// applyBootConfig programs the vCPU for a 64-bit Linux handoff: long mode
// with paging on, flat segments from the boot GDT, and the zero page
// address in RSI.
func (c *CPU) applyBootConfig() error {
	cfg := c.boot

	sregs, err := c.vcpu.GetSRegs()
	if err != nil {
		return err
	}

	code := kvmSegmentFrom(cfg.CodeSegment)
	data := kvmSegmentFrom(cfg.DataSegment)

	sregs.Cs = code
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data
	sregs.Gdt = kvm.DTable{Base: cfg.GdtBase, Limit: cfg.GdtSize}
	sregs.Idt = kvm.DTable{Base: cfg.IdtBase, Limit: cfg.IdtSize}

	sregs.Cr3 = cfg.Pml4Start
	sregs.Cr4 |= cr4PAE
	sregs.Cr0 |= cr0PE | cr0PG
	sregs.Efer |= eferLME | eferLMA

	if err := c.vcpu.SetSRegs(&sregs); err != nil {
		return err
	}

	regs := kvm.Regs{
		Rip:    cfg.BootIP,
		Rsp:    cfg.BootSP,
		Rbp:    cfg.BootSP,
		Rsi:    cfg.ZeroPage,
		Rflags: 0x2, // reserved bit
	}
	if err := c.vcpu.SetRegs(&regs); err != nil {
		return err
	}

	return nil
}

// MPIDR is only meaningful on ARM64.
func (c *CPU) MPIDR() (uint64, error) {
	return 0, fmt.Errorf("machine: MPIDR is not available on x86_64")
}
