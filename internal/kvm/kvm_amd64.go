//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

func archVMType(kvmFd int) uint32 { return 0 }

const (
	kvmNrInterrupts    = 256
	kvmPitSpeakerDummy = 1
)

// Regs is the x86_64 general-purpose register file.
type Regs struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rsp    uint64
	Rbp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
}

// Segment mirrors the kernel's segment descriptor cache layout.
type Segment struct {
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
	Unusable uint8
	Padding  uint8
}

// DTable is a descriptor-table register (GDTR/IDTR).
type DTable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// SRegs is the x86_64 system register file.
type SRegs struct {
	Cs, Ds, Es, Fs, Gs, Ss Segment
	Tr, Ldt                Segment
	Gdt, Idt               DTable
	Cr0                    uint64
	Cr2                    uint64
	Cr3                    uint64
	Cr4                    uint64
	Cr8                    uint64
	Efer                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}

type kvmPitConfig struct {
	Flags uint32
	Pad   [15]uint32
}

type kvmCPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type kvmCPUID2 struct {
	Nr      uint32
	Padding uint32
}

// GetRegs reads the general-purpose registers.
func (c *VCpu) GetRegs() (Regs, error) {
	var regs Regs
	if _, err := ioctlWithRetry(uintptr(c.fd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return Regs{}, fmt.Errorf("kvm: get registers: %w", err)
	}
	return regs, nil
}

// SetRegs writes the general-purpose registers.
func (c *VCpu) SetRegs(regs *Regs) error {
	if _, err := ioctlWithRetry(uintptr(c.fd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs))); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}
	return nil
}

// GetSRegs reads the system registers.
func (c *VCpu) GetSRegs() (SRegs, error) {
	var sregs SRegs
	if _, err := ioctlWithRetry(uintptr(c.fd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return SRegs{}, fmt.Errorf("kvm: get special registers: %w", err)
	}
	return sregs, nil
}

// SetSRegs writes the system registers.
func (c *VCpu) SetSRegs(sregs *SRegs) error {
	if _, err := ioctlWithRetry(uintptr(c.fd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs))); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}
	return nil
}

// ArchInitVM performs x86 machine-level initialization: the in-kernel IRQ
// chip, the PIT with a dummy speaker port, and the TSS scratch range the
// kernel requires below the identity map.
func (vm *VM) ArchInitVM() error {
	if _, err := ioctlWithRetry(uintptr(vm.fd), uint64(kvmCreateIrqchip), 0); err != nil {
		return fmt.Errorf("kvm: create IRQ chip: %w", err)
	}

	if _, err := ioctlWithRetry(uintptr(vm.fd), uint64(kvmSetTssAddr), uintptr(0xfffbd000)); err != nil {
		return fmt.Errorf("kvm: set TSS address: %w", err)
	}

	cfg := kvmPitConfig{Flags: kvmPitSpeakerDummy}
	if _, err := ioctlWithRetry(uintptr(vm.fd), uint64(kvmCreatePit2), uintptr(unsafe.Pointer(&cfg))); err != nil {
		return fmt.Errorf("kvm: create PIT2: %w", err)
	}

	return nil
}

// ArchInitVCPU programs the supported CPUID leaves with the initial APIC ID
// rewritten to the vCPU index so the guest's topology matches ours.
func (c *VCpu) ArchInitVCPU(k *KVM, nrcpus int) error {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*255
	cpuidData := make([]byte, size)
	cpuid := (*kvmCPUID2)(unsafe.Pointer(&cpuidData[0]))
	cpuid.Nr = 255

	if _, err := ioctlWithRetry(uintptr(k.fd), kvmGetSupportedCpuid, uintptr(unsafe.Pointer(cpuid))); err != nil {
		return fmt.Errorf("kvm: KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	entries := unsafe.Slice((*kvmCPUIDEntry2)(unsafe.Pointer(uintptr(unsafe.Pointer(cpuid))+unsafe.Sizeof(*cpuid))), cpuid.Nr)
	for i := range entries {
		switch entries[i].Function {
		case 0x1:
			entries[i].Ebx &^= 0xFF000000
			entries[i].Ebx |= uint32(c.id) << 24
			entries[i].Ebx &^= 0x00FF0000
			entries[i].Ebx |= uint32(nrcpus) << 16
		case 0xB:
			entries[i].Edx = uint32(c.id)
		}
	}

	if _, err := ioctlWithRetry(uintptr(c.fd), uint64(kvmSetCpuid2), uintptr(unsafe.Pointer(cpuid))); err != nil {
		return fmt.Errorf("kvm: set vCPU %d CPUID: %w", c.id, err)
	}
	return nil
}
