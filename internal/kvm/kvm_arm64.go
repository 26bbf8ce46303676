//go:build linux && arm64

package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

func archVMType(kvmFd int) uint32 {
	// On hosts with a constrained IPA range (Apple silicon under Linux) VM
	// creation fails unless the supported size is passed as the machine type.
	cap, err := checkExtension(kvmFd, kvmCapArmVmIpaSize)
	if err != nil || cap < 0 {
		return 0
	}
	return uint32(cap)
}

const (
	kvmArmVcpuInitFeatureWords = 7
	kvmArmVcpuFeaturePsci02    = 2
)

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

type kvmOneReg struct {
	id   uint64
	addr uint64
}

const (
	kvmRegArm64       uint64 = 0x6000000000000000
	kvmRegSizeU64     uint64 = 0x0030000000000000
	kvmRegArmCore     uint64 = 0x0010 << 16
	kvmRegArm64SysReg uint64 = 0x0013 << 16

	sysRegOp0Shift = 14
	sysRegOp1Shift = 11
	sysRegCrnShift = 7
	sysRegCrmShift = 3
	sysRegOp2Shift = 0
)

func arm64SysReg(op0, op1, crn, crm, op2 uint64) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		op0<<sysRegOp0Shift | op1<<sysRegOp1Shift |
		crn<<sysRegCrnShift | crm<<sysRegCrmShift | op2<<sysRegOp2Shift
}

func arm64CoreRegister(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

var (
	// Core register IDs. The kvm_regs layout puts X0..X30, SP, PC and PSTATE
	// at consecutive 8-byte offsets.
	regIDPC     = arm64CoreRegister(32 * 8)
	regIDPstate = arm64CoreRegister(33 * 8)

	// MPIDR_EL1 (op0=3, op1=0, crn=0, crm=0, op2=5).
	regIDMpidr = arm64SysReg(3, 0, 0, 0, 5)
)

// RegIDCoreX returns the one-reg ID of general-purpose register Xn.
func RegIDCoreX(n int) uint64 {
	return arm64CoreRegister(uintptr(n) * 8)
}

// RegIDPC returns the one-reg ID of the program counter.
func RegIDPC() uint64 { return regIDPC }

// RegIDPstate returns the one-reg ID of PSTATE.
func RegIDPstate() uint64 { return regIDPstate }

func setOneReg(fd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{id: id, addr: uint64(uintptr(addr))}
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func getOneReg(fd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{id: id, addr: uint64(uintptr(addr))}
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

// SetOneReg writes a 64-bit register through the one-reg API.
func (c *VCpu) SetOneReg(id uint64, value uint64) error {
	if err := setOneReg(c.fd, id, unsafe.Pointer(&value)); err != nil {
		return fmt.Errorf("kvm: set one-reg %#x: %w", id, err)
	}
	return nil
}

// GetOneReg reads a 64-bit register through the one-reg API.
func (c *VCpu) GetOneReg(id uint64) (uint64, error) {
	var value uint64
	if err := getOneReg(c.fd, id, unsafe.Pointer(&value)); err != nil {
		return 0, fmt.Errorf("kvm: get one-reg %#x: %w", id, err)
	}
	return value, nil
}

// MPIDR reads the multiprocessor affinity register, the stable per-vCPU
// identity used in the device tree.
func (c *VCpu) MPIDR() (uint64, error) {
	return c.GetOneReg(regIDMpidr)
}

// ArchInitVCPU initializes the vCPU with the host's preferred target and
// PSCI 0.2 enabled so secondary CPUs can be brought online by the guest.
func (c *VCpu) ArchInitVCPU(k *KVM, nrcpus int) error {
	var init kvmVcpuInit
	if _, err := ioctlWithRetry(uintptr(c.vm.fd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("kvm: get preferred target: %w", err)
	}

	init.Features[kvmArmVcpuFeaturePsci02/32] |= 1 << (kvmArmVcpuFeaturePsci02 % 32)

	if _, err := ioctlWithRetry(uintptr(c.fd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("kvm: init vCPU %d: %w", c.id, err)
	}
	return nil
}

// GIC geometry used for the interrupt controller device and the device tree.
const (
	GICDistributorBase   = 0x08000000
	GICDistributorSize   = 0x00010000
	GICRedistributorBase = 0x080a0000
	GICRedistributorSize = 0x00020000
	GICv2DistributorSize = 0x00001000
	GICv2CpuBase         = 0x08010000
	GICv2CpuSize         = 0x00002000
	GICNumIRQs           = 192
)

// GICVersion reports which interrupt controller flavour was created.
type GICVersion int

const (
	GICVersionUnknown GICVersion = iota
	GICVersion2
	GICVersion3
)

// GIC is the in-kernel interrupt controller of an arm64 VM.
type GIC struct {
	Version GICVersion
	devFd   int
}

var errGICUnsupported = errors.New("kvm: VGIC device unsupported")

// CreateGIC creates a GICv3 device, falling back to GICv2 when the host does
// not support v3. Finalize must be called once all vCPUs exist.
func (vm *VM) CreateGIC() (*GIC, error) {
	gic, err := vm.createGICVersion(kvmDevTypeArmVgicV3, GICVersion3, kvmVgicV3AddrTypeDist, kvmVgicV3AddrTypeRedist, GICRedistributorBase)
	if err == nil {
		return gic, nil
	}
	if !errors.Is(err, errGICUnsupported) {
		return nil, err
	}
	return vm.createGICVersion(kvmDevTypeArmVgicV2, GICVersion2, kvmVgicV2AddrTypeDist, kvmVgicV2AddrTypeCpu, GICv2CpuBase)
}

func (vm *VM) createGICVersion(devType uint32, version GICVersion, distAttr, secondAttr uint64, secondBase uint64) (*GIC, error) {
	dev := kvmCreateDeviceArgs{Type: devType}
	if err := createDevice(vm.fd, &dev); err != nil {
		if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EOPNOTSUPP) {
			return nil, errGICUnsupported
		}
		return nil, fmt.Errorf("kvm: create VGIC device: %w", err)
	}

	gic := &GIC{Version: version, devFd: int(dev.Fd)}

	if err := setDeviceAttrU32(gic.devFd, kvmDevArmVgicGrpNrIrqs, 0, GICNumIRQs); err != nil {
		return nil, fmt.Errorf("kvm: set VGIC IRQ count: %w", err)
	}
	if err := setDeviceAttrU64(gic.devFd, kvmDevArmVgicGrpAddr, distAttr, GICDistributorBase); err != nil {
		return nil, fmt.Errorf("kvm: set VGIC distributor address: %w", err)
	}
	if err := setDeviceAttrU64(gic.devFd, kvmDevArmVgicGrpAddr, secondAttr, secondBase); err != nil {
		return nil, fmt.Errorf("kvm: set VGIC address: %w", err)
	}

	return gic, nil
}

// Finalize completes GIC initialization; the kernel requires at least one
// vCPU to exist first.
func (g *GIC) Finalize() error {
	if err := setDeviceAttr(g.devFd, &kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmVgicCtrlInit}); err != nil {
		return fmt.Errorf("kvm: finalize VGIC: %w", err)
	}
	return nil
}
