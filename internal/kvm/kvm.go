//go:build linux

// Package kvm wraps the Linux kernel virtual machine facility: the /dev/kvm
// system handle, per-VM and per-vCPU file descriptors, and the mmap'd run
// structure used to exchange exit information with the kernel.
package kvm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM is the system-wide hypervisor handle.
type KVM struct {
	fd int
}

// Open opens /dev/kvm and validates the API version.
func Open() (*KVM, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &KVM{fd: fd}, nil
}

// Close releases the system handle.
func (k *KVM) Close() error {
	if err := unix.Close(k.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// NrMemslots returns the number of memory slots the kernel supports.
func (k *KVM) NrMemslots() int {
	n, err := checkExtension(k.fd, kvmCapNrMemslots)
	if err != nil || n <= 0 {
		// Historic kernel default.
		return 32
	}
	return n
}

// CreateVM creates a VM file descriptor. On arm64 the maximum supported IPA
// size is passed as the machine type, which some hosts require.
func (k *KVM) CreateVM() (*VM, error) {
	machineType := archVMType(k.fd)

	vmFd, err := createVm(k.fd, machineType)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	return &VM{kvm: k, fd: vmFd}, nil
}

// VM is one virtual machine entry in the kvm module.
type VM struct {
	kvm *KVM
	fd  int
}

// Close releases the VM file descriptor. All vCPU handles must be closed
// first.
func (vm *VM) Close() error {
	if vm.fd < 0 {
		return nil
	}
	fd := vm.fd
	vm.fd = -1
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("kvm: close vm fd: %w", err)
	}
	return nil
}

// SetUserMemoryRegion installs or updates one guest memory slot.
func (vm *VM) SetUserMemoryRegion(slot uint32, gpa, size uint64, hostAddr uintptr) error {
	if err := setUserMemoryRegion(vm.fd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: uint64(hostAddr),
	}); err != nil {
		return fmt.Errorf("kvm: set user memory region slot %d: %w", slot, err)
	}
	return nil
}

// SetIRQLine asserts or clears an interrupt line on the in-kernel interrupt
// controller.
func (vm *VM) SetIRQLine(line uint32, level bool) error {
	if err := irqLevel(vm.fd, line, level); err != nil {
		return fmt.Errorf("kvm: set IRQ line %d: %w", line, err)
	}
	return nil
}

// CreateVCPU creates the per-CPU context and maps its run structure.
func (vm *VM) CreateVCPU(id int) (*VCpu, error) {
	fd, err := createVCPU(vm.fd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}

	mmapSize, err := getVcpuMmapSize(vm.kvm.fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	run, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", id, err)
	}

	return &VCpu{vm: vm, id: id, fd: fd, run: run}, nil
}

// VCpu is one virtual CPU context. Run must only be called from the thread
// that owns the vCPU.
type VCpu struct {
	vm  *VM
	id  int
	fd  int
	run []byte
}

// ID returns the vCPU index this context was created with.
func (c *VCpu) ID() int { return c.id }

// Close unmaps the run structure and releases the vCPU fd.
func (c *VCpu) Close() error {
	if c.run != nil {
		if err := unix.Munmap(c.run); err != nil {
			return fmt.Errorf("kvm: munmap vCPU %d run: %w", c.id, err)
		}
		c.run = nil
	}
	if c.fd >= 0 {
		fd := c.fd
		c.fd = -1
		if err := unix.Close(fd); err != nil {
			return fmt.Errorf("kvm: close vCPU %d fd: %w", c.id, err)
		}
	}
	return nil
}

func (c *VCpu) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&c.run[0]))
}

// SetImmediateExit arms or disarms the immediate-exit flag. With the flag set
// the next (or current, when combined with a signal) run returns EINTR
// without entering the guest.
func (c *VCpu) SetImmediateExit(enable bool) {
	if enable {
		c.runData().immediate_exit = 1
	} else {
		c.runData().immediate_exit = 0
	}
}

// Kick interrupts the run primitive on the thread identified by tid. The
// immediate-exit flag is set first so a vCPU about to enter the guest bounces
// straight back out.
func (c *VCpu) Kick(tid int) error {
	c.runData().immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: kick vCPU %d: %w", c.id, err)
	}
	return nil
}

// ExitKind classifies a vCPU exit.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	// ExitIntr reports the run primitive being interrupted by a signal; the
	// caller re-checks its lifecycle state and usually re-enters.
	ExitIntr
	// ExitIO is an x86 port I/O access. Data aliases the run structure, so
	// filling it on a read hands the bytes to the guest.
	ExitIO
	// ExitMMIO is a trapped memory access. Data aliases the run structure.
	ExitMMIO
	// ExitHlt reports the guest executing a halt instruction.
	ExitHlt
	// ExitShutdown reports a guest-initiated power-off.
	ExitShutdown
	// ExitReset reports a guest-requested reboot.
	ExitReset
	// ExitInternalError is a fatal emulation failure; Desc carries detail.
	ExitInternalError
)

// Exit describes one return from the run primitive.
type Exit struct {
	Kind ExitKind

	// Port I/O fields.
	Port    uint16
	IOSize  int
	IOCount int

	// MMIO fields.
	Addr uint64

	// Data aliases the run structure for both I/O and MMIO exits.
	Data    []byte
	IsWrite bool

	// Desc carries diagnostic detail for internal errors.
	Desc string
}

// Run enters the guest and decodes the resulting exit. A signal delivered to
// the running thread surfaces as ExitIntr rather than being retried so the
// caller can observe pause and destroy requests.
func (c *VCpu) Run() (Exit, error) {
	if _, err := ioctl(uintptr(c.fd), uint64(kvmRun), 0); err != nil {
		if err == unix.EINTR || err == unix.EAGAIN {
			return Exit{Kind: ExitIntr}, nil
		}
		return Exit{}, fmt.Errorf("kvm: run vCPU %d: %w", c.id, err)
	}

	run := c.runData()
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIntr:
		return Exit{Kind: ExitIntr}, nil
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		length := uint64(ioData.size) * uint64(ioData.count)
		return Exit{
			Kind:    ExitIO,
			Port:    ioData.port,
			IOSize:  int(ioData.size),
			IOCount: int(ioData.count),
			IsWrite: ioData.direction != 0,
			Data:    c.run[ioData.dataOffset : ioData.dataOffset+length],
		}, nil
	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		size := int(mmioData.len)
		if size < 0 || size > len(mmioData.data) {
			return Exit{}, fmt.Errorf("kvm: vCPU %d MMIO length %d out of bounds", c.id, size)
		}
		return Exit{
			Kind:    ExitMMIO,
			Addr:    mmioData.physAddr,
			IsWrite: mmioData.isWrite != 0,
			Data:    mmioData.data[:size],
		}, nil
	case kvmExitHlt:
		return Exit{Kind: ExitHlt}, nil
	case kvmExitShutdown:
		return Exit{Kind: ExitShutdown}, nil
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown:
			return Exit{Kind: ExitShutdown}, nil
		case kvmSystemEventReset:
			return Exit{Kind: ExitReset}, nil
		default:
			return Exit{}, fmt.Errorf("kvm: vCPU %d exited with system event %d", c.id, system.typ)
		}
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return Exit{
			Kind: ExitInternalError,
			Desc: ie.Suberror.String(),
		}, nil
	default:
		return Exit{}, fmt.Errorf("kvm: vCPU %d exited with unhandled reason %s", c.id, reason)
	}
}
