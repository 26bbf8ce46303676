//go:build linux && arm64

package machine

import (
	"github.com/tinyrange/microvm/internal/kvm"
)

const (
	archCpuInfoName     = "arm"
	archHotpluggableCPU = "host-aarch64-cpu"
)

// pstateFaultBits64 is EL1h with all of DAIF masked, the required entry
// state of the ARM64 boot protocol.
const pstateFaultBits64 uint64 = 0x3c5

// CPUBootConfig is the ARM64 register state derived from the boot layout.
type CPUBootConfig struct {
	KernelAddr uint64
	FdtAddr    uint64
}

// applyBootConfig programs the vCPU for an EL1 kernel entry: PC at the
// image, the device tree address in X0, interrupts masked. Secondary CPUs
// are brought online by the guest through PSCI, so they get the same state.
func (c *CPU) applyBootConfig() error {
	cfg := c.boot

	if err := c.vcpu.SetOneReg(kvm.RegIDPstate(), pstateFaultBits64); err != nil {
		return err
	}
	if err := c.vcpu.SetOneReg(kvm.RegIDCoreX(0), cfg.FdtAddr); err != nil {
		return err
	}
	if err := c.vcpu.SetOneReg(kvm.RegIDPC(), cfg.KernelAddr); err != nil {
		return err
	}
	return nil
}

// MPIDR reads the multiprocessor affinity register, the stable vCPU
// identity used in the device tree.
func (c *CPU) MPIDR() (uint64, error) {
	return c.vcpu.MPIDR()
}
