//go:build linux && arm64

package machine

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"

	boot "github.com/tinyrange/microvm/internal/boot/arm64"
	"github.com/tinyrange/microvm/internal/devices"
	"github.com/tinyrange/microvm/internal/devices/pl031"
	"github.com/tinyrange/microvm/internal/devices/serial"
	"github.com/tinyrange/microvm/internal/fdt"
	"github.com/tinyrange/microvm/internal/kvm"
)

type archState struct {
	gic *kvm.GIC
}

const (
	// Device interrupt lines are GIC SPIs; interrupt ID 32 is SPI 0.
	spiIntIDBase = 32

	kvmArmIRQTypeSPI = 1 << 24
)

// archInit creates the in-kernel interrupt controller; it is finalized
// after the vCPUs exist.
func (m *MicroVM) archInit() error {
	gic, err := m.vm.CreateGIC()
	if err != nil {
		return err
	}
	m.arch.gic = gic
	return nil
}

func (m *MicroVM) archPostVCPUInit() error {
	return m.arch.gic.Finalize()
}

func (m *MicroVM) archRamRanges() [][2]uint64 {
	return Arm64RamRanges(m.cfg.Machine.MemSize)
}

func (m *MicroVM) archBusLayout() devices.BusLayout {
	return devices.BusLayout{
		MMIOBase: boot.MemMappedIOBase,
		SlotSize: 0x1000,
		IRQBase:  spiIntIDBase,
		IRQMax:   kvm.GICNumIRQs - 1,
	}
}

// archIRQLine maps a bus interrupt ID to the kernel's SPI line encoding.
func (m *MicroVM) archIRQLine(irq uint32) uint32 {
	return kvmArmIRQTypeSPI | irq
}

// archAttachDevices puts the RTC first on the bus, then the serial console.
func (m *MicroVM) archAttachDevices() error {
	if _, err := m.bus.AttachDevice(pl031.New(), devices.TypeRTC); err != nil {
		return fmt.Errorf("machine: attach rtc: %w", err)
	}

	if m.cfg.Serial != nil {
		m.serialDev = serial.New(os.Stdout)
		res, err := m.bus.AttachDevice(m.serialDev, devices.TypeSerial)
		if err != nil {
			return fmt.Errorf("machine: attach serial: %w", err)
		}
		line := m.archIRQLine(res.IRQ)
		m.serialDev.SetIRQLine(devices.IRQLineFunc(func(high bool) error {
			return m.vm.SetIRQLine(line, high)
		}))
	}

	return nil
}

// PioIn implements AddressOps; there is no port I/O space on ARM64.
func (m *MicroVM) PioIn(port uint64, data []byte) bool { return false }

// PioOut implements AddressOps.
func (m *MicroVM) PioOut(port uint64, data []byte) bool { return false }

// archRealize loads the kernel and initrd, authors the device tree over the
// slot the builder reserved, and programs every vCPU.
func (m *MicroVM) archRealize() error {
	loaderConfig := &boot.BootLoaderConfig{
		Kernel: m.cfg.BootSource.KernelPath,
	}
	if initrd := m.cfg.BootSource.Initrd; initrd != nil {
		loaderConfig.Initrd = initrd.Path
		loaderConfig.InitrdSize = uint32(initrd.Size)
	}

	layout, err := boot.Load(loaderConfig, m.sysMem)
	if err != nil {
		return fmt.Errorf("machine: build boot layout: %w", err)
	}
	if initrd := m.cfg.BootSource.Initrd; initrd != nil {
		initrd.SetAddress(layout.InitrdStart)
	}

	bootCfg := &CPUBootConfig{
		KernelAddr: layout.KernelStart,
		FdtAddr:    layout.DtbStart,
	}
	for _, cpu := range m.cpus {
		if err := cpu.Realize(bootCfg); err != nil {
			return err
		}
	}

	blob, err := m.generateFdt(layout)
	if err != nil {
		return fmt.Errorf("machine: generate device tree: %w", err)
	}
	if uint64(len(blob)) > boot.FdtMaxSize {
		return fmt.Errorf("machine: device tree of %d bytes exceeds slot", len(blob))
	}
	if err := m.sysMem.Write(blob, layout.DtbStart); err != nil {
		return fmt.Errorf("machine: write device tree: %w", err)
	}

	slog.Info("machine: boot layout ready",
		"entry", fmt.Sprintf("%#x", layout.KernelStart),
		"dtb", fmt.Sprintf("%#x", layout.DtbStart),
		"initrd", fmt.Sprintf("%#x", layout.InitrdStart))
	return nil
}

// generateFdt authors the device tree: CPUs with their MPIDR identities,
// the memory node, the fixed peripherals, every bus device, and the chosen
// node with the command line and initrd span.
func (m *MicroVM) generateFdt(layout *boot.BootLayout) ([]byte, error) {
	b := fdt.NewBuilder()

	b.BeginNode("")
	b.PropertyString("compatible", "linux,dummy-virt")
	b.PropertyU32("#address-cells", 2)
	b.PropertyU32("#size-cells", 2)
	b.PropertyU32("interrupt-parent", fdt.GICPhandle)

	if err := m.generateCpuNodes(b); err != nil {
		return nil, err
	}
	m.generateMemoryNode(b)
	m.generateFixedNodes(b)
	m.generateDeviceNodes(b)
	m.generateGicNode(b)
	m.generateChosenNode(b, layout)

	b.EndNode()
	return b.Finish()
}

func (m *MicroVM) generateCpuNodes(b *fdt.Builder) error {
	b.BeginNode("cpus")
	b.PropertyU32("#address-cells", 2)
	b.PropertyU32("#size-cells", 0)

	// The cpu-map clusters assume groups of eight CPUs; for other counts the
	// kernel derives the topology itself.
	if m.topo.MaxCpus%8 == 0 {
		b.BeginNode("cpu-map")
		clusters := int(m.topo.MaxCpus) / 8
		cpu := 0
		for c := 0; c < clusters; c++ {
			b.BeginNode(fmt.Sprintf("cluster%d", c))
			for core := 0; core < 8; core++ {
				b.BeginNode(fmt.Sprintf("core%d", core))
				b.BeginNode("thread0")
				b.PropertyU32("cpu", fdt.CPUPhandleStart+uint32(cpu))
				b.EndNode()
				b.EndNode()
				cpu++
			}
			b.EndNode()
		}
		b.EndNode()
	} else {
		slog.Warn("machine: cpu count not a multiple of 8, omitting cpu-map topology",
			"cpus", m.topo.MaxCpus)
	}

	for i, cpu := range m.cpus {
		mpidr, err := cpu.MPIDR()
		if err != nil {
			return err
		}
		b.BeginNode(fmt.Sprintf("cpu@%x", mpidr))
		b.PropertyU32("phandle", fdt.CPUPhandleStart+uint32(i))
		b.PropertyString("device_type", "cpu")
		b.PropertyString("compatible", "arm,arm-v8")
		if m.topo.MaxCpus > 1 {
			b.PropertyString("enable-method", "psci")
		}
		b.PropertyU64("reg", mpidr&0x007f_ffff)
		b.EndNode()
	}

	b.EndNode()
	return nil
}

func (m *MicroVM) generateMemoryNode(b *fdt.Builder) {
	b.BeginNode(fmt.Sprintf("memory@%x", boot.DRAMBase))
	b.PropertyString("device_type", "memory")
	b.PropertyRegPair("reg", boot.DRAMBase, m.cfg.Machine.MemSize)
	b.EndNode()
}

func (m *MicroVM) generateFixedNodes(b *fdt.Builder) {
	b.BeginNode("timer")
	b.PropertyString("compatible", "arm,armv8-timer")
	b.PropertyEmpty("always-on")
	var cells []uint32
	for _, irq := range []uint32{13, 14, 11, 10} {
		cells = append(cells, fdt.GICFdtIrqTypePPI, irq, fdt.IrqTypeLevelHigh)
	}
	b.PropertyU32Array("interrupts", cells)
	b.EndNode()

	b.BeginNode("apb-pclk")
	b.PropertyString("compatible", "fixed-clock")
	b.PropertyString("clock-output-names", "clk24mhz")
	b.PropertyU32("#clock-cells", 0)
	b.PropertyU32("clock-frequency", 24_000_000)
	b.PropertyU32("phandle", fdt.ClockPhandle)
	b.EndNode()

	b.BeginNode("psci")
	b.PropertyString("compatible", "arm,psci-0.2")
	b.PropertyString("method", "hvc")
	b.EndNode()
}

func (m *MicroVM) generateDeviceNodes(b *fdt.Builder) {
	resources := m.bus.Resources()
	for i := len(resources) - 1; i >= 0; i-- {
		res := resources[i]
		spi := res.IRQ - spiIntIDBase

		switch res.Type {
		case devices.TypeSerial:
			b.BeginNode(fmt.Sprintf("uart@%x", res.Addr))
			b.PropertyString("compatible", "ns16550a")
			b.PropertyString("clock-names", "apb_pclk")
			b.PropertyU32("clocks", fdt.ClockPhandle)
			b.PropertyRegPair("reg", res.Addr, res.Size)
			b.PropertyU32Array("interrupts", []uint32{fdt.GICFdtIrqTypeSPI, spi, fdt.IrqTypeEdgeRising})
			b.EndNode()

		case devices.TypeRTC:
			b.BeginNode(fmt.Sprintf("pl031@%x", res.Addr))
			b.PropertyStringList("compatible", []string{"arm,pl031", "arm,primecell"})
			b.PropertyString("clock-names", "apb_pclk")
			b.PropertyU32("clocks", fdt.ClockPhandle)
			b.PropertyRegPair("reg", res.Addr, res.Size)
			b.PropertyU32Array("interrupts", []uint32{fdt.GICFdtIrqTypeSPI, spi, fdt.IrqTypeLevelHigh})
			b.EndNode()

		default:
			b.BeginNode(fmt.Sprintf("virtio_mmio@%x", res.Addr))
			b.PropertyString("compatible", "virtio,mmio")
			b.PropertyU32("interrupt-parent", fdt.GICPhandle)
			b.PropertyRegPair("reg", res.Addr, res.Size)
			b.PropertyU32Array("interrupts", []uint32{fdt.GICFdtIrqTypeSPI, spi, fdt.IrqTypeEdgeRising})
			b.EndNode()
		}
	}
}

func (m *MicroVM) generateGicNode(b *fdt.Builder) {
	b.BeginNode(fmt.Sprintf("intc@%x", kvm.GICDistributorBase))
	b.PropertyU32("phandle", fdt.GICPhandle)
	b.PropertyU32("#interrupt-cells", 3)
	b.PropertyEmpty("interrupt-controller")
	b.PropertyU32("#address-cells", 2)
	b.PropertyU32("#size-cells", 2)

	var reg [32]byte
	switch m.arch.gic.Version {
	case kvm.GICVersion3:
		b.PropertyString("compatible", "arm,gic-v3")
		putRegPair(reg[:16], kvm.GICDistributorBase, kvm.GICDistributorSize)
		putRegPair(reg[16:], kvm.GICRedistributorBase, kvm.GICRedistributorSize)
	default:
		b.PropertyString("compatible", "arm,cortex-a15-gic")
		putRegPair(reg[:16], kvm.GICDistributorBase, kvm.GICv2DistributorSize)
		putRegPair(reg[16:], kvm.GICv2CpuBase, kvm.GICv2CpuSize)
	}
	b.PropertyBytes("reg", reg[:])
	b.EndNode()
}

// putRegPair encodes one (address, size) pair of reg cells.
func putRegPair(dst []byte, addr, size uint64) {
	binary.BigEndian.PutUint64(dst[:8], addr)
	binary.BigEndian.PutUint64(dst[8:], size)
}

func (m *MicroVM) generateChosenNode(b *fdt.Builder, layout *boot.BootLayout) {
	b.BeginNode("chosen")
	b.PropertyString("bootargs", m.cfg.BootSource.KernelCmdline)
	if initrd := m.cfg.BootSource.Initrd; initrd != nil && layout.InitrdStart != 0 {
		b.PropertyU64("linux,initrd-start", layout.InitrdStart)
		b.PropertyU64("linux,initrd-end", layout.InitrdStart+initrd.Size)
	}
	b.EndNode()
}
