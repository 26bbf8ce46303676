//go:build linux && amd64

package machine

import (
	"fmt"
	"log/slog"
	"os"

	boot "github.com/tinyrange/microvm/internal/boot/amd64"
	"github.com/tinyrange/microvm/internal/devices"
	"github.com/tinyrange/microvm/internal/devices/serial"
	"github.com/tinyrange/microvm/internal/memory"
)

type archState struct{}

const (
	// x86 port-I/O space is a disjoint 64 KiB address space.
	ioSpaceSize = 1 << 16

	serialIRQ = 4

	// Paravirt transports sit in the device window with the legacy ISA
	// interrupt lines.
	mmioIRQBase = 5
	mmioIRQMax  = 15
)

// archInit creates the in-kernel interrupt machinery and the port I/O
// space.
func (m *MicroVM) archInit() error {
	if err := m.vm.ArchInitVM(); err != nil {
		return err
	}

	ioRoot := memory.NewContainerRegion(ioSpaceSize)
	sysIO, err := memory.NewAddressSpace(ioRoot)
	if err != nil {
		return err
	}
	m.sysIO = sysIO
	return nil
}

func (m *MicroVM) archPostVCPUInit() error { return nil }

func (m *MicroVM) archRamRanges() [][2]uint64 {
	return X86RamRanges(m.cfg.Machine.MemSize)
}

func (m *MicroVM) archBusLayout() devices.BusLayout {
	return devices.BusLayout{
		MMIOBase: boot.MemMappedIOBase,
		SlotSize: 0x1000,
		IRQBase:  mmioIRQBase,
		IRQMax:   mmioIRQMax,
	}
}

// port61 answers the PIT channel-2 status port. Kernels before 4.18 get
// stuck in pit_calibrate_tsc unless reads return 0x20.
type port61 struct{}

func (port61) Read(offset uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	data[0] = 0x20
	return nil
}

func (port61) Write(offset uint64, data []byte) error { return nil }

// archAttachDevices maps the legacy serial console and the PIT quirk port
// into the port I/O space.
func (m *MicroVM) archAttachDevices() error {
	ioRoot := m.sysIO.Root()

	if err := m.sysIO.AddSubregion(ioRoot, memory.NewIORegion(1, port61{}), 0x61); err != nil {
		return fmt.Errorf("machine: map port 0x61: %w", err)
	}

	if m.cfg.Serial != nil {
		m.serialDev = serial.New(os.Stdout)
		m.serialDev.SetIRQLine(devices.IRQLineFunc(func(high bool) error {
			return m.vm.SetIRQLine(serialIRQ, high)
		}))
		region := memory.NewIORegion(serial.RegisterCount, m.serialDev)
		if err := m.sysIO.AddSubregion(ioRoot, region, uint64(serial.COM1Base)); err != nil {
			return fmt.Errorf("machine: map serial ports: %w", err)
		}
	}

	return nil
}

// archIRQLine maps a bus interrupt line to the kernel's line encoding; on
// x86 they are the same GSI numbers.
func (m *MicroVM) archIRQLine(irq uint32) uint32 { return irq }

// PioIn implements AddressOps.
func (m *MicroVM) PioIn(port uint64, data []byte) bool {
	if err := m.sysIO.DispatchIO(port, data, false); err != nil {
		m.logFaultOnce("pio-in", port, err)
		return false
	}
	return true
}

// PioOut implements AddressOps.
func (m *MicroVM) PioOut(port uint64, data []byte) bool {
	if err := m.sysIO.DispatchIO(port, data, true); err != nil {
		m.logFaultOnce("pio-out", port, err)
		return false
	}
	return true
}

// archRealize materializes the Linux boot layout and programs every vCPU
// with the derived state.
func (m *MicroVM) archRealize() error {
	loaderConfig := &boot.BootLoaderConfig{
		Kernel:        m.cfg.BootSource.KernelPath,
		KernelCmdline: m.cfg.BootSource.KernelCmdline,
		CPUCount:      m.cfg.Machine.NrCPUs,
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
		BootIP:      layout.BootIP,
		BootSP:      layout.BootSP,
		ZeroPage:    layout.ZeroPageAddr,
		CodeSegment: layout.Segments.CodeSegment,
		DataSegment: layout.Segments.DataSegment,
		GdtBase:     layout.Segments.GdtBase,
		GdtSize:     layout.Segments.GdtLimit,
		IdtBase:     layout.Segments.IdtBase,
		IdtSize:     layout.Segments.IdtLimit,
		Pml4Start:   layout.BootPml4Addr,
	}

	for _, cpu := range m.cpus {
		if err := cpu.Realize(bootCfg); err != nil {
			return err
		}
	}

	slog.Info("machine: boot layout ready",
		"entry", fmt.Sprintf("%#x", layout.BootIP),
		"zero_page", fmt.Sprintf("%#x", layout.ZeroPageAddr),
		"initrd", fmt.Sprintf("%#x", layout.InitrdStart))
	return nil
}
