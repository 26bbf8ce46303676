//go:build linux

package machine

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/tinyrange/microvm/internal/config"
	"github.com/tinyrange/microvm/internal/devices"
	"github.com/tinyrange/microvm/internal/devices/serial"
	"github.com/tinyrange/microvm/internal/devices/virtio"
	"github.com/tinyrange/microvm/internal/kvm"
	"github.com/tinyrange/microvm/internal/memory"
	"github.com/tinyrange/microvm/internal/netstack"
	"github.com/tinyrange/microvm/internal/qmp"
	"golang.org/x/sys/unix"
)

// signalSetup installs the handler for the vCPU kick signal. It must run
// before any vCPU thread is spawned and must not be undone while they run.
var signalSetup sync.Once

func installKickHandler() {
	signalSetup.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, unix.SIGUSR1)
		go func() {
			// Kicks are consumed by the interrupted run primitive; the
			// notification itself needs no handling.
			for range ch {
			}
		}()
	})
}

// MicroVM is the complete machine: address spaces, vCPUs, the device bus
// and the lifecycle controller. Its lifetime spans the process.
type MicroVM struct {
	vmController

	kvmHandle *kvm.KVM
	vm        *kvm.VM

	sysMem *memory.AddressSpace
	// sysIO is the disjoint 64 KiB x86 port space; nil on ARM64.
	sysIO *memory.AddressSpace

	bus  *devices.Bus
	cfg  *config.VmConfig
	topo *CpuTopology
	cpus []*CPU

	serialDev *serial.Serial
	power     *PowerButton

	arch archState

	netsMu   sync.Mutex
	userNets []*netstack.Endpoint

	faultMu      sync.Mutex
	loggedFaults map[uint64]bool
}

// New builds the machine from its configuration: hypervisor handles, guest
// memory, vCPU contexts and the device bus. Nothing runs until the
// lifecycle starts it.
func New(cfg *config.VmConfig) (*MicroVM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	installKickHandler()

	kvmHandle, err := kvm.Open()
	if err != nil {
		return nil, err
	}

	vm, err := kvmHandle.CreateVM()
	if err != nil {
		kvmHandle.Close()
		return nil, err
	}

	m := &MicroVM{
		kvmHandle:    kvmHandle,
		vm:           vm,
		cfg:          cfg,
		topo:         NewCpuTopology(cfg.Machine.NrCPUs),
		loggedFaults: make(map[uint64]bool),
	}

	root := memory.NewContainerRegion(math.MaxUint64)
	m.sysMem, err = memory.NewAddressSpace(root)
	if err != nil {
		return nil, err
	}
	if err := m.sysMem.RegisterListener(kvm.NewMemoryListener(vm, kvmHandle.NrMemslots())); err != nil {
		return nil, err
	}

	if err := m.archInit(); err != nil {
		return nil, err
	}

	ranges := m.archRamRanges()
	mappings, err := memory.CreateHostMmaps(ranges, cfg.Machine.OmitVMMemory)
	if err != nil {
		return nil, err
	}
	for _, mapping := range mappings {
		if err := m.sysMem.AddSubregion(root, memory.NewRAMRegion(mapping), mapping.GuestAddr()); err != nil {
			return nil, err
		}
	}

	m.bus = devices.NewBus(m.sysMem, m.archBusLayout())

	if err := m.addDevices(); err != nil {
		return nil, err
	}

	m.power, err = NewPowerButton()
	if err != nil {
		return nil, err
	}

	for i := uint8(0); i < cfg.Machine.NrCPUs; i++ {
		vcpu, err := vm.CreateVCPU(int(i))
		if err != nil {
			return nil, err
		}
		if err := vcpu.ArchInitVCPU(kvmHandle, int(cfg.Machine.NrCPUs)); err != nil {
			vcpu.Close()
			return nil, err
		}
		m.cpus = append(m.cpus, NewCPU(i, vcpu, m, &m.vmController))
	}

	if err := m.archPostVCPUInit(); err != nil {
		return nil, err
	}

	m.vmController.power = m.power
	for _, cpu := range m.cpus {
		m.vmController.cpus = append(m.vmController.cpus, cpu)
	}

	return m, nil
}

// PowerButtonFd exposes the descriptor the main loop polls.
func (m *MicroVM) PowerButtonFd() int { return m.power.Fd() }

// DrainPowerButton consumes a pending power-button signal.
func (m *MicroVM) DrainPowerButton() error { return m.power.Drain() }

// SerialInput feeds console input into the serial device.
func (m *MicroVM) SerialInput(data []byte) error {
	if m.serialDev == nil {
		return fmt.Errorf("machine: no serial device attached")
	}
	return m.serialDev.InputData(data)
}

// addDevices attaches everything the configuration names: the fixed
// arch devices, permanent paravirt devices, and the replaceable slots for
// block and net backends.
func (m *MicroVM) addDevices() error {
	if err := m.archAttachDevices(); err != nil {
		return err
	}

	if m.cfg.Vsock != nil {
		backend, err := virtio.NewVsock(m.cfg.Vsock.GuestCID)
		if err != nil {
			return err
		}
		if err := m.attachVirtioDevice(virtio.NewMMIODevice(backend)); err != nil {
			return fmt.Errorf("machine: attach vsock: %w", err)
		}
	}

	for _, console := range m.cfg.Consoles {
		if err := m.attachVirtioDevice(virtio.NewMMIODevice(virtio.NewConsole())); err != nil {
			return fmt.Errorf("machine: attach console %q: %w", console.ConsoleID, err)
		}
	}

	for i := range m.cfg.Drives {
		drive := m.cfg.Drives[i]
		if _, err := m.bus.FillReplaceableDevice(drive.DriveID, &drive, devices.TypeVirtio, virtio.NewMMIODevice(nil)); err != nil {
			return err
		}
	}

	for i := range m.cfg.Nets {
		netCfg := m.cfg.Nets[i]
		if _, err := m.bus.FillReplaceableDevice(netCfg.IfaceID, &netCfg, devices.TypeVirtio, virtio.NewMMIODevice(nil)); err != nil {
			return err
		}
	}

	return nil
}

// attachVirtioDevice puts one transport on the bus and wires its interrupt
// line.
func (m *MicroVM) attachVirtioDevice(transport *virtio.MMIODevice) error {
	res, err := m.bus.AttachDevice(transport, devices.TypeVirtio)
	if err != nil {
		return err
	}
	line := m.archIRQLine(res.IRQ)
	transport.SetIRQLine(devices.IRQLineFunc(func(high bool) error {
		return m.vm.SetIRQLine(line, high)
	}))
	return nil
}

// Realize commits the machine into its operational state: the boot layout
// is materialized in guest memory, every vCPU gets its architectural state,
// and the configured backends bind to their transports.
func (m *MicroVM) Realize() error {
	if err := m.archRealize(); err != nil {
		return err
	}
	if err := m.realizeReplaceables(); err != nil {
		return err
	}
	return nil
}

// realizeReplaceables instantiates backends for the slots filled from the
// construction-time configuration.
func (m *MicroVM) realizeReplaceables() error {
	for slot := 0; slot < m.bus.ReplaceableCount(); slot++ {
		id, _, cfg, inUse := m.bus.ReplaceableInfo(slot)
		if !inUse || cfg == nil {
			continue
		}
		if err := m.bindBackend(slot, id, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MicroVM) bindBackend(slot int, id string, cfg any) error {
	dev, ok := m.bus.ReplaceableTransport(slot)
	if !ok {
		return fmt.Errorf("machine: no transport for slot %d", slot)
	}
	transport, ok := dev.(*virtio.MMIODevice)
	if !ok {
		return fmt.Errorf("machine: slot %d does not hold a paravirt transport", slot)
	}

	backend, err := m.backendFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("machine: backend for %q: %w", id, err)
	}
	if err := transport.BindBackend(backend); err != nil {
		return err
	}
	return nil
}

// backendFromConfig turns a registered backend configuration into a live
// backend.
func (m *MicroVM) backendFromConfig(cfg any) (virtio.Device, error) {
	switch c := cfg.(type) {
	case *config.DriveConfig:
		return virtio.NewBlock(c.PathOnHost, c.ReadOnly, c.Direct)

	case *config.NetworkInterfaceConfig:
		var mac net.HardwareAddr
		if c.MAC != "" {
			parsed, err := net.ParseMAC(c.MAC)
			if err != nil {
				return nil, fmt.Errorf("parse MAC %q: %w", c.MAC, err)
			}
			mac = parsed
		}
		if c.TapFd != nil {
			return virtio.NewNet(mac, *c.TapFd)
		}
		if c.HostDevName != "" {
			fd, err := openTap(c.HostDevName)
			if err != nil {
				return nil, err
			}
			return virtio.NewNet(mac, fd)
		}
		// No tap: the user-mode stack serves this device.
		ep, err := netstack.New(slog.Default())
		if err != nil {
			return nil, err
		}
		m.netsMu.Lock()
		m.userNets = append(m.userNets, ep)
		m.netsMu.Unlock()
		return virtio.NewUserNet(mac, ep)

	default:
		return nil, fmt.Errorf("unsupported backend config %T", cfg)
	}
}

// openTap attaches to an existing kernel tap interface by name.
func openTap(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("machine: open /dev/net/tun: %w", err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("machine: tap name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return 0, fmt.Errorf("machine: TUNSETIFF %q: %w", name, err)
	}
	return fd, nil
}

// logFaultOnce logs one guest-memory dispatch failure per address so a
// buggy guest driver cannot flood the log.
func (m *MicroVM) logFaultOnce(kind string, addr uint64, err error) {
	m.faultMu.Lock()
	logged := m.loggedFaults[addr]
	m.loggedFaults[addr] = true
	m.faultMu.Unlock()

	if !logged {
		slog.Error("machine: guest memory fault", "kind", kind, "addr", fmt.Sprintf("%#x", addr), "error", err)
	}
}

// MmioRead implements AddressOps. Failures read as zeros.
func (m *MicroVM) MmioRead(addr uint64, data []byte) bool {
	if err := m.sysMem.DispatchIO(addr, data, false); err != nil {
		m.logFaultOnce("mmio-read", addr, err)
		return false
	}
	return true
}

// MmioWrite implements AddressOps. Failures are dropped.
func (m *MicroVM) MmioWrite(addr uint64, data []byte) bool {
	if err := m.sysMem.DispatchIO(addr, data, true); err != nil {
		m.logFaultOnce("mmio-write", addr, err)
		return false
	}
	return true
}

// Cleanup implements mainloop.Manager; it runs once the loop observed the
// Shutdown state.
func (m *MicroVM) Cleanup() error {
	m.netsMu.Lock()
	nets := m.userNets
	m.userNets = nil
	m.netsMu.Unlock()
	for _, ep := range nets {
		ep.Close()
	}

	if err := m.vm.Close(); err != nil {
		return err
	}
	return m.kvmHandle.Close()
}

// QueryCpus implements qmp.DeviceInterface: one entry per online vCPU.
func (m *MicroVM) QueryCpus() []qmp.CpuInfo {
	out := make([]qmp.CpuInfo, 0, len(m.cpus))
	for i, cpu := range m.cpus {
		if !m.topo.Online(i) {
			continue
		}
		socket, core, thread := m.topo.Coordinates(i)
		out = append(out, qmp.CpuInfo{
			CPU:      i,
			Current:  true,
			Halted:   false,
			QomPath:  fmt.Sprintf("/machine/unattached/device[%d]", i),
			ThreadID: cpu.TID(),
			Arch:     archCpuInfoName,
			Props: &qmp.CpuInstanceProperties{
				SocketID: &socket,
				CoreID:   &core,
				ThreadID: &thread,
			},
		})
	}
	return out
}

// QueryHotpluggableCpus implements qmp.DeviceInterface: one entry per slot
// with a presence flag expressed through qom-path.
func (m *MicroVM) QueryHotpluggableCpus() []qmp.HotpluggableCPU {
	out := make([]qmp.HotpluggableCPU, 0, m.topo.MaxCpus)
	for i := 0; i < int(m.topo.MaxCpus); i++ {
		socket, core, thread := m.topo.Coordinates(i)
		entry := qmp.HotpluggableCPU{
			Type:       archHotpluggableCPU,
			VcpusCount: 1,
			Props: qmp.CpuInstanceProperties{
				SocketID: &socket,
				CoreID:   &core,
				ThreadID: &thread,
			},
		}
		if m.topo.Online(i) {
			path := fmt.Sprintf("/machine/unattached/device[%d]", i)
			entry.QomPath = &path
		}
		out = append(out, entry)
	}
	return out
}

// DeviceAdd implements qmp.DeviceInterface: attach a backend at a
// replaceable bus slot. Supplying both addr and lun is ambiguous and
// rejected.
func (m *MicroVM) DeviceAdd(id, driver string, addr *string, lun *int) bool {
	if addr != nil && lun != nil {
		slog.Error("machine: device_add with both addr and lun", "id", id)
		return false
	}

	slot := 0
	switch {
	case addr != nil:
		parsed, err := strconv.ParseUint(strings.TrimPrefix(*addr, "0x"), 16, 32)
		if err != nil {
			slog.Error("machine: device_add bad addr", "id", id, "addr", *addr, "error", err)
			return false
		}
		slot = int(parsed)
	case lun != nil:
		slot = *lun + 1
	}

	if err := m.bus.AddReplaceableDevice(id, driver, slot); err != nil {
		slog.Error("machine: device_add", "id", id, "error", err)
		return false
	}
	cfg, _ := m.bus.Config(id)
	if err := m.bindBackend(slot, id, cfg); err != nil {
		slog.Error("machine: device_add bind", "id", id, "error", err)
		return false
	}
	return true
}

// DeviceDel implements qmp.DeviceInterface.
func (m *MicroVM) DeviceDel(id string) bool {
	slot, ok := m.bus.ReplaceableSlotByID(id)
	if !ok {
		slog.Error("machine: device_del unknown device", "id", id)
		return false
	}

	if dev, ok := m.bus.ReplaceableTransport(slot); ok {
		if transport, ok := dev.(*virtio.MMIODevice); ok && transport.Backend() != nil {
			if err := transport.UnbindBackend(); err != nil {
				slog.Error("machine: device_del unbind", "id", id, "error", err)
				return false
			}
		}
	}

	path, err := m.bus.DelReplaceableDevice(id)
	if err != nil {
		slog.Error("machine: device_del", "id", id, "error", err)
		return false
	}

	qmp.EventDeviceDeleted(id, path)
	return true
}

// BlockdevAdd implements qmp.DeviceInterface: register a block backend
// config for a future device_add.
func (m *MicroVM) BlockdevAdd(args qmp.BlockdevAddArguments) bool {
	direct := true
	if args.Cache != nil && args.Cache.Direct != nil {
		direct = *args.Cache.Direct
	}
	readOnly := false
	if args.ReadOnly != nil {
		readOnly = *args.ReadOnly
	}

	cfg := &config.DriveConfig{
		DriveID:    args.NodeName,
		PathOnHost: args.File.Filename,
		ReadOnly:   readOnly,
		Direct:     direct,
	}
	if err := m.bus.AddReplaceableConfig(args.NodeName, cfg); err != nil {
		slog.Error("machine: blockdev_add", "node", args.NodeName, "error", err)
		return false
	}
	return true
}

// NetdevAdd implements qmp.DeviceInterface: register a net backend config,
// optionally bound to an inherited tap descriptor.
func (m *MicroVM) NetdevAdd(id string, ifName *string, tapFd *int) bool {
	cfg := &config.NetworkInterfaceConfig{IfaceID: id, TapFd: tapFd}
	if ifName != nil {
		cfg.HostDevName = *ifName
	}
	if err := m.bus.AddReplaceableConfig(id, cfg); err != nil {
		slog.Error("machine: netdev_add", "id", id, "error", err)
		return false
	}
	return true
}

var (
	_ qmp.MachineExternalInterface = &MicroVM{}
	_ AddressOps                   = &MicroVM{}
)
