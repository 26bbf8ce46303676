//go:build linux

package machine

import (
	"os"
	"testing"

	"github.com/tinyrange/microvm/internal/config"
	"github.com/tinyrange/microvm/internal/qmp"
)

func qmpBlockdevArgs(node, file string) qmp.BlockdevAddArguments {
	return qmp.BlockdevAddArguments{
		NodeName: node,
		File:     qmp.FileOptions{Driver: "file", Filename: file},
	}
}

func newKvmMachine(t *testing.T) *MicroVM {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("skipping: %v", err)
	}

	cfg := &config.VmConfig{
		Machine:    config.MachineConfig{NrCPUs: 1, MemSize: 128 << 20},
		BootSource: config.BootSource{KernelPath: "/nonexistent/vmlinux"},
	}

	m, err := New(cfg)
	if err != nil {
		t.Skipf("skipping: create machine: %v", err)
	}
	t.Cleanup(func() {
		if m.State() != VmShutdown {
			m.Destroy()
		}
		m.Cleanup()
	})
	return m
}

func TestMachineConstruction(t *testing.T) {
	m := newKvmMachine(t)

	if m.State() != VmCreated {
		t.Fatalf("fresh machine state = %s", m.State())
	}

	cpus := m.QueryCpus()
	if len(cpus) != 1 || cpus[0].CPU != 0 {
		t.Fatalf("query-cpus = %+v", cpus)
	}

	slots := m.QueryHotpluggableCpus()
	if len(slots) != 1 || slots[0].QomPath == nil {
		t.Fatalf("query-hotpluggable-cpus = %+v", slots)
	}

	// query-cpus length equals the number of present slots.
	present := 0
	for _, s := range slots {
		if s.QomPath != nil {
			present++
		}
	}
	if len(cpus) != present {
		t.Fatalf("cpus = %d, present slots = %d", len(cpus), present)
	}
}

func TestMachineRAMMatchesConfig(t *testing.T) {
	m := newKvmMachine(t)

	if got := m.sysMem.RAMSize(); got != 128<<20 {
		t.Fatalf("RAM size = %#x, want %#x", got, 128<<20)
	}
}

func TestDeviceAddRejectsAmbiguousSlot(t *testing.T) {
	m := newKvmMachine(t)

	addr := "0x0"
	lun := 0
	if m.DeviceAdd("disk0", "virtio-blk-device", &addr, &lun) {
		t.Fatalf("device_add with both addr and lun accepted")
	}
}

func TestBlockdevThenDeviceAddUnknownSlot(t *testing.T) {
	m := newKvmMachine(t)

	ok := m.BlockdevAdd(qmpBlockdevArgs("rootfs", "/nonexistent/image"))
	if !ok {
		t.Fatalf("blockdev_add rejected")
	}
	// No replaceable slots were configured, so activation must fail.
	addr := "0x0"
	if m.DeviceAdd("rootfs", "virtio-blk-device", &addr, nil) {
		t.Fatalf("device_add without a slot accepted")
	}
}

func TestRamRangeSums(t *testing.T) {
	sizes := []uint64{
		128 << 20,
		0xd000_0000 - 0x1000,
		0xd000_0000,
		0xd000_0000 + 0x1000,
		8 << 30,
	}
	for _, size := range sizes {
		var total uint64
		for _, r := range X86RamRanges(size) {
			total += r[1]
		}
		if total != size {
			t.Fatalf("x86 ranges for %#x sum to %#x", size, total)
		}

		total = 0
		for _, r := range Arm64RamRanges(size) {
			total += r[1]
		}
		if total != size {
			t.Fatalf("arm64 ranges for %#x sum to %#x", size, total)
		}
	}
}
