package devices

import (
	"testing"

	"github.com/tinyrange/microvm/internal/memory"
)

type nullDevice struct {
	realized bool
	res      Resource
}

func (d *nullDevice) Read(offset uint64, data []byte) error  { return nil }
func (d *nullDevice) Write(offset uint64, data []byte) error { return nil }
func (d *nullDevice) Realize(res Resource) error {
	d.realized = true
	d.res = res
	return nil
}

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	root := memory.NewContainerRegion(1 << 40)
	space, err := memory.NewAddressSpace(root)
	if err != nil {
		t.Fatalf("new address space: %v", err)
	}
	return NewBus(space, BusLayout{
		MMIOBase: 0x1000_0000,
		SlotSize: 0x1000,
		IRQBase:  5,
		IRQMax:   15,
	})
}

func TestAttachAssignsResources(t *testing.T) {
	bus := newTestBus(t)

	first := &nullDevice{}
	res1, err := bus.AttachDevice(first, TypeSerial)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !first.realized || first.res != res1 {
		t.Fatalf("device not realized with its resource")
	}
	if res1.Addr != 0x1000_0000 || res1.IRQ != 5 {
		t.Fatalf("first resource = %+v", res1)
	}

	res2, err := bus.AttachDevice(&nullDevice{}, TypeVirtio)
	if err != nil {
		t.Fatalf("attach second: %v", err)
	}
	if res2.Addr != 0x1000_1000 || res2.IRQ != 6 {
		t.Fatalf("second resource = %+v", res2)
	}

	if got := bus.Resources(); len(got) != 2 || got[0] != res1 || got[1] != res2 {
		t.Fatalf("resources = %+v", got)
	}
}

func TestIRQExhaustion(t *testing.T) {
	bus := newTestBus(t)

	for i := 5; i <= 15; i++ {
		if _, err := bus.AttachDevice(&nullDevice{}, TypeVirtio); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	if _, err := bus.AttachDevice(&nullDevice{}, TypeVirtio); err == nil {
		t.Fatalf("attach past the interrupt range accepted")
	}
}

func TestReplaceableLifecycle(t *testing.T) {
	bus := newTestBus(t)

	if _, err := bus.FillReplaceableDevice("disk0", nil, TypeVirtio, &nullDevice{}); err != nil {
		t.Fatalf("fill slot: %v", err)
	}
	if _, err := bus.FillReplaceableDevice("net0", nil, TypeVirtio, &nullDevice{}); err != nil {
		t.Fatalf("fill second slot: %v", err)
	}

	if err := bus.AddReplaceableConfig("rootfs", struct{ Path string }{"/tmp/root.img"}); err != nil {
		t.Fatalf("register config: %v", err)
	}
	if err := bus.AddReplaceableConfig("rootfs", nil); err == nil {
		t.Fatalf("duplicate config accepted")
	}

	if err := bus.AddReplaceableDevice("rootfs", "virtio-blk-device", 0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := bus.AddReplaceableDevice("rootfs", "virtio-blk-device", 0); err == nil {
		t.Fatalf("activating a busy slot accepted")
	}
	if err := bus.AddReplaceableDevice("nosuch", "virtio-blk-device", 1); err == nil {
		t.Fatalf("activating with unknown config accepted")
	}
	if err := bus.AddReplaceableDevice("rootfs", "virtio-blk-device", 7); err == nil {
		t.Fatalf("activating unknown slot accepted")
	}

	path, err := bus.DelReplaceableDevice("rootfs")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if path == "" {
		t.Fatalf("delete returned empty path")
	}
	if _, err := bus.DelReplaceableDevice("rootfs"); err == nil {
		t.Fatalf("double delete accepted")
	}
}
