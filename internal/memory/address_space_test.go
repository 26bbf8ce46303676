package memory

import (
	"errors"
	"fmt"
	"testing"
)

func newTestSpace(t *testing.T, rootSize uint64) (*AddressSpace, *Region) {
	t.Helper()

	root := NewContainerRegion(rootSize)
	as, err := NewAddressSpace(root)
	if err != nil {
		t.Fatalf("new address space: %v", err)
	}
	return as, root
}

func mustMapRAM(t *testing.T, as *AddressSpace, root *Region, base, size uint64) *Region {
	t.Helper()

	mem, err := NewHostMemMapping(base, size, false)
	if err != nil {
		t.Fatalf("host mapping: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	ram := NewRAMRegion(mem)
	if err := as.AddSubregion(root, ram, base); err != nil {
		t.Fatalf("add RAM subregion at %#x: %v", base, err)
	}
	return ram
}

func TestReadWriteRoundTrip(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)
	mustMapRAM(t, as, root, 0, 0x10_0000)

	payload := []byte("this_is_a_piece_of_test_string")
	if err := as.Write(payload, 0x1000); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := make([]byte, len(payload))
	if err := as.Read(got, 0x1000); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestAccessBounds(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)
	mustMapRAM(t, as, root, 0, 0x1000)

	buf := make([]byte, 16)

	// Ends exactly at the region boundary: allowed.
	if err := as.Read(buf, 0x1000-16); err != nil {
		t.Fatalf("read ending at boundary: %v", err)
	}

	// Straddles the boundary: rejected.
	if err := as.Read(buf, 0x1000-8); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("read straddling boundary: got %v, want ErrOutOfBounds", err)
	}

	// Entirely outside RAM: rejected.
	if err := as.Write(buf, 0x10_0000); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("write outside RAM: got %v, want ErrOutOfBounds", err)
	}
}

func TestReadCrossingHoleFails(t *testing.T) {
	as, root := newTestSpace(t, 0x2_0000_0000)
	mustMapRAM(t, as, root, 0, 0x1000)
	mustMapRAM(t, as, root, 0x2000, 0x1000)

	buf := make([]byte, 0x2000)
	if err := as.Read(buf, 0x800); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("read crossing hole: got %v, want ErrOutOfBounds", err)
	}
}

func TestOverlappingRAMRejected(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)
	mustMapRAM(t, as, root, 0, 0x2000)

	mem, err := NewHostMemMapping(0x1000, 0x2000, false)
	if err != nil {
		t.Fatalf("host mapping: %v", err)
	}
	defer mem.Close()

	if err := as.AddSubregion(root, NewRAMRegion(mem), 0x1000); !errors.Is(err, ErrOverlap) {
		t.Fatalf("overlapping add: got %v, want ErrOverlap", err)
	}
}

func TestRAMSizeSumsRanges(t *testing.T) {
	as, root := newTestSpace(t, 0x2_0000_0000)
	mustMapRAM(t, as, root, 0, 0x10_0000)
	mustMapRAM(t, as, root, 0x1_0000_0000, 0x20_0000)

	if got := as.RAMSize(); got != 0x30_0000 {
		t.Fatalf("RAM size = %#x, want %#x", got, 0x30_0000)
	}
	if got := as.MemoryEndAddress(); got != 0x1_0020_0000 {
		t.Fatalf("memory end = %#x, want %#x", got, uint64(0x1_0020_0000))
	}
}

type recordingListener struct {
	adds []FlatRange
	dels []FlatRange
	fail bool
}

func (l *recordingListener) AddRange(fr FlatRange) error {
	if l.fail {
		return fmt.Errorf("listener rejected range")
	}
	l.adds = append(l.adds, fr)
	return nil
}

func (l *recordingListener) DelRange(fr FlatRange) error {
	l.dels = append(l.dels, fr)
	return nil
}

func TestListenerReplayAndNotify(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)
	mustMapRAM(t, as, root, 0, 0x1000)

	l := &recordingListener{}
	if err := as.RegisterListener(l); err != nil {
		t.Fatalf("register listener: %v", err)
	}
	if len(l.adds) != 1 || l.adds[0].Base != 0 || l.adds[0].Size != 0x1000 {
		t.Fatalf("replayed ranges = %+v", l.adds)
	}

	ram := mustMapRAM(t, as, root, 0x10000, 0x1000)
	if len(l.adds) != 2 {
		t.Fatalf("listener saw %d adds, want 2", len(l.adds))
	}

	if err := as.DelSubregion(root, ram); err != nil {
		t.Fatalf("del subregion: %v", err)
	}
	if len(l.dels) != 1 || l.dels[0].Base != 0x10000 {
		t.Fatalf("listener dels = %+v", l.dels)
	}
}

func TestListenerErrorRollsBack(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)

	l := &recordingListener{fail: true}
	if err := as.RegisterListener(l); err != nil {
		t.Fatalf("register listener: %v", err)
	}

	mem, err := NewHostMemMapping(0, 0x1000, false)
	if err != nil {
		t.Fatalf("host mapping: %v", err)
	}
	defer mem.Close()

	if err := as.AddSubregion(root, NewRAMRegion(mem), 0); err == nil {
		t.Fatalf("add with failing listener succeeded")
	}
	if got := as.RAMSize(); got != 0 {
		t.Fatalf("RAM size after rollback = %#x, want 0", got)
	}
}

type zeroIOHandler struct{ reads, writes int }

func (h *zeroIOHandler) Read(offset uint64, data []byte) error {
	h.reads++
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (h *zeroIOHandler) Write(offset uint64, data []byte) error {
	h.writes++
	return nil
}

func TestDispatchIO(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)

	h := &zeroIOHandler{}
	if err := as.AddSubregion(root, NewIORegion(0x200, h), 0x1000_0000); err != nil {
		t.Fatalf("add IO region: %v", err)
	}

	data := []byte{0xff, 0xff, 0xff, 0xff}
	if err := as.DispatchIO(0x1000_0000, data, false); err != nil {
		t.Fatalf("IO read: %v", err)
	}
	if h.reads != 1 {
		t.Fatalf("handler reads = %d, want 1", h.reads)
	}

	if err := as.DispatchIO(0x1000_0000, nil, false); err == nil {
		t.Fatalf("zero-length IO access accepted")
	}
	if err := as.DispatchIO(0x2000_0000, data, true); err == nil {
		t.Fatalf("IO access outside every region accepted")
	}
}

func TestReadObject(t *testing.T) {
	as, root := newTestSpace(t, 0x2000_0000)
	mustMapRAM(t, as, root, 0, 0x1000)

	type sample struct {
		A uint32
		B uint64
		C uint16
	}

	want := sample{A: 0x11223344, B: 0x5566778899aabbcc, C: 0xddee}
	if err := WriteObject(as, want, 0x100); err != nil {
		t.Fatalf("write object: %v", err)
	}

	got, err := ReadObject[sample](as, 0x100)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}

	// An object ending exactly at the region boundary succeeds, one byte
	// further fails.
	if _, err := ReadObject[uint64](as, 0x1000-8); err != nil {
		t.Fatalf("read object at boundary: %v", err)
	}
	if _, err := ReadObject[uint64](as, 0x1000-7); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("read object over boundary: got %v, want ErrOutOfBounds", err)
	}
}
