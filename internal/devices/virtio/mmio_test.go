package virtio

import (
	"encoding/binary"
	"testing"
)

func readReg(t *testing.T, m *MMIODevice, offset uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := m.Read(offset, buf); err != nil {
		t.Fatalf("read %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeReg(t *testing.T, m *MMIODevice, offset uint64, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := m.Write(offset, buf); err != nil {
		t.Fatalf("write %#x: %v", offset, err)
	}
}

func TestTransportIdentity(t *testing.T) {
	m := NewMMIODevice(NewConsole())

	if got := readReg(t, m, regMagic); got != magicValue {
		t.Fatalf("magic = %#x", got)
	}
	if got := readReg(t, m, regVersion); got != mmioVersion {
		t.Fatalf("version = %d", got)
	}
	if got := readReg(t, m, regDeviceID); got != DeviceIDConsole {
		t.Fatalf("device id = %d", got)
	}
}

func TestEmptyTransportReadsZeroDeviceID(t *testing.T) {
	m := NewMMIODevice(nil)

	if got := readReg(t, m, regDeviceID); got != 0 {
		t.Fatalf("empty slot device id = %d", got)
	}
	if err := m.Read(regConfigSpace, make([]byte, 4)); err == nil {
		t.Fatalf("config read on empty slot accepted")
	}
}

func TestBindUnbindBackend(t *testing.T) {
	m := NewMMIODevice(nil)

	vsock, err := NewVsock(3)
	if err != nil {
		t.Fatalf("new vsock: %v", err)
	}
	if err := m.BindBackend(vsock); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if got := readReg(t, m, regDeviceID); got != DeviceIDVsock {
		t.Fatalf("device id = %d", got)
	}
	if err := m.BindBackend(vsock); err == nil {
		t.Fatalf("double bind accepted")
	}

	// The guest CID shows through the config space.
	cid := make([]byte, 8)
	if err := m.Read(regConfigSpace, cid); err != nil {
		t.Fatalf("read config: %v", err)
	}
	if got := binary.LittleEndian.Uint64(cid); got != 3 {
		t.Fatalf("guest cid = %d", got)
	}

	if err := m.UnbindBackend(); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	if got := readReg(t, m, regDeviceID); got != 0 {
		t.Fatalf("device id after unbind = %d", got)
	}
}

func TestFeatureNegotiationAndActivate(t *testing.T) {
	console := NewConsole()
	m := NewMMIODevice(console)

	writeReg(t, m, regDriverFeatSel, 1)
	writeReg(t, m, regDriverFeatures, 0x1)
	writeReg(t, m, regDriverFeatSel, 0)
	writeReg(t, m, regDriverFeatures, 0x30)

	writeReg(t, m, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	m.mu.Lock()
	features := m.driverFeatures
	m.mu.Unlock()
	if features != 0x1_0000_0030 {
		t.Fatalf("negotiated features = %#x", features)
	}

	console.mu.Lock()
	activated := console.activated
	console.mu.Unlock()
	if !activated {
		t.Fatalf("backend not activated on DRIVER_OK")
	}

	// A zero status write resets everything.
	writeReg(t, m, regStatus, 0)
	if got := readReg(t, m, regStatus); got != 0 {
		t.Fatalf("status after reset = %#x", got)
	}
}
