package pl031

import (
	"encoding/binary"
	"testing"
	"time"
)

func readReg(t *testing.T, p *PL031, offset uint64) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := p.Read(offset, buf); err != nil {
		t.Fatalf("read %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeReg(t *testing.T, p *PL031, offset uint64, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := p.Write(offset, buf); err != nil {
		t.Fatalf("write %#x: %v", offset, err)
	}
}

func TestDataRegisterTracksTime(t *testing.T) {
	p := New()
	now := uint32(time.Now().Unix())

	got := readReg(t, p, regDR)
	if got < now-2 || got > now+2 {
		t.Fatalf("DR = %d, host = %d", got, now)
	}
}

func TestLoadRegisterShiftsClock(t *testing.T) {
	p := New()

	writeReg(t, p, regLR, 1000)
	if got := readReg(t, p, regDR); got < 999 || got > 1001 {
		t.Fatalf("DR after load = %d, want ~1000", got)
	}
}

func TestInterruptMaskAndClear(t *testing.T) {
	p := New()

	writeReg(t, p, regIMSC, 1)
	if got := readReg(t, p, regIMSC); got != 1 {
		t.Fatalf("IMSC = %d", got)
	}

	p.ris = 1
	if got := readReg(t, p, regMIS); got != 1 {
		t.Fatalf("MIS = %d", got)
	}

	writeReg(t, p, regICR, 1)
	if got := readReg(t, p, regRIS); got != 0 {
		t.Fatalf("RIS after clear = %d", got)
	}
}

func TestIDRegisters(t *testing.T) {
	p := New()

	for i, want := range deviceID {
		got := readReg(t, p, idRegisterBase+uint64(i)*4)
		if byte(got) != want {
			t.Fatalf("ID[%d] = %#x, want %#x", i, got, want)
		}
	}
}

func TestRejectsSubWordAccess(t *testing.T) {
	p := New()
	if err := p.Read(regDR, make([]byte, 2)); err == nil {
		t.Fatalf("sub-word read accepted")
	}
	if err := p.Write(regLR, []byte{1}); err == nil {
		t.Fatalf("sub-word write accepted")
	}
}
