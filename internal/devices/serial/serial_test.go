package serial

import (
	"bytes"
	"testing"
)

type testLine struct {
	level bool
	sets  int
}

func (l *testLine) SetLevel(high bool) error {
	l.level = high
	l.sets++
	return nil
}

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	s := New(&out)

	for _, b := range []byte("hello\n") {
		if err := s.Write(0, []byte{b}); err != nil {
			t.Fatalf("write THR: %v", err)
		}
	}
	if out.String() != "hello\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestReceiveWithInterrupt(t *testing.T) {
	s := New(nil)
	line := &testLine{}
	s.SetIRQLine(line)

	// Enable receive interrupts.
	if err := s.Write(1, []byte{ierRxInterrupt}); err != nil {
		t.Fatalf("write IER: %v", err)
	}

	if err := s.InputData([]byte("ok")); err != nil {
		t.Fatalf("input data: %v", err)
	}
	if !line.level {
		t.Fatalf("interrupt not raised")
	}

	lsr := make([]byte, 1)
	if err := s.Read(5, lsr); err != nil {
		t.Fatalf("read LSR: %v", err)
	}
	if lsr[0]&lsrDataReady == 0 {
		t.Fatalf("LSR data-ready clear: %#x", lsr[0])
	}

	got := make([]byte, 1)
	s.Read(0, got)
	if got[0] != 'o' {
		t.Fatalf("first rx byte = %q", got[0])
	}
	s.Read(0, got)
	if got[0] != 'k' {
		t.Fatalf("second rx byte = %q", got[0])
	}
	if line.level {
		t.Fatalf("interrupt still asserted after drain")
	}
}

func TestDivisorLatch(t *testing.T) {
	s := New(nil)

	if err := s.Write(3, []byte{lcrDLABBit}); err != nil {
		t.Fatalf("write LCR: %v", err)
	}
	if err := s.Write(0, []byte{0x0c}); err != nil {
		t.Fatalf("write DLL: %v", err)
	}

	got := make([]byte, 1)
	if err := s.Read(0, got); err != nil {
		t.Fatalf("read DLL: %v", err)
	}
	if got[0] != 0x0c {
		t.Fatalf("DLL = %#x", got[0])
	}
}

func TestReceiveBufferBound(t *testing.T) {
	s := New(nil)
	if err := s.InputData(make([]byte, rxBufferCap)); err != nil {
		t.Fatalf("fill buffer: %v", err)
	}
	if err := s.InputData([]byte{1}); err == nil {
		t.Fatalf("overflow accepted")
	}
}

func TestRejectsOutOfRangeOffset(t *testing.T) {
	s := New(nil)
	if err := s.Read(8, make([]byte, 1)); err == nil {
		t.Fatalf("read past register file accepted")
	}
	if err := s.Write(8, []byte{0}); err == nil {
		t.Fatalf("write past register file accepted")
	}
}
