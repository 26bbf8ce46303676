package netstack

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestInjectFrameRejectsRunts(t *testing.T) {
	ep, err := New(nil)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	defer ep.Close()

	if err := ep.InjectFrame([]byte{1, 2, 3}); err == nil {
		t.Fatalf("runt frame accepted")
	}
}

func TestHostDialEmitsFrames(t *testing.T) {
	ep, err := New(nil)
	if err != nil {
		t.Fatalf("new endpoint: %v", err)
	}
	defer ep.Close()

	frames := make(chan []byte, 16)
	ep.SetReceiver(func(frame []byte) error {
		select {
		case frames <- frame:
		default:
		}
		return nil
	})

	// Dialing the guest forces the stack to resolve it first; the ARP
	// request must show up on the guest-bound side.
	go func() {
		conn, err := ep.DialGuestTCP(8080)
		if err == nil {
			conn.Close()
		}
	}()

	select {
	case frame := <-frames:
		if len(frame) < 14 {
			t.Fatalf("short frame: %d bytes", len(frame))
		}
		etherType := binary.BigEndian.Uint16(frame[12:14])
		if etherType != 0x0806 { // ARP
			t.Fatalf("first frame ethertype = %#x, want ARP", etherType)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame emitted toward the guest")
	}
}
