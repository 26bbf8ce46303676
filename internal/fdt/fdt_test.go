package fdt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBlobHeader(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.PropertyString("compatible", "linux,dummy-virt")
	b.PropertyU32("#address-cells", 2)
	b.EndNode()

	blob, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if got := binary.BigEndian.Uint32(blob[0:]); got != fdtMagic {
		t.Fatalf("magic = %#x", got)
	}
	if got := binary.BigEndian.Uint32(blob[4:]); got != uint32(len(blob)) {
		t.Fatalf("totalsize = %d, blob = %d", got, len(blob))
	}
	if got := binary.BigEndian.Uint32(blob[20:]); got != fdtVersion {
		t.Fatalf("version = %d", got)
	}

	stringsOff := binary.BigEndian.Uint32(blob[12:])
	stringsSize := binary.BigEndian.Uint32(blob[32:])
	strs := blob[stringsOff : stringsOff+stringsSize]
	if !bytes.Contains(strs, []byte("compatible\x00")) {
		t.Fatalf("strings block missing property name: %q", strs)
	}
	if !bytes.Contains(blob, []byte("linux,dummy-virt\x00")) {
		t.Fatalf("structure block missing property value")
	}
}

func TestStringDeduplication(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	b.PropertyU32("reg", 1)
	b.BeginNode("child")
	b.PropertyU32("reg", 2)
	b.EndNode()
	b.EndNode()

	blob, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	stringsOff := binary.BigEndian.Uint32(blob[12:])
	stringsSize := binary.BigEndian.Uint32(blob[32:])
	if got := bytes.Count(blob[stringsOff:stringsOff+stringsSize], []byte("reg\x00")); got != 1 {
		t.Fatalf("property name stored %d times, want 1", got)
	}
}

func TestUnterminatedNode(t *testing.T) {
	b := NewBuilder()
	b.BeginNode("")
	if _, err := b.Finish(); err == nil {
		t.Fatalf("finish accepted an unterminated node")
	}
}
