// Package fdt builds flattened device tree blobs for the ARM64 boot path.
package fdt

import (
	"encoding/binary"
	"fmt"
)

const (
	fdtMagic      = 0xd00dfeed
	fdtVersion    = 17
	fdtCompatible = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenEnd       = 0x00000009

	headerSize     = 40
	memRsvmapBytes = 16 // empty reservation map terminator
)

// Well-known phandles used across the machine's nodes.
const (
	GICPhandle      uint32 = 1
	ClockPhandle    uint32 = 2
	CPUPhandleStart uint32 = 10
)

// Interrupt specifier cells for the GIC binding.
const (
	GICFdtIrqTypeSPI uint32 = 0
	GICFdtIrqTypePPI uint32 = 1

	IrqTypeEdgeRising uint32 = 1
	IrqTypeLevelHigh  uint32 = 4
)

// Builder accumulates structure and string blocks and assembles the final
// blob. Nodes are emitted depth-first: BeginNode/EndNode must pair up.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
	depth     int
}

// NewBuilder returns an empty device tree builder.
func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

// BeginNode opens a node. The root node uses the empty name.
func (b *Builder) BeginNode(name string) {
	b.appendU32(tokenBeginNode)
	b.appendString(name)
	b.depth++
}

// EndNode closes the most recently opened node.
func (b *Builder) EndNode() {
	b.appendU32(tokenEndNode)
	b.depth--
}

// PropertyEmpty adds a valueless boolean property.
func (b *Builder) PropertyEmpty(name string) {
	b.appendU32(tokenProp)
	b.appendU32(0)
	b.appendU32(b.stringOffset(name))
}

// PropertyString adds a NUL-terminated string property.
func (b *Builder) PropertyString(name, value string) {
	data := append([]byte(value), 0)
	b.property(name, data)
}

// PropertyStringList adds a list of NUL-terminated strings.
func (b *Builder) PropertyStringList(name string, values []string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	b.property(name, data)
}

// PropertyU32 adds a big-endian 32-bit property.
func (b *Builder) PropertyU32(name string, value uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	b.property(name, buf[:])
}

// PropertyU32Array adds an array of big-endian 32-bit cells.
func (b *Builder) PropertyU32Array(name string, values []uint32) {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.BigEndian.PutUint32(data[i*4:], v)
	}
	b.property(name, data)
}

// PropertyU64 adds a big-endian 64-bit property.
func (b *Builder) PropertyU64(name string, value uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	b.property(name, buf[:])
}

// PropertyBytes adds a raw byte property.
func (b *Builder) PropertyBytes(name string, data []byte) {
	b.property(name, data)
}

// PropertyRegPair adds a (address, size) reg property with two 64-bit cells.
func (b *Builder) PropertyRegPair(name string, addr, size uint64) {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], addr)
	binary.BigEndian.PutUint64(buf[8:], size)
	b.property(name, buf[:])
}

// Finish closes the structure block and assembles the blob.
func (b *Builder) Finish() ([]byte, error) {
	if b.depth != 0 {
		return nil, fmt.Errorf("fdt: %d unterminated nodes", b.depth)
	}
	b.appendU32(tokenEnd)

	structOff := uint32(headerSize + memRsvmapBytes)
	structSize := uint32(len(b.structure))
	stringsOff := structOff + structSize
	stringsSize := uint32(len(b.strings))
	totalSize := stringsOff + stringsSize

	blob := make([]byte, totalSize)
	header := blob[:headerSize]
	binary.BigEndian.PutUint32(header[0:], fdtMagic)
	binary.BigEndian.PutUint32(header[4:], totalSize)
	binary.BigEndian.PutUint32(header[8:], structOff)
	binary.BigEndian.PutUint32(header[12:], stringsOff)
	binary.BigEndian.PutUint32(header[16:], headerSize)
	binary.BigEndian.PutUint32(header[20:], fdtVersion)
	binary.BigEndian.PutUint32(header[24:], fdtCompatible)
	binary.BigEndian.PutUint32(header[28:], 0) // boot_cpuid_phys
	binary.BigEndian.PutUint32(header[32:], stringsSize)
	binary.BigEndian.PutUint32(header[36:], structSize)

	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)

	return blob, nil
}

func (b *Builder) property(name string, data []byte) {
	b.appendU32(tokenProp)
	b.appendU32(uint32(len(data)))
	b.appendU32(b.stringOffset(name))
	b.appendBytes(data)
}

func (b *Builder) appendU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure = append(b.structure, buf[:]...)
}

func (b *Builder) appendString(s string) {
	b.structure = append(b.structure, s...)
	b.structure = append(b.structure, 0)
	b.pad()
}

func (b *Builder) appendBytes(data []byte) {
	b.structure = append(b.structure, data...)
	b.pad()
}

func (b *Builder) pad() {
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) stringOffset(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
