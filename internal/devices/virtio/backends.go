package virtio

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
)

// baseDevice provides the zero-value behavior shared by the backend shells.
type baseDevice struct {
	mu        sync.Mutex
	activated bool
}

func (d *baseDevice) WriteConfig(offset uint64, data []byte) error {
	return fmt.Errorf("virtio: config space is read-only at offset %#x", offset)
}

func (d *baseDevice) Activate(negotiated uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = true
	return nil
}

func (d *baseDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activated = false
	return nil
}

func readConfigWindow(config []byte, offset uint64, data []byte) error {
	if offset >= uint64(len(config)) {
		return fmt.Errorf("virtio: config read at %#x past %#x", offset, len(config))
	}
	n := copy(data, config[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// Block is the block backend shell: it owns the backing file and exposes
// the capacity through the config space.
type Block struct {
	baseDevice

	file     *os.File
	readOnly bool
	capacity uint64 // in 512-byte sectors
}

// NewBlock opens the backing file of a block device.
func NewBlock(path string, readOnly, direct bool) (*Block, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio: open block backing %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtio: stat block backing %s: %w", path, err)
	}

	return &Block{
		file:     f,
		readOnly: readOnly,
		capacity: uint64(info.Size()) / 512,
	}, nil
}

// Close releases the backing file.
func (b *Block) Close() error { return b.file.Close() }

// DeviceID implements Device.
func (b *Block) DeviceID() uint32 { return DeviceIDBlock }

// Features implements Device.
func (b *Block) Features() uint64 {
	const featureReadOnly = 1 << 5
	if b.readOnly {
		return featureReadOnly
	}
	return 0
}

// ReadConfig implements Device: the first config field is the capacity in
// sectors.
func (b *Block) ReadConfig(offset uint64, data []byte) error {
	var config [8]byte
	binary.LittleEndian.PutUint64(config[:], b.capacity)
	return readConfigWindow(config[:], offset, data)
}

// FrameEndpoint is the frame-level contract of a user-mode network stack.
type FrameEndpoint interface {
	SetReceiver(fn func(frame []byte) error)
	InjectFrame(frame []byte) error
	Close() error
}

// Net is the net backend shell: a tap descriptor or a user-mode frame
// endpoint, plus the MAC announced through the config space.
type Net struct {
	baseDevice

	mac   net.HardwareAddr
	tapFd int // -1 when backed by the user-mode stack
	user  FrameEndpoint
}

// NewNet creates a tap-backed net backend with the inherited descriptor.
func NewNet(mac net.HardwareAddr, fd int) (*Net, error) {
	return newNet(mac, fd, nil)
}

// NewUserNet creates a net backend served by a user-mode stack endpoint.
func NewUserNet(mac net.HardwareAddr, ep FrameEndpoint) (*Net, error) {
	return newNet(mac, -1, ep)
}

func newNet(mac net.HardwareAddr, fd int, ep FrameEndpoint) (*Net, error) {
	if mac == nil {
		mac = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("virtio: bad MAC length %d", len(mac))
	}
	return &Net{mac: mac, tapFd: fd, user: ep}, nil
}

// TapFd returns the inherited descriptor, or -1.
func (n *Net) TapFd() int { return n.tapFd }

// UserEndpoint returns the user-mode stack endpoint, if any.
func (n *Net) UserEndpoint() FrameEndpoint { return n.user }

// Reset implements Device; it also detaches the user-mode receiver.
func (n *Net) Reset() error {
	if n.user != nil {
		n.user.SetReceiver(nil)
	}
	return n.baseDevice.Reset()
}

// DeviceID implements Device.
func (n *Net) DeviceID() uint32 { return DeviceIDNet }

// Features implements Device.
func (n *Net) Features() uint64 {
	const featureMAC = 1 << 5
	return featureMAC
}

// ReadConfig implements Device.
func (n *Net) ReadConfig(offset uint64, data []byte) error {
	return readConfigWindow(n.mac, offset, data)
}

// Console is the paravirtualized console backend shell.
type Console struct {
	baseDevice
}

// NewConsole creates a console backend.
func NewConsole() *Console { return &Console{} }

// DeviceID implements Device.
func (c *Console) DeviceID() uint32 { return DeviceIDConsole }

// Features implements Device.
func (c *Console) Features() uint64 { return 0 }

// ReadConfig implements Device: cols and rows, both unknown.
func (c *Console) ReadConfig(offset uint64, data []byte) error {
	var config [4]byte
	return readConfigWindow(config[:], offset, data)
}

// Vsock is the vsock backend shell carrying the guest CID.
type Vsock struct {
	baseDevice

	guestCID uint64
}

// NewVsock creates a vsock backend for the given guest CID.
func NewVsock(guestCID uint64) (*Vsock, error) {
	if guestCID < 3 {
		return nil, fmt.Errorf("virtio: guest CID %d is reserved", guestCID)
	}
	return &Vsock{guestCID: guestCID}, nil
}

// DeviceID implements Device.
func (v *Vsock) DeviceID() uint32 { return DeviceIDVsock }

// Features implements Device.
func (v *Vsock) Features() uint64 { return 0 }

// ReadConfig implements Device: the 64-bit guest CID.
func (v *Vsock) ReadConfig(offset uint64, data []byte) error {
	var config [8]byte
	binary.LittleEndian.PutUint64(config[:], v.guestCID)
	return readConfigWindow(config[:], offset, data)
}

var (
	_ Device = &Block{}
	_ Device = &Net{}
	_ Device = &Console{}
	_ Device = &Vsock{}
)
