// Package netstack provides the user-mode network backend: a host-side
// TCP/IP stack (gVisor netstack) joined to the guest's net device at the
// ethernet frame level. It serves netdevs that have no tap descriptor.
package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	nicID tcpip.NICID = 1

	frameQueueLen = 4096
	mtu           = 1500
)

var (
	// HostIPv4 is the address the host-side stack answers on.
	HostIPv4 = net.IPv4(10, 42, 0, 1)
	// GuestIPv4 is the address handed to the guest on the same /24.
	GuestIPv4 = net.IPv4(10, 42, 0, 2)

	hostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil {
		panic("netstack: expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

// Endpoint is one user-mode network attachment. Frames written by the guest
// go into the host stack; frames the host stack emits are handed to the
// receiver callback.
type Endpoint struct {
	log *slog.Logger

	gs *stack.Stack
	ch *channel.Endpoint

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	receiver func(frame []byte) error
}

// New creates the host-side stack and starts the outbound frame pump.
func New(log *slog.Logger) (*Endpoint, error) {
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	ep.ch = channel.New(frameQueueLen, mtu+header.EthernetMinimumSize, tcpip.LinkAddress(string(hostMAC)))
	link := ethernet.New(ep.ch)

	ep.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := ep.gs.CreateNIC(nicID, link); err != nil {
		cancel()
		return nil, fmt.Errorf("netstack: create NIC: %s", err)
	}
	if err := ep.gs.AddProtocolAddress(
		nicID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(HostIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		cancel()
		return nil, fmt.Errorf("netstack: add address: %s", err)
	}
	ep.gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})
	ep.gs.SetPromiscuousMode(nicID, true)
	ep.gs.SetSpoofing(nicID, true)

	go ep.pump()

	return ep, nil
}

// SetReceiver installs the guest-bound frame sink.
func (ep *Endpoint) SetReceiver(fn func(frame []byte) error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.receiver = fn
}

// InjectFrame feeds one guest-originated ethernet frame into the host
// stack.
func (ep *Endpoint) InjectFrame(frame []byte) error {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Errorf("netstack: frame of %d bytes below ethernet minimum", len(frame))
	}

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	ep.ch.InjectInbound(0, pkt)
	return nil
}

// pump moves host-stack output toward the guest until the endpoint closes.
func (ep *Endpoint) pump() {
	for {
		pkt := ep.ch.ReadContext(ep.ctx)
		if pkt == nil {
			return
		}
		out := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		ep.mu.Lock()
		receiver := ep.receiver
		ep.mu.Unlock()
		if receiver == nil {
			continue
		}
		if err := receiver(out); err != nil {
			ep.log.Warn("netstack: deliver frame to guest", "error", err)
		}
	}
}

// DialGuestTCP opens a host-side connection to a service inside the guest.
func (ep *Endpoint) DialGuestTCP(port uint16) (net.Conn, error) {
	conn, err := gonet.DialTCP(ep.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: mustAddrFrom4(GuestIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netstack: dial guest: %w", err)
	}
	return conn, nil
}

// ListenTCP exposes a host-side listener the guest can reach at HostIPv4.
func (ep *Endpoint) ListenTCP(port uint16) (net.Listener, error) {
	l, err := gonet.ListenTCP(ep.gs, tcpip.FullAddress{
		NIC:  nicID,
		Addr: mustAddrFrom4(HostIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("netstack: listen: %w", err)
	}
	return l, nil
}

// Close stops the pump and tears the stack down.
func (ep *Endpoint) Close() error {
	ep.cancel()
	ep.ch.Close()
	ep.gs.Close()
	return nil
}
