// Package netif pairs a userspace protocol stack instance with a single
// frame device, an IP address assignment, and a per-protocol port manager.
// User sockets bind into an Interface's socket table and are notified after
// every poll; the packet pump decides when polls happen.
package netif

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	ethernetlink "gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/malbeclabs/tapsock/pkg/ports"
	"github.com/malbeclabs/tapsock/pkg/tuntap"
)

const (
	nicID = tcpip.NICID(1)

	defaultChannelSize = 512

	// DefaultPollInterval is the outer bound between polls of one interface;
	// the pump enforces it. Poll records it as the next-poll instant.
	DefaultPollInterval = 100 * time.Millisecond
)

// Handle names one in-stack socket inside an Interface's socket table.
type Handle uint64

type tableEntry struct {
	ep tcpip.Endpoint
	wq *waiter.Queue
}

// BoundSocket is the callback surface a user socket exposes to its
// interface. The interface holds the socket in its bound list between bind
// and close and invokes both methods after every poll.
type BoundSocket interface {
	// OnIfaceEvents refreshes the socket's readiness bitset from its
	// in-stack state.
	OnIfaceEvents()
	// WakeWaiters wakes anything blocked on the socket's wait queue.
	WakeWaiters()
}

// Config describes one Interface.
type Config struct {
	ID     int
	Name   string
	Device Device
	Medium tuntap.Medium
	// Addr is the single IPv4 CIDR assigned to the interface.
	Addr netip.Prefix
	// Default marks the interface used for unspecified-address binds.
	Default bool
	// MAC overrides the generated locally-administered address.
	MAC net.HardwareAddr
	// ChannelSize bounds the stack-side outbound frame queue.
	ChannelSize int

	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Device == nil {
		return fmt.Errorf("device is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !c.Addr.IsValid() || !c.Addr.Addr().Is4() {
		return fmt.Errorf("addr must be an IPv4 prefix")
	}
	if c.MAC != nil && len(c.MAC) != 6 {
		return fmt.Errorf("MAC must be 6 bytes")
	}
	if c.ChannelSize == 0 {
		c.ChannelSize = defaultChannelSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Interface owns one stack instance, one socket table, one port manager and
// the set of user sockets bound to it.
type Interface struct {
	id     int
	name   string
	medium tuntap.Medium
	prefix netip.Prefix
	mac    net.HardwareAddr
	isDef  bool
	log    *slog.Logger
	clock  clockwork.Clock

	// mu orders device I/O against the stack's link queue; Poll holds it for
	// the drain phase only, never while calling back into bound sockets.
	mu    sync.Mutex
	dev   Device
	stk   *stack.Stack
	link  *channel.Endpoint
	rxBuf []byte
	txBuf []byte

	tableMu    sync.Mutex
	table      map[Handle]*tableEntry
	nextHandle uint64

	boundMu sync.RWMutex
	bound   []BoundSocket

	portMgr *ports.Manager

	nextPollAt atomic.Int64 // unix nanos
}

// New builds the stack, creates the NIC over the device's link queue,
// assigns the address, and installs a default route through the NIC.
func New(cfg Config) (*Interface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("netif: invalid config: %w", err)
	}

	mac := cfg.MAC
	if mac == nil {
		mac = generateMAC()
	}

	netProtos := []stack.NetworkProtocolFactory{ipv4.NewProtocol}
	if cfg.Medium == tuntap.MediumEthernet {
		netProtos = append(netProtos, arp.NewProtocol)
	}
	stk := stack.New(stack.Options{
		NetworkProtocols:   netProtos,
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	linkMTU := cfg.Device.MTU()
	ipMTU := linkMTU
	if cfg.Medium == tuntap.MediumEthernet {
		ipMTU -= tuntap.EthernetHeaderLen
	}
	if ipMTU <= 0 {
		return nil, fmt.Errorf("netif: device MTU %d too small", linkMTU)
	}

	link := channel.New(cfg.ChannelSize, uint32(ipMTU), tcpip.LinkAddress(mac))
	var linkEP stack.LinkEndpoint = link
	if cfg.Medium == tuntap.MediumEthernet {
		linkEP = ethernetlink.New(link)
	}
	if err := stk.CreateNIC(nicID, linkEP); err != nil {
		return nil, fmt.Errorf("netif: create NIC: %s", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(cfg.Addr.Addr().As4()),
			PrefixLen: cfg.Addr.Bits(),
		},
	}
	if err := stk.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("netif: add address %s: %s", cfg.Addr, err)
	}

	// Route every outbound IPv4 packet through the NIC; there is nowhere
	// else for it to go.
	subnet, err := tcpip.NewSubnet(tcpip.AddrFrom4([4]byte{}), tcpip.MaskFromBytes(make([]byte, 4)))
	if err != nil {
		return nil, fmt.Errorf("netif: default subnet: %w", err)
	}
	stk.SetRouteTable([]tcpip.Route{{Destination: subnet, NIC: nicID}})

	i := &Interface{
		id:      cfg.ID,
		name:    cfg.Name,
		medium:  cfg.Medium,
		prefix:  cfg.Addr,
		mac:     mac,
		isDef:   cfg.Default,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		dev:     cfg.Device,
		stk:     stk,
		link:    link,
		rxBuf:   make([]byte, linkMTU),
		txBuf:   make([]byte, linkMTU),
		table:   make(map[Handle]*tableEntry),
		portMgr: ports.New(),
	}
	i.nextPollAt.Store(cfg.Clock.Now().Add(DefaultPollInterval).UnixNano())
	return i, nil
}

// generateMAC returns a locally administered unicast address of the form
// 02:00:00:rr:rr:rr.
func generateMAC() net.HardwareAddr {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	var tail [3]byte
	if _, err := rand.Read(tail[:]); err == nil {
		copy(mac[3:], tail[:])
	}
	return mac
}

func (i *Interface) ID() int              { return i.id }
func (i *Interface) Name() string         { return i.name }
func (i *Interface) MAC() net.HardwareAddr { return i.mac }
func (i *Interface) Addr() netip.Prefix   { return i.prefix }
func (i *Interface) IsDefault() bool      { return i.isDef }

// HasAddr reports whether a is one of the interface's assigned addresses.
func (i *Interface) HasAddr(a netip.Addr) bool {
	return i.prefix.Addr() == a
}

// Contains reports whether a falls inside the interface's assigned CIDR.
func (i *Interface) Contains(a netip.Addr) bool {
	return i.prefix.Contains(a)
}

// Ports is the interface's per-protocol port manager.
func (i *Interface) Ports() *ports.Manager { return i.portMgr }

// RawFD reports the device's host file descriptor when it has one.
func (i *Interface) RawFD() (int, bool) {
	if f, ok := i.dev.(RawFDer); ok {
		return f.RawFD(), true
	}
	return -1, false
}

// NextPollAt is the instant recorded by the last Poll as the deadline for
// the next one.
func (i *Interface) NextPollAt() time.Time {
	return time.Unix(0, i.nextPollAt.Load())
}

// UpdateAddrs replaces the interface's address assignment. Exactly one
// prefix is supported.
func (i *Interface) UpdateAddrs(prefixes []netip.Prefix) error {
	if len(prefixes) != 1 {
		return unix.EINVAL
	}
	p := prefixes[0]
	if !p.IsValid() || !p.Addr().Is4() {
		return unix.EINVAL
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	old := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(i.prefix.Addr().As4()),
			PrefixLen: i.prefix.Bits(),
		},
	}
	if err := i.stk.RemoveAddress(nicID, old.AddressWithPrefix.Address); err != nil {
		i.log.Debug("netif: remove old address", "iface", i.name, "error", fmt.Sprint(err))
	}
	next := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFrom4(p.Addr().As4()),
			PrefixLen: p.Bits(),
		},
	}
	if err := i.stk.AddProtocolAddress(nicID, next, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("netif: add address %s: %s", p, err)
	}
	i.prefix = p
	return nil
}

// NewEndpoint creates an in-stack socket for the given transport protocol
// and records it in the socket table.
func (i *Interface) NewEndpoint(proto tcpip.TransportProtocolNumber) (Handle, tcpip.Endpoint, *waiter.Queue, error) {
	wq := new(waiter.Queue)
	ep, err := i.stk.NewEndpoint(proto, ipv4.ProtocolNumber, wq)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("netif: new endpoint: %s", err)
	}
	h := i.addEndpoint(ep, wq)
	return h, ep, wq, nil
}

// AdoptEndpoint records an endpoint created elsewhere in the stack (an
// accepted connection) in the socket table.
func (i *Interface) AdoptEndpoint(ep tcpip.Endpoint, wq *waiter.Queue) Handle {
	return i.addEndpoint(ep, wq)
}

func (i *Interface) addEndpoint(ep tcpip.Endpoint, wq *waiter.Queue) Handle {
	i.tableMu.Lock()
	defer i.tableMu.Unlock()
	i.nextHandle++
	h := Handle(i.nextHandle)
	i.table[h] = &tableEntry{ep: ep, wq: wq}
	metricSocketsInTable.WithLabelValues(i.name).Inc()
	return h
}

// Endpoint resolves a handle to its in-stack socket.
func (i *Interface) Endpoint(h Handle) (tcpip.Endpoint, *waiter.Queue, bool) {
	i.tableMu.Lock()
	defer i.tableMu.Unlock()
	e, ok := i.table[h]
	if !ok {
		return nil, nil, false
	}
	return e.ep, e.wq, true
}

// ReleaseEndpoint removes a handle from the socket table. The endpoint
// itself is the caller's to close.
func (i *Interface) ReleaseEndpoint(h Handle) {
	i.tableMu.Lock()
	defer i.tableMu.Unlock()
	if _, ok := i.table[h]; ok {
		delete(i.table, h)
		metricSocketsInTable.WithLabelValues(i.name).Dec()
	}
}

// EndpointCount is the number of live socket-table entries.
func (i *Interface) EndpointCount() int {
	i.tableMu.Lock()
	defer i.tableMu.Unlock()
	return len(i.table)
}

// BindSocket adds a user socket to the bound list so it receives readiness
// callbacks after each poll.
func (i *Interface) BindSocket(s BoundSocket) {
	i.boundMu.Lock()
	defer i.boundMu.Unlock()
	i.bound = append(i.bound, s)
}

// UnbindSocket removes a user socket from the bound list. No-op if absent.
func (i *Interface) UnbindSocket(s BoundSocket) {
	i.boundMu.Lock()
	defer i.boundMu.Unlock()
	for n, b := range i.bound {
		if b == s {
			i.bound = append(i.bound[:n], i.bound[n+1:]...)
			return
		}
	}
}

// BoundCount is the number of sockets currently on the bound list.
func (i *Interface) BoundCount() int {
	i.boundMu.RLock()
	defer i.boundMu.RUnlock()
	return len(i.bound)
}

// Poll advances the interface: inbound frames are drained from the device
// into the stack, outbound frames from the stack into the device, and then
// every bound socket refreshes its readiness and wakes its waiters. The
// device/stack lock is released before the callbacks run so a socket may
// reach back into the socket table without deadlocking.
func (i *Interface) Poll() {
	i.mu.Lock()
	i.drainDeviceLocked()
	i.drainStackLocked()
	i.nextPollAt.Store(i.clock.Now().Add(DefaultPollInterval).UnixNano())
	i.mu.Unlock()

	metricPolls.WithLabelValues(i.name).Inc()

	i.boundMu.RLock()
	snapshot := make([]BoundSocket, len(i.bound))
	copy(snapshot, i.bound)
	i.boundMu.RUnlock()
	for _, s := range snapshot {
		s.OnIfaceEvents()
		s.WakeWaiters()
	}
}

func (i *Interface) drainDeviceLocked() {
	for {
		n, err := i.dev.Recv(i.rxBuf)
		if err != nil {
			if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
				i.log.Error("netif: device recv", "iface", i.name, "error", err)
			}
			return
		}
		if n == 0 {
			return
		}
		i.injectLocked(i.rxBuf[:n])
		metricFramesReceived.WithLabelValues(i.name).Inc()
	}
}

func (i *Interface) injectLocked(frame []byte) {
	var proto tcpip.NetworkProtocolNumber
	switch i.medium {
	case tuntap.MediumEthernet:
		if len(frame) < header.EthernetMinimumSize {
			return
		}
		proto = header.Ethernet(frame).Type()
	default:
		if len(frame) == 0 {
			return
		}
		switch frame[0] >> 4 {
		case 4:
			proto = ipv4.ProtocolNumber
		default:
			// IPv6 is scaffolded, not wired; drop silently.
			return
		}
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	i.link.InjectInbound(proto, pkt)
	pkt.DecRef()
}

func (i *Interface) drainStackLocked() {
	for {
		pkt := i.link.Read()
		if pkt.IsNil() {
			return
		}
		off := 0
		for _, s := range pkt.AsSlices() {
			off += copy(i.txBuf[off:], s)
		}
		pkt.DecRef()
		if _, err := i.dev.Send(i.txBuf[:off]); err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				// Best effort: TCP retransmits, UDP loses the datagram.
				i.log.Debug("netif: device tx would block, frame dropped", "iface", i.name)
				metricFramesDropped.WithLabelValues(i.name).Inc()
			} else {
				i.log.Error("netif: device send", "iface", i.name, "error", err)
			}
			continue
		}
		metricFramesSent.WithLabelValues(i.name).Inc()
	}
}

// Close tears down the stack and the device.
func (i *Interface) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stk.Close()
	return i.dev.Close()
}
