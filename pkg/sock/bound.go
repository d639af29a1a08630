package sock

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/ports"
)

// boundInner is the handle pair {interface, in-stack socket} plus the port
// reservation the socket owns on that interface. For the lifetime of a
// boundInner its handle resolves to exactly one entry in the interface's
// socket table; release removes the entry and returns the port.
type boundInner struct {
	iface  *netif.Interface
	handle netif.Handle

	// port reservation; port is zero when this inner owns none (accepted
	// stream children share the listener's port).
	proto ports.Protocol
	port  uint16
}

// bindInner selects an interface for a local address and creates an in-stack
// socket there. An unspecified address lands on the default interface (first
// interface when none is flagged); otherwise the interface owning the
// address, else the one whose CIDR covers it, else ENODEV.
func bindInner(reg *netif.Registry, proto tcpip.TransportProtocolNumber, addr netip.Addr) (*boundInner, error) {
	var iface *netif.Interface
	if !addr.IsValid() || addr.IsUnspecified() {
		iface = reg.Default()
		if iface == nil {
			iface = reg.First()
		}
	} else {
		iface = reg.ByAddr(addr)
		if iface == nil {
			iface = reg.ByCIDR(addr)
		}
	}
	if iface == nil {
		return nil, ErrNoDevice
	}
	h, _, _, err := iface.NewEndpoint(proto)
	if err != nil {
		return nil, ErrProtoNotSupported
	}
	return &boundInner{iface: iface, handle: h}, nil
}

// bindInnerEphemeral selects an interface for an outbound flow toward remote
// and returns the local address to use with it: the remote-owning interface
// (local traffic to ourselves), else the interface whose CIDR contains the
// remote, else the first interface with its own address as the documented
// fallback.
func bindInnerEphemeral(reg *netif.Registry, proto tcpip.TransportProtocolNumber, remote netip.Addr) (*boundInner, netip.Addr, error) {
	var (
		iface *netif.Interface
		local netip.Addr
	)
	if i := reg.ByAddr(remote); i != nil {
		iface, local = i, remote
	} else if i := reg.ByCIDR(remote); i != nil {
		iface, local = i, i.Addr().Addr()
	} else if i := reg.First(); i != nil {
		iface, local = i, i.Addr().Addr()
	}
	if iface == nil {
		return nil, netip.Addr{}, ErrNoDevice
	}
	h, _, _, err := iface.NewEndpoint(proto)
	if err != nil {
		return nil, netip.Addr{}, ErrProtoNotSupported
	}
	return &boundInner{iface: iface, handle: h}, local, nil
}

// endpoint resolves the handle against the interface's socket table.
func (b *boundInner) endpoint() (tcpip.Endpoint, *waiter.Queue, bool) {
	return b.iface.Endpoint(b.handle)
}

// bindPort reserves an explicit port in the interface's port manager and
// records the reservation for release.
func (b *boundInner) bindPort(proto ports.Protocol, port uint16) error {
	if err := b.iface.Ports().Bind(proto, port); err != nil {
		return err
	}
	b.proto, b.port = proto, port
	return nil
}

// bindEphemeralPort reserves an ephemeral port and records the reservation.
func (b *boundInner) bindEphemeralPort(proto ports.Protocol) (uint16, error) {
	port, err := b.iface.Ports().BindEphemeral(proto)
	if err != nil {
		return 0, err
	}
	b.proto, b.port = proto, port
	return port, nil
}

// release removes the in-stack socket from the interface's table and returns
// any port reservation. Safe to call once per inner.
func (b *boundInner) release() {
	b.iface.ReleaseEndpoint(b.handle)
	if b.port != 0 {
		b.iface.Ports().Unbind(b.proto, b.port)
		b.port = 0
	}
}
