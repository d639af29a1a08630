package sock

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// Endpoint is an IP socket address. The zero value is not valid; the
// unspecified IPv4 local endpoint is UnspecifiedV4.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// UnspecifiedV4 is 0.0.0.0:0, the local endpoint of a socket before bind.
var UnspecifiedV4 = Endpoint{Addr: netip.IPv4Unspecified()}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// IsUnspecifiedAddr reports whether the address part is the wildcard.
func (e Endpoint) IsUnspecifiedAddr() bool {
	return !e.Addr.IsValid() || e.Addr.IsUnspecified()
}

// IPVersion selects the address family of a stream socket at creation time.
type IPVersion int

const (
	IPv4 IPVersion = iota
	IPv6
)

// fullAddr converts to the stack's address form. An unspecified address maps
// to the empty stack address (bind-any).
func (e Endpoint) fullAddr() tcpip.FullAddress {
	fa := tcpip.FullAddress{Port: e.Port}
	if e.Addr.IsValid() && !e.Addr.IsUnspecified() && e.Addr.Is4() {
		fa.Addr = tcpip.AddrFrom4(e.Addr.As4())
	}
	return fa
}

// endpointFromFull converts the stack's address form back. A zero-length
// stack address becomes the IPv4 wildcard.
func endpointFromFull(fa tcpip.FullAddress) Endpoint {
	e := Endpoint{Addr: netip.IPv4Unspecified(), Port: fa.Port}
	if fa.Addr.Len() == 4 {
		e.Addr = netip.AddrFrom4(fa.Addr.As4())
	}
	return e
}
