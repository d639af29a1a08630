// Package sock is the Berkeley-style socket layer: in-process handles
// multiplexed over the interfaces in a netif.Registry. Handles are created
// with New (the socket(2) analogue) and expose the POSIX operation set;
// blocking operations suspend on the socket's wait queue until the packet
// pump reports readiness.
package sock

import (
	"fmt"
	"log/slog"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/posix"
)

// IP protocol numbers accepted by the dispatcher.
const (
	protoHopByHop = 0
	protoTCP      = 6
	protoUDP      = 17
)

// ShutdownHow is the how argument of shutdown(2).
type ShutdownHow int

const (
	ShutRd   ShutdownHow = 0
	ShutWr   ShutdownHow = 1
	ShutRdWr ShutdownHow = 2
)

// shutdown bitset bits; set-only.
const (
	shutdownRcv uint32 = 1 << 0
	shutdownSnd uint32 = 1 << 1
)

func (h ShutdownHow) bits() (uint32, error) {
	switch h {
	case ShutRd:
		return shutdownRcv, nil
	case ShutWr:
		return shutdownSnd, nil
	case ShutRdWr:
		return shutdownRcv | shutdownSnd, nil
	}
	return 0, ErrInvalid
}

// Socket is the polymorphic in-process socket handle. UDP and TCP sockets
// implement it; operations that make no sense for a protocol return
// the appropriate POSIX error.
type Socket interface {
	Bind(local Endpoint) error
	Listen(backlog int) error
	Accept() (Socket, Endpoint, error)
	Connect(remote Endpoint) error

	Recv(buf []byte, flags posix.MsgFlags) (int, error)
	Send(buf []byte, flags posix.MsgFlags) (int, error)
	RecvFrom(buf []byte, flags posix.MsgFlags) (int, Endpoint, error)
	SendTo(buf []byte, flags posix.MsgFlags, to Endpoint) (int, error)

	// Read and Write are recv/send with zero flags.
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)

	GetName() (Endpoint, error)
	GetPeerName() (Endpoint, error)
	GetOption(level posix.OptionLevel, name int, out []byte) (int, error)
	SetOption(level posix.OptionLevel, name int, val []byte) error

	Shutdown(how ShutdownHow) error
	Close() error

	// Poll returns the current readiness bitset.
	Poll() Events

	SetNonblock(nonblock bool)
	SendBufferSize() int
	RecvBufferSize() int
}

// Config carries the dependencies every socket needs.
type Config struct {
	// Registry scopes the interfaces the socket may bind to. Defaults to the
	// process-wide registry.
	Registry *netif.Registry
	Logger   *slog.Logger
}

func (c *Config) validate() {
	if c.Registry == nil {
		c.Registry = netif.DefaultRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New is the socket(2) entry point for the inet family: it dispatches on the
// socket type and protocol and returns a fresh handle. The NONBLOCK flag bit
// in stype is honored; CLOEXEC is meaningless in-process and ignored.
func New(cfg Config, stype posix.SockType, protocol int) (Socket, error) {
	cfg.validate()
	nonblock := stype.IsNonblock()

	switch stype.Type() {
	case posix.SockDatagram:
		switch protocol {
		case protoHopByHop, protoUDP:
			return NewUDP(cfg, nonblock), nil
		}
		return nil, ErrProtoNotSupported
	case posix.SockStream:
		switch protocol {
		case protoHopByHop, protoTCP:
			return NewTCP(cfg, nonblock, IPv4), nil
		}
		return nil, ErrProtoNotSupported
	case posix.SockRaw:
		return nil, ErrNotImplemented
	}
	return nil, ErrProtoNotSupported
}

func endpointV4(e Endpoint) error {
	if !e.Addr.IsValid() {
		return fmt.Errorf("%w: endpoint has no address", ErrInvalid)
	}
	if e.Addr.Is6() && !e.Addr.Is4In6() {
		// IPv6 is scaffolded but not wired through.
		return ErrNotImplemented
	}
	return nil
}
