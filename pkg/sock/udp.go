package sock

import (
	"bytes"
	"log/slog"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/ports"
	"github.com/malbeclabs/tapsock/pkg/posix"
)

// defaultBufferSize is reported for sockets that are not yet placed in a
// stack and so have no real buffer to measure.
const defaultBufferSize = 512 * 1024

// UDPSocket is a datagram socket. It starts unbound; bind (or the ephemeral
// autobind performed by connect/sendto) places it in an interface.
type UDPSocket struct {
	reg *netif.Registry
	log *slog.Logger

	// mu guards the state variant below.
	mu     sync.RWMutex
	inner  *boundInner // nil while unbound
	local  Endpoint
	remote *Endpoint

	nonblock atomic.Bool
	closed   atomic.Bool
	ev       pollee
	wq       *WaitQueue
}

var _ Socket = (*UDPSocket)(nil)
var _ netif.BoundSocket = (*UDPSocket)(nil)

// NewUDP returns an unbound datagram socket.
func NewUDP(cfg Config, nonblock bool) *UDPSocket {
	cfg.validate()
	s := &UDPSocket{
		reg:   cfg.Registry,
		log:   cfg.Logger,
		local: UnspecifiedV4,
		wq:    NewWaitQueue(),
	}
	s.nonblock.Store(nonblock)
	return s
}

// Bind places the socket in an interface and reserves the explicit port.
// Binding twice is EINVAL.
func (s *UDPSocket) Bind(local Endpoint) error {
	if err := endpointV4(local); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed.Load() || s.inner != nil {
		s.mu.Unlock()
		return ErrInvalid
	}

	inner, err := bindInner(s.reg, udp.ProtocolNumber, local.Addr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := inner.bindPort(ports.UDP, local.Port); err != nil {
		inner.release()
		s.mu.Unlock()
		return err
	}
	ep, _, ok := inner.endpoint()
	if !ok {
		inner.release()
		s.mu.Unlock()
		return ErrInvalid
	}
	if terr := ep.Bind(local.fullAddr()); terr != nil {
		ep.Close()
		inner.release()
		s.mu.Unlock()
		return errnoFromStack(terr)
	}

	s.inner = inner
	s.local = local
	s.mu.Unlock()

	inner.iface.BindSocket(s)
	s.OnIfaceEvents()
	return nil
}

// bindEphemeralLocked autobinds toward remote: interface selection by remote
// address, ephemeral port from the port manager. Caller holds mu.
func (s *UDPSocket) bindEphemeralLocked(remote Endpoint) error {
	inner, localAddr, err := bindInnerEphemeral(s.reg, udp.ProtocolNumber, remote.Addr)
	if err != nil {
		return err
	}
	port, err := inner.bindEphemeralPort(ports.UDP)
	if err != nil {
		inner.release()
		return err
	}
	local := Endpoint{Addr: localAddr, Port: port}
	ep, _, ok := inner.endpoint()
	if !ok {
		inner.release()
		return ErrInvalid
	}
	if terr := ep.Bind(local.fullAddr()); terr != nil {
		ep.Close()
		inner.release()
		return errnoFromStack(terr)
	}

	s.inner = inner
	s.local = local
	inner.iface.BindSocket(s)
	return nil
}

// Connect records the remote endpoint, autobinding first when unbound.
func (s *UDPSocket) Connect(remote Endpoint) error {
	if err := endpointV4(remote); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrInvalid
	}
	if s.inner == nil {
		if err := s.bindEphemeralLocked(remote); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	ep, _, ok := s.inner.endpoint()
	if !ok {
		s.mu.Unlock()
		return ErrInvalid
	}
	if terr := ep.Connect(remote.fullAddr()); terr != nil {
		s.mu.Unlock()
		return errnoFromStack(terr)
	}
	r := remote
	s.remote = &r
	s.mu.Unlock()

	s.OnIfaceEvents()
	return nil
}

// Send transmits to the connected remote; EINVAL when not connected.
func (s *UDPSocket) Send(buf []byte, flags posix.MsgFlags) (int, error) {
	s.mu.RLock()
	connected := s.remote != nil
	s.mu.RUnlock()
	if !connected {
		return 0, ErrInvalid
	}
	return s.sendLoop(buf, flags, nil)
}

// SendTo transmits to an explicit destination, autobinding when unbound.
func (s *UDPSocket) SendTo(buf []byte, flags posix.MsgFlags, to Endpoint) (int, error) {
	if err := endpointV4(to); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return 0, ErrInvalid
	}
	if s.inner == nil {
		if err := s.bindEphemeralLocked(to); err != nil {
			s.mu.Unlock()
			return 0, err
		}
	}
	s.mu.Unlock()
	return s.sendLoop(buf, flags, &to)
}

func (s *UDPSocket) sendLoop(buf []byte, flags posix.MsgFlags, to *Endpoint) (int, error) {
	for {
		n, err := s.trySend(buf, to)
		if err == nil {
			s.kickIface()
			return n, nil
		}
		if err != ErrWouldBlock {
			return 0, err
		}
		if s.nonblock.Load() || flags&posix.MsgDontWait != 0 {
			return 0, ErrWouldBlock
		}
		if werr := s.wq.WaitUntil(func() bool {
			return s.ev.test(EventOut) || s.closed.Load()
		}, 0); werr != nil {
			return 0, werr
		}
		if s.closed.Load() {
			return 0, ErrInvalid
		}
	}
}

func (s *UDPSocket) trySend(buf []byte, to *Endpoint) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inner == nil {
		return 0, ErrInvalid
	}
	ep, _, ok := s.inner.endpoint()
	if !ok {
		return 0, ErrInvalid
	}
	var opts tcpip.WriteOptions
	if to != nil {
		fa := to.fullAddr()
		opts.To = &fa
	}
	n, terr := ep.Write(bytes.NewReader(buf), opts)
	if terr != nil {
		return 0, errnoFromStack(terr)
	}
	return int(n), nil
}

// Recv reads one datagram; the sender's address is discarded.
func (s *UDPSocket) Recv(buf []byte, flags posix.MsgFlags) (int, error) {
	n, _, err := s.RecvFrom(buf, flags)
	return n, err
}

// RecvFrom reads one datagram and reports its source. Blocks per the
// socket's mode when nothing is queued.
func (s *UDPSocket) RecvFrom(buf []byte, flags posix.MsgFlags) (int, Endpoint, error) {
	for {
		n, from, err := s.tryRecv(buf)
		if err == nil {
			s.kickIface()
			return n, from, nil
		}
		if err != ErrWouldBlock {
			return 0, Endpoint{}, err
		}
		if s.nonblock.Load() || flags&posix.MsgDontWait != 0 {
			return 0, Endpoint{}, ErrWouldBlock
		}
		if werr := s.wq.WaitUntil(func() bool {
			return s.ev.test(EventIn) || s.closed.Load()
		}, 0); werr != nil {
			return 0, Endpoint{}, werr
		}
		if s.closed.Load() {
			return 0, Endpoint{}, ErrInvalid
		}
	}
}

func (s *UDPSocket) tryRecv(buf []byte) (int, Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inner == nil {
		return 0, Endpoint{}, ErrNotConnected
	}
	ep, _, ok := s.inner.endpoint()
	if !ok {
		return 0, Endpoint{}, ErrInvalid
	}
	w := tcpip.SliceWriter(buf)
	res, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
	if terr != nil {
		return 0, Endpoint{}, errnoFromStack(terr)
	}
	return res.Count, endpointFromFull(res.RemoteAddr), nil
}

// kickIface nudges the owning interface so freshly queued frames leave
// without waiting for the next pump tick. Never called with mu held: the
// poll fans back out into OnIfaceEvents, which takes the lock again.
func (s *UDPSocket) kickIface() {
	s.mu.RLock()
	var ifc *netif.Interface
	if s.inner != nil {
		ifc = s.inner.iface
	}
	s.mu.RUnlock()
	if ifc != nil {
		ifc.Poll()
	}
}

func (s *UDPSocket) Read(buf []byte) (int, error)  { return s.Recv(buf, 0) }
func (s *UDPSocket) Write(buf []byte) (int, error) { return s.Send(buf, 0) }

// Listen is not a datagram operation.
func (s *UDPSocket) Listen(int) error { return ErrNotImplemented }

// Accept is not a datagram operation.
func (s *UDPSocket) Accept() (Socket, Endpoint, error) {
	return nil, Endpoint{}, ErrNotImplemented
}

func (s *UDPSocket) GetName() (Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local, nil
}

func (s *UDPSocket) GetPeerName() (Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remote == nil {
		return Endpoint{}, ErrNotConnected
	}
	return *s.remote, nil
}

func (s *UDPSocket) GetOption(level posix.OptionLevel, name int, out []byte) (int, error) {
	s.log.Warn("udp: getsockopt not implemented", "level", level.String(), "name", name)
	return 0, nil
}

func (s *UDPSocket) SetOption(level posix.OptionLevel, name int, val []byte) error {
	s.log.Warn("udp: setsockopt ignored", "level", level.String(), "name", name)
	return nil
}

// Shutdown on a datagram socket requires a connected remote.
func (s *UDPSocket) Shutdown(how ShutdownHow) error {
	if _, err := how.bits(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remote == nil {
		return ErrNotConnected
	}
	return nil
}

// Close unbinds the port, removes the socket from its interface and releases
// the in-stack socket. Idempotent.
func (s *UDPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	inner := s.inner
	s.inner = nil
	s.remote = nil
	s.mu.Unlock()

	if inner != nil {
		inner.iface.UnbindSocket(s)
		if ep, _, ok := inner.endpoint(); ok {
			ep.Close()
		}
		inner.release()
	}
	s.wq.Wake()
	return nil
}

func (s *UDPSocket) Poll() Events { return s.ev.load() }

func (s *UDPSocket) SetNonblock(nonblock bool) { s.nonblock.Store(nonblock) }

func (s *UDPSocket) SendBufferSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inner == nil {
		return defaultBufferSize
	}
	if ep, _, ok := s.inner.endpoint(); ok {
		return int(ep.SocketOptions().GetSendBufferSize())
	}
	return defaultBufferSize
}

func (s *UDPSocket) RecvBufferSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inner == nil {
		return defaultBufferSize
	}
	if ep, _, ok := s.inner.endpoint(); ok {
		return int(ep.SocketOptions().GetReceiveBufferSize())
	}
	return defaultBufferSize
}

// OnIfaceEvents refreshes readiness from the in-stack socket: In while a
// datagram is queued, Out while the stack will take another.
func (s *UDPSocket) OnIfaceEvents() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inner == nil {
		return
	}
	ep, _, ok := s.inner.endpoint()
	if !ok {
		return
	}
	m := ep.Readiness(waiter.ReadableEvents | waiter.WritableEvents)
	s.ev.assign(EventIn, m&waiter.ReadableEvents != 0)
	s.ev.assign(EventOut, m&waiter.WritableEvents != 0)
}

// WakeWaiters wakes everything blocked on this socket.
func (s *UDPSocket) WakeWaiters() { s.wq.Wake() }
