package sock

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/posix"
)

// TCPSocket is a stream socket. Its life is a walk through the tcpInner
// variants: Init (optionally bound), then either Connecting and Established
// or Listening, and finally closed. All other transitions are EINVAL.
type TCPSocket struct {
	reg *netif.Registry
	log *slog.Logger

	// mu guards the state variant. Transitions take the old variant out,
	// compute the new one plus a result, and put the new one back before the
	// lock is released.
	mu    sync.RWMutex
	inner tcpInner
	// connErr holds a handshake failure collected by the pump before the
	// blocked connect could observe it.
	connErr error

	shutdown atomic.Uint32
	nonblock atomic.Bool
	closed   atomic.Bool
	ev       pollee
	wq       *WaitQueue
}

var _ Socket = (*TCPSocket)(nil)
var _ netif.BoundSocket = (*TCPSocket)(nil)

// NewTCP returns a stream socket in the initial unbound state.
func NewTCP(cfg Config, nonblock bool, version IPVersion) *TCPSocket {
	cfg.validate()
	s := &TCPSocket{
		reg:   cfg.Registry,
		log:   cfg.Logger,
		inner: newTCPInit(version),
		wq:    NewWaitQueue(),
	}
	s.nonblock.Store(nonblock)
	return s
}

// newTCPEstablished wraps an accepted connection in a fresh user socket.
func newTCPEstablished(reg *netif.Registry, log *slog.Logger, inner *boundInner, nonblock bool) *TCPSocket {
	s := &TCPSocket{
		reg:   reg,
		log:   log,
		inner: &tcpEstablished{inner: inner},
		wq:    NewWaitQueue(),
	}
	s.nonblock.Store(nonblock)
	s.ev.set(EventIn | EventOut)
	return s
}

// Bind reserves the local endpoint. Only valid in the initial state.
func (s *TCPSocket) Bind(local Endpoint) error {
	if err := endpointV4(local); err != nil {
		return err
	}
	s.mu.Lock()
	init, ok := s.inner.(*tcpInit)
	if !ok {
		s.mu.Unlock()
		return ErrInvalid
	}
	if err := init.bind(s.reg, local); err != nil {
		s.mu.Unlock()
		return err
	}
	iface := init.inner.iface
	s.mu.Unlock()

	iface.BindSocket(s)
	return nil
}

// Listen turns a bound socket into a listener.
func (s *TCPSocket) Listen(backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	init, ok := s.inner.(*tcpInit)
	if !ok {
		return ErrInvalid
	}
	listening, err := init.listen(backlog)
	if err != nil {
		// init is untouched on failure; the bound state survives.
		return err
	}
	s.inner = listening
	return nil
}

// Accept pops one completed connection and hands it out as an established
// socket. Blocks per the socket's mode while the queue is empty.
func (s *TCPSocket) Accept() (Socket, Endpoint, error) {
	for {
		child, peer, err := s.tryAccept()
		if err == nil {
			return child, peer, nil
		}
		if err != ErrWouldBlock {
			return nil, Endpoint{}, err
		}
		if s.nonblock.Load() {
			return nil, Endpoint{}, ErrWouldBlock
		}
		if werr := s.wq.WaitUntil(func() bool {
			return s.ev.test(EventIn) || s.closed.Load()
		}, 0); werr != nil {
			return nil, Endpoint{}, werr
		}
		if s.closed.Load() {
			return nil, Endpoint{}, ErrInvalid
		}
	}
}

func (s *TCPSocket) tryAccept() (Socket, Endpoint, error) {
	s.mu.RLock()
	listening, ok := s.inner.(*tcpListening)
	if !ok {
		s.mu.RUnlock()
		return nil, Endpoint{}, ErrInvalid
	}
	childInner, peer, err := listening.accept()
	s.mu.RUnlock()
	if err != nil {
		return nil, Endpoint{}, err
	}

	child := newTCPEstablished(s.reg, s.log, childInner, s.nonblock.Load())
	childInner.iface.BindSocket(child)
	return child, peer, nil
}

// Connect starts the handshake and, in blocking mode, waits for its outcome.
// In nonblocking mode the first call returns in-progress and subsequent
// calls report already until the handshake settles.
func (s *TCPSocket) Connect(remote Endpoint) error {
	if err := endpointV4(remote); err != nil {
		return err
	}
	if err := s.startConnect(remote); err != nil {
		return err
	}
	for {
		err := s.checkConnect()
		if err != ErrWouldBlock {
			return err
		}
		if werr := s.wq.WaitUntil(func() bool {
			return !s.connectPending() || s.closed.Load()
		}, 0); werr != nil {
			return werr
		}
		if s.closed.Load() {
			return ErrInvalid
		}
	}
}

// startConnect performs the one-shot Init -> Connecting transition.
func (s *TCPSocket) startConnect(remote Endpoint) error {
	s.mu.Lock()
	var (
		result       error
		startedIface *netif.Interface
	)
	var needsRegister bool
	switch v := s.inner.(type) {
	case *tcpInit:
		// A socket bound explicitly is already on its interface's list; one
		// autobound here still needs registering.
		needsRegister = !v.bound()
		s.connErr = nil
		conn, err := v.connect(s.reg, remote)
		if err != nil {
			// v keeps its bound state; the slot is already consistent.
			result = err
			break
		}
		s.inner = conn
		startedIface = conn.inner.iface
		if s.nonblock.Load() {
			result = ErrInProgress
		}
	case *tcpConnecting:
		if s.nonblock.Load() {
			result = ErrAlready
		}
	case *tcpListening, *tcpEstablished:
		result = ErrIsConnected
	default:
		result = ErrInvalid
	}
	s.mu.Unlock()

	if startedIface != nil {
		if needsRegister {
			startedIface.BindSocket(s)
		}
		// Push the SYN out now rather than on the next pump tick.
		startedIface.Poll()
	}
	return result
}

// connectPending reports whether the socket is still mid-handshake with an
// unsettled result.
func (s *TCPSocket) connectPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.inner.(*tcpConnecting)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result == connectResultConnecting
}

// checkConnect collects the handshake outcome, transitioning the state
// machine when it has settled.
func (s *TCPSocket) checkConnect() error {
	s.updateEvents()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := s.inner.(type) {
	case *tcpConnecting:
		refIface := v.inner.iface
		next, err := v.intoResult()
		s.inner = next
		switch next.(type) {
		case *tcpEstablished:
			s.ev.set(EventIn | EventOut)
		case *tcpInit:
			// Refused: the socket left the interface entirely.
			refIface.UnbindSocket(s)
		}
		return err
	case *tcpEstablished:
		return nil
	default:
		if s.connErr != nil {
			err := s.connErr
			s.connErr = nil
			return err
		}
		return ErrInvalid
	}
}

// finishConnect is the pump-side twin of checkConnect, invoked when a poll
// observes a settled handshake.
func (s *TCPSocket) finishConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.inner.(*tcpConnecting)
	if !ok {
		return
	}
	refIface := c.inner.iface
	next, err := c.intoResult()
	s.inner = next
	switch next.(type) {
	case *tcpEstablished:
		s.ev.set(EventIn | EventOut)
	case *tcpInit:
		// Keep the refusal for the connect call that started the handshake,
		// and take the socket off the interface it briefly lived on.
		s.connErr = err
		refIface.UnbindSocket(s)
	}
}

// Recv reads from the stream, blocking per the socket's mode.
func (s *TCPSocket) Recv(buf []byte, flags posix.MsgFlags) (int, error) {
	for {
		n, err := s.tryRecv(buf)
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
			return s.ev.test(EventIn) || s.closed.Load()
		}, 0); werr != nil {
			return 0, werr
		}
	}
}

func (s *TCPSocket) tryRecv(buf []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch v := s.inner.(type) {
	case *tcpEstablished:
		return v.recvSlice(buf, s.log)
	case *tcpClosed:
		return 0, ErrConnectionReset
	default:
		return 0, ErrInvalid
	}
}

// Send writes to the stream, blocking per the socket's mode.
func (s *TCPSocket) Send(buf []byte, flags posix.MsgFlags) (int, error) {
	for {
		n, err := s.trySend(buf)
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
	}
}

func (s *TCPSocket) trySend(buf []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch v := s.inner.(type) {
	case *tcpEstablished:
		return v.sendSlice(buf, s.log)
	case *tcpClosed:
		return 0, ErrBrokenPipe
	default:
		return 0, ErrInvalid
	}
}

// kickIface polls the owning interface so queued segments move immediately.
// Never called with mu held.
func (s *TCPSocket) kickIface() {
	s.mu.RLock()
	var ifc *netif.Interface
	switch v := s.inner.(type) {
	case *tcpInit:
		if v.inner != nil {
			ifc = v.inner.iface
		}
	case *tcpConnecting:
		ifc = v.inner.iface
	case *tcpListening:
		ifc = v.inner.iface
	case *tcpEstablished:
		ifc = v.inner.iface
	}
	s.mu.RUnlock()
	if ifc != nil {
		ifc.Poll()
	}
}

func (s *TCPSocket) Read(buf []byte) (int, error)  { return s.Recv(buf, 0) }
func (s *TCPSocket) Write(buf []byte) (int, error) { return s.Send(buf, 0) }

// RecvFrom on a stream reports the connected peer as the source.
func (s *TCPSocket) RecvFrom(buf []byte, flags posix.MsgFlags) (int, Endpoint, error) {
	n, err := s.Recv(buf, flags)
	if err != nil {
		return 0, Endpoint{}, err
	}
	peer, err := s.GetPeerName()
	if err != nil {
		peer = Endpoint{}
	}
	return n, peer, nil
}

// SendTo on a connected stream ignores the address, per POSIX.
func (s *TCPSocket) SendTo(buf []byte, flags posix.MsgFlags, _ Endpoint) (int, error) {
	return s.Send(buf, flags)
}

func (s *TCPSocket) GetName() (Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch v := s.inner.(type) {
	case *tcpInit:
		if v.bound() {
			return v.local, nil
		}
		if v.version == IPv6 {
			return Endpoint{}, ErrNotImplemented
		}
		return UnspecifiedV4, nil
	case *tcpConnecting:
		return v.getName()
	case *tcpListening:
		return v.listenEP, nil
	case *tcpEstablished:
		return v.getName()
	default:
		return Endpoint{}, ErrInvalid
	}
}

func (s *TCPSocket) GetPeerName() (Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch v := s.inner.(type) {
	case *tcpConnecting:
		return v.getPeerName()
	case *tcpEstablished:
		return v.getPeerName()
	default:
		return Endpoint{}, ErrNotConnected
	}
}

func (s *TCPSocket) GetOption(level posix.OptionLevel, name int, out []byte) (int, error) {
	s.log.Warn("tcp: getsockopt not implemented", "level", level.String(), "name", name)
	return 0, nil
}

// SetOption honors TCP_NODELAY and TCP_KEEPINTVL on established sockets;
// TCP_KEEPCNT and TCP_KEEPIDLE are accepted and ignored. Non-TCP levels are
// accepted with a warning.
func (s *TCPSocket) SetOption(level posix.OptionLevel, name int, val []byte) error {
	if level != posix.SolTCP {
		s.log.Warn("tcp: setsockopt on unsupported level ignored", "level", level.String(), "name", name)
		return nil
	}
	switch name {
	case posix.TCPNoDelay:
		if len(val) < 1 {
			return ErrInvalid
		}
		return s.withEstablished(func(ep tcpip.Endpoint) error {
			noDelay := val[0] != 0
			ep.SocketOptions().SetDelayOption(!noDelay)
			return nil
		})
	case posix.TCPKeepIntvl:
		if len(val) != 4 {
			return ErrInvalid
		}
		secs := binary.NativeEndian.Uint32(val)
		return s.withEstablished(func(ep tcpip.Endpoint) error {
			opt := tcpip.KeepaliveIntervalOption(time.Duration(secs) * time.Second)
			if terr := ep.SetSockOpt(&opt); terr != nil {
				return errnoFromStack(terr)
			}
			ep.SocketOptions().SetKeepAlive(true)
			return nil
		})
	case posix.TCPKeepCnt, posix.TCPKeepIdle:
		// Accepted but not wired to the stack's keepalive controls.
		s.log.Debug("tcp: setsockopt accepted and ignored", "name", name)
		return nil
	default:
		s.log.Debug("tcp: setsockopt option not supported", "name", name)
		return nil
	}
}

func (s *TCPSocket) withEstablished(f func(ep tcpip.Endpoint) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	est, ok := s.inner.(*tcpEstablished)
	if !ok {
		return ErrInvalid
	}
	ep, _, ok := est.inner.endpoint()
	if !ok {
		return ErrInvalid
	}
	return f(ep)
}

// Shutdown ORs the requested bits into the shutdown bitset (set-only) and
// forwards the closure to the stream when established.
func (s *TCPSocket) Shutdown(how ShutdownHow) error {
	bits, err := how.bits()
	if err != nil {
		return err
	}
	for {
		old := s.shutdown.Load()
		if s.shutdown.CompareAndSwap(old, old|bits) {
			if old|bits == old {
				// Nothing new; idempotent.
				return nil
			}
			break
		}
	}
	var flags tcpip.ShutdownFlags
	if bits&shutdownRcv != 0 {
		flags |= tcpip.ShutdownRead
	}
	if bits&shutdownSnd != 0 {
		flags |= tcpip.ShutdownWrite
	}
	_ = s.withEstablished(func(ep tcpip.Endpoint) error {
		if terr := ep.Shutdown(flags); terr != nil {
			s.log.Debug("tcp: stack shutdown", "error", terr.String())
		}
		return nil
	})
	s.kickIface()
	return nil
}

// Close tears the socket down whatever its state and removes it from its
// interface. Idempotent.
func (s *TCPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	inner := s.inner
	s.inner = &tcpClosed{}
	s.mu.Unlock()

	var iface *netif.Interface
	switch v := inner.(type) {
	case *tcpInit:
		if v.bound() {
			iface = v.inner.iface
		}
		v.close()
	case *tcpConnecting:
		// The in-stack socket is live regardless of handshake progress;
		// close it like an established stream.
		iface = v.inner.iface
		est := &tcpEstablished{inner: v.inner}
		est.close()
	case *tcpListening:
		iface = v.inner.iface
		v.close()
	case *tcpEstablished:
		iface = v.inner.iface
		v.close()
	}
	if iface != nil {
		iface.UnbindSocket(s)
		iface.Poll()
	}
	// Wake blockers; their retry observes the closed state.
	s.ev.set(EventIn | EventOut | EventHup)
	s.wq.Wake()
	return nil
}

func (s *TCPSocket) Poll() Events { return s.ev.load() }

func (s *TCPSocket) SetNonblock(nonblock bool) { s.nonblock.Store(nonblock) }

func (s *TCPSocket) SendBufferSize() int {
	var size int
	if err := s.withAnyEndpoint(func(ep tcpip.Endpoint) {
		size = int(ep.SocketOptions().GetSendBufferSize())
	}); err != nil {
		return defaultBufferSize
	}
	return size
}

func (s *TCPSocket) RecvBufferSize() int {
	var size int
	if err := s.withAnyEndpoint(func(ep tcpip.Endpoint) {
		size = int(ep.SocketOptions().GetReceiveBufferSize())
	}); err != nil {
		return defaultBufferSize
	}
	return size
}

func (s *TCPSocket) withAnyEndpoint(f func(ep tcpip.Endpoint)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b *boundInner
	switch v := s.inner.(type) {
	case *tcpInit:
		b = v.inner
	case *tcpConnecting:
		b = v.inner
	case *tcpListening:
		b = v.inner
	case *tcpEstablished:
		b = v.inner
	}
	if b == nil {
		return ErrInvalid
	}
	ep, _, ok := b.endpoint()
	if !ok {
		return ErrInvalid
	}
	f(ep)
	return nil
}

// updateEvents refreshes the readiness bitset from the current variant and
// reports whether a settled handshake needs collecting.
func (s *TCPSocket) updateEvents() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch v := s.inner.(type) {
	case *tcpConnecting:
		return v.updateIOEvents(s.log)
	case *tcpListening:
		v.updateIOEvents(&s.ev)
	case *tcpEstablished:
		v.updateIOEvents(&s.ev)
	}
	return false
}

// OnIfaceEvents is the per-poll readiness refresh; it also completes a
// settled handshake so a blocked connect observes the outcome.
func (s *TCPSocket) OnIfaceEvents() {
	if s.updateEvents() {
		s.finishConnect()
	}
}

// WakeWaiters wakes everything blocked on this socket.
func (s *TCPSocket) WakeWaiters() { s.wq.Wake() }
