package sock

import (
	"bytes"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/ports"
)

// tcpInner is the tagged state variant of a stream socket. The outer
// TCPSocket holds exactly one of these behind its state lock; transitions
// swap the whole value so the slot is never observed half-moved.
type tcpInner interface {
	isTCPInner()
}

func (*tcpInit) isTCPInner()        {}
func (*tcpConnecting) isTCPInner()  {}
func (*tcpListening) isTCPInner()   {}
func (*tcpEstablished) isTCPInner() {}
func (*tcpClosed) isTCPInner()      {}

// tcpClosed is the terminal state after Close.
type tcpClosed struct{}

// tcpInit is a stream socket before connect or listen. Until bind it is not
// placed in any interface; bind reserves the local endpoint and creates the
// in-stack socket.
type tcpInit struct {
	version IPVersion

	// bound state; inner is nil while unbound.
	inner *boundInner
	local Endpoint
}

func newTCPInit(version IPVersion) *tcpInit {
	return &tcpInit{version: version}
}

func (i *tcpInit) bound() bool { return i.inner != nil }

// bind reserves local's port and places the socket in the interface selected
// by local's address. Binding a bound socket is EINVAL.
func (i *tcpInit) bind(reg *netif.Registry, local Endpoint) error {
	if i.bound() {
		return ErrInvalid
	}
	inner, err := bindInner(reg, tcp.ProtocolNumber, local.Addr)
	if err != nil {
		return err
	}
	if err := inner.bindPort(ports.TCP, local.Port); err != nil {
		inner.release()
		return err
	}
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
	i.inner = inner
	i.local = local
	return nil
}

// bindEphemeral places the socket toward remote with an ephemeral port.
func (i *tcpInit) bindEphemeral(reg *netif.Registry, remote Endpoint) error {
	inner, localAddr, err := bindInnerEphemeral(reg, tcp.ProtocolNumber, remote.Addr)
	if err != nil {
		return err
	}
	port, err := inner.bindEphemeralPort(ports.TCP)
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
	i.inner = inner
	i.local = local
	return nil
}

// connect sends the SYN. On success the init state is consumed and a
// connecting state returned; on failure the init state is left bound so the
// reservation survives for a retry.
func (i *tcpInit) connect(reg *netif.Registry, remote Endpoint) (*tcpConnecting, error) {
	if !i.bound() {
		if err := i.bindEphemeral(reg, remote); err != nil {
			return nil, err
		}
	} else if i.local.IsUnspecifiedAddr() {
		// A wildcard-bound socket has no source address to connect from.
		return nil, ErrInvalid
	}
	ep, _, ok := i.inner.endpoint()
	if !ok {
		return nil, ErrInvalid
	}
	terr := ep.Connect(remote.fullAddr())
	switch terr.(type) {
	case *tcpip.ErrConnectStarted:
		return newTCPConnecting(i.inner, i.version), nil
	case nil:
		// Same-stack peers can complete the handshake synchronously.
		c := newTCPConnecting(i.inner, i.version)
		c.result = connectResultConnected
		return c, nil
	default:
		return nil, errnoFromStack(terr)
	}
}

// listen turns the bound socket into a listener with the given backlog.
// On failure the init state is left intact.
func (i *tcpInit) listen(backlog int) (*tcpListening, error) {
	if !i.bound() {
		return nil, ErrInvalid
	}
	if backlog < 1 {
		backlog = 1
	}
	ep, _, ok := i.inner.endpoint()
	if !ok {
		return nil, ErrInvalid
	}
	if terr := ep.Listen(backlog); terr != nil {
		return nil, errnoFromStack(terr)
	}
	return &tcpListening{inner: i.inner, backlog: backlog, listenEP: i.local}, nil
}

// close releases the bound resources, if any.
func (i *tcpInit) close() {
	if i.inner == nil {
		return
	}
	if ep, _, ok := i.inner.endpoint(); ok {
		ep.Close()
	}
	i.inner.release()
}

type connectResult int

const (
	connectResultConnecting connectResult = iota
	connectResultConnected
	connectResultRefused
)

// tcpConnecting is a stream socket with a SYN in flight. The tri-state
// result is settled by updateIOEvents under its own lock; the outer socket
// turns a settled result into a state transition via intoResult.
type tcpConnecting struct {
	inner   *boundInner
	version IPVersion

	mu     sync.Mutex
	result connectResult
}

func newTCPConnecting(inner *boundInner, version IPVersion) *tcpConnecting {
	return &tcpConnecting{inner: inner, version: version}
}

// updateIOEvents observes the in-stack socket and settles the result once.
// Returns true when the result is terminal and the owner must invoke
// intoResult promptly.
func (c *tcpConnecting) updateIOEvents(log *slog.Logger) bool {
	ep, _, ok := c.inner.endpoint()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result != connectResultConnecting {
		// Settled earlier and not yet collected; the owner missed a wakeup.
		log.Warn("tcp: handshake already settled", "result", int(c.result))
		return true
	}
	m := ep.Readiness(waiter.WritableEvents | waiter.EventErr | waiter.EventHUp)
	switch {
	case m&waiter.WritableEvents != 0:
		c.result = connectResultConnected
		return true
	case m&(waiter.EventErr|waiter.EventHUp) != 0:
		c.result = connectResultRefused
		return true
	default:
		return false
	}
}

// intoResult consumes the connecting state: the successor variant plus the
// outcome for the caller. Still-connecting yields itself with would-block.
func (c *tcpConnecting) intoResult() (tcpInner, error) {
	c.mu.Lock()
	result := c.result
	c.mu.Unlock()
	switch result {
	case connectResultConnected:
		return &tcpEstablished{inner: c.inner}, nil
	case connectResultRefused:
		// The reservation and in-stack socket die with the attempt; the
		// socket returns to the fresh unbound state.
		if ep, _, ok := c.inner.endpoint(); ok {
			ep.Close()
		}
		c.inner.release()
		return newTCPInit(c.version), ErrConnectionRefused
	default:
		return c, ErrWouldBlock
	}
}

func (c *tcpConnecting) getName() (Endpoint, error) {
	ep, _, ok := c.inner.endpoint()
	if !ok {
		return Endpoint{}, ErrInvalid
	}
	fa, terr := ep.GetLocalAddress()
	if terr != nil {
		return Endpoint{}, errnoFromStack(terr)
	}
	return endpointFromFull(fa), nil
}

func (c *tcpConnecting) getPeerName() (Endpoint, error) {
	ep, _, ok := c.inner.endpoint()
	if !ok {
		return Endpoint{}, ErrInvalid
	}
	fa, terr := ep.GetRemoteAddress()
	if terr != nil {
		return Endpoint{}, errnoFromStack(terr)
	}
	return endpointFromFull(fa), nil
}

// tcpListening is a listener. The underlying stack maintains the accept
// queue, so the backlog lives in one in-stack socket rather than a pool of
// pre-listening ones; the observable contract (backlog preserved across any
// number of accepts) is the same.
type tcpListening struct {
	inner    *boundInner
	backlog  int
	listenEP Endpoint
}

// accept pops one completed connection. Would-block when the queue is empty.
func (l *tcpListening) accept() (*boundInner, Endpoint, error) {
	ep, _, ok := l.inner.endpoint()
	if !ok {
		return nil, Endpoint{}, ErrInvalid
	}
	var peer tcpip.FullAddress
	child, childWQ, terr := ep.Accept(&peer)
	if terr != nil {
		return nil, Endpoint{}, errnoFromStack(terr)
	}
	h := l.inner.iface.AdoptEndpoint(child, childWQ)
	// The child shares the listener's local port; it owns no reservation.
	childInner := &boundInner{iface: l.inner.iface, handle: h}
	return childInner, endpointFromFull(peer), nil
}

// updateIOEvents mirrors accept-queue occupancy into the In bit.
func (l *tcpListening) updateIOEvents(ev *pollee) {
	ep, _, ok := l.inner.endpoint()
	if !ok {
		return
	}
	ev.assign(EventIn, ep.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents != 0)
}

func (l *tcpListening) close() {
	if ep, _, ok := l.inner.endpoint(); ok {
		ep.Close()
	}
	l.inner.release()
}

// tcpEstablished is a connected stream.
type tcpEstablished struct {
	inner *boundInner
}

// recvSlice reads from the stream. A remote FIN surfaces as 0 bytes with nil
// error, and the In readiness bit stays asserted so repeated reads keep
// returning EOF; a reset or an unexpected stream state surfaces as
// connection-reset.
func (e *tcpEstablished) recvSlice(buf []byte, log *slog.Logger) (int, error) {
	ep, _, ok := e.inner.endpoint()
	if !ok {
		return 0, ErrConnectionReset
	}
	w := tcpip.SliceWriter(buf)
	res, terr := ep.Read(&w, tcpip.ReadOptions{})
	switch terr.(type) {
	case nil:
		return res.Count, nil
	case *tcpip.ErrWouldBlock:
		return 0, ErrWouldBlock
	case *tcpip.ErrClosedForReceive:
		// Remote sent FIN; drained stream reads as EOF.
		return 0, nil
	case *tcpip.ErrConnectionReset:
		return 0, ErrConnectionReset
	default:
		log.Error("tcp: unexpected stream state on recv", "error", terr.String())
		return 0, ErrConnectionReset
	}
}

// sendSlice writes to the stream. Zero bytes accepted is would-block; a
// stream closed by us is broken-pipe; closed under us is connection-reset.
func (e *tcpEstablished) sendSlice(buf []byte, log *slog.Logger) (int, error) {
	ep, _, ok := e.inner.endpoint()
	if !ok {
		return 0, ErrConnectionReset
	}
	n, terr := ep.Write(bytes.NewReader(buf), tcpip.WriteOptions{})
	switch terr.(type) {
	case nil:
		if n == 0 {
			return 0, ErrWouldBlock
		}
		return int(n), nil
	case *tcpip.ErrWouldBlock:
		return 0, ErrWouldBlock
	case *tcpip.ErrClosedForSend:
		return 0, ErrBrokenPipe
	case *tcpip.ErrConnectionReset:
		return 0, ErrConnectionReset
	default:
		log.Error("tcp: unexpected stream state on send", "error", terr.String())
		return 0, ErrConnectionReset
	}
}

// updateIOEvents mirrors stream readability/writability into In/Out.
func (e *tcpEstablished) updateIOEvents(ev *pollee) {
	ep, _, ok := e.inner.endpoint()
	if !ok {
		return
	}
	m := ep.Readiness(waiter.ReadableEvents | waiter.WritableEvents)
	ev.assign(EventIn, m&waiter.ReadableEvents != 0)
	ev.assign(EventOut, m&waiter.WritableEvents != 0)
}

func (e *tcpEstablished) getName() (Endpoint, error) {
	ep, _, ok := e.inner.endpoint()
	if !ok {
		return Endpoint{}, ErrInvalid
	}
	fa, terr := ep.GetLocalAddress()
	if terr != nil {
		return Endpoint{}, errnoFromStack(terr)
	}
	return endpointFromFull(fa), nil
}

func (e *tcpEstablished) getPeerName() (Endpoint, error) {
	ep, _, ok := e.inner.endpoint()
	if !ok {
		return Endpoint{}, ErrInvalid
	}
	fa, terr := ep.GetRemoteAddress()
	if terr != nil {
		return Endpoint{}, errnoFromStack(terr)
	}
	return endpointFromFull(fa), nil
}

func (e *tcpEstablished) close() {
	if ep, _, ok := e.inner.endpoint(); ok {
		ep.Close()
	}
	e.inner.release()
}
