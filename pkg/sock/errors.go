package sock

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// The error kinds surfaced by the socket API. All are unix.Errno values, so
// callers can match either the sentinel (errors.Is(err, sock.ErrWouldBlock))
// or the raw errno.
var (
	ErrInvalid           error = unix.EINVAL
	ErrWouldBlock        error = unix.EAGAIN
	ErrInProgress        error = unix.EINPROGRESS
	ErrAlready           error = unix.EALREADY
	ErrIsConnected       error = unix.EISCONN
	ErrNotConnected      error = unix.ENOTCONN
	ErrAddressInUse      error = unix.EADDRINUSE
	ErrNoDevice          error = unix.ENODEV
	ErrConnectionRefused error = unix.ECONNREFUSED
	ErrConnectionReset   error = unix.ECONNRESET
	ErrBrokenPipe        error = unix.EPIPE
	ErrProtoNotSupported error = unix.EPROTONOSUPPORT
	ErrNotImplemented    error = unix.ENOSYS
	ErrTimedOut          error = unix.ETIMEDOUT
)

// errnoFromStack translates the protocol engine's typed errors into the
// POSIX kinds above. Recv/send paths refine some of these further (EOF,
// broken pipe) based on stream state.
func errnoFromStack(err tcpip.Error) error {
	switch err.(type) {
	case nil:
		return nil
	case *tcpip.ErrWouldBlock:
		return ErrWouldBlock
	case *tcpip.ErrConnectStarted:
		return ErrInProgress
	case *tcpip.ErrAlreadyConnecting:
		return ErrAlready
	case *tcpip.ErrAlreadyConnected:
		return ErrIsConnected
	case *tcpip.ErrConnectionRefused:
		return ErrConnectionRefused
	case *tcpip.ErrConnectionReset, *tcpip.ErrConnectionAborted:
		return ErrConnectionReset
	case *tcpip.ErrClosedForSend:
		return ErrBrokenPipe
	case *tcpip.ErrNotConnected:
		return ErrNotConnected
	case *tcpip.ErrPortInUse, *tcpip.ErrNoPortAvailable:
		return ErrAddressInUse
	case *tcpip.ErrTimeout:
		return ErrTimedOut
	case *tcpip.ErrHostUnreachable:
		return ErrNoDevice
	default:
		return ErrInvalid
	}
}
