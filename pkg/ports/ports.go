// Package ports tracks local port allocations for the sockets bound to one
// network interface. Each transport protocol gets an independent namespace:
// a TCP binding of port 80 does not conflict with a UDP binding of port 80.
package ports

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Ephemeral port range, inclusive (IANA dynamic range).
const (
	EphemeralFirst = 49152
	EphemeralLast  = 65535
)

// Protocol selects the allocation namespace.
type Protocol int

const (
	Raw Protocol = iota
	ICMP
	UDP
	TCP
	DHCPv4
	DNS
)

func (p Protocol) String() string {
	switch p {
	case Raw:
		return "raw"
	case ICMP:
		return "icmp"
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	case DHCPv4:
		return "dhcpv4"
	case DNS:
		return "dns"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

type bucket struct {
	mu        sync.Mutex
	allocated map[uint16]struct{}
	// next is the rotating cursor for ephemeral allocation. It always points
	// at the candidate to try first on the next BindEphemeral call.
	next uint16
}

// Manager hands out explicit and ephemeral ports per protocol.
// The zero value is not usable; call New.
type Manager struct {
	mu      sync.Mutex
	buckets map[Protocol]*bucket
}

func New() *Manager {
	return &Manager{buckets: make(map[Protocol]*bucket)}
}

func (m *Manager) bucket(proto Protocol) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[proto]
	if !ok {
		b = &bucket{allocated: make(map[uint16]struct{}), next: EphemeralFirst}
		m.buckets[proto] = b
	}
	return b
}

// Bind reserves an explicit port. Port 0 is reserved and rejected with
// EINVAL; a port that is already allocated under proto fails with EADDRINUSE.
func (m *Manager) Bind(proto Protocol, port uint16) error {
	if port == 0 {
		return unix.EINVAL
	}
	b := m.bucket(proto)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, inUse := b.allocated[port]; inUse {
		return unix.EADDRINUSE
	}
	b.allocated[port] = struct{}{}
	return nil
}

// BindEphemeral reserves a free port from [EphemeralFirst, EphemeralLast],
// scanning from a rotating per-protocol cursor. EADDRINUSE when the whole
// range is allocated.
func (m *Manager) BindEphemeral(proto Protocol) (uint16, error) {
	b := m.bucket(proto)
	b.mu.Lock()
	defer b.mu.Unlock()

	const rangeLen = EphemeralLast - EphemeralFirst + 1
	for i := 0; i < rangeLen; i++ {
		candidate := b.next
		if b.next == EphemeralLast {
			b.next = EphemeralFirst
		} else {
			b.next++
		}
		if _, inUse := b.allocated[candidate]; !inUse {
			b.allocated[candidate] = struct{}{}
			return candidate, nil
		}
	}
	return 0, unix.EADDRINUSE
}

// Unbind releases a reservation. Releasing a port that was never bound is a
// silent no-op.
func (m *Manager) Unbind(proto Protocol, port uint16) {
	b := m.bucket(proto)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allocated, port)
}

// InUse reports whether port is currently allocated under proto.
func (m *Manager) InUse(proto Protocol, port uint16) bool {
	b := m.bucket(proto)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, inUse := b.allocated[port]
	return inUse
}
