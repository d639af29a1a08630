package sock_test

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/nettest"
	"github.com/malbeclabs/tapsock/pkg/sock"
	"github.com/malbeclabs/tapsock/pkg/tuntap"
)

const testMTU = 1514

// host is one side of an in-memory wire: its own registry, one interface,
// and the socket config scoped to it. Two hosts linked by a pipe behave
// like two machines on the same segment.
type host struct {
	reg   *netif.Registry
	iface *netif.Interface
	cfg   sock.Config
	addr  netip.Addr
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHost(t *testing.T, id int, cidr string, mac net.HardwareAddr, dev netif.Device) host {
	t.Helper()
	logger := quietLogger()
	prefix := netip.MustParsePrefix(cidr)
	iface, err := netif.New(netif.Config{
		ID:      id,
		Name:    "utap",
		Device:  dev,
		Medium:  tuntap.MediumEthernet,
		Addr:    prefix,
		Default: true,
		MAC:     mac,
		Logger:  logger,
	})
	require.NoError(t, err)
	reg := netif.NewRegistry()
	reg.Insert(iface)
	return host{
		reg:   reg,
		iface: iface,
		cfg:   sock.Config{Registry: reg, Logger: logger},
		addr:  prefix.Addr(),
	}
}

// newLinkedHosts wires two hosts back to back and starts a poller standing
// in for the packet pump.
func newLinkedHosts(t *testing.T) (host, host) {
	t.Helper()
	devA, devB := nettest.NewPipe(testMTU)
	a := newHost(t, 1, "192.168.213.2/24", net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}, devA)
	b := newHost(t, 2, "192.168.213.1/24", net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}, devB)

	poller := nettest.NewPoller(time.Millisecond, a.iface, b.iface)
	t.Cleanup(func() {
		poller.Stop()
		a.iface.Close()
		b.iface.Close()
	})
	return a, b
}

func ep(addr string, port uint16) sock.Endpoint {
	return sock.Endpoint{Addr: netip.MustParseAddr(addr), Port: port}
}

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }
