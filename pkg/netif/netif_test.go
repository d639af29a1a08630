package netif_test

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/nettest"
	"github.com/malbeclabs/tapsock/pkg/tuntap"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInterface(t *testing.T, id int, cidr string, def bool) *netif.Interface {
	t.Helper()
	dev, _ := nettest.NewPipe(1514)
	iface, err := netif.New(netif.Config{
		ID:      id,
		Name:    "utap",
		Device:  dev,
		Medium:  tuntap.MediumEthernet,
		Addr:    netip.MustParsePrefix(cidr),
		Default: def,
		MAC:     net.HardwareAddr{0x02, 0, 0, 0, 0, byte(id)},
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { iface.Close() })
	return iface
}

func TestConfig_Validate(t *testing.T) {
	t.Run("missing device", func(t *testing.T) {
		_, err := netif.New(netif.Config{Name: "x", Addr: netip.MustParsePrefix("10.0.0.1/24")})
		require.Error(t, err)
	})
	t.Run("missing name", func(t *testing.T) {
		dev, _ := nettest.NewPipe(1514)
		_, err := netif.New(netif.Config{Device: dev, Addr: netip.MustParsePrefix("10.0.0.1/24")})
		require.Error(t, err)
	})
	t.Run("non v4 address", func(t *testing.T) {
		dev, _ := nettest.NewPipe(1514)
		_, err := netif.New(netif.Config{Name: "x", Device: dev, Addr: netip.MustParsePrefix("fe80::1/64")})
		require.Error(t, err)
	})
}

func TestInterface_AddressSelectors(t *testing.T) {
	iface := newTestInterface(t, 1, "192.168.213.2/24", true)

	require.True(t, iface.HasAddr(netip.MustParseAddr("192.168.213.2")))
	require.False(t, iface.HasAddr(netip.MustParseAddr("192.168.213.1")))
	require.True(t, iface.Contains(netip.MustParseAddr("192.168.213.77")))
	require.False(t, iface.Contains(netip.MustParseAddr("10.0.0.1")))
}

func TestInterface_GeneratedMAC(t *testing.T) {
	dev, _ := nettest.NewPipe(1514)
	iface, err := netif.New(netif.Config{
		ID:     7,
		Name:   "utap",
		Device: dev,
		Medium: tuntap.MediumEthernet,
		Addr:   netip.MustParsePrefix("10.1.0.1/24"),
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	defer iface.Close()

	mac := iface.MAC()
	require.Len(t, mac, 6)
	// Locally administered unicast, 02:00:00 prefix.
	require.Equal(t, byte(0x02), mac[0])
	require.Equal(t, byte(0x00), mac[1])
	require.Equal(t, byte(0x00), mac[2])
}

func TestInterface_SocketTable(t *testing.T) {
	iface := newTestInterface(t, 1, "192.168.213.2/24", true)

	h, ep, wq, err := iface.NewEndpoint(udp.ProtocolNumber)
	require.NoError(t, err)
	require.NotNil(t, ep)
	require.NotNil(t, wq)
	require.Equal(t, 1, iface.EndpointCount())

	gotEP, gotWQ, ok := iface.Endpoint(h)
	require.True(t, ok)
	require.Equal(t, ep, gotEP)
	require.Equal(t, wq, gotWQ)

	iface.ReleaseEndpoint(h)
	require.Equal(t, 0, iface.EndpointCount())
	_, _, ok = iface.Endpoint(h)
	require.False(t, ok)

	// Releasing twice is harmless.
	iface.ReleaseEndpoint(h)
	ep.Close()
}

func TestInterface_UpdateAddrs(t *testing.T) {
	iface := newTestInterface(t, 1, "192.168.213.2/24", true)

	require.Error(t, iface.UpdateAddrs(nil))
	require.Error(t, iface.UpdateAddrs([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.1/24"),
		netip.MustParsePrefix("10.0.1.1/24"),
	}))

	require.NoError(t, iface.UpdateAddrs([]netip.Prefix{netip.MustParsePrefix("10.0.0.1/24")}))
	require.True(t, iface.HasAddr(netip.MustParseAddr("10.0.0.1")))
	require.False(t, iface.Contains(netip.MustParseAddr("192.168.213.9")))
}

type recordingSocket struct {
	events int
	wakes  int
}

func (r *recordingSocket) OnIfaceEvents() { r.events++ }
func (r *recordingSocket) WakeWaiters()   { r.wakes++ }

func TestInterface_PollFansOut(t *testing.T) {
	iface := newTestInterface(t, 1, "192.168.213.2/24", true)

	rs := &recordingSocket{}
	iface.BindSocket(rs)
	require.Equal(t, 1, iface.BoundCount())

	iface.Poll()
	iface.Poll()
	require.Equal(t, 2, rs.events)
	require.Equal(t, 2, rs.wakes)

	iface.UnbindSocket(rs)
	require.Equal(t, 0, iface.BoundCount())
	iface.Poll()
	require.Equal(t, 2, rs.events)

	// Unbinding an absent socket is a no-op.
	iface.UnbindSocket(rs)
}

func TestRegistry_Selection(t *testing.T) {
	reg := netif.NewRegistry()
	require.Nil(t, reg.First())
	require.Nil(t, reg.Default())

	i1 := newTestInterface(t, 1, "192.168.213.2/24", false)
	i2 := newTestInterface(t, 2, "10.5.0.1/16", true)
	reg.Insert(i1)
	reg.Insert(i2)

	require.Equal(t, i1, reg.First())
	require.Equal(t, i2, reg.Default())
	require.Equal(t, i1, reg.ByAddr(netip.MustParseAddr("192.168.213.2")))
	require.Nil(t, reg.ByAddr(netip.MustParseAddr("192.168.213.3")))
	require.Equal(t, i1, reg.ByCIDR(netip.MustParseAddr("192.168.213.3")))
	require.Equal(t, i2, reg.ByCIDR(netip.MustParseAddr("10.5.99.1")))
	require.Nil(t, reg.ByCIDR(netip.MustParseAddr("172.16.0.1")))

	got, ok := reg.Get(2)
	require.True(t, ok)
	require.Equal(t, i2, got)

	reg.Remove(1)
	require.Equal(t, i2, reg.First())

	reg.Clear()
	require.Nil(t, reg.First())
}
