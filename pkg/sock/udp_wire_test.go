package sock_test

import (
	"net"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/tapsock/pkg/nettest"
	"github.com/malbeclabs/tapsock/pkg/posix"
	"github.com/malbeclabs/tapsock/pkg/sock"
)

// wirePeer plays the host-native side of the TAP link: it owns the raw end
// of the pipe and speaks Ethernet/ARP/IPv4/UDP directly.
type wirePeer struct {
	t   *testing.T
	dev *nettest.PipeDevice
	mac net.HardwareAddr
	ip  net.IP
}

func (p *wirePeer) sendUDP(dstMAC net.HardwareAddr, dstIP net.IP, srcPort, dstPort uint16, payload []byte) {
	eth := &layers.Ethernet{
		SrcMAC:       p.mac,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    p.ip,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	require.NoError(p.t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(p.t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	_, err := p.dev.Send(buf.Bytes())
	require.NoError(p.t, err)
}

func (p *wirePeer) sendARPReply(dstMAC net.HardwareAddr, dstIP net.IP) {
	eth := &layers.Ethernet{
		SrcMAC:       p.mac,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   p.mac,
		SourceProtAddress: p.ip.To4(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.To4(),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(p.t, gopacket.SerializeLayers(buf, opts, eth, arp))
	_, err := p.dev.Send(buf.Bytes())
	require.NoError(p.t, err)
}

// readFrame waits for the stack to emit a frame on the wire.
func (p *wirePeer) readFrame(timeout time.Duration) (gopacket.Packet, bool) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 2048)
	for time.Now().Before(deadline) {
		n, err := p.dev.Recv(buf)
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(p.t, err)
		return gopacket.NewPacket(append([]byte(nil), buf[:n]...), layers.LayerTypeEthernet, gopacket.Default), true
	}
	return nil, false
}

// TestUDP_WirePeer drives the UDP echo scenario at the frame level: the
// peer is not another stack instance but hand-built Ethernet frames,
// including the ARP exchange the stack needs before it can transmit.
func TestUDP_WirePeer(t *testing.T) {
	stackEnd, wireEnd := nettest.NewPipe(testMTU)
	uut := newHost(t, 1, "192.168.213.2/24", net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}, stackEnd)
	poller := nettest.NewPoller(time.Millisecond, uut.iface)
	t.Cleanup(func() {
		poller.Stop()
		uut.iface.Close()
	})

	peer := &wirePeer{
		t:   t,
		dev: wireEnd,
		mac: net.HardwareAddr{0x02, 0, 0, 0, 0, 0xaa},
		ip:  net.IPv4(192, 168, 213, 1).To4(),
	}

	s, err := sock.New(uut.cfg, posix.SockDatagram, 0)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Bind(ep("192.168.213.2", 1234)))

	// Peer -> stack. The destination MAC is the interface's own.
	peer.sendUDP(uut.iface.MAC(), net.IPv4(192, 168, 213, 2), 12345, 1234, []byte("hello"))

	buf := make([]byte, 64)
	n, from, err := s.RecvFrom(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, ep("192.168.213.1", 12345), from)

	// Stack -> peer. The stack must first resolve the peer's MAC; answer
	// its ARP request, then expect the datagram.
	go func() {
		_, _ = s.SendTo([]byte("world"), 0, ep("192.168.213.1", 12345))
	}()

	sawUDP := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !sawUDP {
		pkt, ok := peer.readFrame(time.Second)
		require.True(t, ok, "no frame from stack")

		if arpLayer := pkt.Layer(layers.LayerTypeARP); arpLayer != nil {
			arp := arpLayer.(*layers.ARP)
			if arp.Operation == layers.ARPRequest && net.IP(arp.DstProtAddress).Equal(peer.ip) {
				peer.sendARPReply(uut.iface.MAC(), net.IPv4(192, 168, 213, 2))
			}
			continue
		}
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		require.Equal(t, layers.UDPPort(1234), udp.SrcPort)
		require.Equal(t, layers.UDPPort(12345), udp.DstPort)
		require.Equal(t, "world", string(udp.Payload))

		ipLayer := pkt.Layer(layers.LayerTypeIPv4)
		require.NotNil(t, ipLayer)
		ip := ipLayer.(*layers.IPv4)
		require.Equal(t, "192.168.213.2", ip.SrcIP.String())
		require.Equal(t, "192.168.213.1", ip.DstIP.String())
		sawUDP = true
	}
	require.True(t, sawUDP, "stack never emitted the UDP datagram")
}
