package sock_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tapsock/pkg/posix"
	"github.com/malbeclabs/tapsock/pkg/sock"
)

func TestNew_FamilyDispatch(t *testing.T) {
	uut, _ := newLinkedHosts(t)

	tests := []struct {
		name    string
		stype   posix.SockType
		proto   int
		wantErr error
		wantUDP bool
		wantTCP bool
	}{
		{name: "datagram default protocol", stype: posix.SockDatagram, proto: 0, wantUDP: true},
		{name: "datagram udp protocol", stype: posix.SockDatagram, proto: 17, wantUDP: true},
		{name: "datagram tcp protocol", stype: posix.SockDatagram, proto: 6, wantErr: sock.ErrProtoNotSupported},
		{name: "stream default protocol", stype: posix.SockStream, proto: 0, wantTCP: true},
		{name: "stream tcp protocol", stype: posix.SockStream, proto: 6, wantTCP: true},
		{name: "stream udp protocol", stype: posix.SockStream, proto: 17, wantErr: sock.ErrProtoNotSupported},
		{name: "raw", stype: posix.SockRaw, proto: 0, wantErr: sock.ErrNotImplemented},
		{name: "seqpacket", stype: posix.SockSeqpacket, proto: 0, wantErr: sock.ErrProtoNotSupported},
		{name: "packet", stype: posix.SockPacket, proto: 0, wantErr: sock.ErrProtoNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := sock.New(uut.cfg, tt.stype, tt.proto)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer s.Close()
			if tt.wantUDP {
				require.IsType(t, &sock.UDPSocket{}, s)
			}
			if tt.wantTCP {
				require.IsType(t, &sock.TCPSocket{}, s)
			}
		})
	}
}

func TestNew_NonblockFlag(t *testing.T) {
	uut, _ := newLinkedHosts(t)

	s, err := sock.New(uut.cfg, posix.SockDatagram|posix.SockNonblock, 0)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Bind(ep("192.168.213.2", 3000)))

	buf := make([]byte, 8)
	_, err = s.Recv(buf, 0)
	require.ErrorIs(t, err, sock.ErrWouldBlock)
}

func TestSockType_Bits(t *testing.T) {
	st := posix.SockStream | posix.SockNonblock | posix.SockCloexec
	require.Equal(t, posix.SockStream, st.Type())
	require.True(t, st.IsNonblock())
	require.True(t, st.IsCloexec())
	require.Equal(t, "stream", st.String())

	require.False(t, posix.SockDatagram.IsNonblock())
	require.Equal(t, "datagram", posix.SockDatagram.String())
}

func TestIPv6_NotImplemented(t *testing.T) {
	uut, _ := newLinkedHosts(t)

	s, err := sock.New(uut.cfg, posix.SockDatagram, 0)
	require.NoError(t, err)
	defer s.Close()
	require.ErrorIs(t, s.Bind(sock.Endpoint{Addr: mustAddr("fe80::1"), Port: 1}), sock.ErrNotImplemented)

	ts, err := sock.New(uut.cfg, posix.SockStream, 0)
	require.NoError(t, err)
	defer ts.Close()
	require.ErrorIs(t, ts.Connect(sock.Endpoint{Addr: mustAddr("fe80::1"), Port: 1}), sock.ErrNotImplemented)
}
