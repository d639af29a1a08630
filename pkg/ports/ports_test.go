package ports_test

import (
	"testing"

	"github.com/malbeclabs/tapsock/pkg/ports"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestManager_Bind(t *testing.T) {
	m := ports.New()

	t.Run("port zero is rejected", func(t *testing.T) {
		err := m.Bind(ports.TCP, 0)
		require.ErrorIs(t, err, unix.EINVAL)
	})

	t.Run("explicit bind succeeds once", func(t *testing.T) {
		require.NoError(t, m.Bind(ports.TCP, 4321))
		require.ErrorIs(t, m.Bind(ports.TCP, 4321), unix.EADDRINUSE)
	})

	t.Run("protocol namespaces are independent", func(t *testing.T) {
		require.NoError(t, m.Bind(ports.UDP, 4321))
	})

	t.Run("unbind makes the port available again", func(t *testing.T) {
		m.Unbind(ports.TCP, 4321)
		require.False(t, m.InUse(ports.TCP, 4321))
		require.NoError(t, m.Bind(ports.TCP, 4321))
	})

	t.Run("unbind of a free port is a no-op", func(t *testing.T) {
		m.Unbind(ports.TCP, 9999)
		m.Unbind(ports.TCP, 9999)
	})
}

func TestManager_BindEphemeral(t *testing.T) {
	t.Run("allocations are unique and in range", func(t *testing.T) {
		m := ports.New()
		seen := make(map[uint16]bool)
		for i := 0; i < 1000; i++ {
			port, err := m.BindEphemeral(ports.UDP)
			require.NoError(t, err)
			require.GreaterOrEqual(t, port, uint16(ports.EphemeralFirst))
			require.False(t, seen[port], "port %d allocated twice", port)
			seen[port] = true
		}
	})

	t.Run("never returns an explicitly bound port", func(t *testing.T) {
		m := ports.New()
		require.NoError(t, m.Bind(ports.UDP, ports.EphemeralFirst))
		port, err := m.BindEphemeral(ports.UDP)
		require.NoError(t, err)
		require.NotEqual(t, uint16(ports.EphemeralFirst), port)
	})

	t.Run("exhaustion returns address-in-use", func(t *testing.T) {
		m := ports.New()
		for i := ports.EphemeralFirst; i <= ports.EphemeralLast; i++ {
			_, err := m.BindEphemeral(ports.TCP)
			require.NoError(t, err)
		}
		_, err := m.BindEphemeral(ports.TCP)
		require.ErrorIs(t, err, unix.EADDRINUSE)
	})

	t.Run("cursor rotates after unbind", func(t *testing.T) {
		m := ports.New()
		first, err := m.BindEphemeral(ports.TCP)
		require.NoError(t, err)
		m.Unbind(ports.TCP, first)
		second, err := m.BindEphemeral(ports.TCP)
		require.NoError(t, err)
		require.NotEqual(t, first, second)
	})
}
