//go:build linux

// udp-echo brings up the userspace stack on tap0 and echoes every datagram
// received on 192.168.213.2:1234 back to its sender. A host-native peer can
// talk to it with e.g. `nc -u 192.168.213.2 1234`.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"

	"github.com/malbeclabs/tapsock/pkg/hostlink"
	"github.com/malbeclabs/tapsock/pkg/netif"
	"github.com/malbeclabs/tapsock/pkg/posix"
	"github.com/malbeclabs/tapsock/pkg/pump"
	"github.com/malbeclabs/tapsock/pkg/sock"
	"github.com/malbeclabs/tapsock/pkg/tuntap"
)

const (
	ifaceName = "tap0"
	stackCIDR = "192.168.213.2/24"
	hostCIDR  = "192.168.213.1/24"
	echoPort  = 1234
)

func main() {
	if err := run(); err != nil {
		slog.Error("udp-echo: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("TAPSOCK_VERBOSE") != "" {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}

func run() error {
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, err := tuntap.Open(ifaceName, tuntap.MediumEthernet)
	if err != nil {
		return err
	}

	// The kernel needs a moment to register the link; retry the host-side
	// configuration until it sticks.
	nlr := hostlink.Netlink{}
	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := nlr.LinkUp(ifaceName); err != nil {
			return struct{}{}, err
		}
		if err := nlr.AddrAdd(ifaceName, hostCIDR); err != nil && !errors.Is(err, hostlink.ErrAddressExists) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5)); err != nil {
		return err
	}

	iface, err := netif.New(netif.Config{
		ID:      0,
		Name:    ifaceName,
		Device:  dev,
		Medium:  tuntap.MediumEthernet,
		Addr:    netip.MustParsePrefix(stackCIDR),
		Default: true,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	reg := netif.DefaultRegistry()
	reg.Insert(iface)
	defer func() {
		reg.Clear()
		iface.Close()
	}()

	p, err := pump.New(pump.Config{Registry: reg, Logger: logger})
	if err != nil {
		return err
	}
	p.Start(ctx)
	defer p.Stop()

	s, err := sock.New(sock.Config{Registry: reg, Logger: logger}, posix.SockDatagram, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	local := sock.Endpoint{Addr: netip.MustParseAddr("192.168.213.2"), Port: echoPort}
	if err := s.Bind(local); err != nil {
		return err
	}
	logger.Info("udp-echo: listening", "iface", ifaceName, "local", local.String())

	// Closing the socket is the cancellation mechanism for the blocked recv.
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, from, err := s.RecvFrom(buf, 0)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("udp-echo: shutting down")
				return nil
			}
			return err
		}
		logger.Info("udp-echo: datagram", "len", n, "from", from.String(), "data", string(buf[:n]))
		if _, err := s.SendTo(buf[:n], 0, from); err != nil {
			logger.Error("udp-echo: send", "error", err)
		}
	}
}
