//go:build linux

// tcp-echo brings up the userspace stack on tap0, listens on
// 192.168.213.2:4321 and echoes every accepted stream until the peer closes
// it. A host-native peer can talk to it with e.g. `nc 192.168.213.2 4321`.
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
	echoPort  = 4321
	backlog   = 4
)

func main() {
	if err := run(); err != nil {
		slog.Error("tcp-echo: fatal", "error", err)
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

	s, err := sock.New(sock.Config{Registry: reg, Logger: logger}, posix.SockStream, 0)
	if err != nil {
		return err
	}
	defer s.Close()

	local := sock.Endpoint{Addr: netip.MustParseAddr("192.168.213.2"), Port: echoPort}
	if err := s.Bind(local); err != nil {
		return err
	}
	if err := s.Listen(backlog); err != nil {
		return err
	}
	logger.Info("tcp-echo: listening", "iface", ifaceName, "local", local.String(), "backlog", backlog)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		child, peer, err := s.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("tcp-echo: shutting down")
				return nil
			}
			return err
		}
		logger.Info("tcp-echo: accepted", "peer", peer.String())
		go echo(logger, child, peer)
	}
}

func echo(logger *slog.Logger, c sock.Socket, peer sock.Endpoint) {
	defer c.Close()
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			logger.Debug("tcp-echo: read", "peer", peer.String(), "error", err)
			return
		}
		if n == 0 {
			logger.Info("tcp-echo: peer closed", "peer", peer.String())
			return
		}
		if _, err := c.Write(buf[:n]); err != nil {
			logger.Error("tcp-echo: write", "peer", peer.String(), "error", err)
			return
		}
	}
}
