//go:build linux

// Package pump runs the packet-pump loop: one goroutine that waits for
// device readability, polls the owning interface on events, and polls every
// interface at a bounded cadence so protocol timers (retransmit, delayed
// ACK, keepalive) fire without a corresponding frame arrival.
package pump

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/tapsock/pkg/netif"
)

const (
	// DefaultWaitTimeout bounds the readiness wait; together with
	// DefaultIdleSleep it is the worst-case frame-to-poll latency.
	DefaultWaitTimeout = 100 * time.Millisecond
	// DefaultIdleSleep bounds CPU when the devices are quiet.
	DefaultIdleSleep = 1 * time.Millisecond

	maxEvents = 32
)

// Config describes one pump. WaitTimeout and IdleSleep are the
// latency-versus-CPU knobs.
type Config struct {
	Registry *netif.Registry

	WaitTimeout time.Duration
	IdleSleep   time.Duration

	Logger *slog.Logger
	Clock  clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.WaitTimeout < 0 {
		return fmt.Errorf("wait timeout must be greater than 0")
	}
	if c.IdleSleep == 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.IdleSleep < 0 {
		return fmt.Errorf("idle sleep must be greater than 0")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pump drives device I/O readiness and stack timer advancement for every
// interface in its registry. Exactly one pump should run per registry.
type Pump struct {
	log *slog.Logger
	cfg *Config

	wg      sync.WaitGroup
	running atomic.Bool

	// cancel/cancelMu guard the lifecycle; Start installs a cancel tied to
	// the run loop's context, Stop invokes it.
	cancel   context.CancelFunc
	cancelMu sync.Mutex
}

// New validates cfg and returns a stopped pump. Call Start to begin.
func New(cfg Config) (*Pump, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pump: invalid config: %w", err)
	}
	return &Pump{log: cfg.Logger, cfg: &cfg}, nil
}

// Start launches the pump loop if not already running. The loop exits when
// the provided context is canceled or Stop is called.
func (p *Pump) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Run(ctx)
		p.running.Store(false)
	}()
}

// Stop cancels the pump (if running) and blocks until the loop returns.
// Safe and idempotent.
func (p *Pump) Stop() {
	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.cancelMu.Unlock()
	p.wg.Wait()
}

// IsRunning reports whether Start was called and the loop hasn't exited.
func (p *Pump) IsRunning() bool { return p.running.Load() }

// Run is the pump loop. It returns when ctx is canceled, or at once when the
// epoll instance cannot be created; errors inside the loop are logged and
// survived.
func (p *Pump) Run(ctx context.Context) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		p.log.Error("pump: epoll_create1", "error", err)
		return
	}
	defer unix.Close(epfd)

	p.log.Info("pump: started", "wait_timeout", p.cfg.WaitTimeout, "idle_sleep", p.cfg.IdleSleep)

	var (
		events  [maxEvents]unix.EpollEvent
		watched = make(map[int32]int) // device fd -> interface id
		timeout = int(p.cfg.WaitTimeout / time.Millisecond)
	)

	for {
		if ctx.Err() != nil {
			p.log.Debug("pump: stopped", "error", ctx.Err())
			return
		}

		// The registry may gain or lose interfaces between iterations;
		// rebuild the watch set from it every time.
		p.updateWatched(epfd, watched)

		n, err := unix.EpollWait(epfd, events[:], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.Error("pump: epoll_wait", "error", err)
			continue
		}

		// Poll the interfaces whose devices signaled readability. The
		// registration is edge-triggered: the poll must drain the device.
		for _, ev := range events[:n] {
			id, ok := watched[ev.Fd]
			if !ok {
				continue
			}
			if iface, ok := p.cfg.Registry.Get(id); ok {
				iface.Poll()
			}
		}

		// Poll every interface regardless of events: fd readiness only
		// covers inbound frames, while retransmit and keepalive timers need
		// to fire on their own.
		for _, iface := range p.cfg.Registry.List() {
			iface.Poll()
		}
		metricIterations.Inc()

		p.cfg.Clock.Sleep(p.cfg.IdleSleep)
	}
}

// updateWatched reconciles the epoll registration set with the registry.
func (p *Pump) updateWatched(epfd int, watched map[int32]int) {
	live := make(map[int]bool)
	for _, iface := range p.cfg.Registry.List() {
		live[iface.ID()] = true
		fd, ok := iface.RawFD()
		if !ok {
			// Device without a descriptor (in-memory); tick-polled only.
			continue
		}
		if _, exists := watched[int32(fd)]; exists {
			continue
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			p.log.Error("pump: epoll_ctl add", "fd", fd, "error", err)
			continue
		}
		watched[int32(fd)] = iface.ID()
	}

	for fd, id := range watched {
		if live[id] {
			continue
		}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
			p.log.Error("pump: epoll_ctl del", "fd", fd, "error", err)
		}
		delete(watched, fd)
	}
}
