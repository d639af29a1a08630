// Package nettest provides in-memory frame transports and poll drivers for
// exercising the stack without a host TUN/TAP device or elevated privileges.
package nettest

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/tapsock/pkg/netif"
)

const defaultQueueLen = 1024

// PipeDevice is one end of an in-memory wire. Frames written on one end are
// readable whole on the other, mimicking a TUN/TAP descriptor's semantics:
// nonblocking, frame-at-a-time, drops when the queue is full.
type PipeDevice struct {
	mtu  int
	peer *PipeDevice

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// NewPipe returns two connected ends with the given MTU.
func NewPipe(mtu int) (*PipeDevice, *PipeDevice) {
	a := &PipeDevice{mtu: mtu}
	b := &PipeDevice{mtu: mtu}
	a.peer, b.peer = b, a
	return a, b
}

func (d *PipeDevice) MTU() int { return d.mtu }

// Recv pops one queued frame, or unix.EAGAIN when the queue is empty.
func (d *PipeDevice) Recv(buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, unix.EBADF
	}
	if len(d.queue) == 0 {
		return 0, unix.EAGAIN
	}
	frame := d.queue[0]
	d.queue = d.queue[1:]
	return copy(buf, frame), nil
}

// Send queues one frame on the peer. A full peer queue reports unix.EAGAIN,
// which the interface treats as a drop.
func (d *PipeDevice) Send(buf []byte) (int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, unix.EBADF
	}
	peer := d.peer
	d.mu.Unlock()

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return 0, unix.EBADF
	}
	if len(peer.queue) >= defaultQueueLen {
		return 0, unix.EAGAIN
	}
	peer.queue = append(peer.queue, append([]byte(nil), buf...))
	return len(buf), nil
}

func (d *PipeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
	return nil
}

// QueueLen reports how many frames await Recv on this end.
func (d *PipeDevice) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

var _ netif.Device = (*PipeDevice)(nil)

// Poller drives interface polls on a short fixed tick, standing in for the
// packet pump in tests.
type Poller struct {
	interval time.Duration
	ifaces   []*netif.Interface
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewPoller starts polling the given interfaces every interval.
func NewPoller(interval time.Duration, ifaces ...*netif.Interface) *Poller {
	p := &Poller{
		interval: interval,
		ifaces:   ifaces,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			for _, i := range p.ifaces {
				i.Poll()
			}
		}
	}
}

// Stop halts the poller and waits for the loop to exit. Idempotent.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
