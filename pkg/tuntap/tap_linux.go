//go:build linux

package tuntap

import (
	"fmt"
	"net"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const devNetTun = "/dev/net/tun"

// Device is one open TUN/TAP file descriptor. Recv and Send move whole
// frames and never block; the packet pump watches RawFD for readability.
type Device struct {
	fd     int
	name   string
	mtu    int
	medium Medium

	closeOnce sync.Once
	closeErr  error
}

// Open attaches to the TUN/TAP interface called name, creating it if it does
// not exist. The descriptor is opened O_RDWR|O_NONBLOCK. On Ethernet medium
// the reported MTU is the kernel IP MTU plus the Ethernet header length,
// since frames cross the descriptor with their link header attached.
//
// If name is a persistent interface owned by the current user no special
// privileges are needed; otherwise CAP_NET_ADMIN is required.
func Open(name string, medium Medium) (*Device, error) {
	fd, err := unix.Open(devNetTun, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devNetTun, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("interface name %q: %w", name, err)
	}
	mode := unix.IFF_TUN
	if medium == MediumEthernet {
		mode = unix.IFF_TAP
	}
	ifr.SetUint16(uint16(mode | unix.IFF_NO_PI))
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %q: %w", name, err)
	}

	mtu, err := interfaceMTU(name, medium)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Device{fd: fd, name: name, mtu: mtu, medium: medium}, nil
}

// FromFD adopts an already-open TUN/TAP descriptor, for environments that
// hand one in instead of exposing /dev/net/tun. The caller supplies the MTU
// since the interface name may not be known.
func FromFD(fd int, medium Medium, mtu int) (*Device, error) {
	if fd < 0 {
		return nil, unix.EBADF
	}
	if mtu <= 0 {
		return nil, unix.EINVAL
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &Device{fd: fd, mtu: mtu, medium: medium}, nil
}

// interfaceMTU queries the kernel IP MTU over a throwaway datagram socket.
func interfaceMTU(name string, medium Medium) (int, error) {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, fmt.Errorf("mtu probe socket: %w", err)
	}
	defer unix.Close(s)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(s, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, fmt.Errorf("SIOCGIFMTU %q: %w", name, err)
	}
	mtu := int(ifr.Uint32())
	if medium == MediumEthernet {
		mtu += EthernetHeaderLen
	}
	return mtu, nil
}

// ifreqHwaddr mirrors struct ifreq with the ifr_hwaddr union member.
type ifreqHwaddr struct {
	name   [unix.IFNAMSIZ]byte
	hwaddr unix.RawSockaddr
}

// SetHWAddr assigns a MAC to the kernel side of the interface via
// SIOCSIFHWADDR. Only meaningful on Ethernet medium.
func (d *Device) SetHWAddr(mac net.HardwareAddr) error {
	if d.medium != MediumEthernet {
		return unix.EINVAL
	}
	if len(mac) != 6 {
		return unix.EINVAL
	}
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("hwaddr socket: %w", err)
	}
	defer unix.Close(s)

	var ifr ifreqHwaddr
	copy(ifr.name[:unix.IFNAMSIZ-1], d.name)
	ifr.hwaddr.Family = unix.ARPHRD_ETHER
	for i, b := range mac {
		ifr.hwaddr.Data[i] = int8(b)
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s), uintptr(unix.SIOCSIFHWADDR), uintptr(unsafe.Pointer(&ifr)))
	if errno != 0 {
		return fmt.Errorf("SIOCSIFHWADDR %q: %w", d.name, errno)
	}
	return nil
}

func (d *Device) Name() string { return d.name }

// MTU reports the frame size ceiling for Recv/Send buffers. On Ethernet
// medium it includes the link header.
func (d *Device) MTU() int { return d.mtu }

func (d *Device) Medium() Medium { return d.medium }

// RawFD exposes the descriptor for readiness polling. The packet pump is the
// only consumer.
func (d *Device) RawFD() int { return d.fd }

// Recv reads one whole frame into buf. Returns unix.EAGAIN when no frame is
// queued. A frame is never split across calls.
func (d *Device) Recv(buf []byte) (int, error) {
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Send writes one whole frame. The caller treats unix.EAGAIN as a drop: TCP
// retransmission recovers the loss, UDP does not.
func (d *Device) Send(buf []byte) (int, error) {
	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Close releases the descriptor. Idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = unix.Close(d.fd)
	})
	return d.closeErr
}
