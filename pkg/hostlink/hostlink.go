//go:build linux

// Package hostlink configures the kernel side of a TUN/TAP interface via
// netlink: bring the link up and give the host an address on the shared
// subnet so native peers can reach the userspace stack.
package hostlink

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	nl "github.com/vishvananda/netlink"
)

var ErrAddressExists = errors.New("hostlink: address already assigned")

// Hostlinker is the narrow view of netlink the demos and end-to-end runs
// need.
type Hostlinker interface {
	LinkUp(name string) error
	AddrAdd(name, cidr string) error
	SetHWAddr(name string, mac net.HardwareAddr) error
}

type Netlink struct{}

var _ Hostlinker = Netlink{}

// LinkUp sets the interface administratively up.
func (Netlink) LinkUp(name string) error {
	link, err := nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("hostlink: link %q: %w", name, err)
	}
	return nl.LinkSetUp(link)
}

// AddrAdd assigns cidr (e.g. "192.168.213.1/24") to the interface.
// Re-assigning the same address reports ErrAddressExists.
func (Netlink) AddrAdd(name, cidr string) error {
	link, err := nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("hostlink: link %q: %w", name, err)
	}
	addr, err := nl.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("hostlink: error parsing addr: %v", err)
	}
	err = nl.AddrAdd(link, addr)
	if err != nil && errors.Is(err, syscall.EEXIST) {
		return ErrAddressExists
	}
	return err
}

// SetHWAddr assigns a MAC to the kernel side of the interface.
func (Netlink) SetHWAddr(name string, mac net.HardwareAddr) error {
	link, err := nl.LinkByName(name)
	if err != nil {
		return fmt.Errorf("hostlink: link %q: %w", name, err)
	}
	return nl.LinkSetHardwareAddr(link, mac)
}
