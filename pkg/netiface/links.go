// Package netiface enumerates local network links and their addresses.
// It is a thin wrapper over vishvananda/netlink, kept separate from the
// tunnel provisioner so both it and service advertisement can share the
// same physical-link filtering rules.
package netiface

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/vishvananda/netlink"
)

// Link is a minimal view of a kernel network interface.
type Link struct {
	Name  string
	Index int
}

// Enumerator lists local links and their addresses.
type Enumerator struct{}

// New returns an Enumerator backed by the real netlink socket.
func New() *Enumerator { return &Enumerator{} }

// Links lists all local network links.
func (e *Enumerator) Links() ([]Link, error) {
	nlLinks, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netiface: list links: %w", err)
	}
	links := make([]Link, 0, len(nlLinks))
	for _, l := range nlLinks {
		attrs := l.Attrs()
		links = append(links, Link{Name: attrs.Name, Index: attrs.Index})
	}
	return links, nil
}

// PhysicalLinks returns Links filtered down to the physical LAN
// interfaces eligible for service advertisement: loopback and any
// ZeroWire tunnel (wg-prefixed) are excluded.
func (e *Enumerator) PhysicalLinks() ([]Link, error) {
	all, err := e.Links()
	if err != nil {
		return nil, err
	}
	return filterPhysical(all), nil
}

func filterPhysical(all []Link) []Link {
	out := make([]Link, 0, len(all))
	for _, l := range all {
		if l.Name == "lo" || strings.HasPrefix(l.Name, "wg") {
			continue
		}
		out = append(out, l)
	}
	return out
}

// AddressesOf returns the configured addresses of the named link.
func (e *Enumerator) AddressesOf(name string) ([]netip.Prefix, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("netiface: link %s: %w", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("netiface: addresses of %s: %w", name, err)
	}
	out := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		ones, _ := a.IPNet.Mask.Size()
		addr, ok := netip.AddrFromSlice(a.IPNet.IP)
		if !ok {
			continue
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return out, nil
}

// IndexOf returns the kernel ifindex of the named link.
func (e *Enumerator) IndexOf(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("netiface: link %s: %w", name, err)
	}
	return link.Attrs().Index, nil
}

// Exists reports whether a link with the given name is present.
func (e *Enumerator) Exists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var lnfe netlink.LinkNotFoundError
	if errors.As(err, &lnfe) {
		return false, nil
	}
	return false, fmt.Errorf("netiface: link %s: %w", name, err)
}
