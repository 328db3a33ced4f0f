// Package sysdns routes the "zerowire." domain on a tunnel link to the
// local resolver by talking to systemd-resolved over the system D-Bus,
// the same integration point the host would otherwise need a resolvconf
// or NetworkManager hook for.
package sysdns

import (
	"fmt"
	"net/netip"

	"github.com/godbus/dbus/v5"
)

const (
	busName        = "org.freedesktop.resolve1"
	objectPath     = "/org/freedesktop/resolve1"
	managerIface   = "org.freedesktop.resolve1.Manager"
	afInet         = 2
	afInet6        = 10
	routingDomain  = "zerowire."
	routingLookup  = true
)

// linkDNS mirrors the (family, address) struct resolve1 expects for
// SetLinkDNS.
type linkDNS struct {
	Family  int32
	Address []byte
}

// linkDomain mirrors the (domain, routeOnly) struct resolve1 expects for
// SetLinkDomains.
type linkDomain struct {
	Domain    string
	RouteOnly bool
}

// Manager wraps the subset of org.freedesktop.resolve1.Manager ZeroWire
// needs: routing the "zerowire." domain to the local resolver's address
// on a given tunnel link.
type Manager struct {
	conn *dbus.Conn
}

// Connect opens a connection to the system bus.
func Connect() (*Manager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("sysdns: connect system bus: %w", err)
	}
	return &Manager{conn: conn}, nil
}

// Close releases the underlying bus connection.
func (m *Manager) Close() error {
	return m.conn.Close()
}

// EnableZone tells systemd-resolved to send "zerowire." queries arriving
// on ifindex to resolverAddr, and marks the domain as routing-only (it
// does not become the default search domain).
func (m *Manager) EnableZone(ifindex int, resolverAddr netip.Addr) error {
	obj := m.conn.Object(busName, dbus.ObjectPath(objectPath))

	family := int32(afInet6)
	addr := resolverAddr.AsSlice()
	if resolverAddr.Is4() {
		family = afInet
	}

	dnsCall := obj.Call(managerIface+".SetLinkDNS", 0, int32(ifindex), []linkDNS{{Family: family, Address: addr}})
	if dnsCall.Err != nil {
		return fmt.Errorf("sysdns: SetLinkDNS: %w", dnsCall.Err)
	}

	domainsCall := obj.Call(managerIface+".SetLinkDomains", 0, int32(ifindex), []linkDomain{{Domain: routingDomain, RouteOnly: routingLookup}})
	if domainsCall.Err != nil {
		return fmt.Errorf("sysdns: SetLinkDomains: %w", domainsCall.Err)
	}

	return nil
}
