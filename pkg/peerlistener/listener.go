// Package peerlistener accepts mDNS advertisements from candidate peers
// on a tunnel's physical link, authenticates them against the tunnel's
// preshared key, and installs accepted peers into WireGuard via the
// control adapter.
package peerlistener

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
	"github.com/miekg/dns"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/dnsstore"
	"github.com/zerowire/zerowire/pkg/obs"
	"github.com/zerowire/zerowire/pkg/svcadvert"
	"github.com/zerowire/zerowire/pkg/wgctl"
)

const keepalive = 5 * time.Second

// PeerRejected explains why a candidate advertisement was not accepted.
// It is logged, never returned to a caller that can act on it, since
// rejection is expected background noise on a shared LAN.
type PeerRejected struct {
	Name   string
	Reason string
}

func (e *PeerRejected) Error() string {
	return fmt.Sprintf("peerlistener: rejected %q: %s", e.Name, e.Reason)
}

// wgSetter is the subset of *wgctl.Adapter the listener needs, so tests
// can substitute a fake.
type wgSetter interface {
	SetPeer(ctx context.Context, iface string, p wgctl.PeerSpec) error
}

// Listener watches one tunnel's physical link for peer advertisements
// and installs the ones that authenticate.
type Listener struct {
	iface   config.Interface
	wg      wgSetter
	records *dnsstore.Store
	log     *slog.Logger

	// onAccepted, if set, is called after a peer is installed and its
	// address recorded, so a supervisor can start that peer's Service
	// Discovery Loop. It must not block.
	onAccepted func(hostname, addr string)

	mu    sync.Mutex
	peers map[string]netip.Addr // pubkey (base64) -> installed internal address
}

// New builds a Listener for tunnel's interface, installing accepted
// peers via wg and recording their hostnames in records (normally the
// process-wide Local Resolver store).
func New(iface config.Interface, wg wgSetter, records *dnsstore.Store, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		iface:   iface,
		wg:      wg,
		records: records,
		log:     log,
		peers:   make(map[string]netip.Addr),
	}
}

// OnAccepted registers a callback invoked once per newly accepted peer,
// after step 8 of the acceptance pipeline.
func (l *Listener) OnAccepted(fn func(hostname, addr string)) {
	l.onAccepted = fn
}

// Run browses svcadvert.ServiceType on the given interfaces until ctx is
// canceled, dispatching each discovered entry through handleAdd. zeroconf
// reports removals only as TTL expiry, which this package does not act
// on: per spec, a lost advertisement does not uninstall a WireGuard peer.
func (l *Listener) Run(ctx context.Context, ifaces []net.Interface) error {
	entries := make(chan *zeroconf.ServiceEntry, 16)

	resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces(ifaces))
	if err != nil {
		return fmt.Errorf("peerlistener: new resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			l.handleAdd(ctx, entry)
		}
	}()

	if err := resolver.Browse(ctx, svcadvert.ServiceType, "local.", entries); err != nil {
		return fmt.Errorf("peerlistener: browse: %w", err)
	}
	<-ctx.Done()
	return ctx.Err()
}

// handleAdd runs the eight-step acceptance pipeline from spec.md §4.I
// against one discovered service entry.
func (l *Listener) handleAdd(ctx context.Context, entry *zeroconf.ServiceEntry) {
	// Step 1: drop if info missing.
	if entry == nil || len(entry.Text) == 0 {
		return
	}
	props := decodeProps(entry.Text)

	dnshost := entry.Instance + "." + entry.Service + ".local."

	// Step 2: verify the auth digest with the host's own PSK.
	if !l.authenticates(dnshost, entry.Port, props) {
		l.log.Info("peer rejected", slog.Any("error", &PeerRejected{Name: entry.Instance, Reason: "auth mismatch"}))
		obs.MetricPeersRejected.Add(ctx, 1)
		return
	}

	// Step 3: parse internal address, pubkey, hostname.
	internalPrefix, err := netip.ParsePrefix(withMask(props["addr"], l.iface.Addr.Bits()))
	if err != nil || props["pubkey"] == "" {
		l.log.Info("peer rejected", slog.Any("error", &PeerRejected{Name: entry.Instance, Reason: "missing required properties"}))
		obs.MetricPeersRejected.Add(ctx, 1)
		return
	}
	pubkey := props["pubkey"]
	hostname := props["hostname"]
	internalAddr := internalPrefix.Addr()

	// Step 4: reject self.
	if internalAddr == l.iface.Addr.Addr() {
		return
	}

	// Step 5: reject if not a subnet of our own tunnel prefix.
	if !l.iface.Addr.Masked().Contains(internalAddr) {
		l.log.Info("peer rejected", slog.Any("error", &PeerRejected{Name: entry.Instance,
			Reason: "address " + internalAddr.String() + " outside tunnel prefix"}))
		obs.MetricPeersRejected.Add(ctx, 1)
		return
	}

	// Step 6: reject duplicate pubkey.
	l.mu.Lock()
	if _, known := l.peers[pubkey]; known {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	// Step 7: install the peer for the first usable advertised address.
	installed := false
	for _, candidate := range advertisedAddrs(entry) {
		if candidate.IsLinkLocalUnicast() {
			continue
		}
		endpoint := netip.AddrPortFrom(candidate, uint16(entry.Port))
		spec := wgctl.PeerSpec{
			PublicKey:           pubkey,
			PresharedKey:        base64.StdEncoding.EncodeToString(l.iface.PSK),
			Endpoint:            endpoint,
			PersistentKeepalive: keepalive,
			AllowedIPs:          []netip.Prefix{netip.PrefixFrom(internalAddr, internalAddr.BitLen())},
		}
		if err := l.wg.SetPeer(ctx, l.iface.LinkName, spec); err != nil {
			l.log.Error("install peer failed", slog.String("pubkey", pubkey), slog.Any("error", err))
			continue
		}
		installed = true
		break
	}
	if !installed {
		l.log.Info("peer rejected", slog.Any("error", &PeerRejected{Name: entry.Instance, Reason: "no usable advertised address"}))
		obs.MetricPeersRejected.Add(ctx, 1)
		return
	}

	l.mu.Lock()
	l.peers[pubkey] = internalAddr
	l.mu.Unlock()
	obs.MetricPeersInstalled.Add(ctx, 1)

	// Step 8: publish the peer's AAAA/A record for the Local Resolver.
	if l.records != nil && hostname != "" {
		l.records.Add(l.records.Claim(), addrRecord(hostname, internalAddr))
	}

	l.log.Info("peer accepted", slog.String("hostname", hostname), slog.String("addr", internalAddr.String()))

	if l.onAccepted != nil && hostname != "" {
		l.onAccepted(hostname+".zerowire.", internalAddr.String())
	}
}

// authenticates recomputes the auth digest the way svcadvert built it
// and compares in constant time.
func (l *Listener) authenticates(dnshost string, port int, props map[string]string) bool {
	want, err := base64.StdEncoding.DecodeString(props["auth"])
	if err != nil {
		return false
	}
	h := sha256.New()
	h.Write([]byte(dnshost))
	h.Write([]byte(strconv.Itoa(port)))
	h.Write([]byte(props["addr"]))
	h.Write([]byte(props["hostname"]))
	h.Write([]byte(props["pubkey"]))
	h.Write([]byte(props["salt"]))
	h.Write([]byte(base64.StdEncoding.EncodeToString(l.iface.PSK)))
	got := h.Sum(nil)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func decodeProps(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, kv := range text {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}

func withMask(addr string, bits int) string {
	return addr + "/" + strconv.Itoa(bits)
}

// addrRecord builds the AAAA (or A, for an IPv4 tunnel) record the Local
// Resolver's store uses to answer "<hostname>.zerowire." lookups.
func addrRecord(hostname string, addr netip.Addr) dns.RR {
	name := dns.Fqdn(hostname + ".zerowire.")
	hdr := dns.RR_Header{Name: name, Class: dns.ClassINET, Ttl: 120}
	if addr.Is4() {
		hdr.Rrtype = dns.TypeA
		return &dns.A{Hdr: hdr, A: net.IP(addr.AsSlice())}
	}
	hdr.Rrtype = dns.TypeAAAA
	return &dns.AAAA{Hdr: hdr, AAAA: net.IP(addr.AsSlice())}
}

func advertisedAddrs(entry *zeroconf.ServiceEntry) []netip.Addr {
	out := make([]netip.Addr, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		if a, ok := netip.AddrFromSlice(ip.To4()); ok {
			out = append(out, a)
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if a, ok := netip.AddrFromSlice(ip.To16()); ok {
			out = append(out, a)
		}
	}
	return out
}
