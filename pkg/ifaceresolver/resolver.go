// Package ifaceresolver implements the per-tunnel authoritative DNS-SD
// responder: one instance binds the tunnel's own address on port 53 and
// answers only peers reachable through that tunnel, serving the host's
// own DNS-SD zone rooted at "<hostname>.zerowire.".
package ifaceresolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/dnsstore"
)

// ParseError reports a qname that does not carry the zone's own suffix.
type ParseError struct {
	Qname string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ifaceresolver: qname %q does not belong to this zone", e.Qname)
}

// Resolver is the authoritative DNS-SD responder for one tunnel.
type Resolver struct {
	zone   string
	subnet netip.Prefix
	store  *dnsstore.Store
	log    *slog.Logger
}

// New builds a Resolver for tunnel, auto-populating the fixed DNS-SD
// enumeration records and one PTR/PTR/SRV/TXT set per configured
// service.
func New(tunnel config.Interface, hostname string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	zone := dns.Fqdn(hostname + ".zerowire.")
	r := &Resolver{
		zone:   zone,
		subnet: tunnel.Addr.Masked(),
		store:  dnsstore.New(),
		log:    log,
	}
	r.populate(tunnel.Services)
	return r
}

func (r *Resolver) populate(services []config.Service) {
	tok := r.store.Claim()
	add := func(rr dns.RR) { r.store.Add(tok, rr) }
	addPTR := func(rel, target string) {
		add(&dns.PTR{
			Hdr: dns.RR_Header{Name: recordName(r.zone, rel), Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
			Ptr: dns.Fqdn(target),
		})
	}

	addPTR("_services._dns-sd._udp", recordName(r.zone, "_services._dns-sd._udp"))
	addPTR("b._dns-sd._udp", r.zone)
	addPTR("lb._dns-sd._udp", r.zone)

	for _, svc := range services {
		t := strings.TrimSuffix(svc.Type, ".")
		instanceLabel := t + "." + svc.Name

		addPTR(t, recordName(r.zone, instanceLabel))
		addPTR("_services._dns-sd._udp", recordName(r.zone, t))

		srvName := recordName(r.zone, instanceLabel)
		add(&dns.SRV{
			Hdr:      dns.RR_Header{Name: srvName, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
			Priority: 0,
			Weight:   0,
			Port:     svc.Port,
			Target:   r.zone,
		})

		txtEntries := encodeProperties(svc.Properties, r.log)
		if len(txtEntries) > 0 {
			add(&dns.TXT{
				Hdr: dns.RR_Header{Name: srvName, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
				Txt: txtEntries,
			})
		}
	}
}

// recordName forms the full stored name for a relative label under zone.
func recordName(zone, rel string) string {
	return dns.Fqdn(rel + "." + zone)
}

// Handle answers queries from inside the tunnel subnet only; any other
// source gets no reply at all (a dropped datagram, not an error).
func (r *Resolver) Handle(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool) {
	if !r.fromTunnel(from) {
		return nil, false
	}

	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = true

	for _, q := range req.Question {
		if !strings.HasSuffix(dns.Fqdn(q.Name), r.zone) {
			reply.Rcode = dns.RcodeServerFailure
			r.log.Error("ifaceresolver parse error", slog.Any("error", &ParseError{Qname: q.Name}))
			return reply, true
		}
		rrs := r.store.Get(q.Name, q.Qtype)
		if len(rrs) == 0 {
			reply.Rcode = dns.RcodeNameError
			continue
		}
		reply.Answer = append(reply.Answer, rrs...)
	}

	return reply, true
}

func (r *Resolver) fromTunnel(from net.Addr) bool {
	host, _, err := net.SplitHostPort(from.String())
	if err != nil {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return r.subnet.Contains(addr)
}
