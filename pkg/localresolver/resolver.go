// Package localresolver implements the host-local recursive DNS handler
// bound to 127.122.119.53:53. It answers directly from the shared record
// store for second-level zerowire names and forwards deeper queries over
// the tunnel to the owning peer's interface resolver.
package localresolver

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/zerowire/zerowire/pkg/dnsstore"
	"github.com/zerowire/zerowire/pkg/sysdns"
)

const (
	// BindAddr is the fixed loopback address the local resolver listens
	// on, per spec.md §6.
	BindAddr       = "127.122.119.53"
	BindPort       = 53
	zone           = "zerowire."
	forwardTimeout = 500 * time.Millisecond
	forwardPort    = "53"
)

// Resolver implements dnsserver.Handler for the local recursive resolver.
type Resolver struct {
	store  *dnsstore.Store
	client *dns.Client
	log    *slog.Logger
}

// New creates a Resolver over store, which must already hold the peer
// address records the resolver answers from (populated by the peer
// listener as it accepts advertisements).
func New(store *dnsstore.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		store:  store,
		client: &dns.Client{Net: "udp", Timeout: forwardTimeout},
		log:    log,
	}
}

// AddToResolved asks systemd-resolved, over the system D-Bus, to route
// "zerowire." queries arriving on ifindex to this resolver's bind
// address.
func (r *Resolver) AddToResolved(ifindex int) error {
	mgr, err := sysdns.Connect()
	if err != nil {
		return err
	}
	defer mgr.Close()

	addr := netip.MustParseAddr(BindAddr)
	return mgr.EnableZone(ifindex, addr)
}

// Handle answers a single DNS request per spec: a suffix guard, direct
// answers for second-level names, and tunnel-forwarded answers for
// deeper names.
func (r *Resolver) Handle(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool) {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.Authoritative = false

	if len(req.Question) == 0 {
		reply.Rcode = dns.RcodeRefused
		return reply, true
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([][]dns.RR, len(req.Question))
	var mu questionState

	for i, q := range req.Question {
		name := dns.Fqdn(q.Name)
		if !strings.HasSuffix(strings.ToLower(name), zone) {
			reply.Rcode = dns.RcodeRefused
			return reply, true
		}

		labels := dns.SplitDomainName(name)
		if len(labels) == 2 {
			rrs := r.store.Get(name, q.Qtype)
			if len(rrs) == 0 {
				mu.markNXDOMAIN()
				continue
			}
			results[i] = rrs
			continue
		}

		ownerName := ownerZoneOf(labels)
		ownerAddrs := r.store.Get(ownerName, dns.TypeAAAA)
		if len(ownerAddrs) == 0 {
			ownerAddrs = r.store.Get(ownerName, dns.TypeA)
		}
		if len(ownerAddrs) == 0 {
			mu.markNXDOMAIN()
			continue
		}

		idx := i
		question := q
		owner := ownerAddrs[0]
		g.Go(func() error {
			rrs, err := r.forward(gctx, question, owner)
			if err != nil {
				r.log.Error("forward query failed", slog.String("name", question.Name), slog.Any("error", err))
				mu.markNXDOMAIN()
				return nil
			}
			results[idx] = rrs
			return nil
		})
	}

	_ = g.Wait()

	for _, rrs := range results {
		reply.Answer = append(reply.Answer, rrs...)
	}

	if mu.nxdomain && len(reply.Answer) == 0 {
		reply.Rcode = dns.RcodeNameError
	}

	return reply, true
}

// questionState is shared across the concurrent per-question goroutines
// spawned by Handle, so its mutation must be synchronized.
type questionState struct {
	mu       sync.Mutex
	nxdomain bool
}

func (s *questionState) markNXDOMAIN() {
	s.mu.Lock()
	s.nxdomain = true
	s.mu.Unlock()
}

// ownerZoneOf takes the split labels of a query name and returns the
// owner's two-label <host>.zerowire. zone as an FQDN.
func ownerZoneOf(labels []string) string {
	n := len(labels)
	return dns.Fqdn(labels[n-2] + "." + labels[n-1])
}

func (r *Resolver) forward(ctx context.Context, q dns.Question, ownerAddr dns.RR) ([]dns.RR, error) {
	host := addrStringOf(ownerAddr)
	msg := new(dns.Msg)
	msg.SetQuestion(q.Name, q.Qtype)

	fctx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()

	resp, _, err := r.client.ExchangeContext(fctx, msg, net.JoinHostPort(host, forwardPort))
	if err != nil {
		return nil, err
	}
	return resp.Answer, nil
}

func addrStringOf(rr dns.RR) string {
	switch v := rr.(type) {
	case *dns.AAAA:
		return v.AAAA.String()
	case *dns.A:
		return v.A.String()
	default:
		return ""
	}
}
