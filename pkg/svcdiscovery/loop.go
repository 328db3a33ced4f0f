// Package svcdiscovery runs the per-peer DNS-SD crawl: one goroutine per
// accepted peer periodically walks the peer's DNS-SD tree over the
// tunnel, diffs against what was previously seen, and spawns the
// configured service handlers for anything new.
package svcdiscovery

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/obs"
)

const (
	crawlInterval = 60 * time.Second
	queryTimeout  = 500 * time.Millisecond
	dnsPort       = "53"
)

// Loop crawls one peer's DNS-SD tree until stopped.
type Loop struct {
	peerHost string
	peerAddr string
	handlers map[string]config.ServiceHandler
	client   *dns.Client
	log      *slog.Logger

	known map[string]ServiceData
}

// New builds a Loop for a single accepted peer. peerHost is the peer's
// "<hostname>.zerowire." zone; peerAddr is its tunnel address.
func New(peerHost, peerAddr string, handlers map[string]config.ServiceHandler, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		peerHost: dns.Fqdn(peerHost),
		peerAddr: peerAddr,
		handlers: handlers,
		client:   &dns.Client{Net: "udp", Timeout: queryTimeout},
		log:      log,
		known:    make(map[string]ServiceData),
	}
}

// Run executes the crawl-diff-handle cycle every crawlInterval until ctx
// is canceled, at which point it runs every known service's stop command
// before returning, per spec.md §4.J's peer-removal sequence.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(crawlInterval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), terminateWait*time.Duration(killRetries+1))
			defer cancel()
			stopAll(stopCtx, l.handlers, l.known, l.log)
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	obs.MetricDiscoveryCrawls.Add(ctx, 1)
	found, err := l.crawl(ctx)
	if err != nil {
		l.log.Warn("discovery crawl failed", slog.String("peer", l.peerHost), slog.Any("error", err))
		return
	}

	fresh := diffServices(l.knownKeys(), found)
	for _, svc := range fresh {
		h, ok := l.handlers[svc.Type]
		if !ok || h.Start == "" {
			l.known[svc.key()] = svc
			continue
		}
		obs.MetricHandlersRun.Add(ctx, 1)
		if err := runHandler(ctx, h.Start, svc); err != nil {
			obs.MetricHandlerFailures.Add(ctx, 1)
			l.log.Warn("start handler failed", slog.String("type", svc.Type), slog.String("name", svc.Name), slog.Any("error", err))
			continue
		}
		l.known[svc.key()] = svc
	}
}

func (l *Loop) knownKeys() map[string]bool {
	out := make(map[string]bool, len(l.known))
	for k := range l.known {
		out[k] = true
	}
	return out
}

// crawl performs the four-step DNS-SD walk described in spec.md §4.J:
// enumerate service types, filter to configured handlers, enumerate
// instances per type, then resolve SRV+TXT for each instance.
func (l *Loop) crawl(ctx context.Context) ([]ServiceData, error) {
	types, err := l.enumTypes(ctx)
	if err != nil {
		return nil, err
	}

	var wanted []string
	for _, t := range types {
		if _, ok := l.handlers[t]; ok {
			wanted = append(wanted, t)
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	instancesByType := make([][]string, len(wanted))
	for i, t := range wanted {
		idx, typ := i, t
		g.Go(func() error {
			names, err := l.enumInstances(gctx, typ)
			if err != nil {
				l.log.Warn("enumerate instances failed", slog.String("type", typ), slog.Any("error", err))
				return nil
			}
			instancesByType[idx] = names
			return nil
		})
	}
	_ = g.Wait()

	var allInstances []string
	for _, names := range instancesByType {
		allInstances = append(allInstances, names...)
	}

	results := make([]ServiceData, len(allInstances))
	g2, gctx2 := errgroup.WithContext(ctx)
	for i, inst := range allInstances {
		idx, name := i, inst
		g2.Go(func() error {
			svc, err := l.resolveInstance(gctx2, name)
			if err != nil {
				l.log.Warn("resolve instance failed", slog.String("name", name), slog.Any("error", err))
				return nil
			}
			results[idx] = svc
			return nil
		})
	}
	_ = g2.Wait()

	out := make([]ServiceData, 0, len(results))
	for _, r := range results {
		if r.Name != "" {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *Loop) enumTypes(ctx context.Context) ([]string, error) {
	qname := dns.Fqdn("_services._dns-sd._udp." + l.peerHost)
	rrs, err := l.queryPTR(ctx, qname)
	if err != nil {
		return nil, err
	}
	types := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		types = append(types, l.stripHostSuffix(rr.Ptr))
	}
	return types, nil
}

func (l *Loop) enumInstances(ctx context.Context, svcType string) ([]string, error) {
	qname := dns.Fqdn(strings.TrimSuffix(svcType, ".") + "." + l.peerHost)
	rrs, err := l.queryPTR(ctx, qname)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		names = append(names, rr.Ptr)
	}
	return names, nil
}

func (l *Loop) resolveInstance(ctx context.Context, instance string) (ServiceData, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(instance, dns.TypeSRV)
	srvResp, _, err := l.client.ExchangeContext(ctx, msg, net.JoinHostPort(l.peerAddr, dnsPort))
	if err != nil || len(srvResp.Answer) == 0 {
		return ServiceData{}, err
	}
	srv, ok := srvResp.Answer[0].(*dns.SRV)
	if !ok {
		return ServiceData{}, nil
	}

	txtMsg := new(dns.Msg)
	txtMsg.SetQuestion(instance, dns.TypeTXT)
	txtResp, _, err := l.client.ExchangeContext(ctx, txtMsg, net.JoinHostPort(l.peerAddr, dnsPort))
	props := map[string]string{}
	if err == nil {
		for _, rr := range txtResp.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				for _, entry := range txt.Txt {
					k, v := splitTXTEntry(entry)
					props[k] = v
				}
			}
		}
	}

	typ, name := splitInstance(instance, l.peerHost)
	return ServiceData{
		Type:       typ,
		Name:       name,
		Priority:   srv.Priority,
		Weight:     srv.Weight,
		Port:       srv.Port,
		Target:     srv.Target,
		Properties: props,
	}, nil
}

func (l *Loop) queryPTR(ctx context.Context, qname string) ([]*dns.PTR, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(qname, dns.TypePTR)
	resp, _, err := l.client.ExchangeContext(ctx, msg, net.JoinHostPort(l.peerAddr, dnsPort))
	if err != nil {
		return nil, err
	}
	out := make([]*dns.PTR, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, ptr)
		}
	}
	return out, nil
}

// stripHostSuffix removes the peer hostname zone suffix from a returned
// type label, per spec.md §4.J step 1.
func (l *Loop) stripHostSuffix(label string) string {
	return strings.TrimSuffix(dns.Fqdn(label), l.peerHost)
}

// splitInstance recovers (type, name) from a full instance name of the
// form "<type>.<name>.<peerHost>".
func splitInstance(instance, peerHost string) (typ, name string) {
	rel := strings.TrimSuffix(dns.Fqdn(instance), "."+peerHost)
	labels := dns.SplitDomainName(rel)
	if len(labels) < 2 {
		return "", ""
	}
	n := len(labels)
	typeLabels := labels[:n-1]
	return strings.Join(typeLabels, ".") + ".", labels[n-1]
}

// splitTXTEntry inverts encodeEntry in pkg/ifaceresolver/txt.go: "key"
// decodes to ("key", "true"), "key=" to ("key", "false"), and
// "key=value" to ("key", "value").
func splitTXTEntry(entry string) (key, value string) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			if entry[i+1:] == "" {
				return entry[:i], "false"
			}
			return entry[:i], entry[i+1:]
		}
	}
	return entry, "true"
}
