// Package supervisor assembles every ZeroWire component into one running
// process: it owns the Local Resolver, every provisioned Tunnel, and
// each tunnel's Interface Resolver, Peer Listeners, and discovery
// loops, and drives orderly startup and shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/dnsserver"
	"github.com/zerowire/zerowire/pkg/dnsstore"
	"github.com/zerowire/zerowire/pkg/ifaceresolver"
	"github.com/zerowire/zerowire/pkg/localresolver"
	"github.com/zerowire/zerowire/pkg/netiface"
	"github.com/zerowire/zerowire/pkg/peerlistener"
	"github.com/zerowire/zerowire/pkg/svcadvert"
	"github.com/zerowire/zerowire/pkg/svcdiscovery"
	"github.com/zerowire/zerowire/pkg/tunnel"
	"github.com/zerowire/zerowire/pkg/wgctl"
)

// machineIDPath is read once at startup, per spec.md §6.
const machineIDPath = "/etc/machine-id"

// tunnelUnit is everything the supervisor owns for one provisioned
// tunnel: its Interface Resolver, its per-physical-link Peer Listeners,
// and the mDNS advertisements registered for it.
type tunnelUnit struct {
	tun        *tunnel.Tunnel
	ifaceSrv   *dnsserver.Server
	listeners  []*peerlistener.Listener
	advServers []advertServer
}

// advertServer is the subset of *zeroconf.Server this package depends
// on, so shutdown doesn't need the zeroconf import directly.
type advertServer interface {
	Shutdown()
}

// Supervisor owns every top-level ZeroWire component.
type Supervisor struct {
	cfg      *config.Config
	wg       *wgctl.Adapter
	links    *netiface.Enumerator
	log      *slog.Logger
	machine  string
	hostname string

	records  *dnsstore.Store
	resolver *localresolver.Resolver
	localSrv *dnsserver.Server

	tunnels []*tunnelUnit

	discoveryMu     sync.Mutex
	cancelDiscovery []context.CancelFunc
	wgGroup         sync.WaitGroup
}

// New builds a Supervisor from a loaded configuration. It does not start
// anything; call Run to provision tunnels and serve traffic.
func New(cfg *config.Config, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}
	machineID, err := readMachineID(machineIDPath)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("supervisor: hostname: %w", err)
	}

	records := dnsstore.New()
	return &Supervisor{
		cfg:      cfg,
		wg:       wgctl.New(log),
		links:    netiface.New(),
		log:      log,
		machine:  machineID,
		hostname: hostname,
		records:  records,
		resolver: localresolver.New(records, log),
	}, nil
}

func readMachineID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Run executes the build order from spec.md §4.K and blocks until ctx
// is canceled or a SIGINT/SIGTERM arrives, then shuts everything down
// in the order shutdown documents.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provisioner := tunnel.New(s.wg, s.log)
	for i := range s.cfg.Interfaces {
		iface := &s.cfg.Interfaces[i]
		tun, err := provisioner.Provision(ctx, iface)
		if err != nil {
			return fmt.Errorf("supervisor: provision %s: %w", iface.Name, err)
		}
		unit, err := s.bringUp(ctx, tun)
		if err != nil {
			s.log.Error("tunnel bring-up failed", slog.String("iface", tun.Config.Name), slog.Any("error", err))
			continue
		}
		s.tunnels = append(s.tunnels, unit)
	}

	s.localSrv = dnsserver.New(netip.MustParseAddrPort(fmt.Sprintf("%s:%d", localresolver.BindAddr, localresolver.BindPort)), s.resolver, s.log)
	s.wgGroup.Add(1)
	go func() {
		defer s.wgGroup.Done()
		if err := s.localSrv.ListenAndServe(ctx); err != nil {
			s.log.Error("local resolver server stopped", slog.Any("error", err))
		}
	}()

	for _, unit := range s.tunnels {
		if err := s.resolver.AddToResolved(unit.tun.Index); err != nil {
			s.log.Warn("resolved routing registration failed", slog.String("iface", unit.tun.Config.Name), slog.Any("error", err))
		}
	}

	s.log.Info("zerowire running", slog.Int("tunnels", len(s.tunnels)))
	<-ctx.Done()
	s.shutdown()
	return nil
}

// bringUp constructs the Interface Resolver, the per-physical-link Peer
// Listeners and mDNS advertisements, and the per-tunnel discovery loops
// for one provisioned tunnel.
func (s *Supervisor) bringUp(ctx context.Context, tun *tunnel.Tunnel) (*tunnelUnit, error) {
	unit := &tunnelUnit{tun: tun}

	ifaceResolver := ifaceresolver.New(tun.Config, s.hostname, s.log)
	bind := netip.AddrPortFrom(tun.Config.Addr.Addr(), 53)
	unit.ifaceSrv = dnsserver.New(bind, ifaceResolver, s.log)
	s.wgGroup.Add(1)
	go func() {
		defer s.wgGroup.Done()
		if err := unit.ifaceSrv.ListenAndServe(ctx); err != nil {
			s.log.Error("interface resolver server stopped", slog.String("iface", tun.Config.Name), slog.Any("error", err))
		}
	}()

	physLinks, err := s.links.PhysicalLinks()
	if err != nil {
		return nil, fmt.Errorf("enumerate physical links: %w", err)
	}

	for _, link := range physLinks {
		listener := peerlistener.New(tun.Config, s.wg, s.records, s.log)
		listener.OnAccepted(func(hostname, addr string) {
			s.StartDiscovery(ctx, hostname, addr)
		})
		unit.listeners = append(unit.listeners, listener)

		port := 0
		if tun.Config.Port != nil {
			port = *tun.Config.Port
		}
		adv, err := svcadvert.Build(s.machine, link.Name, s.hostname, tun.Config, port)
		if err != nil {
			s.log.Error("build advertisement failed", slog.String("link", link.Name), slog.Any("error", err))
			continue
		}
		addrs, err := s.links.AddressesOf(link.Name)
		if err != nil {
			s.log.Warn("addresses of link failed", slog.String("link", link.Name), slog.Any("error", err))
			continue
		}
		ips := make([]string, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.Addr().String())
		}
		srv, err := svcadvert.Register(adv, ips, []net.Interface{{Name: link.Name, Index: link.Index}})
		if err != nil {
			s.log.Error("register advertisement failed", slog.String("link", link.Name), slog.Any("error", err))
			continue
		}
		unit.advServers = append(unit.advServers, srv)

		s.wgGroup.Add(1)
		go func(l *peerlistener.Listener, ifaceName string) {
			defer s.wgGroup.Done()
			if err := l.Run(ctx, []net.Interface{{Name: ifaceName}}); err != nil && ctx.Err() == nil {
				s.log.Error("peer listener stopped", slog.String("link", ifaceName), slog.Any("error", err))
			}
		}(listener, link.Name)
	}

	return unit, nil
}

// StartDiscovery launches a Service Discovery Loop for peerHost at
// peerAddr using the process-wide service handler set. Called by a Peer Listener once
// it accepts a new peer.
func (s *Supervisor) StartDiscovery(ctx context.Context, peerHost, peerAddr string) {
	dctx, cancel := context.WithCancel(ctx)
	s.discoveryMu.Lock()
	s.cancelDiscovery = append(s.cancelDiscovery, cancel)
	s.discoveryMu.Unlock()
	loop := svcdiscovery.New(peerHost, peerAddr, s.cfg.Handlers, s.log)
	s.wgGroup.Add(1)
	go func() {
		defer s.wgGroup.Done()
		loop.Run(dctx)
	}()
}

// shutdown stops accepting new work and closes every owned resource, in
// the order spec.md §4.K specifies: mDNS sockets, discovery tasks, DNS
// sockets.
func (s *Supervisor) shutdown() {
	s.log.Info("shutting down")
	for _, unit := range s.tunnels {
		for _, srv := range unit.advServers {
			srv.Shutdown()
		}
	}
	s.discoveryMu.Lock()
	for _, cancel := range s.cancelDiscovery {
		cancel()
	}
	s.discoveryMu.Unlock()
	if s.localSrv != nil {
		_ = s.localSrv.Shutdown()
	}
	for _, unit := range s.tunnels {
		if unit.ifaceSrv != nil {
			_ = unit.ifaceSrv.Shutdown()
		}
	}
	s.wgGroup.Wait()
}
