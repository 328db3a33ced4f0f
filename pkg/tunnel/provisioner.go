// Package tunnel drives the WireGuard tunnel provisioning state machine:
// absent -> removed -> created -> addressed -> up -> keyed -> port-known.
package tunnel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/wgctl"
)

// State names one step of the provisioning state machine.
type State int

const (
	StateAbsent State = iota
	StateRemoved
	StateCreated
	StateAddressed
	StateUp
	StateKeyed
	StatePortKnown
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateRemoved:
		return "removed"
	case StateCreated:
		return "created"
	case StateAddressed:
		return "addressed"
	case StateUp:
		return "up"
	case StateKeyed:
		return "keyed"
	case StatePortKnown:
		return "port-known"
	default:
		return "unknown"
	}
}

// SetupError reports a fatal failure at or before bringing the link up.
type SetupError struct {
	Iface string
	State State
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("tunnel %s: setup failed in state %s: %v", e.Iface, e.State, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Tunnel is the result of provisioning one configured interface.
type Tunnel struct {
	Config config.Interface
	State  State
	Index  int
}

// LinkOps abstracts the netlink operations the provisioner needs, so tests
// can supply a fake without a real kernel netlink socket.
type LinkOps interface {
	Exists(name string) (bool, error)
	Delete(name string) error
	Create(name string) error
	AddAddress(name string, addr netip.Prefix) error
	SetUp(name string) error
	IndexOf(name string) (int, error)
}

// Provisioner materializes WireGuard tunnel interfaces.
type Provisioner struct {
	links LinkOps
	wg    *wgctl.Adapter
	log   *slog.Logger
}

// New creates a Provisioner backed by the real netlink and wg CLI.
func New(wgAdapter *wgctl.Adapter, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{links: realLinkOps{}, wg: wgAdapter, log: log}
}

// NewWithLinkOps creates a Provisioner backed by a custom LinkOps, for tests.
func NewWithLinkOps(links LinkOps, wgAdapter *wgctl.Adapter, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{links: links, wg: wgAdapter, log: log}
}

// Provision drives the full interface through the provisioning state
// machine. cfg.Port is mutated in place when the kernel chooses the
// listen port.
func (p *Provisioner) Provision(ctx context.Context, cfg *config.Interface) (*Tunnel, error) {
	t := &Tunnel{Config: *cfg, State: StateAbsent}

	exists, err := p.links.Exists(cfg.LinkName)
	if err != nil {
		return nil, &SetupError{Iface: cfg.LinkName, State: StateAbsent, Err: err}
	}
	if exists {
		if err := p.links.Delete(cfg.LinkName); err != nil {
			return nil, &SetupError{Iface: cfg.LinkName, State: StateAbsent, Err: err}
		}
	}
	t.State = StateRemoved

	if err := p.links.Create(cfg.LinkName); err != nil {
		return nil, &SetupError{Iface: cfg.LinkName, State: StateRemoved, Err: err}
	}
	t.State = StateCreated

	if err := p.links.AddAddress(cfg.LinkName, cfg.Addr); err != nil {
		return nil, &SetupError{Iface: cfg.LinkName, State: StateCreated, Err: err}
	}
	t.State = StateAddressed

	if err := p.links.SetUp(cfg.LinkName); err != nil {
		return nil, &SetupError{Iface: cfg.LinkName, State: StateAddressed, Err: err}
	}
	t.State = StateUp

	privKeyB64 := base64.StdEncoding.EncodeToString(cfg.PrivateKey)
	if err := p.wg.SetInterface(ctx, cfg.LinkName, privKeyB64, cfg.Port); err != nil {
		p.log.Error("keying tunnel failed", slog.String("iface", cfg.LinkName), slog.Any("error", err))
		t.Index, _ = p.links.IndexOf(cfg.LinkName)
		return t, nil
	}
	t.State = StateKeyed

	if cfg.Port == nil {
		dump, err := p.wg.DumpInterface(ctx, cfg.LinkName)
		if err != nil {
			p.log.Error("reading back listen port failed", slog.String("iface", cfg.LinkName), slog.Any("error", err))
			t.Index, _ = p.links.IndexOf(cfg.LinkName)
			return t, nil
		}
		port := dump.ListenPort
		cfg.Port = &port
		t.Config.Port = &port
	}
	t.State = StatePortKnown

	idx, err := p.links.IndexOf(cfg.LinkName)
	if err != nil {
		p.log.Error("reading back link index failed", slog.String("iface", cfg.LinkName), slog.Any("error", err))
		return t, nil
	}
	t.Index = idx

	return t, nil
}

// realLinkOps is the production LinkOps backed by vishvananda/netlink.
type realLinkOps struct{}

func (realLinkOps) Exists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	var lnfe netlink.LinkNotFoundError
	if errors.As(err, &lnfe) {
		return false, nil
	}
	return false, err
}

func (realLinkOps) Delete(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkDel(link)
}

func (realLinkOps) Create(name string) error {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = name
	link := &netlink.GenericLink{LinkAttrs: attrs, LinkType: "wireguard"}
	return netlink.LinkAdd(link)
}

func (realLinkOps) AddAddress(name string, addr netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	nlAddr, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return err
	}
	return netlink.AddrAdd(link, nlAddr)
}

func (realLinkOps) SetUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	return netlink.LinkSetUp(link)
}

func (realLinkOps) IndexOf(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, err
	}
	return link.Attrs().Index, nil
}
