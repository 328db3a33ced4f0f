// Package config loads and validates the ZeroWire configuration file: the
// set of WireGuard tunnels to materialize and the service handlers that
// drive the discovery loop. Loading is a two-stage process: decode the
// YAML into a raw tree, then validate and fill in any keys the operator
// left blank by shelling out to `wg genkey`/`wg pubkey`/`wg genpsk`.
package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zerowire/zerowire/pkg/wgctl"
)

const keyLen = 32

// rawService mirrors one entry of an interface's `services:` list.
type rawService struct {
	Type       string            `yaml:"type"`
	Name       string            `yaml:"name"`
	Port       uint16            `yaml:"port"`
	Properties map[string]string `yaml:"properties"`
}

// rawIface mirrors one entry under `interfaces:`.
type rawIface struct {
	Addr     string       `yaml:"addr"`
	PrivKey  string       `yaml:"privkey"`
	PubKey   string       `yaml:"pubkey"`
	PSK      string       `yaml:"psk"`
	Port     *int         `yaml:"port"`
	Services []rawService `yaml:"services"`
}

// rawHandler mirrors one entry under `service_handlers:`.
type rawHandler struct {
	Start string `yaml:"start"`
	Stop  string `yaml:"stop"`
}

type rawConfig struct {
	Interfaces      map[string]rawIface  `yaml:"interfaces"`
	ServiceHandlers map[string]rawHandler `yaml:"service_handlers"`
}

// Service is one locally advertised DNS-SD service entry.
type Service struct {
	Type       string
	Name       string
	Port       uint16
	Properties map[string]string
}

// Interface is one fully validated tunnel configuration. LinkName is the
// kernel-visible name (the logical name prefixed with "wg-").
type Interface struct {
	Name       string
	LinkName   string
	Addr       netip.Prefix
	PrivateKey []byte
	PublicKey  []byte
	PSK        []byte
	Port       *int
	Services   []Service
}

// ServiceHandler is a pair of shell commands run when a peer starts or
// stops advertising a service of the handler's type.
type ServiceHandler struct {
	Type  string
	Start string
	Stop  string
}

// Config is the fully validated ZeroWire configuration. The tunnel
// provisioner fills in an Interface's Port when the kernel chooses it.
type Config struct {
	Interfaces []Interface
	Handlers   map[string]ServiceHandler
}

// Load reads and validates the configuration file at path, filling in any
// of privkey/pubkey/psk left blank via the wg CLI.
func Load(ctx context.Context, path string, exec wgctl.CommandExecutor) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read %s: %w", path, err)}
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Err: fmt.Errorf("parse yaml: %w", err)}
	}

	cfg := &Config{Handlers: make(map[string]ServiceHandler, len(raw.ServiceHandlers))}

	names := make([]string, 0, len(raw.Interfaces))
	for name := range raw.Interfaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		iface, err := buildInterface(ctx, exec, name, raw.Interfaces[name])
		if err != nil {
			return nil, err
		}
		cfg.Interfaces = append(cfg.Interfaces, iface)
	}

	for typ, h := range raw.ServiceHandlers {
		normType := normalizeType(typ)
		cfg.Handlers[normType] = ServiceHandler{Type: normType, Start: h.Start, Stop: h.Stop}
	}

	return cfg, nil
}

func buildInterface(ctx context.Context, exec wgctl.CommandExecutor, name string, raw rawIface) (Interface, error) {
	path := fmt.Sprintf("interfaces.%s", name)

	if raw.Addr == "" {
		return Interface{}, errAt(path+".addr", "required field is empty")
	}
	addr, err := netip.ParsePrefix(raw.Addr)
	if err != nil {
		return Interface{}, errAt(path+".addr", "invalid CIDR %q: %v", raw.Addr, err)
	}

	privKeyB64 := raw.PrivKey
	if privKeyB64 == "" {
		k, err := wgctl.GenKey(ctx, exec)
		if err != nil {
			return Interface{}, errAt(path+".privkey", "generate: %v", err)
		}
		privKeyB64 = k
	}
	privKey, err := decodeKey(path+".privkey", privKeyB64)
	if err != nil {
		return Interface{}, err
	}

	pubKeyB64 := raw.PubKey
	if pubKeyB64 == "" {
		k, err := wgctl.PubKey(ctx, exec, privKeyB64)
		if err != nil {
			return Interface{}, errAt(path+".pubkey", "derive: %v", err)
		}
		pubKeyB64 = k
	}
	pubKey, err := decodeKey(path+".pubkey", pubKeyB64)
	if err != nil {
		return Interface{}, err
	}

	pskB64 := raw.PSK
	if pskB64 == "" {
		k, err := wgctl.GenPSK(ctx, exec)
		if err != nil {
			return Interface{}, errAt(path+".psk", "generate: %v", err)
		}
		pskB64 = k
	}
	psk, err := decodeKey(path+".psk", pskB64)
	if err != nil {
		return Interface{}, err
	}

	services := make([]Service, 0, len(raw.Services))
	for i, rs := range raw.Services {
		svcPath := fmt.Sprintf("%s.services[%d]", path, i)
		if rs.Type == "" {
			return Interface{}, errAt(svcPath+".type", "required field is empty")
		}
		if rs.Name == "" {
			return Interface{}, errAt(svcPath+".name", "required field is empty")
		}
		services = append(services, Service{
			Type:       normalizeType(rs.Type),
			Name:       rs.Name,
			Port:       rs.Port,
			Properties: rs.Properties,
		})
	}

	return Interface{
		Name:       name,
		LinkName:   "wg-" + name,
		Addr:       addr,
		PrivateKey: privKey,
		PublicKey:  pubKey,
		PSK:        psk,
		Port:       raw.Port,
		Services:   services,
	}, nil
}

func decodeKey(path, b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, errAt(path, "invalid base64: %v", err)
	}
	if len(raw) != keyLen {
		return nil, errAt(path, "expected %d raw bytes, got %d", keyLen, len(raw))
	}
	return raw, nil
}

// normalizeType ensures a DNS-SD service type label ends with a dot.
func normalizeType(t string) string {
	if strings.HasSuffix(t, ".") {
		return t
	}
	return t + "."
}
