// Package wgctl is a thin shell adapter over the `wg` command-line tool.
// It never talks to the kernel directly: every WireGuard control-plane
// operation is translated into an argv list and run as a subprocess,
// with secrets delivered on stdin rather than argv, matching the
// upstream wg(8) convention for private-key and preshared-key material.
package wgctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const binary = "wg"

// CommandFailedError wraps a non-zero exit from the wg binary.
type CommandFailedError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("wg %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *CommandFailedError) Unwrap() error { return e.Err }

// ParseError reports malformed `wg show ... dump` output.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wg dump parse: %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PeerSpec is the set of fields needed to install or refresh a WireGuard
// peer entry via `wg set <iface> peer ...`.
type PeerSpec struct {
	PublicKey           string
	PresharedKey        string
	Endpoint            netip.AddrPort
	PersistentKeepalive time.Duration
	AllowedIPs          []netip.Prefix
}

// InterfaceDump is the parsed result of `wg show <iface> dump`.
type InterfaceDump struct {
	PrivateKey string
	PublicKey  string
	ListenPort int
	FwMark     int
	Peers      []PeerDump
}

// PeerDump is one peer line from `wg show <iface> dump`.
type PeerDump struct {
	PublicKey       string
	PresharedKey    string
	Endpoint        string
	AllowedIPs      []string
	LatestHandshake time.Time
	TransferRx      uint64
	TransferTx      uint64
	KeepaliveSecs   int
}

// Adapter drives the `wg` CLI. It holds no state of its own; concurrent
// invocations are permitted but produce non-deterministic command
// ordering, per the spec's concurrency model for this component.
type Adapter struct {
	exec CommandExecutor
	log  *slog.Logger
}

// New creates an Adapter that shells out via the real OS process API.
func New(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{exec: RealCommandExecutor{}, log: log}
}

// NewWithExecutor creates an Adapter backed by a custom CommandExecutor,
// for tests.
func NewWithExecutor(e CommandExecutor, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{exec: e, log: log}
}

// SetInterface sets the interface's private key and, if listenPort is
// non-nil, its fixed listen port, via `wg set <iface> [listen-port P]
// private-key /dev/stdin`.
func (a *Adapter) SetInterface(ctx context.Context, iface, privateKey string, listenPort *int) error {
	args := []string{"set", iface}
	if listenPort != nil {
		args = append(args, "listen-port", strconv.Itoa(*listenPort))
	}
	args = append(args, "private-key", "/dev/stdin")
	_, err := a.run(ctx, args, privateKey)
	return err
}

// SetPeer installs or refreshes a peer via `wg set <iface> peer <pubkey>
// preshared-key /dev/stdin endpoint <ep> persistent-keepalive <secs>
// allowed-ips <list>`.
func (a *Adapter) SetPeer(ctx context.Context, iface string, p PeerSpec) error {
	allowed := make([]string, len(p.AllowedIPs))
	for i, ip := range p.AllowedIPs {
		allowed[i] = ip.String()
	}
	args := []string{
		"set", iface,
		"peer", p.PublicKey,
		"preshared-key", "/dev/stdin",
		"endpoint", p.Endpoint.String(),
		"persistent-keepalive", strconv.Itoa(int(p.PersistentKeepalive.Seconds())),
		"allowed-ips", strings.Join(allowed, ","),
	}
	_, err := a.run(ctx, args, p.PresharedKey)
	return err
}

// DumpInterface returns the parsed `wg show <iface> dump` output.
func (a *Adapter) DumpInterface(ctx context.Context, iface string) (InterfaceDump, error) {
	out, err := a.run(ctx, []string{"show", iface, "dump"}, "")
	if err != nil {
		return InterfaceDump{}, err
	}
	return parseDump(out)
}

func (a *Adapter) run(ctx context.Context, args []string, stdin string) (string, error) {
	cmd := a.exec.Command(binary, args...)
	if stdin != "" {
		cmd.SetStdin(strings.NewReader(stdin))
	}
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			stderr = string(exitErr.Stderr)
		}
		a.log.Error("wg command failed", slog.Any("args", args), slog.String("error", err.Error()))
		return "", &CommandFailedError{Args: args, Stderr: stderr, Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

func parseDump(out string) (InterfaceDump, error) {
	var dump InterfaceDump
	lines := strings.Split(out, "\n")
	if len(lines) == 0 || strings.TrimSpace(out) == "" {
		return dump, &ParseError{Line: out, Err: fmt.Errorf("empty dump output")}
	}
	header := strings.Split(lines[0], "\t")
	if len(header) < 4 {
		return dump, &ParseError{Line: lines[0], Err: fmt.Errorf("expected at least 4 tab-separated fields")}
	}
	dump.PrivateKey = header[0]
	dump.PublicKey = header[1]
	port, err := strconv.Atoi(header[2])
	if err != nil {
		return dump, &ParseError{Line: lines[0], Err: fmt.Errorf("listen port: %w", err)}
	}
	dump.ListenPort = port
	if fw, err := strconv.Atoi(header[3]); err == nil {
		dump.FwMark = fw
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 8 {
			return dump, &ParseError{Line: line, Err: fmt.Errorf("expected at least 8 tab-separated peer fields")}
		}
		var p PeerDump
		p.PublicKey = fields[0]
		p.PresharedKey = fields[1]
		p.Endpoint = fields[2]
		if fields[3] != "(none)" {
			p.AllowedIPs = strings.Split(fields[3], ",")
		}
		if hs, err := strconv.ParseInt(fields[4], 10, 64); err == nil && hs > 0 {
			p.LatestHandshake = time.Unix(hs, 0)
		}
		if rx, err := strconv.ParseUint(fields[5], 10, 64); err == nil {
			p.TransferRx = rx
		}
		if tx, err := strconv.ParseUint(fields[6], 10, 64); err == nil {
			p.TransferTx = tx
		}
		if ka, err := strconv.Atoi(fields[7]); err == nil {
			p.KeepaliveSecs = ka
		}
		dump.Peers = append(dump.Peers, p)
	}
	return dump, nil
}

// GenKey, PubKey, and GenPSK shell out to `wg genkey`, `wg pubkey`, and
// `wg genpsk` respectively, used by config loading to fill in any of
// privkey/pubkey/psk the operator left blank.
func GenKey(ctx context.Context, exec CommandExecutor) (string, error) {
	return runSimple(ctx, exec, []string{"genkey"}, "")
}

func PubKey(ctx context.Context, exec CommandExecutor, privateKey string) (string, error) {
	return runSimple(ctx, exec, []string{"pubkey"}, privateKey)
}

func GenPSK(ctx context.Context, exec CommandExecutor) (string, error) {
	return runSimple(ctx, exec, []string{"genpsk"}, "")
}

func runSimple(_ context.Context, e CommandExecutor, args []string, stdin string) (string, error) {
	cmd := e.Command(binary, args...)
	if stdin != "" {
		cmd.SetStdin(bytes.NewReader([]byte(stdin)))
	}
	out, err := cmd.Output()
	if err != nil {
		return "", &CommandFailedError{Args: args, Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}
