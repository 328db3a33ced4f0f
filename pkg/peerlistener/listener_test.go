package peerlistener

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"net/netip"
	"testing"

	"github.com/libp2p/zeroconf/v2"

	"github.com/zerowire/zerowire/pkg/config"
	"github.com/zerowire/zerowire/pkg/dnsstore"
	"github.com/zerowire/zerowire/pkg/svcadvert"
	"github.com/zerowire/zerowire/pkg/wgctl"
)

type fakeWGSetter struct {
	calls []wgctl.PeerSpec
	err   error
}

func (f *fakeWGSetter) SetPeer(_ context.Context, _ string, p wgctl.PeerSpec) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, p)
	return nil
}

func testIface() config.Interface {
	return config.Interface{
		Name:      "home",
		LinkName:  "wg-home",
		Addr:      netip.MustParsePrefix("fd00:1:2:3::1/64"),
		PublicKey: bytes.Repeat([]byte{0x01}, 32),
		PSK:       bytes.Repeat([]byte{0x02}, 32),
	}
}

func buildEntry(t *testing.T, iface config.Interface, peerAddr netip.Addr, peerPubkey []byte, hostname string, port int, addrs []net.IP) *zeroconf.ServiceEntry {
	t.Helper()
	adv, err := svcadvert.Build("machine-1", "eth0", hostname, config.Interface{
		Addr:      netip.PrefixFrom(peerAddr, iface.Addr.Bits()),
		PublicKey: peerPubkey,
		PSK:       iface.PSK,
	}, port)
	if err != nil {
		t.Fatalf("Build advertisement: %v", err)
	}

	text := make([]string, 0, len(adv.Props))
	for k, v := range adv.Props {
		text = append(text, k+"="+v)
	}

	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: adv.Instance,
			Service:  svcadvert.ServiceType,
			Domain:   "local.",
		},
		Port: port,
		Text: text,
	}
	for _, ip := range addrs {
		if ip.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, ip)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, ip)
		}
	}
	return entry
}

func TestHandleAddInstallsAuthenticatedPeer(t *testing.T) {
	iface := testIface()
	peerAddr := netip.MustParseAddr("fd00:1:2:3::2")
	peerPubkey := bytes.Repeat([]byte{0x03}, 32)
	entry := buildEntry(t, iface, peerAddr, peerPubkey, "peerhost", 51820,
		[]net.IP{net.ParseIP("2001:db8::1")})

	wg := &fakeWGSetter{}
	records := dnsstore.New()
	l := New(iface, wg, records, nil)

	l.handleAdd(context.Background(), entry)

	if len(wg.calls) != 1 {
		t.Fatalf("SetPeer calls = %d, want 1", len(wg.calls))
	}
	got := wg.calls[0]
	if got.PublicKey != base64.StdEncoding.EncodeToString(peerPubkey) {
		t.Errorf("installed pubkey = %q", got.PublicKey)
	}
	if len(got.AllowedIPs) != 1 || got.AllowedIPs[0].Addr() != peerAddr {
		t.Errorf("AllowedIPs = %v, want [%v]", got.AllowedIPs, peerAddr)
	}

	if rrs := records.Get("peerhost.zerowire.", 28 /* AAAA */); len(rrs) != 1 {
		t.Errorf("expected one AAAA record for peerhost.zerowire., got %d", len(rrs))
	}
}

func TestHandleAddRejectsBadAuth(t *testing.T) {
	iface := testIface()
	peerAddr := netip.MustParseAddr("fd00:1:2:3::2")
	entry := buildEntry(t, iface, peerAddr, bytes.Repeat([]byte{0x03}, 32), "peerhost", 51820,
		[]net.IP{net.ParseIP("2001:db8::1")})
	for i, kv := range entry.Text {
		if len(kv) > 5 && kv[:5] == "auth=" {
			entry.Text[i] = "auth=" + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xFF}, 32))
		}
	}

	wg := &fakeWGSetter{}
	l := New(iface, wg, dnsstore.New(), nil)
	l.handleAdd(context.Background(), entry)

	if len(wg.calls) != 0 {
		t.Errorf("expected no peer installed for bad auth, got %d calls", len(wg.calls))
	}
}

func TestHandleAddRejectsSelf(t *testing.T) {
	iface := testIface()
	entry := buildEntry(t, iface, iface.Addr.Addr(), bytes.Repeat([]byte{0x03}, 32), "myhost", 51820,
		[]net.IP{net.ParseIP("2001:db8::1")})

	wg := &fakeWGSetter{}
	l := New(iface, wg, dnsstore.New(), nil)
	l.handleAdd(context.Background(), entry)

	if len(wg.calls) != 0 {
		t.Errorf("expected self-advertisement to be rejected, got %d calls", len(wg.calls))
	}
}

func TestHandleAddRejectsOutsideSubnet(t *testing.T) {
	iface := testIface()
	outside := netip.MustParseAddr("fd00:9:9:9::2")
	entry := buildEntry(t, iface, outside, bytes.Repeat([]byte{0x03}, 32), "peerhost", 51820,
		[]net.IP{net.ParseIP("2001:db8::1")})

	wg := &fakeWGSetter{}
	l := New(iface, wg, dnsstore.New(), nil)
	l.handleAdd(context.Background(), entry)

	if len(wg.calls) != 0 {
		t.Errorf("expected out-of-subnet peer to be rejected, got %d calls", len(wg.calls))
	}
}

func TestHandleAddRejectsDuplicatePubkey(t *testing.T) {
	iface := testIface()
	peerPubkey := bytes.Repeat([]byte{0x03}, 32)
	peerAddr := netip.MustParseAddr("fd00:1:2:3::2")
	entry := buildEntry(t, iface, peerAddr, peerPubkey, "peerhost", 51820,
		[]net.IP{net.ParseIP("2001:db8::1")})

	wg := &fakeWGSetter{}
	l := New(iface, wg, dnsstore.New(), nil)
	l.handleAdd(context.Background(), entry)
	l.handleAdd(context.Background(), entry)

	if len(wg.calls) != 1 {
		t.Errorf("SetPeer calls = %d, want 1 (duplicate should be rejected)", len(wg.calls))
	}
}

func TestHandleAddSkipsLinkLocalAddress(t *testing.T) {
	iface := testIface()
	peerAddr := netip.MustParseAddr("fd00:1:2:3::2")
	entry := buildEntry(t, iface, peerAddr, bytes.Repeat([]byte{0x03}, 32), "peerhost", 51820,
		[]net.IP{net.ParseIP("fe80::1"), net.ParseIP("2001:db8::1")})

	wg := &fakeWGSetter{}
	l := New(iface, wg, dnsstore.New(), nil)
	l.handleAdd(context.Background(), entry)

	if len(wg.calls) != 1 {
		t.Fatalf("SetPeer calls = %d, want 1", len(wg.calls))
	}
	if wg.calls[0].Endpoint.Addr().String() == "fe80::1" {
		t.Error("link-local address must not be used as endpoint")
	}
}

func TestDecodePropsRoundTrip(t *testing.T) {
	props := decodeProps([]string{"addr=fd00::1", "hostname=x", "bare"})
	if props["addr"] != "fd00::1" || props["hostname"] != "x" {
		t.Errorf("decodeProps = %v", props)
	}
	if _, ok := props["bare"]; ok {
		t.Error("entry without '=' should not be decoded")
	}
}
