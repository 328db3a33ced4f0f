package localresolver

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"

	"github.com/zerowire/zerowire/pkg/dnsstore"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("NewRR(%q): %v", s, err)
	}
	return rr
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "udp" }
func (fakeAddr) String() string  { return "192.0.2.9:12345" }

func TestHandleRefusesNonZerowireSuffix(t *testing.T) {
	r := New(dnsstore.New(), nil)
	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	reply, send := r.Handle(context.Background(), req, fakeAddr{})
	if !send {
		t.Fatal("expected a reply")
	}
	if reply.Rcode != dns.RcodeRefused {
		t.Errorf("Rcode = %d, want REFUSED", reply.Rcode)
	}
}

func TestHandleAnswersSecondLevelName(t *testing.T) {
	store := dnsstore.New()
	tok := store.Claim()
	store.Add(tok, mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11"))

	r := New(store, nil)
	req := new(dns.Msg)
	req.SetQuestion("host.zerowire.", dns.TypeAAAA)

	reply, send := r.Handle(context.Background(), req, fakeAddr{})
	if !send {
		t.Fatal("expected a reply")
	}
	if len(reply.Answer) != 1 {
		t.Fatalf("Answer = %v, want 1 record", reply.Answer)
	}
}

func TestHandleNXDOMAINForUnknownSecondLevelName(t *testing.T) {
	r := New(dnsstore.New(), nil)
	req := new(dns.Msg)
	req.SetQuestion("unknown.zerowire.", dns.TypeAAAA)

	reply, send := r.Handle(context.Background(), req, fakeAddr{})
	if !send {
		t.Fatal("expected a reply")
	}
	if reply.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", reply.Rcode)
	}
}

func TestHandleNXDOMAINForSubzoneWithUnknownOwner(t *testing.T) {
	r := New(dnsstore.New(), nil)
	req := new(dns.Msg)
	req.SetQuestion("_services._dns-sd._udp.unknownhost.zerowire.", dns.TypePTR)

	reply, send := r.Handle(context.Background(), req, fakeAddr{})
	if !send {
		t.Fatal("expected a reply")
	}
	if reply.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN", reply.Rcode)
	}
}

func TestHandleNXDOMAINOnForwardTimeout(t *testing.T) {
	store := dnsstore.New()
	tok := store.Claim()
	store.Add(tok, mustRR(t, "host.zerowire. 3600 IN AAAA fd00:dead:beef::1"))

	r := New(store, nil)
	req := new(dns.Msg)
	req.SetQuestion("svc.host.zerowire.", dns.TypeSRV)

	reply, send := r.Handle(context.Background(), req, fakeAddr{})
	if !send {
		t.Fatal("expected a reply")
	}
	if reply.Rcode != dns.RcodeNameError {
		t.Errorf("Rcode = %d, want NXDOMAIN on forward timeout", reply.Rcode)
	}
}

func TestOwnerZoneOfStripsLeadingLabels(t *testing.T) {
	labels := dns.SplitDomainName(dns.Fqdn("_x._tcp.host.zerowire."))
	got := ownerZoneOf(labels)
	want := "host.zerowire."
	if got != want {
		t.Errorf("ownerZoneOf = %q, want %q", got, want)
	}
}

func TestAddrStringOfExtractsAAAA(t *testing.T) {
	rr := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	got := addrStringOf(rr)
	want := net.ParseIP("fd01:203:405:607:809:a0b:d0e:f11").String()
	if got != want {
		t.Errorf("addrStringOf = %q, want %q", got, want)
	}
}
