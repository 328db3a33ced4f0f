package dnsserver

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

type fakeAddr struct{ s string }

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return a.s }

func TestHandlerErrorWraps(t *testing.T) {
	herr := &HandlerError{Err: net.ErrClosed}
	if herr.Unwrap() != net.ErrClosed {
		t.Errorf("Unwrap = %v, want net.ErrClosed", herr.Unwrap())
	}
}

func TestInvokeHandlerRecoversPanic(t *testing.T) {
	s := New(netip.MustParseAddrPort("127.122.119.53:53"), HandlerFunc(func(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool) {
		panic("boom")
	}), nil)

	req := new(dns.Msg)
	req.SetQuestion("host.zerowire.", dns.TypeAAAA)

	reply, send := s.invokeHandler(context.Background(), req, fakeAddr{s: "192.0.2.1:5353"})
	if !send {
		t.Fatal("expected send=true on recovered panic")
	}
	if reply.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %d, want SERVFAIL", reply.Rcode)
	}
}

func TestInvokeHandlerPassesThroughDrop(t *testing.T) {
	s := New(netip.MustParseAddrPort("127.122.119.53:53"), HandlerFunc(func(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool) {
		return nil, false
	}), nil)

	req := new(dns.Msg)
	req.SetQuestion("host.zerowire.", dns.TypeAAAA)

	_, send := s.invokeHandler(context.Background(), req, fakeAddr{s: "192.0.2.1:5353"})
	if send {
		t.Error("expected send=false for a drop signal")
	}
}
