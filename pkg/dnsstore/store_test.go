package dnsstore

import (
	"testing"

	"github.com/miekg/dns"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("NewRR(%q): %v", s, err)
	}
	return rr
}

func TestAddDedupesIdenticalRdata(t *testing.T) {
	s := New()
	tok := s.Claim()
	rr1 := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	rr2 := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	s.Add(tok, rr1)
	s.Add(tok, rr2)
	got := s.Get("host.zerowire.", dns.TypeAAAA)
	if len(got) != 1 {
		t.Fatalf("Get = %v, want 1 record", got)
	}
}

func TestAddKeepsDistinctRdata(t *testing.T) {
	s := New()
	tok := s.Claim()
	rr1 := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	rr2 := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f12")
	s.Add(tok, rr1)
	s.Add(tok, rr2)
	got := s.Get("host.zerowire.", dns.TypeAAAA)
	if len(got) != 2 {
		t.Fatalf("Get = %v, want 2 records", got)
	}
}

func TestRemoveExactRdata(t *testing.T) {
	s := New()
	tok := s.Claim()
	rr1 := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	rr2 := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f12")
	s.Add(tok, rr1)
	s.Add(tok, rr2)
	s.Remove(tok, "host.zerowire.", dns.TypeAAAA, rr1)
	got := s.Get("host.zerowire.", dns.TypeAAAA)
	if len(got) != 1 || got[0].String() != rr2.String() {
		t.Fatalf("Get = %v, want only rr2", got)
	}
}

func TestRemoveAllOfType(t *testing.T) {
	s := New()
	tok := s.Claim()
	rr := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	txt := mustRR(t, "host.zerowire. 3600 IN TXT \"foo\"")
	s.Add(tok, rr)
	s.Add(tok, txt)
	s.Remove(tok, "host.zerowire.", dns.TypeAAAA, nil)
	if len(s.Get("host.zerowire.", dns.TypeAAAA)) != 0 {
		t.Error("AAAA records not removed")
	}
	if len(s.Get("host.zerowire.", dns.TypeTXT)) != 1 {
		t.Error("TXT records should remain")
	}
}

func TestRemoveAllForName(t *testing.T) {
	s := New()
	tok := s.Claim()
	rr := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	txt := mustRR(t, "host.zerowire. 3600 IN TXT \"foo\"")
	s.Add(tok, rr)
	s.Add(tok, txt)
	s.Remove(tok, "host.zerowire.", dns.TypeNone, nil)
	if s.Has("host.zerowire.") {
		t.Error("expected name fully removed")
	}
}

func TestHasAndAll(t *testing.T) {
	s := New()
	tok := s.Claim()
	if s.Has("missing.zerowire.") {
		t.Error("Has on empty store should be false")
	}
	rr := mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	s.Add(tok, rr)
	if !s.Has("host.zerowire.") {
		t.Error("Has should be true after Add")
	}
	all := s.All()
	if len(all) != 1 {
		t.Fatalf("All = %v, want 1", all)
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	s := New()
	tok := s.Claim()
	rr := mustRR(t, "Host.ZeroWire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11")
	s.Add(tok, rr)

	if len(s.Get("host.zerowire.", dns.TypeAAAA)) != 1 {
		t.Error("Get with lowercase name should match a mixed-case stored record")
	}
	if !s.Has("HOST.ZEROWIRE.") {
		t.Error("Has with uppercase name should match a mixed-case stored record")
	}
}

func TestForeignOwnerPanics(t *testing.T) {
	s := New()
	tok1 := s.Claim()
	s.Add(tok1, mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f11"))

	tok2 := callerToken{id: tok1.id + 99}
	defer func() {
		if recover() == nil {
			t.Error("expected panic for foreign owner token")
		}
	}()
	s.Add(tok2, mustRR(t, "host.zerowire. 3600 IN AAAA fd01:203:405:607:809:a0b:d0e:f12"))
}
