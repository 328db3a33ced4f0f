// Package dnsstore holds the DNS records the local resolver answers from:
// peer hostnames, their addresses, and locally advertised DNS-SD records.
// It is not reentrant — every entry point is meant to be called only from
// the supervisor's single event-loop goroutine, matching the mDNS
// callback-marshalling model described for the rest of the daemon.
package dnsstore

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/miekg/dns"
)

// ownerUnset is the sentinel owner token id meaning "no owner claimed yet".
const ownerUnset = 0

// Store is a non-reentrant map of canonical DNS name -> record type ->
// ordered record list.
type Store struct {
	records map[string]map[uint16][]dns.RR
	owner   atomic.Uint64
	nextID  atomic.Uint64
}

// New creates an empty record store.
func New() *Store {
	return &Store{records: make(map[string]map[uint16][]dns.RR)}
}

// callerToken identifies the store's owner. The first Claim fixes the
// owner token, and the mutating entry points (Add, Remove) panic when
// passed any other token; this is the cheap stand-in for the "single
// event-loop goroutine" invariant. The token is not tied to a goroutine:
// every later Claim returns the owner's token.
type callerToken struct{ id uint64 }

// Claim returns a token identifying the current logical owner. Callers
// obtain one token at startup on the event-loop goroutine and pass it to
// every store call; mismatches indicate the invariant was violated.
func (s *Store) Claim() callerToken {
	id := s.nextID.Add(1)
	if !s.owner.CompareAndSwap(ownerUnset, id) {
		return callerToken{id: s.owner.Load()}
	}
	return callerToken{id: id}
}

func (s *Store) checkOwner(tok callerToken) {
	if owner := s.owner.Load(); owner != ownerUnset && owner != tok.id {
		panic(fmt.Sprintf("dnsstore: entry point called with foreign owner token %d (owner %d)", tok.id, owner))
	}
}

// canonicalName normalizes a DNS name to the store's comparison key: a
// fully-qualified, lowercased form, since DNS names compare
// case-insensitively but a peer-supplied hostname may arrive in any case.
func canonicalName(name string) string {
	return strings.ToLower(dns.Fqdn(name))
}

// Add inserts rr under its canonical name and type. It is a no-op if an
// RR with identical canonical string form is already present.
func (s *Store) Add(tok callerToken, rr dns.RR) {
	s.checkOwner(tok)
	name := canonicalName(rr.Header().Name)
	rtype := rr.Header().Rrtype
	if s.records[name] == nil {
		s.records[name] = make(map[uint16][]dns.RR)
	}
	for _, existing := range s.records[name][rtype] {
		if existing.String() == rr.String() {
			return
		}
	}
	s.records[name][rtype] = append(s.records[name][rtype], rr)
}

// Remove implements the three-level cascade: if rr is non-nil, remove
// only the matching record; else if rtype is non-zero, remove every
// record of that type under name; else remove every record under name.
func (s *Store) Remove(tok callerToken, name string, rtype uint16, rr dns.RR) {
	s.checkOwner(tok)
	name = canonicalName(name)
	byType, ok := s.records[name]
	if !ok {
		return
	}

	switch {
	case rr != nil:
		target := rr.String()
		kept := byType[rr.Header().Rrtype][:0]
		for _, existing := range byType[rr.Header().Rrtype] {
			if existing.String() != target {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(byType, rr.Header().Rrtype)
		} else {
			byType[rr.Header().Rrtype] = kept
		}
	case rtype != dns.TypeNone:
		delete(byType, rtype)
	default:
		delete(s.records, name)
		return
	}

	if len(byType) == 0 {
		delete(s.records, name)
	}
}

// Get returns the ordered record list for name and type, or nil.
func (s *Store) Get(name string, rtype uint16) []dns.RR {
	byType, ok := s.records[canonicalName(name)]
	if !ok {
		return nil
	}
	return byType[rtype]
}

// Has reports whether any record exists under name.
func (s *Store) Has(name string) bool {
	byType, ok := s.records[canonicalName(name)]
	return ok && len(byType) > 0
}

// All returns a deep copy of every stored record, for diagnostics.
func (s *Store) All() []dns.RR {
	var out []dns.RR
	for _, byType := range s.records {
		for _, rrs := range byType {
			for _, rr := range rrs {
				out = append(out, dns.Copy(rr))
			}
		}
	}
	return out
}
