// Package ratelimit bounds how many DNS queries a single source address
// may submit per second, so one noisy or hostile peer on a tunnel can't
// starve the local or interface resolver's UDP socket for everyone else.
//
// QueryLimiter keeps one token bucket per source address and an
// LRU-bounded cache, so a sweep of spoofed source addresses can't grow
// memory without bound. It is safe for concurrent use.
package ratelimit

import (
	"container/list"
	"net/netip"
	"sync"
	"time"
)

const (
	// DefaultQPS is the default sustained queries per second allowed from
	// a single source address.
	DefaultQPS = 10
	// DefaultBurst is the default token bucket depth per source address.
	DefaultBurst = 20
	// DefaultTracked is the maximum number of source addresses tracked at
	// once. Past this, the least-recently-seen address is evicted.
	DefaultTracked = 4096
)

// bucket is a token bucket for a single source address.
type bucket struct {
	tokens     float64
	refilledAt time.Time
}

// tracked pairs a bucket with the address it belongs to, so the LRU list
// can find its map entry on eviction.
type tracked struct {
	addr netip.Addr
	bkt  *bucket
}

// QueryLimiter rate-limits DNS queries on a per-source-address basis
// using token buckets. An LRU eviction policy keeps memory bounded.
type QueryLimiter struct {
	mu      sync.Mutex
	qps     float64
	burst   float64
	limit   int
	buckets map[netip.Addr]*list.Element
	seen    *list.List
}

// New creates a QueryLimiter allowing qps sustained queries per second
// per address with burst tokens of headroom, tracking at most limit
// distinct addresses at once.
func New(qps, burst float64, limit int) *QueryLimiter {
	if qps <= 0 {
		qps = DefaultQPS
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if limit <= 0 {
		limit = DefaultTracked
	}
	return &QueryLimiter{
		qps:     qps,
		burst:   burst,
		limit:   limit,
		buckets: make(map[netip.Addr]*list.Element, limit),
		seen:    list.New(),
	}
}

// NewDefault creates a QueryLimiter with DefaultQPS, DefaultBurst, and
// DefaultTracked.
func NewDefault() *QueryLimiter {
	return New(DefaultQPS, DefaultBurst, DefaultTracked)
}

// Allow consumes one token from addr's bucket and reports whether the
// query should be served. An invalid addr (the caller could not
// determine a source address) is always allowed, since there is nothing
// to key a bucket on.
func (l *QueryLimiter) Allow(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if elem, exists := l.buckets[addr]; exists {
		bkt := elem.Value.(*tracked).bkt
		elapsed := now.Sub(bkt.refilledAt).Seconds()
		bkt.tokens += elapsed * l.qps
		if bkt.tokens > l.burst {
			bkt.tokens = l.burst
		}
		bkt.refilledAt = now
		l.seen.MoveToFront(elem)

		if bkt.tokens < 1 {
			return false
		}
		bkt.tokens--
		return true
	}

	if l.seen.Len() >= l.limit {
		if oldest := l.seen.Back(); oldest != nil {
			l.seen.Remove(oldest)
			delete(l.buckets, oldest.Value.(*tracked).addr)
		}
	}

	bkt := &bucket{tokens: l.burst - 1, refilledAt: now}
	elem := l.seen.PushFront(&tracked{addr: addr, bkt: bkt})
	l.buckets[addr] = elem
	return true
}

// Reset discards all tracked source addresses.
func (l *QueryLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[netip.Addr]*list.Element, l.limit)
	l.seen.Init()
}
