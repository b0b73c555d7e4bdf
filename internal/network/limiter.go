package network

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter caps concurrent connections and streams per remote IP.
type ipLimiter struct {
	mu         sync.Mutex
	maxConns   int
	maxStreams int
	conns      map[string]int
	streams    map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:   maxConns,
		maxStreams: maxStreams,
		conns:      make(map[string]int),
		streams:    make(map[string]int),
	}
}

func acquire(mu *sync.Mutex, counts map[string]int, limit int, ip string) bool {
	if limit <= 0 {
		return true
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[ip] >= limit {
		return false
	}
	counts[ip]++
	return true
}

func release(mu *sync.Mutex, counts map[string]int, limit int, ip string) {
	if limit <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if counts[ip] <= 1 {
		delete(counts, ip)
		return
	}
	counts[ip]--
}

func (l *ipLimiter) acquireConn(ip string) bool {
	return acquire(&l.mu, l.conns, l.maxConns, ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	release(&l.mu, l.conns, l.maxConns, ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	return acquire(&l.mu, l.streams, l.maxStreams, ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	release(&l.mu, l.streams, l.maxStreams, ip)
}

// peerRates holds one token bucket per peer for inbound gossip messages.
// Idle buckets are dropped on sweep.
type peerRates struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	buckets map[string]*peerBucket
}

type peerBucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

func newPeerRates(perSecond float64, burst int, idle time.Duration) *peerRates {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &peerRates{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*peerBucket),
	}
}

func (p *peerRates) allow(peer string, now time.Time) bool {
	if p == nil || p.limit <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[peer]
	if !ok {
		b = &peerBucket{lim: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[peer] = b
	}
	b.lastUsed = now
	return b.lim.AllowN(now, 1)
}

func (p *peerRates) sweep(now time.Time) int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for peer, b := range p.buckets {
		if now.Sub(b.lastUsed) > p.idle {
			delete(p.buckets, peer)
			n++
		}
	}
	return n
}
