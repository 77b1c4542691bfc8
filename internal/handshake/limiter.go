package handshake

import (
	"sync"
	"time"
)

// addrLimiter caps connection requests per source address per window. It
// sits in front of token validation so a single address cannot buy
// unbounded AEAD work with retransmits.
type addrLimiter struct {
	mu          sync.Mutex
	burst       int
	window      time.Duration
	windowStart time.Time
	counts      map[string]int
}

func newAddrLimiter(burst int, window time.Duration) *addrLimiter {
	if burst <= 0 {
		burst = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &addrLimiter{
		burst:  burst,
		window: window,
		counts: make(map[string]int),
	}
}

func (l *addrLimiter) allow(addr string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.counts = make(map[string]int)
	}
	if l.counts[addr] >= l.burst {
		return false
	}
	l.counts[addr]++
	return true
}
