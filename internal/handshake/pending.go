package handshake

import (
	"time"

	"netgate/internal/crypto"
	"netgate/internal/packet"
)

// pendingRecord tracks one in-flight handshake keyed by sender address. The
// raw request bytes are kept so a retransmit can be recognized by exact
// match without re-opening the token; the encoded challenge is kept so the
// retransmit gets the same challenge back instead of burning a fresh nonce.
type pendingRecord struct {
	addr           string
	clientID       uint64
	clientKey      [crypto.KeySize]byte
	challengeNonce [packet.NonceBytes]byte
	request        []byte
	challenge      []byte
	createdAt      time.Time
	lastSeenAt     time.Time
}

// pendingPool is the capacity-bounded store of pending records. Its bound is
// independent of maxClients; when full, the oldest record is replaced so a
// spoofed-address flood can only churn the pool, never grow it. Callers hold
// the server mutex.
type pendingPool struct {
	max     int
	records map[string]*pendingRecord
}

func newPendingPool(max int) *pendingPool {
	if max <= 0 {
		max = 1
	}
	return &pendingPool{
		max:     max,
		records: make(map[string]*pendingRecord, max),
	}
}

func (p *pendingPool) get(addr string) (*pendingRecord, bool) {
	rec, ok := p.records[addr]
	return rec, ok
}

// put inserts rec, evicting the oldest record when the pool is full.
// Returns true when an eviction happened.
func (p *pendingPool) put(rec *pendingRecord) bool {
	evicted := false
	if _, exists := p.records[rec.addr]; !exists && len(p.records) >= p.max {
		oldestAddr := ""
		var oldestAt time.Time
		for addr, r := range p.records {
			if oldestAddr == "" || r.createdAt.Before(oldestAt) {
				oldestAddr = addr
				oldestAt = r.createdAt
			}
		}
		if oldestAddr != "" {
			delete(p.records, oldestAddr)
			evicted = true
		}
	}
	p.records[rec.addr] = rec
	return evicted
}

func (p *pendingPool) remove(addr string) {
	delete(p.records, addr)
}

// sweep drops records whose last activity is older than timeout and returns
// how many were dropped.
func (p *pendingPool) sweep(now time.Time, timeout time.Duration) int {
	dropped := 0
	for addr, rec := range p.records {
		if now.Sub(rec.lastSeenAt) > timeout {
			delete(p.records, addr)
			dropped++
		}
	}
	return dropped
}

func (p *pendingPool) len() int { return len(p.records) }
