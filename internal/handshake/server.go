package handshake

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"netgate/internal/crypto"
	"netgate/internal/debuglog"
	"netgate/internal/metrics"
	"netgate/internal/packet"
	"netgate/internal/slot"
	"netgate/internal/token"
)

const dropLogInterval = 5 * time.Second

// Outgoing is one packet the server wants sent. Tick and DisconnectAll
// return these; Process returns at most one response for the sender.
type Outgoing struct {
	Addr string
	Data []byte
}

type serverClient struct {
	index       int
	addr        string
	clientID    uint64
	clientKey   [crypto.KeySize]byte
	salt        uint64
	connectedAt time.Time
	lastRecvAt  time.Time
	lastSendAt  time.Time
}

// ServerConfig wires a handshake server. Mode is resolved here, once; it
// decides whether the insecure packet set exists at all.
type ServerConfig struct {
	MaxClients int
	Mode       packet.Mode
	ConnectKey []byte
	// OnPayload receives the opaque payload of Connection packets from
	// connected peers. Optional.
	OnPayload func(clientIndex int, payload []byte)
}

// Server is the server half of the connection-establishment state machine.
// Peers move through: no record (idle) -> pending (awaiting challenge
// response) -> connected -> gone. All validation is synchronous and
// CPU-bound; the transport layer owns every blocking operation.
type Server struct {
	mu        sync.Mutex
	codec     *packet.Codec
	vault     *token.Vault
	slots     *slot.Table
	pending   *pendingPool
	clients   map[string]*serverClient
	limiter   *addrLimiter
	metrics   *metrics.Metrics
	onPayload func(int, []byte)

	pendingTTL time.Duration
	connTTL    time.Duration
	kaInterval time.Duration
}

func NewServer(cfg ServerConfig, m *metrics.Metrics) (*Server, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 64
	}
	if m == nil {
		m = metrics.New()
	}
	codec, err := packet.NewCodec(cfg.Mode, cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	connectKey := cfg.ConnectKey
	if len(connectKey) == 0 && cfg.Mode == packet.ModeInsecure {
		// Insecure servers never open a connect token, but the vault still
		// needs a key to construct.
		connectKey, err = crypto.RandomKey()
		if err != nil {
			return nil, err
		}
	}
	vault, err := token.NewVault(connectKey)
	if err != nil {
		return nil, err
	}
	return &Server{
		codec:      codec,
		vault:      vault,
		slots:      slot.NewTable(cfg.MaxClients),
		pending:    newPendingPool(pendingMax()),
		clients:    make(map[string]*serverClient),
		limiter:    newAddrLimiter(addrRequestBurst(), defaultAddrRequestWindow),
		metrics:    m,
		onPayload:  cfg.OnPayload,
		pendingTTL: pendingTimeout(),
		connTTL:    connTimeout(),
		kaInterval: keepAliveInterval(),
	}, nil
}

func (s *Server) Codec() *packet.Codec { return s.codec }

func (s *Server) ClientCount() int { return s.slots.Count() }

// ClientKey hands the post-handshake channel its per-client key material.
func (s *Server) ClientKey(index int) ([crypto.KeySize]byte, bool) {
	addr, ok := s.slots.Addr(index)
	if !ok {
		return [crypto.KeySize]byte{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[addr]
	if !ok {
		return [crypto.KeySize]byte{}, false
	}
	return c.clientKey, true
}

func (s *Server) ClientAddr(index int) (string, bool) {
	return s.slots.Addr(index)
}

// Process consumes one raw datagram from addr and returns at most one
// response packet. Hostile, malformed, or out-of-state input is dropped
// silently; only a valid request against a full server earns a reply.
func (s *Server) Process(now time.Time, addr string, raw []byte) ([]byte, bool) {
	p, err := s.codec.Decode(raw)
	if err != nil {
		s.metrics.IncDropMalformed()
		debuglog.RateLimitedf("drop_malformed:"+addr, dropLogInterval,
			"handshake drop reason=malformed addr=%s len=%d", addr, len(raw))
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch pkt := p.(type) {
	case *packet.ConnectionRequest:
		return s.handleConnectionRequest(now, addr, pkt, raw)
	case *packet.ChallengeResponse:
		return s.handleChallengeResponse(now, addr, pkt)
	case *packet.KeepAlive:
		s.handleKeepAlive(now, addr, pkt)
		return nil, false
	case *packet.Connection:
		s.handleConnection(now, addr, pkt)
		return nil, false
	case *packet.Disconnect:
		s.handleDisconnect(addr)
		return nil, false
	case *packet.InsecureConnect:
		return s.handleInsecureConnect(now, addr, pkt)
	default:
		// Challenge / ConnectionDenied are server-to-client only.
		s.metrics.IncDropProtocol()
		return nil, false
	}
}

func (s *Server) handleConnectionRequest(now time.Time, addr string, req *packet.ConnectionRequest, raw []byte) ([]byte, bool) {
	s.metrics.IncRequestsReceived()
	if !s.limiter.allow(addr, now) {
		s.metrics.IncDropRateLimited()
		return nil, false
	}
	if _, connected := s.clients[addr]; connected {
		s.metrics.IncDropProtocol()
		return nil, false
	}
	if rec, ok := s.pending.get(addr); ok {
		// Only a byte-exact retransmit of the request that earned the
		// challenge gets it resent. Anything else from this address would
		// fail token validation anyway (the nonce is consumed) and must
		// not refresh the record.
		if !bytes.Equal(raw, rec.request) {
			s.metrics.IncDropInvalidToken()
			debuglog.RateLimitedf("drop_token:"+addr, dropLogInterval,
				"handshake drop reason=invalid_token addr=%s", addr)
			return nil, false
		}
		rec.lastSeenAt = now
		s.metrics.IncChallengesSent()
		return rec.challenge, true
	}

	claims, err := s.vault.ValidateConnectToken(req.TokenData[:], req.TokenNonce[:], req.Expire, now)
	if err != nil {
		// Uniform silent drop: expired, corrupt, and replayed tokens are
		// indistinguishable from outside.
		s.metrics.IncDropInvalidToken()
		debuglog.RateLimitedf("drop_token:"+addr, dropLogInterval,
			"handshake drop reason=invalid_token addr=%s", addr)
		return nil, false
	}

	if s.slots.Count() >= s.slots.Capacity() {
		s.metrics.IncDenied()
		return s.encode(&packet.ConnectionDenied{})
	}

	blob, nonce, err := s.vault.IssueChallengeToken(claims.ClientID, addr)
	if err != nil {
		s.metrics.IncDropInvalidToken()
		return nil, false
	}
	ch := &packet.Challenge{}
	copy(ch.TokenData[:], blob)
	copy(ch.TokenNonce[:], nonce)
	data, ok := s.encode(ch)
	if !ok {
		return nil, false
	}
	// The nonce burns only when a challenge actually goes out. A token
	// that met a full server stays live, so the denied client can retry
	// while it lasts.
	s.vault.ConsumeConnectNonce(req.TokenNonce[:], claims.Expire)

	rec := &pendingRecord{
		addr:       addr,
		clientID:   claims.ClientID,
		clientKey:  claims.ClientKey,
		request:    append([]byte(nil), raw...),
		challenge:  data,
		createdAt:  now,
		lastSeenAt: now,
	}
	copy(rec.challengeNonce[:], nonce)
	if s.pending.put(rec) {
		s.metrics.IncPendingEvicted()
	}
	s.metrics.IncChallengesSent()
	return data, true
}

func (s *Server) handleChallengeResponse(now time.Time, addr string, resp *packet.ChallengeResponse) ([]byte, bool) {
	if c, connected := s.clients[addr]; connected {
		// The confirming keepalive can be lost; a duplicate response just
		// gets it again. No second slot is ever allocated.
		c.lastRecvAt = now
		return s.sendKeepAlive(now, c)
	}
	rec, ok := s.pending.get(addr)
	if !ok {
		s.metrics.IncDropProtocol()
		return nil, false
	}
	if resp.TokenNonce != rec.challengeNonce {
		// Stale or replayed challenge nonce for this record.
		s.metrics.IncDropReplay()
		return nil, false
	}
	claims, err := s.vault.ValidateChallengeToken(resp.TokenData[:], resp.TokenNonce[:], addr)
	if err != nil || claims.ClientID != rec.clientID {
		s.metrics.IncDropInvalidToken()
		debuglog.RateLimitedf("drop_chal:"+addr, dropLogInterval,
			"handshake drop reason=invalid_challenge addr=%s", addr)
		return nil, false
	}

	index, err := s.slots.Allocate(addr)
	if err != nil {
		if errors.Is(err, slot.ErrFull) {
			// Capacity vanished between challenge and response.
			s.pending.remove(addr)
			s.metrics.IncDenied()
			return s.encode(&packet.ConnectionDenied{})
		}
		return nil, false
	}
	s.pending.remove(addr)
	c := &serverClient{
		index:       index,
		addr:        addr,
		clientID:    rec.clientID,
		clientKey:   rec.clientKey,
		connectedAt: now,
		lastRecvAt:  now,
	}
	s.clients[addr] = c
	s.metrics.IncConnected()
	s.metrics.SetClientsActive(uint64(len(s.clients)))
	debuglog.Debugf("handshake connected addr=%s client_id=%d index=%d", addr, c.clientID, index)
	return s.sendKeepAlive(now, c)
}

func (s *Server) handleKeepAlive(now time.Time, addr string, ka *packet.KeepAlive) {
	c, ok := s.clients[addr]
	if !ok {
		s.metrics.IncDropProtocol()
		return
	}
	if s.codec.Mode() == packet.ModeInsecure && ka.Salt != c.salt {
		s.metrics.IncDropProtocol()
		return
	}
	c.lastRecvAt = now
}

func (s *Server) handleConnection(now time.Time, addr string, pkt *packet.Connection) {
	c, ok := s.clients[addr]
	if !ok {
		s.metrics.IncDropProtocol()
		return
	}
	c.lastRecvAt = now
	s.metrics.IncPayloadPackets()
	if s.onPayload != nil {
		s.onPayload(c.index, pkt.Payload)
	}
}

// handleDisconnect tears down whatever state exists for addr. Safe to
// receive repeatedly or for a peer the server never heard of.
func (s *Server) handleDisconnect(addr string) {
	if c, ok := s.clients[addr]; ok {
		s.slots.Free(c.index)
		delete(s.clients, addr)
		s.metrics.IncDisconnects()
		s.metrics.SetClientsActive(uint64(len(s.clients)))
		debuglog.Debugf("handshake disconnect addr=%s index=%d", addr, c.index)
		return
	}
	s.pending.remove(addr)
}

func (s *Server) handleInsecureConnect(now time.Time, addr string, ic *packet.InsecureConnect) ([]byte, bool) {
	// Codec construction guarantees this variant only decodes in insecure
	// mode; no runtime mode branch is needed here.
	if c, ok := s.clients[addr]; ok {
		if c.salt == ic.Salt {
			c.lastRecvAt = now
			return s.sendKeepAlive(now, c)
		}
		// Different salt at the same address is a new connect session, not a
		// retransmit of the old one: drop the stale slot and start over.
		s.slots.Free(c.index)
		delete(s.clients, addr)
		s.metrics.IncDisconnects()
	}
	index, err := s.slots.Allocate(addr)
	if err != nil {
		s.metrics.IncDenied()
		return s.encode(&packet.ConnectionDenied{})
	}
	c := &serverClient{
		index:       index,
		addr:        addr,
		clientID:    ic.ClientID,
		salt:        ic.Salt,
		connectedAt: now,
		lastRecvAt:  now,
	}
	s.clients[addr] = c
	s.metrics.IncConnected()
	s.metrics.SetClientsActive(uint64(len(s.clients)))
	return s.sendKeepAlive(now, c)
}

func (s *Server) sendKeepAlive(now time.Time, c *serverClient) ([]byte, bool) {
	data, ok := s.encode(&packet.KeepAlive{ClientIndex: c.index, Salt: c.salt})
	if !ok {
		return nil, false
	}
	c.lastSendAt = now
	s.metrics.IncKeepAlivesSent()
	return data, true
}

func (s *Server) encode(p packet.Packet) ([]byte, bool) {
	data, err := s.codec.Encode(p)
	if err != nil {
		// Encoding valid in-memory packets is total; this is a bug guard,
		// not a recoverable path.
		debuglog.Logf("handshake encode error type=%s err=%v", p.Type(), err)
		return nil, false
	}
	return data, true
}

// Tick runs the periodic sweep: pending and connection timeouts, keepalive
// generation, and replay-set pruning. One pass bounds the work no matter
// how hard the server is being flooded.
func (s *Server) Tick(now time.Time) []Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dropped := s.pending.sweep(now, s.pendingTTL); dropped > 0 {
		for i := 0; i < dropped; i++ {
			s.metrics.IncTimeouts()
		}
	}

	var out []Outgoing
	for addr, c := range s.clients {
		if now.Sub(c.lastRecvAt) > s.connTTL {
			s.slots.Free(c.index)
			delete(s.clients, addr)
			s.metrics.IncTimeouts()
			debuglog.Debugf("handshake timeout addr=%s index=%d", addr, c.index)
			continue
		}
		if now.Sub(c.lastSendAt) >= s.kaInterval {
			if data, ok := s.sendKeepAlive(now, c); ok {
				out = append(out, Outgoing{Addr: addr, Data: data})
			}
		}
	}
	s.metrics.SetClientsActive(uint64(len(s.clients)))
	s.vault.Sweep(now)
	return out
}

// Disconnect drops one peer server-side and returns the courtesy packet to
// send, if the peer was known.
func (s *Server) Disconnect(addr string) ([]byte, bool) {
	s.mu.Lock()
	_, known := s.clients[addr]
	s.handleDisconnect(addr)
	s.mu.Unlock()
	if !known {
		return nil, false
	}
	return s.encode(&packet.Disconnect{})
}

// DisconnectAll cleanly drops every connected peer, returning the courtesy
// packets so the transport can flush them before shutdown.
func (s *Server) DisconnectAll() []Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.encode(&packet.Disconnect{})
	if !ok {
		return nil
	}
	out := make([]Outgoing, 0, len(s.clients))
	for addr, c := range s.clients {
		s.slots.Free(c.index)
		delete(s.clients, addr)
		s.metrics.IncDisconnects()
		out = append(out, Outgoing{Addr: addr, Data: data})
	}
	s.metrics.SetClientsActive(0)
	return out
}
