package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"netgate/internal/debuglog"
	"netgate/internal/packet"
	"netgate/internal/token"
)

// State is the client's view of the negotiation.
type State int

const (
	StateIdle State = iota
	StateAwaitingChallenge
	StateAwaitingConfirm
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateAwaitingConfirm:
		return "awaiting_confirm"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrDenied is terminal: the server was full.
	ErrDenied = errors.New("connection denied")
	// ErrTimeout is terminal: the server stopped answering.
	ErrTimeout = errors.New("connection timed out")
	// ErrDisconnected is terminal: the server disconnected us.
	ErrDisconnected = errors.New("disconnected by server")
)

// ClientConfig wires a client state machine. Secure clients carry a connect
// token from the matcher; insecure clients carry only a self-declared id.
type ClientConfig struct {
	Mode       packet.Mode
	MaxClients int
	Token      *token.Issued
	ClientID   uint64
	// OnPayload receives the opaque payload of Connection packets once
	// connected. Optional.
	OnPayload func(payload []byte)
}

// Client mirrors the server state machine: idle -> awaiting challenge ->
// awaiting confirm -> connected, with any denial, disconnect, or timeout
// landing in terminated. Unexpected packets for the current state are
// ignored, never fatal.
type Client struct {
	mu        sync.Mutex
	codec     *packet.Codec
	state     State
	tok       *token.Issued
	clientID  uint64
	salt      uint64
	index     int
	err       error
	onPayload func([]byte)

	request   []byte // encoded initial packet, retransmitted until answered
	response  []byte // encoded challenge response, retransmitted until confirmed
	startedAt time.Time
	lastSend  time.Time
	lastRecv  time.Time

	connectTTL time.Duration
	connTTL    time.Duration
	resend     time.Duration
	kaInterval time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 64
	}
	if cfg.Mode == packet.ModeSecure && cfg.Token == nil {
		return nil, errors.New("secure client requires a connect token")
	}
	codec, err := packet.NewCodec(cfg.Mode, cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &Client{
		codec:      codec,
		state:      StateIdle,
		tok:        cfg.Token,
		clientID:   cfg.ClientID,
		index:      -1,
		onPayload:  cfg.OnPayload,
		connectTTL: connectTimeout(),
		connTTL:    connTimeout(),
		resend:     resendInterval(),
		kaInterval: keepAliveInterval(),
	}, nil
}

// Connect builds the opening packet and arms the negotiation timers. For
// insecure clients a fresh salt is rolled per call, which is what lets the
// server tell a reconnect from a stale retransmit.
func (c *Client) Connect(now time.Time) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle && c.state != StateTerminated {
		return nil, errors.New("connect while negotiation in progress")
	}

	var p packet.Packet
	if c.codec.Mode() == packet.ModeSecure {
		req := &packet.ConnectionRequest{Expire: c.tok.Expire}
		copy(req.TokenData[:], c.tok.Data)
		copy(req.TokenNonce[:], c.tok.Nonce)
		p = req
	} else {
		var saltBytes [8]byte
		if _, err := rand.Read(saltBytes[:]); err != nil {
			return nil, err
		}
		c.salt = binary.BigEndian.Uint64(saltBytes[:])
		p = &packet.InsecureConnect{ClientID: c.clientID, Salt: c.salt}
	}
	data, err := c.codec.Encode(p)
	if err != nil {
		return nil, err
	}
	c.request = data
	c.response = nil
	c.index = -1
	c.err = nil
	c.state = StateAwaitingChallenge
	c.startedAt = now
	c.lastSend = now
	c.lastRecv = now
	return data, nil
}

// Process consumes one raw datagram from the server and returns at most one
// packet to send back.
func (c *Client) Process(now time.Time, raw []byte) ([]byte, bool) {
	p, err := c.codec.Decode(raw)
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch pkt := p.(type) {
	case *packet.Challenge:
		return c.handleChallenge(now, pkt)
	case *packet.ConnectionDenied:
		if c.state == StateAwaitingChallenge || c.state == StateAwaitingConfirm {
			c.terminate(ErrDenied)
		}
		return nil, false
	case *packet.KeepAlive:
		return c.handleKeepAlive(now, pkt)
	case *packet.Connection:
		if c.state == StateConnected {
			c.lastRecv = now
			if c.onPayload != nil {
				c.onPayload(pkt.Payload)
			}
		}
		return nil, false
	case *packet.Disconnect:
		if c.state != StateIdle && c.state != StateTerminated {
			c.terminate(ErrDisconnected)
		}
		return nil, false
	default:
		return nil, false
	}
}

func (c *Client) handleChallenge(now time.Time, ch *packet.Challenge) ([]byte, bool) {
	if c.state != StateAwaitingChallenge {
		return nil, false
	}
	resp := &packet.ChallengeResponse{
		TokenData:  ch.TokenData,
		TokenNonce: ch.TokenNonce,
	}
	data, err := c.codec.Encode(resp)
	if err != nil {
		return nil, false
	}
	c.response = data
	c.state = StateAwaitingConfirm
	c.lastRecv = now
	c.lastSend = now
	return data, true
}

func (c *Client) handleKeepAlive(now time.Time, ka *packet.KeepAlive) ([]byte, bool) {
	switch c.state {
	case StateAwaitingConfirm, StateAwaitingChallenge:
		if c.codec.Mode() == packet.ModeInsecure {
			if ka.Salt != c.salt {
				// Confirmation for some previous connect session.
				return nil, false
			}
		} else if c.state == StateAwaitingChallenge {
			// Secure negotiation cannot be confirmed before the challenge.
			return nil, false
		}
		c.index = ka.ClientIndex
		c.state = StateConnected
		c.lastRecv = now
		debuglog.Debugf("client connected index=%d", c.index)
		return c.buildKeepAlive(now)
	case StateConnected:
		c.lastRecv = now
		return nil, false
	default:
		return nil, false
	}
}

func (c *Client) buildKeepAlive(now time.Time) ([]byte, bool) {
	data, err := c.codec.Encode(&packet.KeepAlive{ClientIndex: c.index, Salt: c.salt})
	if err != nil {
		return nil, false
	}
	c.lastSend = now
	return data, true
}

// Tick drives retransmits, keepalives, and timeout detection. Negotiation
// failure surfaces through Err once the state reaches terminated.
func (c *Client) Tick(now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateAwaitingChallenge, StateAwaitingConfirm:
		if now.Sub(c.startedAt) > c.connectTTL {
			c.terminate(ErrTimeout)
			return nil, false
		}
		if now.Sub(c.lastSend) >= c.resend {
			c.lastSend = now
			if c.state == StateAwaitingChallenge {
				return c.request, c.request != nil
			}
			return c.response, c.response != nil
		}
	case StateConnected:
		if now.Sub(c.lastRecv) > c.connTTL {
			c.terminate(ErrTimeout)
			return nil, false
		}
		if now.Sub(c.lastSend) >= c.kaInterval {
			return c.buildKeepAlive(now)
		}
	}
	return nil, false
}

// Payload wraps application bytes for the post-handshake channel.
func (c *Client) Payload(now time.Time, data []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil, errors.New("not connected")
	}
	out, err := c.codec.Encode(&packet.Connection{Payload: data})
	if err != nil {
		return nil, err
	}
	c.lastSend = now
	return out, nil
}

// Disconnect moves to terminated and returns the courtesy packet to send.
func (c *Client) Disconnect() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.state == StateTerminated {
		return nil, false
	}
	c.state = StateTerminated
	data, err := c.codec.Encode(&packet.Disconnect{})
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Client) terminate(err error) {
	c.state = StateTerminated
	c.err = err
	debuglog.Debugf("client terminated err=%v", err)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Index is the slot the server assigned, -1 before connection completes.
func (c *Client) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Err is the terminal failure, nil until the state machine terminates with
// a cause.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
