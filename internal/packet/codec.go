package packet

import (
	"encoding/binary"
	"fmt"
)

// Mode selects the active packet set. It is resolved once when the codec is
// built, never per packet: secure codecs have no InsecureConnect entry and
// their KeepAlive carries no salt.
type Mode int

const (
	ModeSecure Mode = iota
	ModeInsecure
)

func (m Mode) String() string {
	if m == ModeInsecure {
		return "insecure"
	}
	return "secure"
}

type entry struct {
	// maxSize is the largest legal encoding including the tag byte. Fixed
	// variants also enforce it as the exact size on decode.
	maxSize int
	fixed   bool
	encode  func(c *Codec, p Packet, buf []byte) ([]byte, error)
	decode  func(c *Codec, body []byte) (Packet, error)
}

// Codec owns the tag → (decode, encode, max size) dispatch table. The table
// is the single registration point for packet variants; NewCodec verifies it
// is exhaustive over the enumeration for the chosen mode and fails fast
// otherwise.
type Codec struct {
	mode       Mode
	maxClients int
	table      [numTypes]*entry
}

func NewCodec(mode Mode, maxClients int) (*Codec, error) {
	if maxClients <= 0 || maxClients > 1<<16 {
		return nil, fmt.Errorf("bad max clients: %d", maxClients)
	}
	c := &Codec{mode: mode, maxClients: maxClients}

	keepAliveSize := headerBytes + 2
	if mode == ModeInsecure {
		keepAliveSize += 8
	}

	c.table[TypeConnectionRequest] = &entry{
		maxSize: ConnectionRequestBytes,
		fixed:   true,
		encode:  encodeConnectionRequest,
		decode:  decodeConnectionRequest,
	}
	c.table[TypeConnectionDenied] = &entry{
		maxSize: headerBytes,
		fixed:   true,
		encode:  encodeEmpty(TypeConnectionDenied),
		decode:  decodeConnectionDenied,
	}
	c.table[TypeChallenge] = &entry{
		maxSize: ChallengeBytes,
		fixed:   true,
		encode:  encodeChallenge,
		decode:  decodeChallenge,
	}
	c.table[TypeChallengeResponse] = &entry{
		maxSize: ChallengeBytes,
		fixed:   true,
		encode:  encodeChallengeResponse,
		decode:  decodeChallengeResponse,
	}
	c.table[TypeKeepAlive] = &entry{
		maxSize: keepAliveSize,
		fixed:   true,
		encode:  encodeKeepAlive,
		decode:  decodeKeepAlive,
	}
	c.table[TypeDisconnect] = &entry{
		maxSize: headerBytes,
		fixed:   true,
		encode:  encodeEmpty(TypeDisconnect),
		decode:  decodeDisconnect,
	}
	if mode == ModeInsecure {
		c.table[TypeInsecureConnect] = &entry{
			maxSize: headerBytes + 16,
			fixed:   true,
			encode:  encodeInsecureConnect,
			decode:  decodeInsecureConnect,
		}
	}
	c.table[TypeConnection] = &entry{
		maxSize: MaxPacketBytes,
		fixed:   false,
		encode:  encodeConnection,
		decode:  decodeConnection,
	}

	if err := c.checkComplete(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Codec) checkComplete() error {
	for t := Type(0); t < numTypes; t++ {
		if t == TypeInsecureConnect && c.mode == ModeSecure {
			if c.table[t] != nil {
				return fmt.Errorf("insecure packet registered in secure mode")
			}
			continue
		}
		if c.table[t] == nil {
			return fmt.Errorf("no codec entry for packet type %s", t)
		}
		if c.table[t].maxSize <= 0 || c.table[t].maxSize > MaxPacketBytes {
			return fmt.Errorf("bad max size for packet type %s", t)
		}
	}
	// The response packets must never out-size the request that triggers
	// them, or the server becomes an amplifier.
	if c.table[TypeChallenge].maxSize >= c.table[TypeConnectionRequest].maxSize {
		return fmt.Errorf("challenge packet larger than connection request")
	}
	if c.table[TypeKeepAlive].maxSize >= c.table[TypeConnectionRequest].maxSize {
		return fmt.Errorf("keepalive packet larger than connection request")
	}
	return nil
}

func (c *Codec) Mode() Mode      { return c.mode }
func (c *Codec) MaxClients() int { return c.maxClients }

// MaxSize reports the registered size bound for a type, 0 if the type is
// not in the active set.
func (c *Codec) MaxSize(t Type) int {
	if t >= numTypes || c.table[t] == nil {
		return 0
	}
	return c.table[t].maxSize
}

// Encode is total for any valid in-memory packet of the active set: every
// variant has a fixed maximum size known in advance.
func (c *Codec) Encode(p Packet) ([]byte, error) {
	t := p.Type()
	if t >= numTypes || c.table[t] == nil {
		return nil, fmt.Errorf("packet type %s not in active set", t)
	}
	e := c.table[t]
	buf := make([]byte, 0, e.maxSize)
	buf = append(buf, byte(t))
	return e.encode(c, p, buf)
}

// Decode identifies the variant from the leading tag and parses the rest
// with that variant's schema. Hostile input yields an error, never a panic.
func (c *Codec) Decode(data []byte) (Packet, error) {
	if len(data) < headerBytes || len(data) > MaxPacketBytes {
		return nil, fmt.Errorf("%w: bad length %d", ErrMalformed, len(data))
	}
	t := Type(data[0])
	if t >= numTypes || c.table[t] == nil {
		return nil, fmt.Errorf("%w: unknown type tag %d", ErrMalformed, data[0])
	}
	e := c.table[t]
	if len(data) > e.maxSize {
		return nil, fmt.Errorf("%w: %s over size bound", ErrMalformed, t)
	}
	if e.fixed && len(data) != e.maxSize {
		return nil, fmt.Errorf("%w: %s wrong size %d", ErrMalformed, t, len(data))
	}
	return e.decode(c, data[headerBytes:])
}

func encodeConnectionRequest(_ *Codec, p Packet, buf []byte) ([]byte, error) {
	req, ok := p.(*ConnectionRequest)
	if !ok {
		return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
	}
	buf = putUint64(buf, req.Expire)
	buf = append(buf, req.TokenData[:]...)
	buf = append(buf, req.TokenNonce[:]...)
	return buf, nil
}

func decodeConnectionRequest(_ *Codec, body []byte) (Packet, error) {
	req := &ConnectionRequest{}
	req.Expire = binary.BigEndian.Uint64(body[:8])
	copy(req.TokenData[:], body[8:8+ConnectTokenBytes])
	copy(req.TokenNonce[:], body[8+ConnectTokenBytes:])
	return req, nil
}

func encodeEmpty(t Type) func(*Codec, Packet, []byte) ([]byte, error) {
	return func(_ *Codec, p Packet, buf []byte) ([]byte, error) {
		if p.Type() != t {
			return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
		}
		return buf, nil
	}
}

// The empty variants decode to pointers like every other variant, so a
// type switch over *ConnectionRequest, *Disconnect, ... is exhaustive.
func decodeConnectionDenied(_ *Codec, _ []byte) (Packet, error) {
	return &ConnectionDenied{}, nil
}

func decodeDisconnect(_ *Codec, _ []byte) (Packet, error) {
	return &Disconnect{}, nil
}

func encodeChallenge(_ *Codec, p Packet, buf []byte) ([]byte, error) {
	ch, ok := p.(*Challenge)
	if !ok {
		return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
	}
	buf = append(buf, ch.TokenData[:]...)
	buf = append(buf, ch.TokenNonce[:]...)
	return buf, nil
}

func decodeChallenge(_ *Codec, body []byte) (Packet, error) {
	ch := &Challenge{}
	copy(ch.TokenData[:], body[:ChallengeTokenBytes])
	copy(ch.TokenNonce[:], body[ChallengeTokenBytes:])
	return ch, nil
}

func encodeChallengeResponse(_ *Codec, p Packet, buf []byte) ([]byte, error) {
	cr, ok := p.(*ChallengeResponse)
	if !ok {
		return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
	}
	buf = append(buf, cr.TokenData[:]...)
	buf = append(buf, cr.TokenNonce[:]...)
	return buf, nil
}

func decodeChallengeResponse(_ *Codec, body []byte) (Packet, error) {
	cr := &ChallengeResponse{}
	copy(cr.TokenData[:], body[:ChallengeTokenBytes])
	copy(cr.TokenNonce[:], body[ChallengeTokenBytes:])
	return cr, nil
}

func encodeKeepAlive(c *Codec, p Packet, buf []byte) ([]byte, error) {
	ka, ok := p.(*KeepAlive)
	if !ok {
		return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
	}
	if ka.ClientIndex < 0 || ka.ClientIndex >= c.maxClients {
		return nil, fmt.Errorf("client index %d out of range [0,%d)", ka.ClientIndex, c.maxClients)
	}
	buf = putUint16(buf, uint16(ka.ClientIndex))
	if c.mode == ModeInsecure {
		buf = putUint64(buf, ka.Salt)
	}
	return buf, nil
}

func decodeKeepAlive(c *Codec, body []byte) (Packet, error) {
	ka := &KeepAlive{}
	ka.ClientIndex = int(binary.BigEndian.Uint16(body[:2]))
	if ka.ClientIndex >= c.maxClients {
		return nil, fmt.Errorf("%w: client index %d out of range", ErrMalformed, ka.ClientIndex)
	}
	if c.mode == ModeInsecure {
		ka.Salt = binary.BigEndian.Uint64(body[2:10])
	}
	return ka, nil
}

func encodeInsecureConnect(_ *Codec, p Packet, buf []byte) ([]byte, error) {
	ic, ok := p.(*InsecureConnect)
	if !ok {
		return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
	}
	buf = putUint64(buf, ic.ClientID)
	buf = putUint64(buf, ic.Salt)
	return buf, nil
}

func decodeInsecureConnect(_ *Codec, body []byte) (Packet, error) {
	ic := &InsecureConnect{}
	ic.ClientID = binary.BigEndian.Uint64(body[:8])
	ic.Salt = binary.BigEndian.Uint64(body[8:16])
	return ic, nil
}

func encodeConnection(_ *Codec, p Packet, buf []byte) ([]byte, error) {
	cp, ok := p.(*Connection)
	if !ok {
		return nil, fmt.Errorf("packet type mismatch: %s", p.Type())
	}
	if len(cp.Payload) == 0 || len(cp.Payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("bad payload size %d", len(cp.Payload))
	}
	return append(buf, cp.Payload...), nil
}

func decodeConnection(_ *Codec, body []byte) (Packet, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty connection payload", ErrMalformed)
	}
	payload := make([]byte, len(body))
	copy(payload, body)
	return &Connection{Payload: payload}, nil
}
