package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Sealed token blob sizes on the wire. Both include the AEAD overhead.
	ConnectTokenBytes   = 1024
	ChallengeTokenBytes = 360
	NonceBytes          = 24

	// One leading type-tag byte in front of every variant.
	headerBytes = 1

	// Hard ceiling for anything read off the wire. The connection request is
	// the largest handshake packet; everything the server sends back during
	// negotiation must encode smaller than it.
	MaxPacketBytes  = 1200
	MaxPayloadBytes = MaxPacketBytes - headerBytes

	ConnectionRequestBytes = headerBytes + 8 + ConnectTokenBytes + NonceBytes
	ChallengeBytes         = headerBytes + ChallengeTokenBytes + NonceBytes
)

// Type tags the wire variant. Tag values are fixed; the insecure variant
// keeps its slot even in secure builds so tags never shift between modes.
type Type uint8

const (
	TypeConnectionRequest Type = iota
	TypeConnectionDenied
	TypeChallenge
	TypeChallengeResponse
	TypeKeepAlive
	TypeDisconnect
	TypeInsecureConnect
	TypeConnection
	numTypes
)

func (t Type) String() string {
	switch t {
	case TypeConnectionRequest:
		return "connection_request"
	case TypeConnectionDenied:
		return "connection_denied"
	case TypeChallenge:
		return "challenge"
	case TypeChallengeResponse:
		return "challenge_response"
	case TypeKeepAlive:
		return "keepalive"
	case TypeDisconnect:
		return "disconnect"
	case TypeInsecureConnect:
		return "insecure_connect"
	case TypeConnection:
		return "connection"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var ErrMalformed = errors.New("malformed packet")

// Packet is the closed set of handshake wire variants.
type Packet interface {
	Type() Type
}

// ConnectionRequest is the first packet the server sees from a would-be
// client. The expiry timestamp rides outside the sealed token so the server
// can reject stale requests before paying for a decrypt.
type ConnectionRequest struct {
	Expire     uint64
	TokenData  [ConnectTokenBytes]byte
	TokenNonce [NonceBytes]byte
}

func (ConnectionRequest) Type() Type { return TypeConnectionRequest }

// ConnectionDenied is the single informative negative response, sent only
// when an otherwise-valid request finds the server full.
type ConnectionDenied struct{}

func (ConnectionDenied) Type() Type { return TypeConnectionDenied }

// Challenge carries a sealed challenge token back to the claimed source
// address. Always encodes smaller than ConnectionRequest.
type Challenge struct {
	TokenData  [ChallengeTokenBytes]byte
	TokenNonce [NonceBytes]byte
}

func (Challenge) Type() Type { return TypeChallenge }

// ChallengeResponse echoes the challenge token, proving the client owns the
// source address it claimed.
type ChallengeResponse struct {
	TokenData  [ChallengeTokenBytes]byte
	TokenNonce [NonceBytes]byte
}

func (ChallengeResponse) Type() Type { return TypeChallengeResponse }

// KeepAlive holds the connection open and tells the client which slot it
// was assigned. Salt exists only in insecure mode.
type KeepAlive struct {
	ClientIndex int
	Salt        uint64
}

func (KeepAlive) Type() Type { return TypeKeepAlive }

// Disconnect is the clean-shutdown courtesy packet, valid in either
// direction and idempotent on receipt.
type Disconnect struct{}

func (Disconnect) Type() Type { return TypeDisconnect }

// InsecureConnect skips token authentication entirely. Development only;
// the secure codec refuses to decode or encode it.
type InsecureConnect struct {
	ClientID uint64
	Salt     uint64
}

func (InsecureConnect) Type() Type { return TypeInsecureConnect }

// Connection is the opaque carrier for post-handshake traffic. The payload
// is not interpreted here.
type Connection struct {
	Payload []byte
}

func (Connection) Type() Type { return TypeConnection }

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}
