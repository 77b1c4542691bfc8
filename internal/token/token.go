// internal/token/token.go
//
// Sealed connect and challenge tokens. Connect tokens are issued by the
// matcher under a key it shares with the server; challenge tokens are
// issued and consumed by the server alone, under a key that never leaves
// the process. Every validation failure collapses to ErrInvalid so callers
// cannot build an oracle out of the failure cause.
package token

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"netgate/internal/crypto"
	"netgate/internal/packet"
)

const (
	labelConnectAAD     = "netgate:connect:v1"
	labelConnectNonce   = "netgate:connect:ns:v1"
	labelChallengeAAD   = "netgate:chal:v1"
	labelChallengeNonce = "netgate:chal:ns:v1"

	connectPlainBytes   = packet.ConnectTokenBytes - crypto.SealOverhead
	challengePlainBytes = packet.ChallengeTokenBytes - crypto.SealOverhead

	// clientID(8) + addrLen(2) inside the challenge plaintext.
	maxChallengeAddrBytes = challengePlainBytes - 10
)

// ErrInvalid is the only error validation ever returns.
var ErrInvalid = errors.New("invalid token")

// ConnectClaims is the decoded private part of a connect token.
type ConnectClaims struct {
	ClientID  uint64
	Expire    uint64
	ClientKey [crypto.KeySize]byte
}

// ChallengeClaims is the decoded challenge token, bound to the address the
// challenge was sent to.
type ChallengeClaims struct {
	ClientID uint64
	Addr     string
}

func connectAAD(expire uint64) []byte {
	buf := make([]byte, 0, len(labelConnectAAD)+8)
	buf = append(buf, []byte(labelConnectAAD)...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], expire)
	return append(buf, tmp[:]...)
}

func sealConnect(key []byte, seq, clientID, expire uint64, clientKey []byte) ([]byte, []byte, error) {
	if len(clientKey) != crypto.KeySize {
		return nil, nil, errors.New("bad client key size")
	}
	plain := make([]byte, connectPlainBytes)
	binary.BigEndian.PutUint64(plain[0:8], clientID)
	copy(plain[8:8+crypto.KeySize], clientKey)
	nonce := crypto.NonceFromSequence(labelConnectNonce, seq)
	blob, err := crypto.Seal(key, nonce, plain, connectAAD(expire))
	crypto.ZeroBytes(plain)
	if err != nil {
		return nil, nil, err
	}
	return blob, nonce, nil
}

func openConnect(key, blob, nonce []byte, expire uint64) (ConnectClaims, error) {
	plain, err := crypto.Open(key, nonce, blob, connectAAD(expire))
	if err != nil {
		return ConnectClaims{}, ErrInvalid
	}
	if len(plain) != connectPlainBytes {
		crypto.ZeroBytes(plain)
		return ConnectClaims{}, ErrInvalid
	}
	claims := ConnectClaims{
		ClientID: binary.BigEndian.Uint64(plain[0:8]),
		Expire:   expire,
	}
	copy(claims.ClientKey[:], plain[8:8+crypto.KeySize])
	crypto.ZeroBytes(plain)
	return claims, nil
}

func sealChallenge(key []byte, seq, clientID uint64, addr string) ([]byte, []byte, error) {
	if addr == "" || len(addr) > maxChallengeAddrBytes {
		return nil, nil, errors.New("bad challenge addr")
	}
	plain := make([]byte, challengePlainBytes)
	binary.BigEndian.PutUint64(plain[0:8], clientID)
	binary.BigEndian.PutUint16(plain[8:10], uint16(len(addr)))
	copy(plain[10:], addr)
	nonce := crypto.NonceFromSequence(labelChallengeNonce, seq)
	blob, err := crypto.Seal(key, nonce, plain, []byte(labelChallengeAAD))
	crypto.ZeroBytes(plain)
	if err != nil {
		return nil, nil, err
	}
	return blob, nonce, nil
}

func openChallenge(key, blob, nonce []byte) (ChallengeClaims, error) {
	plain, err := crypto.Open(key, nonce, blob, []byte(labelChallengeAAD))
	if err != nil {
		return ChallengeClaims{}, ErrInvalid
	}
	if len(plain) != challengePlainBytes {
		crypto.ZeroBytes(plain)
		return ChallengeClaims{}, ErrInvalid
	}
	addrLen := int(binary.BigEndian.Uint16(plain[8:10]))
	if addrLen == 0 || addrLen > maxChallengeAddrBytes {
		crypto.ZeroBytes(plain)
		return ChallengeClaims{}, ErrInvalid
	}
	claims := ChallengeClaims{
		ClientID: binary.BigEndian.Uint64(plain[0:8]),
		Addr:     string(plain[10 : 10+addrLen]),
	}
	crypto.ZeroBytes(plain)
	return claims, nil
}

// Vault validates connect tokens and issues/validates challenge tokens on
// the server side. The challenge key is rolled fresh per process, so a
// restart invalidates every outstanding challenge.
type Vault struct {
	mu           sync.Mutex
	connectKey   []byte
	challengeKey []byte
	challengeSeq uint64
	used         map[uint64]uint64 // consumed connect nonce seq -> expire unix
}

func NewVault(connectKey []byte) (*Vault, error) {
	if len(connectKey) != crypto.KeySize {
		return nil, errors.New("bad connect key size")
	}
	chKey, err := crypto.RandomKey()
	if err != nil {
		return nil, err
	}
	return &Vault{
		connectKey:   connectKey,
		challengeKey: chKey,
		used:         make(map[uint64]uint64),
	}, nil
}

// ValidateConnectToken checks expiry, opens the sealed blob, and rejects
// tokens whose issuing nonce has already been consumed. Expiry rides in the
// AAD, so a doctored header fails the open. Validation does not consume the
// nonce; callers call ConsumeConnectNonce once they commit to the handshake.
func (v *Vault) ValidateConnectToken(blob, nonce []byte, expire uint64, now time.Time) (ConnectClaims, error) {
	if uint64(now.Unix()) >= expire {
		return ConnectClaims{}, ErrInvalid
	}
	seq, err := crypto.SequenceFromNonce(labelConnectNonce, nonce)
	if err != nil {
		return ConnectClaims{}, ErrInvalid
	}
	claims, err := openConnect(v.connectKey, blob, nonce, expire)
	if err != nil {
		return ConnectClaims{}, ErrInvalid
	}
	v.mu.Lock()
	_, replayed := v.used[seq]
	v.mu.Unlock()
	if replayed {
		return ConnectClaims{}, ErrInvalid
	}
	return claims, nil
}

// ConsumeConnectNonce marks a validated token's nonce as used. A token that
// was only validated (say, against a full server) stays usable for a retry.
func (v *Vault) ConsumeConnectNonce(nonce []byte, expire uint64) {
	seq, err := crypto.SequenceFromNonce(labelConnectNonce, nonce)
	if err != nil {
		return
	}
	v.mu.Lock()
	v.used[seq] = expire
	v.mu.Unlock()
}

func (v *Vault) IssueChallengeToken(clientID uint64, addr string) ([]byte, []byte, error) {
	v.mu.Lock()
	seq := v.challengeSeq
	v.challengeSeq++
	v.mu.Unlock()
	return sealChallenge(v.challengeKey, seq, clientID, addr)
}

func (v *Vault) ValidateChallengeToken(blob, nonce []byte, addr string) (ChallengeClaims, error) {
	claims, err := openChallenge(v.challengeKey, blob, nonce)
	if err != nil {
		return ChallengeClaims{}, ErrInvalid
	}
	if claims.Addr != addr {
		return ChallengeClaims{}, ErrInvalid
	}
	return claims, nil
}

// Sweep drops consumed-nonce entries whose tokens have expired anyway. The
// replay set stays bounded by the token TTL this way.
func (v *Vault) Sweep(now time.Time) {
	cutoff := uint64(now.Unix())
	v.mu.Lock()
	for seq, expire := range v.used {
		if expire <= cutoff {
			delete(v.used, seq)
		}
	}
	v.mu.Unlock()
}

// UsedCount reports the current replay-set size. Metrics only.
func (v *Vault) UsedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.used)
}
