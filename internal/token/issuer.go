package token

import (
	"errors"
	"sync"
	"time"

	"netgate/internal/crypto"
)

// Issuer mints connect tokens on the matcher side. The sequence is
// monotonic for the life of the issuer; it is both the anti-replay nonce
// lineage and the guarantee that the sealing nonce never repeats under the
// shared connect key.
type Issuer struct {
	mu  sync.Mutex
	key []byte
	seq uint64
}

// Issued is one minted connect token plus the session key material the
// client needs for the post-handshake channel.
type Issued struct {
	ClientID  uint64
	Expire    uint64
	Data      []byte
	Nonce     []byte
	ClientKey [crypto.KeySize]byte
}

func NewIssuer(connectKey []byte) (*Issuer, error) {
	if len(connectKey) != crypto.KeySize {
		return nil, errors.New("bad connect key size")
	}
	return &Issuer{key: connectKey}, nil
}

func (i *Issuer) Issue(clientID uint64, ttl time.Duration, now time.Time) (Issued, error) {
	if ttl <= 0 {
		return Issued{}, errors.New("bad token ttl")
	}
	clientKey, err := crypto.RandomKey()
	if err != nil {
		return Issued{}, err
	}
	i.mu.Lock()
	seq := i.seq
	i.seq++
	i.mu.Unlock()
	expire := uint64(now.Add(ttl).Unix())
	blob, nonce, err := sealConnect(i.key, seq, clientID, expire, clientKey)
	if err != nil {
		return Issued{}, err
	}
	out := Issued{
		ClientID: clientID,
		Expire:   expire,
		Data:     blob,
		Nonce:    nonce,
	}
	copy(out.ClientKey[:], clientKey)
	crypto.ZeroBytes(clientKey)
	return out, nil
}
