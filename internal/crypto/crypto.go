// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// netgate crypto stack
//
// Fixed suite: XChaCha20-Poly1305 + SHA3-256. Tokens are sealed symmetric
// blobs; there is no public-key material anywhere in the handshake itself.
// -----------------------------------------------------------------------------

const (
	// XChaCha20-Poly1305 sizes
	KeySize      = chacha20poly1305.KeySize    // 32
	NonceSize    = chacha20poly1305.NonceSizeX // 24
	SealOverhead = chacha20poly1305.Overhead   // 16
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext under key32 with the caller-supplied 24-byte nonce.
// Token nonces are sequence-derived, never random, so the caller owns them.
func Seal(key32, nonce24, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce24) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce24, plaintext, aad), nil
}

func Open(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce24) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// NonceFromSequence builds a 24-byte nonce whose base is derived from the
// lineage label and whose tail XORs in the big-endian sequence number. Each
// issuing lineage increments its own sequence, so a (key, nonce) pair is
// never reused.
func NonceFromSequence(label string, seq uint64) []byte {
	nonce := KDF(label)[:NonceSize]
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], seq)
	for i := 0; i < 8; i++ {
		nonce[NonceSize-8+i] ^= tmp[i]
	}
	return nonce
}

func SequenceFromNonce(label string, nonce []byte) (uint64, error) {
	if len(nonce) != NonceSize {
		return 0, errors.New("bad nonce size")
	}
	base := KDF(label)[:NonceSize]
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = nonce[NonceSize-8+i] ^ base[NonceSize-8+i]
	}
	return binary.BigEndian.Uint64(tmp[:]), nil
}

func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
