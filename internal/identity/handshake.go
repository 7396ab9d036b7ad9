package identity

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/sha3"
)

// SaltLength is the length of the salt issued by the salt handshake profile.
const SaltLength = 8

// Exchange is one side of an ephemeral X25519 key agreement.
type Exchange struct {
	private [curve25519.ScalarSize]byte
	public  []byte
}

// NewExchange generates an ephemeral keypair. It must not be reused across
// connections.
func NewExchange() (*Exchange, error) {
	e := &Exchange{}
	if _, err := rand.Read(e.private[:]); err != nil {
		return nil, fmt.Errorf("exchange key: %w", err)
	}
	pub, err := curve25519.X25519(e.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("exchange key: %w", err)
	}
	e.public = pub
	return e, nil
}

// PublicKey returns the base64url public half sent to the peer.
func (e *Exchange) PublicKey() string {
	return Encoding.EncodeToString(e.public)
}

// SharedSecret derives the shared secret from the peer's base64url public key.
func (e *Exchange) SharedSecret(peerB64 string) ([]byte, error) {
	peer, err := Encoding.DecodeString(peerB64)
	if err != nil {
		return nil, fmt.Errorf("%w: peer key: %v", ErrMalformed, err)
	}
	if len(peer) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: peer key must be %d bytes, got %d", ErrInvalidKey, curve25519.PointSize, len(peer))
	}
	shared, err := curve25519.X25519(e.private[:], peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// PasswordProof is base64url(SHA3-256(shared || password)).
func PasswordProof(shared []byte, password string) string {
	h := sha3.New256()
	h.Write(shared)
	h.Write([]byte(password))
	return Encoding.EncodeToString(h.Sum(nil))
}

// SaltProof is base64url(SHA3-256(password || salt)).
func SaltProof(password, salt string) string {
	h := sha3.New256()
	h.Write([]byte(password))
	h.Write([]byte(salt))
	return Encoding.EncodeToString(h.Sum(nil))
}

// NewSalt returns a random alphanumeric salt of SaltLength characters.
func NewSalt() (string, error) {
	return randomAlphanumeric(SaltLength)
}

// ProofEqual compares two proofs byte for byte. The comparison is not
// constant time.
func ProofEqual(expected, supplied string) bool {
	return bytes.Equal([]byte(expected), []byte(supplied))
}
