package identity

import (
	"crypto/ed25519"
	"fmt"
)

// SignBox is a detached signature envelope.
type SignBox struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Sign decodes a base64url payload and signs the raw bytes.
func (d *DaemonIdentity) Sign(dataB64 string) (SignBox, error) {
	data, err := Encoding.DecodeString(dataB64)
	if err != nil {
		return SignBox{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return d.SignBytes(data)
}

// SignBytes signs raw bytes with the daemon's private key.
func (d *DaemonIdentity) SignBytes(data []byte) (SignBox, error) {
	priv, err := d.signingKey()
	if err != nil {
		return SignBox{}, err
	}
	sig := ed25519.Sign(priv, data)
	return SignBox{
		PublicKey: d.PublicKey,
		Signature: Encoding.EncodeToString(sig),
	}, nil
}

// Verify reports whether box is a valid signature over the base64url payload.
// A false result with a nil error means the inputs were well formed but the
// signature does not match; an error means the inputs could not be checked.
func Verify(box SignBox, dataB64 string) (bool, error) {
	data, err := Encoding.DecodeString(dataB64)
	if err != nil {
		return false, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return VerifyBytes(box, data)
}

// VerifyBytes is Verify over raw payload bytes.
func VerifyBytes(box SignBox, data []byte) (bool, error) {
	pub, err := decodePublicKey(box.PublicKey)
	if err != nil {
		return false, err
	}
	sig, err := Encoding.DecodeString(box.Signature)
	if err != nil {
		return false, fmt.Errorf("%w: signature: %v", ErrMalformed, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrMalformed, ed25519.SignatureSize, len(sig))
	}
	return ed25519.Verify(pub, data, sig), nil
}
