// Package identity owns the daemon's long-lived ed25519 keypair, its
// operator password and the persisted daemon.json document.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the name of the persisted identity inside a daemon directory.
const FileName = "daemon.json"

// Variant distinguishes a daemon hosted by this process from one that is
// addressed over the network.
type Variant string

const (
	VariantLocal  Variant = "Local"
	VariantRemote Variant = "Remote"
	VariantHybrid Variant = "Hybrid"
)

// ParseVariant accepts any casing of the three variant names.
func ParseVariant(raw string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "local":
		return VariantLocal, nil
	case "remote":
		return VariantRemote, nil
	case "hybrid":
		return VariantHybrid, nil
	default:
		return "", fmt.Errorf("unknown daemon variant %q (supported: Local, Remote, Hybrid)", raw)
	}
}

var (
	ErrInvalidKey     = errors.New("identity: invalid key")
	ErrMalformed      = errors.New("identity: malformed input")
	ErrMissingAddress = errors.New("identity: remote daemon requires an address")
)

// Encoding is the base64 flavour used for every key, signature and payload on
// the wire: URL-safe alphabet, padded.
var Encoding = base64.URLEncoding

// DaemonIdentity is the persisted daemon.json document.
//
// PrivateKey holds the 32-byte ed25519 seed. It is written to disk only and
// never serialised into network payloads; use Public for those.
type DaemonIdentity struct {
	PublicKey  string  `json:"public_key"`
	PrivateKey string  `json:"private_key"`
	Password   string  `json:"password"`
	Variant    Variant `json:"variant"`
	Address    string  `json:"address,omitempty"`
}

// PublicIdentity is the subset of a DaemonIdentity that may leave the process.
type PublicIdentity struct {
	PublicKey string  `json:"public_key"`
	Variant   Variant `json:"variant"`
	Address   string  `json:"address,omitempty"`
}

// Generate creates a fresh identity from crypto/rand. An empty password is
// replaced with a random one.
func Generate(variant Variant, address, password string) (*DaemonIdentity, error) {
	if variant == "" {
		variant = VariantLocal
	}
	if variant != VariantLocal && strings.TrimSpace(address) == "" {
		return nil, ErrMissingAddress
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	if password == "" {
		password, err = NewPassword()
		if err != nil {
			return nil, err
		}
	}
	return &DaemonIdentity{
		PublicKey:  Encoding.EncodeToString(pub),
		PrivateKey: Encoding.EncodeToString(priv.Seed()),
		Password:   password,
		Variant:    variant,
		Address:    strings.TrimSpace(address),
	}, nil
}

// Load reads and validates an identity document. path may name the file or
// the daemon directory containing it.
func Load(path string) (*DaemonIdentity, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	var id DaemonIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	return &id, nil
}

// Save writes the document with owner-only permissions via a temp file rename.
func (d *DaemonIdentity) Save(path string) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", FileName, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", FileName, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", FileName, err)
	}
	return nil
}

// Validate checks that the keypair decodes and that the public key matches
// the seed.
func (d *DaemonIdentity) Validate() error {
	priv, err := d.signingKey()
	if err != nil {
		return err
	}
	pub, err := decodePublicKey(d.PublicKey)
	if err != nil {
		return err
	}
	if !pub.Equal(priv.Public()) {
		return fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}
	switch d.Variant {
	case VariantLocal, "":
	case VariantRemote, VariantHybrid:
		if d.Address == "" {
			return ErrMissingAddress
		}
	default:
		return fmt.Errorf("unknown daemon variant %q", d.Variant)
	}
	return nil
}

// Public strips the secret material.
func (d *DaemonIdentity) Public() PublicIdentity {
	return PublicIdentity{PublicKey: d.PublicKey, Variant: d.variant(), Address: d.Address}
}

// DaemonKey identifies the daemon in paths and UIs: the public key for a
// local daemon, its address otherwise. The result is path-escaped.
func (d *DaemonIdentity) DaemonKey() string {
	if d.variant() == VariantLocal {
		return url.PathEscape(d.PublicKey)
	}
	return url.PathEscape(d.Address)
}

func (d *DaemonIdentity) variant() Variant {
	if d.Variant == "" {
		return VariantLocal
	}
	return d.Variant
}

func (d *DaemonIdentity) signingKey() (ed25519.PrivateKey, error) {
	seed, err := Encoding.DecodeString(d.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	b, err := Encoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewPassword returns a random 24-character alphanumeric password.
func NewPassword() (string, error) {
	return randomAlphanumeric(24)
}

func randomAlphanumeric(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	limit := big.NewInt(int64(len(alphanumeric)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("random string: %w", err)
		}
		sb.WriteByte(alphanumeric[idx.Int64()])
	}
	return sb.String(), nil
}
