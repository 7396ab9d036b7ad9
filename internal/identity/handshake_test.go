package identity_test

import (
	"bytes"
	"testing"

	"github.com/basket/plat/internal/identity"
)

func TestExchange_BothSidesDeriveSameSecret(t *testing.T) {
	daemon, err := identity.NewExchange()
	if err != nil {
		t.Fatalf("daemon exchange: %v", err)
	}
	client, err := identity.NewExchange()
	if err != nil {
		t.Fatalf("client exchange: %v", err)
	}
	a, err := daemon.SharedSecret(client.PublicKey())
	if err != nil {
		t.Fatalf("daemon shared: %v", err)
	}
	b, err := client.SharedSecret(daemon.PublicKey())
	if err != nil {
		t.Fatalf("client shared: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("shared secrets differ")
	}

	if identity.PasswordProof(a, "pw") != identity.PasswordProof(b, "pw") {
		t.Fatalf("proofs over the same secret must match")
	}
	if identity.ProofEqual(identity.PasswordProof(a, "pw"), identity.PasswordProof(b, "other")) {
		t.Fatalf("proofs over different passwords must differ")
	}
}

func TestExchange_RejectsBadPeerKey(t *testing.T) {
	e, _ := identity.NewExchange()
	if _, err := e.SharedSecret("AAAA"); err == nil {
		t.Fatalf("expected error for short peer key")
	}
	if _, err := e.SharedSecret("***"); err == nil {
		t.Fatalf("expected error for non-base64 peer key")
	}
	// The all-zero point yields a low-order shared secret and must be refused.
	zero := identity.Encoding.EncodeToString(make([]byte, 32))
	if _, err := e.SharedSecret(zero); err == nil {
		t.Fatalf("expected error for low-order peer key")
	}
}

func TestSaltProof(t *testing.T) {
	salt, err := identity.NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	if len(salt) != identity.SaltLength {
		t.Fatalf("salt length = %d", len(salt))
	}
	if identity.SaltProof("pw", salt) != identity.SaltProof("pw", salt) {
		t.Fatalf("salt proof must be deterministic")
	}
	if identity.SaltProof("pw", salt) == identity.SaltProof("pw", salt+"x") {
		t.Fatalf("salt proof must depend on salt")
	}
}
