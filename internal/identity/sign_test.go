package identity_test

import (
	"errors"
	"testing"

	"github.com/basket/plat/internal/identity"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte("hello"),
		[]byte{0x00, 0xff, 0x10, 0x80},
		make([]byte, 4096),
	}
	for i := 0; i < 3; i++ {
		id, err := identity.Generate(identity.VariantLocal, "", "pw")
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		for _, p := range payloads {
			data := identity.Encoding.EncodeToString(p)
			box, err := id.Sign(data)
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if box.PublicKey != id.PublicKey {
				t.Fatalf("sign box carries wrong key")
			}
			ok, err := identity.Verify(box, data)
			if err != nil || !ok {
				t.Fatalf("verify(sign(p), p) = %v, %v", ok, err)
			}
		}
	}
}

func TestVerify_MutatedPayloadOrSignatureFails(t *testing.T) {
	id, _ := identity.Generate(identity.VariantLocal, "", "pw")
	data := identity.Encoding.EncodeToString([]byte("transfer 10"))
	box, err := id.Sign(data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ok, err := identity.Verify(box, identity.Encoding.EncodeToString([]byte("transfer 99")))
	if err != nil || ok {
		t.Fatalf("mutated payload: got %v, %v; want false, nil", ok, err)
	}

	sig, _ := identity.Encoding.DecodeString(box.Signature)
	sig[0] ^= 0x01
	tampered := identity.SignBox{PublicKey: box.PublicKey, Signature: identity.Encoding.EncodeToString(sig)}
	ok, err = identity.Verify(tampered, data)
	if err != nil || ok {
		t.Fatalf("mutated signature: got %v, %v; want false, nil", ok, err)
	}

	other, _ := identity.Generate(identity.VariantLocal, "", "pw")
	ok, err = identity.Verify(identity.SignBox{PublicKey: other.PublicKey, Signature: box.Signature}, data)
	if err != nil || ok {
		t.Fatalf("wrong key: got %v, %v; want false, nil", ok, err)
	}
}

func TestVerify_MalformedInputIsAnError(t *testing.T) {
	id, _ := identity.Generate(identity.VariantLocal, "", "pw")
	data := identity.Encoding.EncodeToString([]byte("x"))
	box, _ := id.Sign(data)

	if _, err := identity.Verify(box, "%%%"); !errors.Is(err, identity.ErrMalformed) {
		t.Fatalf("bad payload: expected ErrMalformed, got %v", err)
	}
	if _, err := identity.Verify(identity.SignBox{PublicKey: "short", Signature: box.Signature}, data); err == nil {
		t.Fatalf("bad key: expected error")
	}
	if _, err := identity.Verify(identity.SignBox{PublicKey: box.PublicKey, Signature: "AAAA"}, data); !errors.Is(err, identity.ErrMalformed) {
		t.Fatalf("short signature: expected ErrMalformed, got %v", err)
	}
	if _, err := id.Sign("not base64!"); !errors.Is(err, identity.ErrMalformed) {
		t.Fatalf("sign bad payload: expected ErrMalformed, got %v", err)
	}
}
