package transport

import (
	"encoding/base64"
	"testing"
)

func TestDerivePublicKey(t *testing.T) {
	t.Run("derives 16-byte key", func(t *testing.T) {
		key := DerivePublicKey("test-secret")
		raw, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			t.Fatalf("key is not base64: %v", err)
		}
		if len(raw) != 16 {
			t.Errorf("derived key length = %d, want 16", len(raw))
		}
	})

	t.Run("is deterministic", func(t *testing.T) {
		if DerivePublicKey("s") != DerivePublicKey("s") {
			t.Error("same secret should derive the same key")
		}
		if DerivePublicKey("a") == DerivePublicKey("b") {
			t.Error("different secrets should derive different keys")
		}
	})

	t.Run("empty secret derives nothing", func(t *testing.T) {
		if got := DerivePublicKey(""); got != "" {
			t.Errorf("DerivePublicKey(\"\") = %q, want empty", got)
		}
	})
}

func TestSigner(t *testing.T) {
	s := NewSigner(DerivePublicKey("test-secret"))
	payload := []byte(`[{"type":"track"}]`)

	sig := s.Sign(payload)
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(sig))
	}
	if !s.Verify(payload, sig) {
		t.Error("signature should verify")
	}
	if s.Verify([]byte("tampered"), sig) {
		t.Error("tampered payload should not verify")
	}
	if s.Verify(payload, "") {
		t.Error("empty signature should not verify")
	}

	var none *Signer
	if NewSigner("") != nil {
		t.Error("empty key should yield nil signer")
	}
	if none.Sign(payload) != "" {
		t.Error("nil signer should sign nothing")
	}
}
