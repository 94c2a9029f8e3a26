package security

import (
	"testing"
)

func TestHashToken_Consistent(t *testing.T) {
	h1 := HashToken("raw-session-token")
	h2 := HashToken("raw-session-token")
	if h1 != h2 {
		t.Errorf("HashToken not consistent: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 (SHA-256 hex)", len(h1))
	}
	if h1 == "raw-session-token" {
		t.Error("hash must not equal the raw token")
	}
}

func TestHashToken_DifferentTokens(t *testing.T) {
	if HashToken("token-1") == HashToken("token-2") {
		t.Error("HashToken produced same hash for different tokens")
	}
}

func TestTokenHashEqual(t *testing.T) {
	stored := HashToken("abc")
	if !TokenHashEqual("abc", stored) {
		t.Error("TokenHashEqual should match the original token")
	}
	if TokenHashEqual("abd", stored) {
		t.Error("TokenHashEqual should reject a different token")
	}
	if TokenHashEqual("abc", "") {
		t.Error("TokenHashEqual should reject an empty stored hash")
	}
}
