package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestSealer_RoundTrip(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("gho_access_token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "gho_access_token" {
		t.Fatal("sealed value equals plaintext")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "gho_access_token" {
		t.Errorf("Open = %q", got)
	}
}

func TestSealer_EmptyPassesThrough(t *testing.T) {
	s := testSealer(t)
	sealed, err := s.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("Seal empty = %q, %v", sealed, err)
	}
	opened, err := s.Open("")
	if err != nil || opened != "" {
		t.Fatalf("Open empty = %q, %v", opened, err)
	}
}

func TestSealer_WrongKey(t *testing.T) {
	s := testSealer(t)
	sealed, _ := s.Seal("secret")
	other, _ := NewSealer(bytes.Repeat([]byte{9}, 32))
	if _, err := other.Open(sealed); err == nil {
		t.Error("Open with a different key should fail")
	}
}

func TestSealer_Nil(t *testing.T) {
	var s *Sealer
	if _, err := s.Seal("x"); err != ErrSealerNotConfigured {
		t.Errorf("nil Seal: want ErrSealerNotConfigured, got %v", err)
	}
}

func TestParseSealerKey(t *testing.T) {
	good := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	if _, err := ParseSealerKey(good); err != nil {
		t.Fatalf("ParseSealerKey: %v", err)
	}
	bad := base64.StdEncoding.EncodeToString([]byte("short"))
	if _, err := ParseSealerKey(bad); err == nil {
		t.Error("5-byte key should be rejected")
	}
	if _, err := ParseSealerKey("!!!"); err == nil {
		t.Error("invalid base64 should be rejected")
	}
}
