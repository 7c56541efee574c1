package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Errorf("expected %d bytes, got %d", KeySize, len(key))
	}
	key2, _ := GenerateKey()
	if bytes.Equal(key, key2) {
		t.Error("two keys should not be equal")
	}
}

func TestDeriveKEK(t *testing.T) {
	master, _ := GenerateKey()
	kek, err := DeriveKEK(master, "credentials-v1")
	if err != nil {
		t.Fatalf("DeriveKEK failed: %v", err)
	}
	kek2, _ := DeriveKEK(master, "credentials-v1")
	if !bytes.Equal(kek, kek2) {
		t.Error("KEK derivation should be deterministic")
	}
	kek3, _ := DeriveKEK(master, "credentials-v2")
	if bytes.Equal(kek, kek3) {
		t.Error("different contexts should yield different KEKs")
	}
}

func TestDecodeMasterKey(t *testing.T) {
	master, _ := GenerateKey()
	got, err := DecodeMasterKey(base64.StdEncoding.EncodeToString(master))
	if err != nil {
		t.Fatalf("DecodeMasterKey failed: %v", err)
	}
	if !bytes.Equal(got, master) {
		t.Error("decoded key differs")
	}
	if _, err := DecodeMasterKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := DecodeMasterKey("not base64!"); err == nil {
		t.Error("expected error for invalid base64")
	}
}

func TestSealerRoundTrip(t *testing.T) {
	master, _ := GenerateKey()
	s, err := NewSealer(master, "credentials-v1")
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	blob, err := s.Seal("session-abc", "cred-1")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(blob, []byte("session-abc")) {
		t.Error("sealed blob should not contain plaintext")
	}
	got, err := s.Open(blob, "cred-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got != "session-abc" {
		t.Errorf("got %q, want %q", got, "session-abc")
	}

	blob2, _ := s.Seal("session-abc", "cred-1")
	if bytes.Equal(blob, blob2) {
		t.Error("sealing the same value twice should not be deterministic")
	}
}

func TestSealerRejectsWrongOwner(t *testing.T) {
	master, _ := GenerateKey()
	s, _ := NewSealer(master, "credentials-v1")
	blob, _ := s.Seal("signature", "cred-1")
	if _, err := s.Open(blob, "cred-2"); err == nil {
		t.Error("expected error when aad differs")
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	master, _ := GenerateKey()
	other, _ := GenerateKey()
	s, _ := NewSealer(master, "credentials-v1")
	s2, _ := NewSealer(other, "credentials-v1")
	blob, _ := s.Seal("signature", "cred-1")
	if _, err := s2.Open(blob, "cred-1"); err == nil {
		t.Error("expected error with wrong master key")
	}
}

func TestSealerMalformed(t *testing.T) {
	master, _ := GenerateKey()
	s, _ := NewSealer(master, "credentials-v1")
	for _, blob := range [][]byte{nil, {0x00}, {0x00, 0xff, 0x01}} {
		if _, err := s.Open(blob, "x"); !errors.Is(err, ErrMalformed) {
			t.Errorf("Open(%v): expected ErrMalformed, got %v", blob, err)
		}
	}
}

func TestNewSealerKeyLength(t *testing.T) {
	if _, err := NewSealer([]byte("short"), "ctx"); err == nil {
		t.Error("expected error for short master key")
	}
}
