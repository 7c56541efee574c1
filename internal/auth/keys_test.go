package auth

import (
	"strings"
	"testing"

	"github.com/org/accessgate/pkg/models"
)

func TestGenerateAndAuthenticate(t *testing.T) {
	key, digest, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(key, keyPrefix) {
		t.Errorf("key %q lacks prefix %q", key, keyPrefix)
	}
	if digest != HashKey(key) {
		t.Error("digest does not match HashKey")
	}

	ring := NewKeyRing([]models.APIKey{
		{Name: "other", KeyHash: HashKey("something-else"), Policies: []string{"operator"}},
		{Name: "ops", KeyHash: digest, Policies: []string{"root"}},
	})
	got, err := ring.Authenticate(key)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Name != "ops" {
		t.Errorf("Authenticate returned %q, want ops", got.Name)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	ring := NewKeyRing([]models.APIKey{{Name: "ops", KeyHash: HashKey("agk_right")}})
	for _, k := range []string{"", "agk_wrong", "agk_right "} {
		if _, err := ring.Authenticate(k); err != ErrInvalidKey {
			t.Errorf("Authenticate(%q) err = %v, want ErrInvalidKey", k, err)
		}
	}
}

func TestMalformedDigestIsSkipped(t *testing.T) {
	ring := NewKeyRing([]models.APIKey{{Name: "broken", KeyHash: "zz"}})
	if _, err := ring.Authenticate("anything"); err != ErrInvalidKey {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}
