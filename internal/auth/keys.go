// Package auth authenticates admin API keys. Keys are configured by their
// SHA-256 digest; plaintext keys are never stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/org/accessgate/pkg/models"
)

const keyPrefix = "agk_"

// ErrInvalidKey is returned for unknown or empty keys.
var ErrInvalidKey = errors.New("invalid api key")

// KeyRing resolves presented API keys to their configured identity.
type KeyRing struct {
	keys []models.APIKey
}

func NewKeyRing(keys []models.APIKey) *KeyRing {
	return &KeyRing{keys: keys}
}

// Len reports how many keys are configured.
func (r *KeyRing) Len() int { return len(r.keys) }

// Authenticate returns the key matching plaintext. Every configured digest
// is compared so timing does not reveal which prefix matched.
func (r *KeyRing) Authenticate(plaintext string) (*models.APIKey, error) {
	if plaintext == "" {
		return nil, ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(plaintext))
	var found *models.APIKey
	for i := range r.keys {
		want, err := hex.DecodeString(r.keys[i].KeyHash)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(sum[:], want) == 1 {
			found = &r.keys[i]
		}
	}
	if found == nil {
		return nil, ErrInvalidKey
	}
	return found, nil
}

// GenerateKey returns a new random API key and its SHA-256 hex digest.
func GenerateKey() (plaintext, digest string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	plaintext = keyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, HashKey(plaintext), nil
}

// HashKey returns the SHA-256 hex digest of a plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
