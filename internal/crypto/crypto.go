package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length in bytes of master keys, KEKs and DEKs.
const KeySize = 32

// ErrMalformed is returned by Open when the sealed blob cannot be parsed.
var ErrMalformed = errors.New("sealed value is malformed")

// GenerateKey generates a 32-byte cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// DecodeMasterKey parses a base64 master key and checks its length.
func DecodeMasterKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// DeriveKEK derives a Key Encryption Key from the master key using HKDF-SHA256.
func DeriveKEK(masterKey []byte, context string) ([]byte, error) {
	kek := make([]byte, KeySize)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// sealWith encrypts plaintext under key and returns nonce||ciphertext.
func sealWith(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func openWith(key, blob, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Sealer performs envelope encryption of credential fields. Every value gets
// a fresh DEK; the DEK is wrapped with a KEK derived from the master key.
//
// Layout: uint16 wrapped-DEK length | wrapped DEK | nonce | ciphertext.
type Sealer struct {
	kek []byte
}

// NewSealer derives the KEK for context from masterKey.
func NewSealer(masterKey []byte, context string) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	kek, err := DeriveKEK(masterKey, context)
	if err != nil {
		return nil, err
	}
	return &Sealer{kek: kek}, nil
}

// Seal encrypts plaintext. aad binds the blob to its owner (e.g. credential ID)
// so blobs cannot be swapped between rows.
func (s *Sealer) Seal(plaintext, aad string) ([]byte, error) {
	dek, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := sealWith(s.kek, dek, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("wrapping DEK: %w", err)
	}
	body, err := sealWith(dek, []byte(plaintext), []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("encrypting value: %w", err)
	}
	out := make([]byte, 2+len(wrapped)+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(wrapped)))
	copy(out[2:], wrapped)
	copy(out[2+len(wrapped):], body)
	return out, nil
}

// Open reverses Seal.
func (s *Sealer) Open(blob []byte, aad string) (string, error) {
	if len(blob) < 2 {
		return "", ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(blob))
	if len(blob) < 2+n {
		return "", ErrMalformed
	}
	dek, err := openWith(s.kek, blob[2:2+n], []byte(aad))
	if err != nil {
		return "", fmt.Errorf("unwrapping DEK: %w", err)
	}
	plaintext, err := openWith(dek, blob[2+n:], []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
