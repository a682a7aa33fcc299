// Package security provides authenticated encryption for credential
// material persisted to storage. Nothing secret is ever written to the
// store without passing through this service first.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Encrypted-field wire format: "enc:v1:<b64 iv>:<b64 ciphertext>:<b64 tag>".
const (
	prefixTag     = "enc"
	formatVersion = "v1"
	gcmTagSize    = 16
)

// ErrTampered is returned when a ciphertext fails authentication. The
// caller must treat the stored value as corrupted, never as plaintext.
var ErrTampered = errors.New("security: ciphertext authentication failed")

// Encryptor performs AES-256-GCM encryption of string fields. A fresh IV
// is generated for every call, so encrypting the same plaintext twice
// yields different ciphertexts.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a hex-encoded 32-byte key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals the plaintext into the tagged wire format.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}

	sealed := e.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	authTag := sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		prefixTag,
		formatVersion,
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(authTag),
	}, ":"), nil
}

// Decrypt opens a value in the tagged wire format. A value lacking the
// "enc:" prefix is legacy plaintext and is returned unchanged; this is a
// read-path concession only, all writes produce the tagged form. Any
// authentication failure surfaces as ErrTampered.
func (e *Encryptor) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	parts := strings.Split(value, ":")
	if len(parts) != 5 {
		return "", fmt.Errorf("malformed encrypted field: expected 5 segments, got %d", len(parts))
	}
	if parts[1] != formatVersion {
		return "", fmt.Errorf("unsupported encryption version %q", parts[1])
	}

	iv, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decoding iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	authTag, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return "", fmt.Errorf("decoding auth tag: %w", err)
	}
	if len(iv) != e.aead.NonceSize() || len(authTag) != gcmTagSize {
		return "", fmt.Errorf("malformed encrypted field: bad iv or tag length")
	}

	plaintext, err := e.aead.Open(nil, iv, append(ciphertext, authTag...), nil)
	if err != nil {
		return "", ErrTampered
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the encrypted-field tag.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefixTag+":")
}
