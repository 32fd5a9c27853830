// Package crypto encrypts chat message bodies at rest with AES-256-GCM under a
// single deployment-wide key.
//
// A stored body is one self-describing blob:
//
//	base64( nonce (16 bytes) || ciphertext || tag (16 bytes) )
//
// There is no key versioning. Replacing the key makes every previously stored
// body undecryptable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the byte length of the AES-256 key.
	KeySize = 32
	// NonceSize is the byte length of the GCM nonce stored in front of each body.
	NonceSize = 16
	// TagSize is the byte length of the GCM authentication tag.
	TagSize = 16
)

var (
	ErrInvalidKey       = errors.New("crypto: invalid key")
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
)

// Cipher seals and opens message bodies. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
	rand io.Reader
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("gcm cipher: %w", err)
	}
	return &Cipher{aead: aead, rand: rand.Reader}, nil
}

// ParseKey decodes a standard base64 key as found in configuration.
func ParseKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, KeySize, len(raw))
	}
	return raw, nil
}

// Encrypt returns the base64 blob for plaintext. Empty input yields an empty
// blob and no error: nothing is encrypted.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Any malformed, truncated, tampered
// or foreign-key blob yields ErrDecryptionFailed.
func (c *Cipher) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", ErrDecryptionFailed
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	if len(raw) < NonceSize+TagSize {
		return "", ErrDecryptionFailed
	}

	nonce := raw[:NonceSize]
	sealed := raw[NonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}
