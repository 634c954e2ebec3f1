package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-adsconnect/core"
)

const tokenSeparator = ":"

type Option func(*AppKeyTokenCipher)

// WithPreviousSecrets registers retired secrets. They are only used to
// decrypt values written before a rotation.
func WithPreviousSecrets(secrets ...string) Option {
	return func(c *AppKeyTokenCipher) {
		for _, secret := range secrets {
			trimmed := strings.TrimSpace(secret)
			if trimmed == "" {
				continue
			}
			c.previous = append(c.previous, deriveKey([]byte(trimmed)))
		}
	}
}

// AppKeyTokenCipher seals credential tokens with AES-256-GCM using a key
// derived from the application secret. Ciphertexts have the form
// base64(nonce):base64(sealed).
type AppKeyTokenCipher struct {
	current  []byte
	previous [][]byte
}

func NewAppKeyTokenCipher(secret []byte, opts ...Option) (*AppKeyTokenCipher, error) {
	key := bytes.TrimSpace(secret)
	if len(key) == 0 {
		return nil, fmt.Errorf("security: encryption secret is required")
	}
	c := &AppKeyTokenCipher{current: deriveKey(key)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

func NewAppKeyTokenCipherFromString(secret string, opts ...Option) (*AppKeyTokenCipher, error) {
	return NewAppKeyTokenCipher([]byte(secret), opts...)
}

// NewTokenCipherFromConfig builds a cipher from the encryption section of
// the service configuration.
func NewTokenCipherFromConfig(cfg core.EncryptionConfig) (*AppKeyTokenCipher, error) {
	return NewAppKeyTokenCipherFromString(cfg.Secret, WithPreviousSecrets(cfg.PreviousSecrets...))
}

func (c *AppKeyTokenCipher) Encrypt(_ context.Context, plaintext string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("security: token cipher is nil")
	}
	gcm, err := newGCM(c.current)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(nonce) + tokenSeparator + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt tries the current key first and then every previous key. Any
// malformed or unauthenticated input yields ok=false.
func (c *AppKeyTokenCipher) Decrypt(_ context.Context, ciphertext string) (string, bool) {
	if c == nil {
		return "", false
	}
	noncePart, sealedPart, found := strings.Cut(strings.TrimSpace(ciphertext), tokenSeparator)
	if !found {
		return "", false
	}
	nonce, err := base64.StdEncoding.DecodeString(noncePart)
	if err != nil {
		return "", false
	}
	sealed, err := base64.StdEncoding.DecodeString(sealedPart)
	if err != nil {
		return "", false
	}
	for _, key := range c.keys() {
		plaintext, ok := open(key, nonce, sealed)
		if ok {
			return plaintext, true
		}
	}
	return "", false
}

// NeedsRotation reports whether a ciphertext was sealed with a retired key.
func (c *AppKeyTokenCipher) NeedsRotation(ciphertext string) bool {
	if c == nil {
		return false
	}
	noncePart, sealedPart, found := strings.Cut(strings.TrimSpace(ciphertext), tokenSeparator)
	if !found {
		return false
	}
	nonce, err1 := base64.StdEncoding.DecodeString(noncePart)
	sealed, err2 := base64.StdEncoding.DecodeString(sealedPart)
	if err1 != nil || err2 != nil {
		return false
	}
	if _, ok := open(c.current, nonce, sealed); ok {
		return false
	}
	for _, key := range c.previous {
		if _, ok := open(key, nonce, sealed); ok {
			return true
		}
	}
	return false
}

func (c *AppKeyTokenCipher) keys() [][]byte {
	keys := make([][]byte, 0, 1+len(c.previous))
	keys = append(keys, c.current)
	keys = append(keys, c.previous...)
	return keys
}

func open(key []byte, nonce []byte, sealed []byte) (string, bool) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", false
	}
	if len(nonce) != gcm.NonceSize() {
		return "", false
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", false
	}
	return string(plaintext), true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return key
}

var _ core.TokenCipher = (*AppKeyTokenCipher)(nil)
