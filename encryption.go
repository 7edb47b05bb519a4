package crmbase

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// EncryptedBackend seals database documents with AES-256-GCM before they
// reach the wrapped backend. Backups are copied as ciphertext.
//
//	key, _ := crmbase.ParseEncryptionKey(os.Getenv("CRM_ENCRYPTION_KEY"))
//	adapter, _ := crmbase.Connect(ctx, "s3://bucket/crm.json", crmbase.WithEncryptionKey(key))
type EncryptedBackend struct {
	Backend
	aead cipher.AEAD
}

// NewEncryptedBackend wraps backend. key must be 32 bytes.
func NewEncryptedBackend(backend Backend, key []byte) (*EncryptedBackend, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptedBackend{Backend: backend, aead: aead}, nil
}

// ParseEncryptionKey decodes a 64 character hex key.
func ParseEncryptionKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "encryption key",
			"reason": "expected 64 hex characters",
		})
	}
	return key, nil
}

func (e *EncryptedBackend) Put(ctx context.Context, key string, data []byte) error {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.Backend.Put(ctx, key, e.aead.Seal(nonce, nonce, data, []byte(key)))
}

// Get returns ErrInvalidData when the document was not sealed with this
// key, or was sealed under another document key.
func (e *EncryptedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.open(key, sealed)
}

func (e *EncryptedBackend) open(key string, sealed []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"reason": "ciphertext too short",
		})
	}
	plain, err := e.aead.Open(nil, sealed[:n], sealed[n:], []byte(key))
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"reason": "decryption failed",
		})
	}
	return plain, nil
}

// Copy re-seals src under dst so the backup decrypts with its own key.
func (e *EncryptedBackend) Copy(ctx context.Context, src, dst string) error {
	data, err := e.Get(ctx, src)
	if err != nil {
		return err
	}
	return e.Put(ctx, dst, data)
}
