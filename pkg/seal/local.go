package seal

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	if key == "" {
		return nil, fmt.Errorf("SEAL_LOCAL_KEY is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("SEAL_LOCAL_KEY must be base64-encoded: %w", err)
	}
	defer wipe(decoded)
	if len(decoded) != 32 {
		return nil, fmt.Errorf("SEAL_LOCAL_KEY must be exactly 32 bytes when decoded (got %d bytes)", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Name() string { return "local" }

func (l *localProvider) Wrap(ctx context.Context, dek, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, dek, aad), nil
}

func (l *localProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := l.aead.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, errors.New("wrapped key too short")
	}
	return l.aead.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], aad)
}

func (l *localProvider) Secret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	return val, nil
}
