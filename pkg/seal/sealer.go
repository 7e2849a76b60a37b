package seal

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"pastelite/metrics"
)

var ErrSealedRecord = errors.New("record is sealed but no seal provider is configured")

// Codec turns paste content into the bytes that are persisted and back.
// sealedKey is nil when the body is stored in the clear.
type Codec interface {
	Seal(ctx context.Context, id string, plaintext []byte) (body, sealedKey []byte, err error)
	Open(ctx context.Context, id string, body, sealedKey []byte) ([]byte, error)
}

type Passthrough struct{}

func (Passthrough) Seal(_ context.Context, _ string, plaintext []byte) ([]byte, []byte, error) {
	return plaintext, nil, nil
}

func (Passthrough) Open(_ context.Context, _ string, body, sealedKey []byte) ([]byte, error) {
	if len(sealedKey) > 0 {
		return nil, ErrSealedRecord
	}
	return body, nil
}

// Sealer encrypts each body with a fresh XChaCha20-Poly1305 key whose
// additional data is the paste id, then wraps that key with the provider.
type Sealer struct {
	provider Provider
	keys     *keyCache
}

func NewSealer(p Provider, cacheSize int, cacheTTL time.Duration) (*Sealer, error) {
	if p == nil {
		return nil, ErrProviderUnavailable
	}
	if cacheSize <= 0 {
		return nil, fmt.Errorf("key cache size must be positive")
	}
	return &Sealer{provider: p, keys: newKeyCache(p, cacheSize, cacheTTL)}, nil
}

func (s *Sealer) Provider() Provider {
	return s.provider
}

func (s *Sealer) Seal(ctx context.Context, id string, plaintext []byte) ([]byte, []byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, nil, err
	}
	defer wipe(dek)
	body, err := aeadSeal(dek, plaintext, []byte(id))
	if err != nil {
		return nil, nil, err
	}
	wrapped, err := s.provider.Wrap(ctx, dek, []byte(id))
	if err != nil {
		return nil, nil, fmt.Errorf("%s wrap: %w", s.provider.Name(), err)
	}
	metrics.SealOps.WithLabelValues("seal").Inc()
	return body, wrapped, nil
}

// Open accepts unsealed bodies so records written before sealing was enabled
// stay readable.
func (s *Sealer) Open(ctx context.Context, id string, body, sealedKey []byte) ([]byte, error) {
	if len(sealedKey) == 0 {
		return body, nil
	}
	dek, err := s.keys.unwrap(ctx, sealedKey, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("%s unwrap: %w", s.provider.Name(), err)
	}
	defer wipe(dek)
	plaintext, err := aeadOpen(dek, body, []byte(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	metrics.SealOps.WithLabelValues("open").Inc()
	return plaintext, nil
}

func (s *Sealer) Close() {
	s.keys.purge()
}

func aeadSeal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func aeadOpen(key, sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
}
