package seal

import (
	"context"
	"errors"
	"fmt"

	"pastelite/cfg"
)

var (
	ErrProviderUnavailable = errors.New("seal provider unavailable")
	ErrOpenFailed          = errors.New("unseal failed")
)

// Provider wraps per-paste data keys with a key the process never sees in
// the clear (except for the local provider), and resolves named secrets.
type Provider interface {
	Name() string
	Wrap(ctx context.Context, dek, aad []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error)
	Secret(ctx context.Context, key string) (string, error)
}

func NewProvider(ctx context.Context, c cfg.SealCfg) (Provider, error) {
	switch c.Provider {
	case cfg.SealLocal:
		return newLocalProvider(c.LocalKey.Value())
	case cfg.SealVault:
		return newVaultProvider(ctx, c)
	case cfg.SealAWS:
		return newAWSProvider(ctx, c)
	case cfg.SealNone, "":
		return nil, ErrProviderUnavailable
	default:
		return nil, fmt.Errorf("unknown seal provider %q", c.Provider)
	}
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
