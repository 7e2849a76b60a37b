package seal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"

	"pastelite/cfg"
)

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context, c cfg.SealCfg) (*vaultProvider, error) {
	vcfg := vault.DefaultConfig()
	vcfg.Address = c.VaultAddr
	vcfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
		wipe(tokenBytes)
	} else if token := c.VaultToken.Value(); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		mountPath:  c.VaultMount,
		keyID:      c.VaultKey,
		secretPath: strings.TrimSuffix(c.VaultSecretPath, "/"),
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

// Wrap ignores aad: transit only accepts a context for derived keys, and the
// body cipher already binds the paste id.
func (v *vaultProvider) Wrap(ctx context.Context, dek, aad []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(dek),
	})
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty encrypt response")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) Unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty decrypt response")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

// Secret reads the "value" field of a KV v2 secret under the configured path.
func (v *vaultProvider) Secret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}
