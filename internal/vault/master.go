package vault

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

const (
	masterSecretKey = "master_secret_wrapped"
	canaryKey       = "vault_canary"
	canaryPrincipal = "__canary__"
	canaryPlaintext = "solbot-guard-vault-canary"
	masterSize      = 32
)

// ConfigStore is the small key/value surface the vault persists its wrapped
// master secret and canary in.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// LoadMasterSecret returns the vault master secret. On first run a random
// secret is generated, wrapped with provider and stored; afterwards the stored
// value is unwrapped. A failure to unwrap means the wrong KEK was supplied.
func LoadMasterSecret(ctx context.Context, store ConfigStore, provider SecretsProvider) ([]byte, error) {
	stored, err := store.GetConfig(ctx, masterSecretKey)
	if err != nil {
		return nil, fmt.Errorf("read master secret: %w", err)
	}

	if stored == "" {
		secret := make([]byte, masterSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate master secret: %w", err)
		}
		wrapped, err := provider.WrapKey(ctx, secret)
		if err != nil {
			return nil, fmt.Errorf("wrap master secret: %w", err)
		}
		if err := store.SetConfig(ctx, masterSecretKey, hex.EncodeToString(wrapped)); err != nil {
			return nil, fmt.Errorf("store master secret: %w", err)
		}
		slog.Info("vault master secret generated", "provider", provider.ProviderName())
		return secret, nil
	}

	wrapped, err := hex.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("decode master secret: %w", err)
	}
	secret, err := provider.UnwrapKey(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("wrong secrets key: cannot unwrap vault master secret (%s provider, did the key change?)", provider.ProviderName())
	}
	return secret, nil
}

// VerifyCanary checks that v can still decrypt a record it stored on first
// run. A mismatch means every stored wallet key is undecryptable with this
// configuration (different master secret or iteration count).
func VerifyCanary(ctx context.Context, store ConfigStore, v *Vault) error {
	stored, err := store.GetConfig(ctx, canaryKey)
	if err != nil {
		return fmt.Errorf("read canary: %w", err)
	}

	if stored == "" {
		rec, err := v.EncryptString(ctx, canaryPlaintext, canaryPrincipal)
		if err != nil {
			return fmt.Errorf("encrypt canary: %w", err)
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := store.SetConfig(ctx, canaryKey, string(data)); err != nil {
			return fmt.Errorf("store canary: %w", err)
		}
		slog.Info("vault canary stored")
		return nil
	}

	var rec EncryptedSecret
	if err := json.Unmarshal([]byte(stored), &rec); err != nil {
		return fmt.Errorf("decode canary: %w", err)
	}
	pt, err := v.Decrypt(ctx, rec, canaryPrincipal)
	if err != nil {
		return fmt.Errorf("vault canary check failed: %w", err)
	}
	if subtle.ConstantTimeCompare(pt, []byte(canaryPlaintext)) != 1 {
		return errors.New("vault canary mismatch: decrypted value does not match expected canary")
	}
	return nil
}

// RewrapMasterSecret moves the stored master secret from oldProvider to
// newProvider. The master secret itself is unchanged, so encrypted records
// stay valid.
func RewrapMasterSecret(ctx context.Context, store ConfigStore, oldProvider, newProvider SecretsProvider) error {
	secret, err := LoadMasterSecret(ctx, store, oldProvider)
	if err != nil {
		return err
	}
	if err := verifyProvider(ctx, newProvider); err != nil {
		return fmt.Errorf("new provider %s: %w", newProvider.ProviderName(), err)
	}
	wrapped, err := newProvider.WrapKey(ctx, secret)
	if err != nil {
		return fmt.Errorf("wrap master secret: %w", err)
	}
	if err := store.SetConfig(ctx, masterSecretKey, hex.EncodeToString(wrapped)); err != nil {
		return fmt.Errorf("store master secret: %w", err)
	}
	slog.Info("vault master secret rewrapped",
		"from", oldProvider.ProviderName(),
		"to", newProvider.ProviderName(),
	)
	return nil
}

// verifyProvider checks that a provider can round-trip a value.
func verifyProvider(ctx context.Context, p SecretsProvider) error {
	wrapped, err := p.WrapKey(ctx, []byte(canaryPlaintext))
	if err != nil {
		return fmt.Errorf("encrypt test: %w", err)
	}
	pt, err := p.UnwrapKey(ctx, wrapped)
	if err != nil {
		return fmt.Errorf("decrypt test: %w", err)
	}
	if string(pt) != canaryPlaintext {
		return errors.New("round-trip mismatch: decrypted value does not match original")
	}
	return nil
}
