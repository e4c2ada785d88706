package vault

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
)

// SecretsProvider wraps and unwraps the vault master secret with a
// key-encryption key. Implementations must be safe for concurrent use.
type SecretsProvider interface {
	WrapKey(ctx context.Context, raw []byte) ([]byte, error)
	UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error)
	// ProviderName returns a short identifier ("local", "gcpkms").
	ProviderName() string
}

// LocalProvider wraps keys with a local AES-256-GCM key.
type LocalProvider struct {
	kek []byte
}

// NewLocalProvider creates a provider backed by a 32-byte local key.
func NewLocalProvider(kek []byte) (*LocalProvider, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("master key must be exactly 32 bytes, got %d", len(kek))
	}
	return &LocalProvider{kek: kek}, nil
}

func (p *LocalProvider) ProviderName() string { return "local" }

func (p *LocalProvider) WrapKey(_ context.Context, raw []byte) ([]byte, error) {
	return aesGCMSeal(p.kek, raw, nil)
}

func (p *LocalProvider) UnwrapKey(_ context.Context, wrapped []byte) ([]byte, error) {
	return aesGCMOpen(p.kek, wrapped, nil)
}

// KMSProvider wraps keys with a Google Cloud KMS symmetric key.
type KMSProvider struct {
	client      *kms.KeyManagementClient
	keyName     string // projects/P/locations/L/keyRings/R/cryptoKeys/K
	closeClient bool
}

// NewKMSProvider dials KMS with application default credentials.
func NewKMSProvider(ctx context.Context, keyName string) (*KMSProvider, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create KMS client: %w", err)
	}
	return &KMSProvider{client: client, keyName: keyName, closeClient: true}, nil
}

// NewKMSProviderWithClient uses an existing client, which the caller keeps
// ownership of.
func NewKMSProviderWithClient(client *kms.KeyManagementClient, keyName string) *KMSProvider {
	return &KMSProvider{client: client, keyName: keyName}
}

func (p *KMSProvider) ProviderName() string { return "gcpkms" }

func (p *KMSProvider) WrapKey(ctx context.Context, raw []byte) ([]byte, error) {
	resp, err := p.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      p.keyName,
		Plaintext: raw,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encrypt: %w", err)
	}
	return resp.Ciphertext, nil
}

func (p *KMSProvider) UnwrapKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	resp, err := p.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       p.keyName,
		Ciphertext: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt: %w", err)
	}
	return resp.Plaintext, nil
}

// Close releases the KMS client if this provider created it.
func (p *KMSProvider) Close() error {
	if p.closeClient && p.client != nil {
		return p.client.Close()
	}
	return nil
}
