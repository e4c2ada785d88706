// Package vault encrypts per-principal secret material (wallet private keys)
// under keys derived from a process-wide master secret.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	// Algorithm tags records produced by this package.
	Algorithm         = "aes256gcm-pbkdf2-sha256"
	SaltSize          = 32
	KeySize           = 32
	DefaultIterations = 100_000
	defaultCacheSize  = 1024
)

var (
	cryptoOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbot_guard_vault_operations_total",
			Help: "Vault encrypt/decrypt operations by outcome.",
		},
		[]string{"op", "status"},
	)
	keyCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbot_guard_vault_key_cache_total",
			Help: "Derived key cache lookups.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(cryptoOpsTotal, keyCacheTotal)
}

// EncryptedSecret is an immutable encrypted record. It can only be decrypted
// with the master secret and principal that produced it.
type EncryptedSecret struct {
	Ciphertext []byte `json:"encrypted_data" bson:"encrypted_data"`
	Salt       []byte `json:"salt" bson:"salt"`
	Algorithm  string `json:"algorithm" bson:"algorithm"`
}

// Vault is safe for concurrent use. Key derivation is CPU-bound and runs on
// the calling goroutine.
type Vault struct {
	master     []byte
	iterations int
	cache      *lru.Cache[string, []byte] // key: principal + salt, value: derived key
	sf         singleflight.Group
}

// Option configures a Vault.
type Option func(*vaultOptions)

type vaultOptions struct {
	iterations int
	cacheSize  int
}

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) Option {
	return func(o *vaultOptions) { o.iterations = n }
}

// WithKeyCacheSize sets how many derived keys are kept in memory. 0 disables
// the cache.
func WithKeyCacheSize(n int) Option {
	return func(o *vaultOptions) { o.cacheSize = n }
}

// New creates a Vault bound to masterSecret. Changing the master secret makes
// every previously produced record undecryptable.
func New(masterSecret []byte, opts ...Option) (*Vault, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is required")
	}
	o := vaultOptions{iterations: DefaultIterations, cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.iterations <= 0 {
		o.iterations = DefaultIterations
	}

	v := &Vault{
		master:     append([]byte(nil), masterSecret...),
		iterations: o.iterations,
	}
	if o.cacheSize > 0 {
		cache, err := lru.New[string, []byte](o.cacheSize)
		if err != nil {
			return nil, err
		}
		v.cache = cache
	}
	return v, nil
}

// Encrypt seals plaintext for principal under a key derived with a fresh
// random salt.
func (v *Vault) Encrypt(ctx context.Context, plaintext []byte, principal string) (EncryptedSecret, error) {
	fail := func(err error) (EncryptedSecret, error) {
		cryptoOpsTotal.WithLabelValues("encrypt", "failure").Inc()
		return EncryptedSecret{}, &CryptoError{Op: "encrypt", Principal: principal, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fail(fmt.Errorf("generate salt: %w", err))
	}
	key := v.deriveKey(principal, salt)
	ct, err := aesGCMSeal(key, plaintext, []byte(principal))
	if err != nil {
		return fail(err)
	}

	cryptoOpsTotal.WithLabelValues("encrypt", "success").Inc()
	return EncryptedSecret{Ciphertext: ct, Salt: salt, Algorithm: Algorithm}, nil
}

// Decrypt opens a record produced by Encrypt for the same principal. Any
// failure is a *CryptoError wrapping ErrDecryptionFailed, ErrMalformedSecret
// or ErrUnsupportedAlgorithm; no partial plaintext is ever returned.
func (v *Vault) Decrypt(ctx context.Context, s EncryptedSecret, principal string) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		cryptoOpsTotal.WithLabelValues("decrypt", "failure").Inc()
		return nil, &CryptoError{Op: "decrypt", Principal: principal, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if s.Algorithm != Algorithm {
		return fail(fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s.Algorithm))
	}
	if len(s.Salt) != SaltSize {
		return fail(fmt.Errorf("%w: salt is %d bytes, want %d", ErrMalformedSecret, len(s.Salt), SaltSize))
	}

	key := v.deriveKey(principal, s.Salt)
	pt, err := aesGCMOpen(key, s.Ciphertext, []byte(principal))
	if err == errCiphertextTooShort {
		return fail(fmt.Errorf("%w: %v", ErrMalformedSecret, err))
	}
	if err != nil {
		return fail(ErrDecryptionFailed)
	}

	cryptoOpsTotal.WithLabelValues("decrypt", "success").Inc()
	return pt, nil
}

// EncryptString is Encrypt for text secrets such as base58 private keys.
func (v *Vault) EncryptString(ctx context.Context, secret, principal string) (EncryptedSecret, error) {
	return v.Encrypt(ctx, []byte(secret), principal)
}

// DecryptString is Decrypt returning text.
func (v *Vault) DecryptString(ctx context.Context, s EncryptedSecret, principal string) (string, error) {
	pt, err := v.Decrypt(ctx, s, principal)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// deriveKey runs PBKDF2-SHA256 over master ":" principal. Concurrent
// derivations of the same (principal, salt) are coalesced and the result is
// cached.
func (v *Vault) deriveKey(principal string, salt []byte) []byte {
	cacheKey := principal + "\x00" + string(salt)
	if v.cache != nil {
		if key, ok := v.cache.Get(cacheKey); ok {
			keyCacheTotal.WithLabelValues("hit").Inc()
			return key
		}
		keyCacheTotal.WithLabelValues("miss").Inc()
	}

	result, _, _ := v.sf.Do(cacheKey, func() (any, error) {
		if v.cache != nil {
			if key, ok := v.cache.Get(cacheKey); ok {
				return key, nil
			}
		}
		password := make([]byte, 0, len(v.master)+1+len(principal))
		password = append(password, v.master...)
		password = append(password, ':')
		password = append(password, principal...)

		key := pbkdf2.Key(password, salt, v.iterations, KeySize, sha256.New)
		if v.cache != nil {
			v.cache.Add(cacheKey, key)
		}
		return key, nil
	})
	return result.([]byte)
}
