// Package storage persists the state that must survive a restart: the
// wrapped vault master secret, encrypted wallet keys and a durable copy of
// live CAPTCHA challenges.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/hatemosphere/solbot-guard/internal/vault"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ConfigStore holds small process-level settings such as the wrapped master
// secret and the vault canary.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// SecretStore holds one encrypted wallet key per principal. Saving replaces
// any existing record.
type SecretStore interface {
	SaveSecret(ctx context.Context, principal string, s vault.EncryptedSecret) error
	GetSecret(ctx context.Context, principal string) (vault.EncryptedSecret, error)
	DeleteSecret(ctx context.Context, principal string) error
}

// CaptchaStore is the durable challenge store. A challenge is live while
// now is not after its expiry.
type CaptchaStore interface {
	Put(ctx context.Context, principal, answer string, expiresAt time.Time) error
	GetIfLive(ctx context.Context, principal string, now time.Time) (string, bool, error)
	Delete(ctx context.Context, principal string) error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
