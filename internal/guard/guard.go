// Package guard composes the security services into the request flow used
// by the bot: admission, human verification, sessions, and wallet key custody.
// Every outcome is recorded in the security event log.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hatemosphere/solbot-guard/internal/audit"
	"github.com/hatemosphere/solbot-guard/internal/captcha"
	"github.com/hatemosphere/solbot-guard/internal/ratelimit"
	"github.com/hatemosphere/solbot-guard/internal/scheduler"
	"github.com/hatemosphere/solbot-guard/internal/session"
	"github.com/hatemosphere/solbot-guard/internal/storage"
	"github.com/hatemosphere/solbot-guard/internal/validate"
	"github.com/hatemosphere/solbot-guard/internal/vault"
)

var (
	// ErrInvalidPrivateKey is returned by ImportWallet for a key that fails
	// shape validation.
	ErrInvalidPrivateKey = errors.New("invalid private key format")
	// ErrWalletsDisabled is returned by wallet operations when no vault or
	// secret store is configured.
	ErrWalletsDisabled = errors.New("wallet storage is not configured")
	// ErrLockedOut is returned by the verification steps while the
	// principal is locked out. The challenge is left untouched.
	ErrLockedOut = errors.New("principal is locked out")
)

// Services are the collaborators a Guard drives. Limiter, Captcha and
// Sessions are required.
type Services struct {
	Limiter  *ratelimit.Limiter
	Captcha  *captcha.Engine
	Sessions *session.Manager
	Vault    *vault.Vault
	Secrets  storage.SecretStore
	// CaptchaStore is the durable challenge store the captcha engine writes
	// through to. It is only used here for readiness and purging.
	CaptchaStore storage.CaptchaStore
	Log          *audit.SecurityLog
}

// Guard is safe for concurrent use.
type Guard struct {
	Services
	now     func() time.Time
	sweeper *scheduler.Scheduler
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source used for durable purges (tests).
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New validates services and returns a Guard.
func New(s Services, opts ...Option) (*Guard, error) {
	switch {
	case s.Limiter == nil:
		return nil, errors.New("guard: rate limiter is required")
	case s.Captcha == nil:
		return nil, errors.New("guard: captcha engine is required")
	case s.Sessions == nil:
		return nil, errors.New("guard: session manager is required")
	}
	if s.Log == nil {
		s.Log = audit.NewSecurityLog(nil)
	}
	g := &Guard{Services: s, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Admit is the rate-limit gate in front of every inbound command. A denied
// request is logged; a denial that starts a lockout is also flagged as
// suspicious.
func (g *Guard) Admit(ctx context.Context, principal, endpoint, ip string) ratelimit.Decision {
	d := g.Limiter.Check(principal, endpoint)
	if d.Allowed {
		return d
	}
	g.Log.RateLimitHit(principal, endpoint, string(d.Reason), ip)
	if d.Reason != ratelimit.Locked && !d.LockedUntil.IsZero() {
		g.Log.SuspiciousActivity(principal, "rate_limit_lockout", map[string]string{
			"endpoint":     endpoint,
			"locked_until": d.LockedUntil.UTC().Format(time.RFC3339),
		})
	}
	return d
}

// lockedOut reports an active lockout and logs the refused step.
func (g *Guard) lockedOut(principal, step, ip string) (time.Time, bool) {
	until, locked := g.Limiter.LockedUntil(principal)
	if locked {
		g.Log.RateLimitHit(principal, step, string(ratelimit.Locked), ip)
	}
	return until, locked
}

// BeginVerification issues a fresh challenge, replacing any pending one.
// It returns ErrLockedOut while the principal is locked out.
func (g *Guard) BeginVerification(ctx context.Context, principal string) (captcha.Prompt, error) {
	if _, locked := g.lockedOut(principal, "captcha", ""); locked {
		return captcha.Prompt{}, ErrLockedOut
	}
	p, err := g.Captcha.GenerateAndStore(ctx, principal)
	if err != nil {
		return captcha.Prompt{}, fmt.Errorf("generate captcha: %w", err)
	}
	return p, nil
}

// Verification is the outcome of CompleteVerification.
type Verification struct {
	Passed      bool
	Token       string    // new session token when Passed
	LockedUntil time.Time // set when a failure locked the principal out
}

// CompleteVerification checks a challenge answer. A wrong answer counts as a
// failure in the limiter's ledger; a correct one opens a session. While the
// principal is locked out no answer is checked and ErrLockedOut is returned
// with LockedUntil set.
func (g *Guard) CompleteVerification(ctx context.Context, principal, answer string, md session.Metadata) (Verification, error) {
	if until, locked := g.lockedOut(principal, "captcha_verify", md.IPAddress); locked {
		return Verification{LockedUntil: until}, ErrLockedOut
	}
	if !g.Captcha.Verify(ctx, principal, answer) {
		g.Log.AuthAttempt(principal, false, md.IPAddress)
		until, locked := g.Limiter.RecordFailure(principal)
		if locked {
			g.Log.SuspiciousActivity(principal, "repeated_verification_failures", map[string]string{
				"locked_until": until.UTC().Format(time.RFC3339),
			})
			return Verification{LockedUntil: until}, nil
		}
		return Verification{}, nil
	}

	g.Log.AuthAttempt(principal, true, md.IPAddress)
	token, err := g.Sessions.Create(principal, md)
	if err != nil {
		return Verification{}, fmt.Errorf("open session: %w", err)
	}
	return Verification{Passed: true, Token: token}, nil
}

// OpenSession creates a session for an already verified principal.
func (g *Guard) OpenSession(principal string, md session.Metadata) (string, error) {
	return g.Sessions.Create(principal, md)
}

// ValidateSession returns a copy of the live session for token.
func (g *Guard) ValidateSession(token string) (*session.Session, bool) {
	return g.Sessions.Validate(token)
}

// CloseSession revokes one session. It reports whether a session was removed.
func (g *Guard) CloseSession(token string) bool {
	return g.Sessions.Revoke(token)
}

// CloseAllSessions revokes every session of principal.
func (g *Guard) CloseAllSessions(principal string) int {
	return g.Sessions.RevokeAll(principal)
}

// ResetPrincipal clears rate-limit state and revokes all sessions, e.g.
// after an operator has reviewed a lockout.
func (g *Guard) ResetPrincipal(principal string) int {
	g.Limiter.Reset(principal)
	return g.Sessions.RevokeAll(principal)
}

// ImportWallet validates and encrypts a private key and stores it for
// principal, replacing any previous key.
func (g *Guard) ImportWallet(ctx context.Context, principal, privateKey string) error {
	if g.Vault == nil || g.Secrets == nil {
		return ErrWalletsDisabled
	}
	if !validate.PrivateKey(privateKey) {
		g.Log.SuspiciousActivity(principal, "invalid_private_key_import", nil)
		return ErrInvalidPrivateKey
	}

	sec, err := g.Vault.EncryptString(ctx, privateKey, principal)
	g.Log.CryptoOperation(principal, "encrypt", err == nil)
	if err != nil {
		return err
	}
	if err := g.Secrets.SaveSecret(ctx, principal, sec); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}
	return nil
}

// WalletKey loads and decrypts principal's private key. It returns
// storage.ErrNotFound when no key was imported.
func (g *Guard) WalletKey(ctx context.Context, principal string) (string, error) {
	if g.Vault == nil || g.Secrets == nil {
		return "", ErrWalletsDisabled
	}
	sec, err := g.Secrets.GetSecret(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("load wallet: %w", err)
	}

	key, err := g.Vault.DecryptString(ctx, sec, principal)
	g.Log.CryptoOperation(principal, "decrypt", err == nil)
	if errors.Is(err, vault.ErrDecryptionFailed) {
		g.Log.SuspiciousActivity(principal, "wallet_decrypt_failed", nil)
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// HasWallet reports whether principal has a stored key, without decrypting.
func (g *Guard) HasWallet(ctx context.Context, principal string) (bool, error) {
	if g.Secrets == nil {
		return false, ErrWalletsDisabled
	}
	_, err := g.Secrets.GetSecret(ctx, principal)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RecordTransaction logs a trade forwarded to the transaction engine.
func (g *Guard) RecordTransaction(principal, kind string, amount float64, success bool) {
	g.Log.TransactionAttempt(principal, kind, amount, success)
}

// SweepResult counts entries removed by Sweep.
type SweepResult struct {
	Limiter  int   `json:"limiter"`
	Captchas int   `json:"captchas"`
	Sessions int   `json:"sessions"`
	Durable  int64 `json:"durable_captchas"`
}

type captchaPurger interface {
	PurgeExpiredCaptchas(ctx context.Context, now time.Time) (int64, error)
}

// Sweep drops expired state from every in-memory store and purges expired
// durable challenges where the backend has no native TTL.
func (g *Guard) Sweep(ctx context.Context) (SweepResult, error) {
	res := SweepResult{
		Limiter:  g.Limiter.Sweep(),
		Captchas: g.Captcha.Sweep(),
		Sessions: g.Sessions.SweepExpired(),
	}
	if p, ok := g.CaptchaStore.(captchaPurger); ok {
		n, err := p.PurgeExpiredCaptchas(ctx, g.now())
		if err != nil {
			return res, fmt.Errorf("purge captchas: %w", err)
		}
		res.Durable = n
	}
	slog.Debug("sweep complete", "limiter", res.Limiter, "captchas", res.Captchas,
		"sessions", res.Sessions, "durable_captchas", res.Durable)
	return res, nil
}

// Start runs Sweep every interval until Close.
func (g *Guard) Start(interval time.Duration) {
	g.sweeper = scheduler.New("sweep", func(ctx context.Context) error {
		_, err := g.Sweep(ctx)
		return err
	}, interval)
}

// Ready pings the configured backends.
func (g *Guard) Ready(ctx context.Context) error {
	var errs []error
	if p, ok := g.Secrets.(storage.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("secret store: %w", err))
		}
	}
	if p, ok := g.CaptchaStore.(storage.Pinger); ok && any(g.CaptchaStore) != any(g.Secrets) {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("captcha store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the background sweep.
func (g *Guard) Close() {
	if g.sweeper != nil {
		g.sweeper.Shutdown()
	}
}
