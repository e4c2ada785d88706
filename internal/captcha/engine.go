// Package captcha issues human-verification challenges and checks answers
// against a per-principal expiry and attempt budget.
package captcha

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatemosphere/solbot-guard/internal/ttlstore"
)

var outcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solbot_guard_captcha_outcomes_total",
		Help: "CAPTCHA verification outcomes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(outcomesTotal)
}

// Store is a durable copy of live challenges used when the in-memory
// challenge is gone (e.g. after a restart). Answers are stored normalized.
type Store interface {
	Put(ctx context.Context, principal, answer string, expiresAt time.Time) error
	GetIfLive(ctx context.Context, principal string, now time.Time) (string, bool, error)
	Delete(ctx context.Context, principal string) error
}

// Config holds challenge policy. Zero fields take the defaults.
type Config struct {
	Expiry      time.Duration
	MaxAttempts int
	Difficulty  Difficulty
}

// Prompt is what callers get back from GenerateAndStore. It deliberately has
// no answer field.
type Prompt struct {
	Question  string
	ExpiresAt time.Time
}

type challenge struct {
	answer   string
	attempts int
}

// Engine is safe for concurrent use; each principal's challenge is updated
// atomically under its ttlstore shard lock.
type Engine struct {
	cfg        Config
	now        func() time.Time
	challenges *ttlstore.Store[challenge]
	durable    Store
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStore adds a durable fallback store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.durable = s }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Difficulty == "" {
		cfg.Difficulty = Medium
	}
	e := &Engine{
		cfg:        cfg,
		now:        time.Now,
		challenges: ttlstore.New[challenge](0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GenerateAndStore creates a challenge for principal, replacing any live
// one, and returns only the question. A failure to persist to the durable
// store is logged; the in-memory challenge is authoritative and still valid.
func (e *Engine) GenerateAndStore(ctx context.Context, principal string) (Prompt, error) {
	c, err := Generate(e.cfg.Difficulty)
	if err != nil {
		return Prompt{}, err
	}
	expiresAt, err := e.store(ctx, principal, c.Answer)
	if err != nil {
		slog.Warn("captcha not persisted, continuing in memory", "principal", principal, "error", err)
	}
	return Prompt{Question: c.Question, ExpiresAt: expiresAt}, nil
}

// Store sets the expected answer for principal with a fresh expiry and
// attempt counter. The returned error only reports durable-store failures;
// the in-memory challenge is stored regardless.
func (e *Engine) Store(ctx context.Context, principal, answer string) error {
	_, err := e.store(ctx, principal, answer)
	return err
}

func (e *Engine) store(ctx context.Context, principal, answer string) (time.Time, error) {
	answer = Normalize(answer)
	expiresAt := e.now().Add(e.cfg.Expiry)
	e.challenges.Set(principal, challenge{answer: answer}, expiresAt)

	if e.durable == nil {
		return expiresAt, nil
	}
	if err := e.durable.Put(ctx, principal, answer, expiresAt); err != nil {
		return expiresAt, fmt.Errorf("persist captcha: %w", err)
	}
	return expiresAt, nil
}

type outcome string

const (
	outcomeAbsent    outcome = "absent"
	outcomeExpired   outcome = "expired"
	outcomeExhausted outcome = "exhausted"
	outcomeMatch     outcome = "success"
	outcomeMismatch  outcome = "mismatch"
)

// Verify checks candidate against the principal's live challenge. A match
// consumes the challenge. Each call uses one attempt; the call that exceeds
// the budget deletes the challenge and fails. An expired challenge is
// deleted, along with its durable copy, and fails.
func (e *Engine) Verify(ctx context.Context, principal, candidate string) bool {
	now := e.now()
	candidate = Normalize(candidate)

	if e.challenges.Expire(principal, now) {
		e.forget(ctx, principal)
		outcomesTotal.WithLabelValues(string(outcomeExpired)).Inc()
		return false
	}

	res := outcomeAbsent
	e.challenges.Update(principal, now, func(en *ttlstore.Entry[challenge], ok bool) bool {
		if !ok {
			return false
		}
		en.Value.attempts++
		if en.Value.attempts > e.cfg.MaxAttempts {
			res = outcomeExhausted
			return false
		}
		if subtle.ConstantTimeCompare([]byte(en.Value.answer), []byte(candidate)) == 1 {
			res = outcomeMatch
			return false
		}
		res = outcomeMismatch
		return true
	})

	if res == outcomeAbsent && e.durable != nil {
		res = e.verifyDurable(ctx, principal, candidate, now)
	} else if res == outcomeExhausted || res == outcomeMatch {
		e.forget(ctx, principal)
	}

	outcomesTotal.WithLabelValues(string(res)).Inc()
	return res == outcomeMatch
}

// verifyDurable is the fallback path when no in-memory challenge exists.
// The durable record carries no attempt counter; a match deletes it.
func (e *Engine) verifyDurable(ctx context.Context, principal, candidate string, now time.Time) outcome {
	answer, ok, err := e.durable.GetIfLive(ctx, principal, now)
	if err != nil {
		slog.Warn("captcha fallback lookup failed", "principal", principal, "error", err)
		return outcomeAbsent
	}
	if !ok {
		return outcomeAbsent
	}
	if subtle.ConstantTimeCompare([]byte(answer), []byte(candidate)) != 1 {
		return outcomeMismatch
	}
	e.forget(ctx, principal)
	return outcomeMatch
}

func (e *Engine) forget(ctx context.Context, principal string) {
	if e.durable == nil {
		return
	}
	if err := e.durable.Delete(ctx, principal); err != nil {
		slog.Warn("captcha fallback delete failed", "principal", principal, "error", err)
	}
}

// Pending reports whether principal has a live in-memory challenge.
func (e *Engine) Pending(principal string) bool {
	_, ok := e.challenges.Get(principal, e.now())
	return ok
}

// Sweep drops expired in-memory challenges.
func (e *Engine) Sweep() int {
	return e.challenges.Sweep(e.now(), nil)
}
