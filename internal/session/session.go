// Package session issues, validates and revokes opaque session tokens with
// a fixed lifetime and a per-principal concurrency cap.
package session

import (
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatemosphere/solbot-guard/internal/ttlstore"
	"github.com/hatemosphere/solbot-guard/internal/vault"
)

const tokenBytes = 32

var sessionEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solbot_guard_session_events_total",
		Help: "Session lifecycle events.",
	},
	[]string{"event"},
)

func init() {
	prometheus.MustRegister(sessionEventsTotal)
}

// ErrPrincipalRequired is returned by Create for an empty principal.
var ErrPrincipalRequired = errors.New("principal is required")

// Metadata is optional client information recorded at creation.
type Metadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Session is a live authenticated interaction. ExpiresAt is always
// CreatedAt plus the configured timeout; validation only moves LastActivity.
type Session struct {
	Token        string    `json:"token"`
	Principal    string    `json:"principal"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	Metadata     Metadata  `json:"metadata"`
}

// Config holds session policy. Zero fields take the defaults.
type Config struct {
	Timeout     time.Duration
	MaxSessions int
}

// Manager is safe for concurrent use. Sessions are sharded by token; the
// per-principal index is sharded by principal. Create and eviction for one
// principal run under that principal's index lock, taken before any token
// shard lock.
type Manager struct {
	cfg      Config
	now      func() time.Time
	newToken func() (string, error)
	sessions *ttlstore.Store[Session]
	index    *ttlstore.Store[[]string]
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 3
	}
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		newToken: func() (string, error) { return vault.GenerateToken(tokenBytes) },
		sessions: ttlstore.New[Session](0),
		index:    ttlstore.New[[]string](0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a session for principal. When the principal already holds
// MaxSessions live sessions, the oldest by CreatedAt is revoked first.
func (m *Manager) Create(principal string, md Metadata) (string, error) {
	if principal == "" {
		return "", ErrPrincipalRequired
	}
	token, err := m.newToken()
	if err != nil {
		return "", err
	}

	now := m.now()
	sess := Session{
		Token:        token,
		Principal:    principal,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.cfg.Timeout),
		LastActivity: now,
		Metadata:     md,
	}

	var evicted []string
	m.index.Update(principal, now, func(e *ttlstore.Entry[[]string], _ bool) bool {
		live := m.liveSessions(e.Value, now)
		for len(live) >= m.cfg.MaxSessions {
			oldest := live[0]
			m.sessions.Delete(oldest.Token, now)
			evicted = append(evicted, oldest.Token)
			live = live[1:]
		}

		m.sessions.Set(token, sess, sess.ExpiresAt)

		tokens := make([]string, 0, len(live)+1)
		for _, s := range live {
			tokens = append(tokens, s.Token)
		}
		e.Value = append(tokens, token)
		e.ExpiresAt = sess.ExpiresAt
		return true
	})

	sessionEventsTotal.WithLabelValues("created").Inc()
	for _, t := range evicted {
		sessionEventsTotal.WithLabelValues("evicted").Inc()
		slog.Info("session evicted", "principal", principal, "token", MaskToken(t))
	}
	slog.Debug("session created", "principal", principal, "token", MaskToken(token))
	return token, nil
}

// liveSessions resolves tokens to live sessions ordered by CreatedAt. It does
// not modify tokens.
func (m *Manager) liveSessions(tokens []string, now time.Time) []Session {
	live := make([]Session, 0, len(tokens))
	for _, t := range tokens {
		if s, ok := m.sessions.Get(t, now); ok {
			live = append(live, s)
		}
	}
	slices.SortStableFunc(live, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return live
}

// Validate returns a copy of the session for token and records activity. An
// unknown or expired token returns false; an expired session is removed.
func (m *Manager) Validate(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	now := m.now()
	e, ok := m.sessions.Update(token, now, func(e *ttlstore.Entry[Session], ok bool) bool {
		if !ok {
			return false
		}
		e.Value.LastActivity = now
		return true
	})
	if !ok {
		return nil, false
	}
	s := e.Value
	return &s, true
}

// Revoke removes token. Revoking an unknown token is a no-op; the result
// reports whether a live session was removed.
func (m *Manager) Revoke(token string) bool {
	now := m.now()
	s, ok := m.sessions.Delete(token, now)
	if !ok {
		return false
	}
	m.index.Update(s.Principal, now, func(e *ttlstore.Entry[[]string], ok bool) bool {
		if !ok {
			return false
		}
		// Readers may hold the old slice, so build a new one.
		kept := make([]string, 0, len(e.Value))
		for _, t := range e.Value {
			if t != token {
				kept = append(kept, t)
			}
		}
		e.Value = kept
		return len(kept) > 0
	})
	sessionEventsTotal.WithLabelValues("revoked").Inc()
	return true
}

// RevokeAll removes every session of principal and returns how many live
// sessions were revoked.
func (m *Manager) RevokeAll(principal string) int {
	now := m.now()
	n := 0
	m.index.Update(principal, now, func(e *ttlstore.Entry[[]string], ok bool) bool {
		for _, t := range e.Value {
			if _, live := m.sessions.Delete(t, now); live {
				n++
			}
		}
		return false
	})
	if n > 0 {
		sessionEventsTotal.WithLabelValues("revoked").Add(float64(n))
		slog.Info("sessions revoked", "principal", principal, "count", n)
	}
	return n
}

// SweepExpired removes every expired session and returns how many were
// removed. It runs concurrently with the other operations.
func (m *Manager) SweepExpired() int {
	now := m.now()
	n := m.sessions.Sweep(now, nil)
	m.index.Sweep(now, nil)
	if n > 0 {
		sessionEventsTotal.WithLabelValues("expired").Add(float64(n))
		slog.Debug("expired sessions swept", "count", n)
	}
	return n
}

// Count returns the number of live sessions principal holds.
func (m *Manager) Count(principal string) int {
	return len(m.List(principal))
}

// List returns copies of principal's live sessions, oldest first, with
// tokens masked.
func (m *Manager) List(principal string) []Session {
	now := m.now()
	tokens, ok := m.index.Get(principal, now)
	if !ok {
		return nil
	}
	live := m.liveSessions(tokens, now)
	for i := range live {
		live[i].Token = MaskToken(live[i].Token)
	}
	return live
}

// Len returns the number of stored sessions, including expired ones not yet
// swept.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// MaskToken shortens a token for logs and listings.
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "..."
}
