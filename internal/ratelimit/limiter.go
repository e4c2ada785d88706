// Package ratelimit implements per-principal sliding-window request limits
// with an escalating lockout driven by a trailing failure ledger.
package ratelimit

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatemosphere/solbot-guard/internal/ttlstore"
)

const (
	MinuteWindow    = time.Minute
	HourWindow      = time.Hour
	DefaultEndpoint = "default"
)

// Reason explains a Decision.
type Reason string

const (
	Allowed     Reason = "allowed"
	Locked      Reason = "locked"
	MinuteLimit Reason = "minute"
	HourLimit   Reason = "hour"
)

var (
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbot_guard_ratelimit_decisions_total",
			Help: "Rate limiter decisions by reason.",
		},
		[]string{"reason"},
	)
	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solbot_guard_lockouts_total",
		Help: "Lockouts imposed after repeated failures.",
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, lockoutsTotal)
}

// Config holds limiter thresholds. Zero fields take the defaults.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	MaxFailures       int           // failures within FailureWindow that trigger a lockout
	FailureWindow     time.Duration // trailing horizon of the failure ledger
	LockoutDuration   time.Duration
	// MaxEndpoints caps the distinct endpoint windows kept per principal.
	// Requests to further endpoints share the default endpoint's window.
	MaxEndpoints      int
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed     bool
	Reason      Reason
	LockedUntil time.Time // set when the principal is (or just became) locked out
}

type window struct {
	minute []time.Time
	hour   []time.Time
}

// record is all limiter state for one principal. It is only touched under
// the ttlstore shard lock for that principal.
type record struct {
	endpoints map[string]*window
	failures  []time.Time
	unlockAt  time.Time
}

// Limiter is safe for concurrent use. State for different principals is
// sharded, so principals never contend with each other.
type Limiter struct {
	cfg   Config
	now   func() time.Time
	state *ttlstore.Store[*record]
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.RequestsPerHour <= 0 {
		cfg.RequestsPerHour = 200
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 5 * time.Minute
	}
	if cfg.MaxEndpoints <= 0 {
		cfg.MaxEndpoints = 32
	}
	l := &Limiter{
		cfg:   cfg,
		now:   time.Now,
		state: ttlstore.New[*record](0),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the principal may make a request to endpoint now.
// An allowed request is counted against both windows.
func (l *Limiter) Allow(principal, endpoint string) bool {
	return l.Check(principal, endpoint).Allowed
}

// Check is Allow with the reason for the decision.
func (l *Limiter) Check(principal, endpoint string) Decision {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	now := l.now()
	var d Decision

	l.state.Update(principal, now, func(e *ttlstore.Entry[*record], ok bool) bool {
		if !ok || e.Value == nil {
			e.Value = &record{endpoints: make(map[string]*window)}
		}
		r := e.Value

		if now.Before(r.unlockAt) {
			d = Decision{Reason: Locked, LockedUntil: r.unlockAt}
			return true
		}
		r.unlockAt = time.Time{}

		w := r.endpoints[endpoint]
		if w == nil && endpoint != DefaultEndpoint && len(r.endpoints) >= l.cfg.MaxEndpoints {
			endpoint = DefaultEndpoint
			w = r.endpoints[endpoint]
		}
		if w == nil {
			w = &window{}
			r.endpoints[endpoint] = w
		}
		w.minute = prune(w.minute, now, MinuteWindow)
		w.hour = prune(w.hour, now, HourWindow)

		switch {
		case len(w.minute) >= l.cfg.RequestsPerMinute:
			d.Reason = MinuteLimit
			l.recordFailureLocked(principal, r, now)
		case len(w.hour) >= l.cfg.RequestsPerHour:
			d.Reason = HourLimit
			l.recordFailureLocked(principal, r, now)
		default:
			w.minute = append(w.minute, now)
			w.hour = append(w.hour, now)
			d = Decision{Allowed: true, Reason: Allowed}
		}
		if !r.unlockAt.IsZero() {
			d.LockedUntil = r.unlockAt
		}

		e.ExpiresAt = l.expiry(r)
		return !e.ExpiresAt.IsZero()
	})

	decisionsTotal.WithLabelValues(string(d.Reason)).Inc()
	return d
}

// RecordFailure adds a failure to the principal's ledger, for policy
// violations detected outside the limiter (wrong CAPTCHA answers, failed
// logins). It returns the unlock time if the principal is locked out after
// the call. Failures are not recorded while a lockout is active.
func (l *Limiter) RecordFailure(principal string) (time.Time, bool) {
	now := l.now()
	var until time.Time

	l.state.Update(principal, now, func(e *ttlstore.Entry[*record], ok bool) bool {
		if !ok || e.Value == nil {
			e.Value = &record{endpoints: make(map[string]*window)}
		}
		r := e.Value
		if !now.Before(r.unlockAt) {
			r.unlockAt = time.Time{}
			l.recordFailureLocked(principal, r, now)
		}
		until = r.unlockAt
		e.ExpiresAt = l.expiry(r)
		return !e.ExpiresAt.IsZero()
	})

	return until, !until.IsZero()
}

// LockedUntil returns the unlock time if the principal is locked out now.
func (l *Limiter) LockedUntil(principal string) (time.Time, bool) {
	now := l.now()
	var until time.Time
	l.state.Update(principal, now, func(e *ttlstore.Entry[*record], ok bool) bool {
		if !ok || e.Value == nil {
			return false
		}
		if now.Before(e.Value.unlockAt) {
			until = e.Value.unlockAt
		}
		return true
	})
	return until, !until.IsZero()
}

// Reset clears windows, failures and lockout for the principal in one step.
func (l *Limiter) Reset(principal string) {
	l.state.Delete(principal, l.now())
	slog.Info("rate limits reset", "principal", principal)
}

// Sweep drops principals whose state has fully aged out. Returns the number
// removed.
func (l *Limiter) Sweep() int {
	return l.state.Sweep(l.now(), nil)
}

// Tracked returns the number of principals with limiter state.
func (l *Limiter) Tracked() int {
	return l.state.Len()
}

// recordFailureLocked appends a failure and imposes a lockout once the
// ledger reaches MaxFailures. The ledger is cleared when a lockout starts.
func (l *Limiter) recordFailureLocked(principal string, r *record, now time.Time) {
	r.failures = append(prune(r.failures, now, l.cfg.FailureWindow), now)
	if len(r.failures) < l.cfg.MaxFailures {
		return
	}
	r.unlockAt = now.Add(l.cfg.LockoutDuration)
	r.failures = nil
	lockoutsTotal.Inc()
	slog.Warn("principal locked out after repeated failures", "principal", principal, "until", r.unlockAt)
}

// expiry is the instant after which nothing in r can affect a decision.
// Empty endpoint windows are dropped along the way.
func (l *Limiter) expiry(r *record) time.Time {
	var latest time.Time
	later := func(t time.Time) {
		if t.After(latest) {
			latest = t
		}
	}

	later(r.unlockAt)
	if n := len(r.failures); n > 0 {
		later(r.failures[n-1].Add(l.cfg.FailureWindow))
	}
	for name, w := range r.endpoints {
		if len(w.hour) == 0 {
			delete(r.endpoints, name)
			continue
		}
		later(w.hour[len(w.hour)-1].Add(HourWindow))
	}
	return latest
}

// prune drops timestamps that are not strictly within d of now, reusing the
// backing array.
func prune(ts []time.Time, now time.Time, d time.Duration) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if now.Sub(t) < d {
			kept = append(kept, t)
		}
	}
	return kept
}
