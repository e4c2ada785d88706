package audit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Security event types.
const (
	EventAuth        = "auth"
	EventRateLimit   = "rate_limit"
	EventSuspicious  = "suspicious_activity"
	EventCrypto      = "crypto_operation"
	EventTransaction = "transaction_attempt"
)

var securityEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solbot_guard_security_events_total",
		Help: "Security events emitted, by event type and outcome.",
	},
	[]string{"event", "status"},
)

func init() {
	prometheus.MustRegister(securityEventsTotal)
}

// SecurityLog is the append-only sink for security events. Every event gets
// a unique ID and a UTC timestamp. It is safe for concurrent use.
type SecurityLog struct {
	now func() time.Time
}

// NewSecurityLog creates a SecurityLog. A nil clock uses time.Now.
func NewSecurityLog(now func() time.Time) *SecurityLog {
	if now == nil {
		now = time.Now
	}
	return &SecurityLog{now: now}
}

func (l *SecurityLog) event(typ, principal, status string) Event {
	securityEventsTotal.WithLabelValues(typ, status).Inc()
	return Event{
		EventID:   uuid.NewString(),
		Type:      typ,
		Principal: principal,
		Status:    status,
		Time:      l.now().UTC().Format(time.RFC3339),
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// AuthAttempt records a human-verification or login outcome.
func (l *SecurityLog) AuthAttempt(principal string, success bool, ip string) {
	e := l.event(EventAuth, principal, outcome(success))
	e.IP = ip
	if success {
		e.Info("Security: authentication succeeded")
		return
	}
	e.Warn("Security: authentication failed")
}

// RateLimitHit records a request denied by the rate limiter. reason is the
// limiter's decision ("locked", "minute" or "hour").
func (l *SecurityLog) RateLimitHit(principal, endpoint, reason, ip string) {
	e := l.event(EventRateLimit, principal, "denied")
	e.Resource = endpoint
	e.Reason = reason
	e.IP = ip
	e.Warn("Security: rate limit exceeded")
}

// SuspiciousActivity flags behavior that warrants operator attention.
func (l *SecurityLog) SuspiciousActivity(principal, activity string, details map[string]string) {
	e := l.event(EventSuspicious, principal, "flagged")
	e.Action = activity
	for k, v := range details {
		e.Extra = append(e.Extra, slog.String(k, v))
	}
	e.Error("Security: suspicious activity")
}

// CryptoOperation records the outcome of an encrypt or decrypt.
func (l *SecurityLog) CryptoOperation(principal, op string, success bool) {
	e := l.event(EventCrypto, principal, outcome(success))
	e.Action = op
	if success {
		e.Info("Security: crypto operation")
		return
	}
	e.Warn("Security: crypto operation failed")
}

// TransactionAttempt records a trade forwarded to the transaction engine.
func (l *SecurityLog) TransactionAttempt(principal, kind string, amount float64, success bool) {
	e := l.event(EventTransaction, principal, outcome(success))
	e.Action = kind
	e.Extra = []any{slog.String("amount", fmt.Sprintf("%.9g", amount))}
	e.Info("Security: transaction attempt")
}
