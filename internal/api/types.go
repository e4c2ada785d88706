package api

import (
	"time"

	"github.com/hatemosphere/solbot-guard/internal/backup"
	"github.com/hatemosphere/solbot-guard/internal/guard"
	"github.com/hatemosphere/solbot-guard/internal/session"
)

// --- Path param mixins ---

// PrincipalParams contains the principal path parameter.
type PrincipalParams struct {
	Principal string `path:"principal" minLength:"1" maxLength:"128" doc:"End-user identifier"`
}

// TokenParams contains the session token path parameter.
type TokenParams struct {
	Token string `path:"token" minLength:"1" maxLength:"256" doc:"Session token"`
}

// --- Health ---

// HealthCheckOutput is the response for GET /.
type HealthCheckOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// --- Admission ---

// AdmitInput is the request for POST /api/v1/admit.
type AdmitInput struct {
	Body struct {
		Principal string `json:"principal" minLength:"1" maxLength:"128" required:"true"`
		Endpoint  string `json:"endpoint,omitempty" maxLength:"64" doc:"Rate-limit bucket, default \"default\""`
		IPAddress string `json:"ip_address,omitempty" maxLength:"64"`
	}
}

// AdmitOutput is the response for POST /api/v1/admit.
type AdmitOutput struct {
	Body struct {
		Allowed     bool       `json:"allowed"`
		Reason      string     `json:"reason"`
		LockedUntil *time.Time `json:"locked_until,omitempty"`
	}
}

// --- CAPTCHA ---

// StartCaptchaOutput carries the challenge question. The answer is never
// returned.
type StartCaptchaOutput struct {
	Body struct {
		Question  string    `json:"question"`
		ExpiresAt time.Time `json:"expires_at"`
	}
}

// VerifyCaptchaInput is the request for POST /api/v1/captcha/{principal}/verify.
type VerifyCaptchaInput struct {
	PrincipalParams
	Body struct {
		Answer    string `json:"answer" maxLength:"64" required:"true"`
		IPAddress string `json:"ip_address,omitempty" maxLength:"64"`
		UserAgent string `json:"user_agent,omitempty" maxLength:"256"`
	}
}

// VerifyCaptchaOutput reports the verification outcome.
type VerifyCaptchaOutput struct {
	Body struct {
		Passed      bool       `json:"passed"`
		Token       string     `json:"token,omitempty"`
		LockedUntil *time.Time `json:"locked_until,omitempty"`
	}
}

// --- Sessions ---

// CreateSessionInput is the request for POST /api/v1/sessions.
type CreateSessionInput struct {
	Body struct {
		Principal string `json:"principal" minLength:"1" maxLength:"128" required:"true"`
		IPAddress string `json:"ip_address,omitempty" maxLength:"64"`
		UserAgent string `json:"user_agent,omitempty" maxLength:"256"`
	}
}

// CreateSessionOutput carries the new session token.
type CreateSessionOutput struct {
	Body struct {
		Token string `json:"token"`
	}
}

// GetSessionOutput is the live session for a token.
type GetSessionOutput struct {
	Body session.Session
}

// RevokeSessionOutput reports whether a session was removed.
type RevokeSessionOutput struct {
	Body struct {
		Revoked bool `json:"revoked"`
	}
}

// ListSessionsOutput lists a principal's sessions with masked tokens.
type ListSessionsOutput struct {
	Body struct {
		Sessions []session.Session `json:"sessions"`
	}
}

// RevokeCountOutput reports how many sessions were revoked.
type RevokeCountOutput struct {
	Body struct {
		Revoked int `json:"revoked"`
	}
}

// --- Wallets and transactions ---

// ImportWalletInput is the request for PUT /api/v1/wallets/{principal}.
type ImportWalletInput struct {
	PrincipalParams
	Body struct {
		PrivateKey string `json:"private_key" maxLength:"128" required:"true"`
	}
}

// WalletStatusOutput reports whether a wallet is stored. The key itself is
// never returned over the API.
type WalletStatusOutput struct {
	Body struct {
		Exists bool `json:"exists"`
	}
}

// RecordTransactionInput is the request for
// POST /api/v1/principals/{principal}/transactions.
type RecordTransactionInput struct {
	PrincipalParams
	Body struct {
		Kind    string  `json:"kind" minLength:"1" maxLength:"32" required:"true" doc:"buy, sell, transfer..."`
		Amount  float64 `json:"amount" minimum:"0"`
		Success bool    `json:"success"`
	}
}

// --- Admin ---

// SweepOutput reports entries dropped by a sweep.
type SweepOutput struct {
	Body guard.SweepResult
}

// CreateBackupOutput describes the snapshot taken.
type CreateBackupOutput struct {
	Body backup.Result
}
