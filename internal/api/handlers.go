package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/solbot-guard/internal/guard"
	"github.com/hatemosphere/solbot-guard/internal/session"
)

func (s *Server) registerAdmission(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "admit",
		Method:      http.MethodPost,
		Path:        "/api/v1/admit",
		Tags:        []string{"Admission"},
		Summary:     "Check and count a request against the principal's rate limits",
	}, func(ctx context.Context, input *AdmitInput) (*AdmitOutput, error) {
		d := s.guard.Admit(ctx, input.Body.Principal, input.Body.Endpoint, input.Body.IPAddress)
		out := &AdmitOutput{}
		out.Body.Allowed = d.Allowed
		out.Body.Reason = string(d.Reason)
		if !d.LockedUntil.IsZero() {
			out.Body.LockedUntil = &d.LockedUntil
		}
		return out, nil
	})
}

func (s *Server) registerCaptcha(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startCaptcha",
		Method:      http.MethodPost,
		Path:        "/api/v1/captcha/{principal}",
		Tags:        []string{"Captcha"},
		Summary:     "Issue a new challenge, replacing any pending one",
	}, func(ctx context.Context, input *PrincipalParams) (*StartCaptchaOutput, error) {
		p, err := s.guard.BeginVerification(ctx, input.Principal)
		if errors.Is(err, guard.ErrLockedOut) {
			return nil, huma.NewError(http.StatusTooManyRequests, err.Error())
		}
		if err != nil {
			slog.Error("captcha generation failed", "principal", input.Principal, "error", err)
			return nil, huma.NewError(http.StatusInternalServerError, "failed to generate challenge")
		}
		out := &StartCaptchaOutput{}
		out.Body.Question = p.Question
		out.Body.ExpiresAt = p.ExpiresAt
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verifyCaptcha",
		Method:      http.MethodPost,
		Path:        "/api/v1/captcha/{principal}/verify",
		Tags:        []string{"Captcha"},
		Summary:     "Verify an answer and open a session on success",
	}, func(ctx context.Context, input *VerifyCaptchaInput) (*VerifyCaptchaOutput, error) {
		res, err := s.guard.CompleteVerification(ctx, input.Principal, input.Body.Answer, session.Metadata{
			IPAddress: input.Body.IPAddress,
			UserAgent: input.Body.UserAgent,
		})
		if errors.Is(err, guard.ErrLockedOut) {
			return nil, huma.NewError(http.StatusTooManyRequests,
				fmt.Sprintf("%s until %s", err, res.LockedUntil.UTC().Format(time.RFC3339)))
		}
		if err != nil {
			slog.Error("verification failed", "principal", input.Principal, "error", err)
			return nil, huma.NewError(http.StatusInternalServerError, "failed to complete verification")
		}
		out := &VerifyCaptchaOutput{}
		out.Body.Passed = res.Passed
		out.Body.Token = res.Token
		if !res.LockedUntil.IsZero() {
			out.Body.LockedUntil = &res.LockedUntil
		}
		return out, nil
	})
}

func (s *Server) registerSessions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createSession",
		Method:        http.MethodPost,
		Path:          "/api/v1/sessions",
		Tags:          []string{"Sessions"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *CreateSessionInput) (*CreateSessionOutput, error) {
		token, err := s.guard.OpenSession(input.Body.Principal, session.Metadata{
			IPAddress: input.Body.IPAddress,
			UserAgent: input.Body.UserAgent,
		})
		if err != nil {
			return nil, huma.NewError(http.StatusBadRequest, err.Error())
		}
		out := &CreateSessionOutput{}
		out.Body.Token = token
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getSession",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/{token}",
		Tags:        []string{"Sessions"},
		Summary:     "Validate a token and record activity",
	}, func(ctx context.Context, input *TokenParams) (*GetSessionOutput, error) {
		sess, ok := s.guard.ValidateSession(input.Token)
		if !ok {
			return nil, huma.NewError(http.StatusNotFound, "session not found or expired")
		}
		return &GetSessionOutput{Body: *sess}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revokeSession",
		Method:      http.MethodDelete,
		Path:        "/api/v1/sessions/{token}",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *TokenParams) (*RevokeSessionOutput, error) {
		out := &RevokeSessionOutput{}
		out.Body.Revoked = s.guard.CloseSession(input.Token)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listPrincipalSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/principals/{principal}/sessions",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *PrincipalParams) (*ListSessionsOutput, error) {
		out := &ListSessionsOutput{}
		out.Body.Sessions = s.guard.Sessions.List(input.Principal)
		if out.Body.Sessions == nil {
			out.Body.Sessions = []session.Session{}
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revokePrincipalSessions",
		Method:      http.MethodDelete,
		Path:        "/api/v1/principals/{principal}/sessions",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *PrincipalParams) (*RevokeCountOutput, error) {
		out := &RevokeCountOutput{}
		out.Body.Revoked = s.guard.CloseAllSessions(input.Principal)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resetPrincipal",
		Method:      http.MethodPost,
		Path:        "/api/v1/principals/{principal}/reset",
		Tags:        []string{"Sessions"},
		Summary:     "Clear rate limits and lockout and revoke all sessions",
	}, func(ctx context.Context, input *PrincipalParams) (*RevokeCountOutput, error) {
		out := &RevokeCountOutput{}
		out.Body.Revoked = s.guard.ResetPrincipal(input.Principal)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "recordTransaction",
		Method:        http.MethodPost,
		Path:          "/api/v1/principals/{principal}/transactions",
		Tags:          []string{"Transactions"},
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *RecordTransactionInput) (*struct{}, error) {
		s.guard.RecordTransaction(input.Principal, input.Body.Kind, input.Body.Amount, input.Body.Success)
		return nil, nil
	})
}

func (s *Server) registerWallets(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "importWallet",
		Method:        http.MethodPut,
		Path:          "/api/v1/wallets/{principal}",
		Tags:          []string{"Wallets"},
		Summary:       "Encrypt and store a private key",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *ImportWalletInput) (*struct{}, error) {
		err := s.guard.ImportWallet(ctx, input.Principal, input.Body.PrivateKey)
		switch {
		case err == nil:
			return nil, nil
		case errors.Is(err, guard.ErrInvalidPrivateKey):
			return nil, huma.NewError(http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, guard.ErrWalletsDisabled):
			return nil, huma.NewError(http.StatusNotImplemented, err.Error())
		default:
			slog.Error("wallet import failed", "principal", input.Principal, "error", err)
			return nil, huma.NewError(http.StatusInternalServerError, "failed to store wallet")
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "getWalletStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/wallets/{principal}",
		Tags:        []string{"Wallets"},
	}, func(ctx context.Context, input *PrincipalParams) (*WalletStatusOutput, error) {
		ok, err := s.guard.HasWallet(ctx, input.Principal)
		if errors.Is(err, guard.ErrWalletsDisabled) {
			return nil, huma.NewError(http.StatusNotImplemented, err.Error())
		}
		if err != nil {
			slog.Error("wallet lookup failed", "principal", input.Principal, "error", err)
			return nil, huma.NewError(http.StatusInternalServerError, "failed to look up wallet")
		}
		out := &WalletStatusOutput{}
		out.Body.Exists = ok
		return out, nil
	})
}

func (s *Server) registerAdmin(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/api/v1/admin/sweep",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *struct{}) (*SweepOutput, error) {
		res, err := s.guard.Sweep(ctx)
		if err != nil {
			return nil, huma.NewError(http.StatusInternalServerError, err.Error())
		}
		return &SweepOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "createBackup",
		Method:      http.MethodPost,
		Path:        "/api/v1/admin/backup",
		Tags:        []string{"Admin"},
	}, func(ctx context.Context, input *struct{}) (*CreateBackupOutput, error) {
		if s.backups == nil {
			return nil, huma.NewError(http.StatusNotImplemented, "backups are not configured")
		}
		res, err := s.backups.Run(ctx)
		if err != nil && res.LocalPath == "" {
			return nil, huma.NewError(http.StatusInternalServerError, err.Error())
		}
		if err != nil {
			slog.Warn("backup completed with errors", "path", res.LocalPath, "error", err)
		}
		return &CreateBackupOutput{Body: res}, nil
	})
}
