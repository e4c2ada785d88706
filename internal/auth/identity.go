// Package auth authenticates API callers (the chat front-ends that drive the
// guard) and resolves what they may do.
package auth

import "context"

// Caller is an authenticated API client.
type Caller struct {
	Name       string     // JWT subject, or "api-token" for the static token
	Roles      []string   // roles claim (empty for the static token)
	Method     string     // "token" or "jwt"
	TokenHash  string     // SHA-256 of the credential, for audit correlation
	Permission Permission // resolved at authentication time
}

type contextKey struct{}

// WithCaller stores a Caller in the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// CallerFromContext retrieves the Caller from the context.
// Returns nil if no caller is set.
func CallerFromContext(ctx context.Context) *Caller {
	c, _ := ctx.Value(contextKey{}).(*Caller)
	return c
}

// Authenticator validates a bearer credential.
type Authenticator interface {
	Authenticate(credential string) (*Caller, error)
}
