package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// TokenPrefix is prepended to generated API tokens.
	TokenPrefix = "sgd-"
	// tokenRandBytes is the number of random bytes in a token (32 bytes = 64 hex chars).
	tokenRandBytes = 32
)

// ErrInvalidToken is returned for an unknown static token.
var ErrInvalidToken = errors.New("invalid API token")

// GenerateToken creates a new random API token with the "sgd-" prefix.
// Format: "sgd-" + 64 hex chars = 68 char token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of a token string.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// StaticTokenAuthenticator accepts a single shared API token. Only its hash
// is kept in memory.
type StaticTokenAuthenticator struct {
	hash string
}

// NewStaticTokenAuthenticator creates an authenticator for token.
func NewStaticTokenAuthenticator(token string) (*StaticTokenAuthenticator, error) {
	if token == "" {
		return nil, errors.New("api token is required")
	}
	return &StaticTokenAuthenticator{hash: HashToken(token)}, nil
}

// Authenticate compares the credential's hash in constant time. The static
// token always carries admin permission.
func (a *StaticTokenAuthenticator) Authenticate(credential string) (*Caller, error) {
	h := HashToken(credential)
	if subtle.ConstantTimeCompare([]byte(h), []byte(a.hash)) != 1 {
		return nil, ErrInvalidToken
	}
	return &Caller{Name: "api-token", Method: "token", TokenHash: h, Permission: PermissionAdmin}, nil
}
