package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const passwordSaltSize = 16

// HashPassword derives a PBKDF2-SHA256 hash of password under a fresh salt.
// The hash is base64 and the salt is hex.
func HashPassword(password string) (hash, salt string, err error) {
	raw := make([]byte, passwordSaltSize)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	salt = hex.EncodeToString(raw)
	return hashPassword(password, salt), salt, nil
}

// VerifyPassword reports whether password matches hash under salt.
func VerifyPassword(password, hash, salt string) bool {
	return ConstantTimeEqual(hashPassword(password, salt), hash)
}

func hashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), DefaultIterations, KeySize, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}

// GenerateToken returns n random bytes as unpadded URL-safe base64.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ConstantTimeEqual compares two secrets without leaking where they differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
