package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailed means authentication failed: wrong master secret,
	// wrong principal, or tampered ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrMalformedSecret means the stored record cannot be decrypted as-is.
	ErrMalformedSecret = errors.New("malformed encrypted secret")
	// ErrUnsupportedAlgorithm means the record was produced by another scheme.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
)

// CryptoError is returned by every failing vault operation. It never carries
// key material or plaintext.
type CryptoError struct {
	Op        string // "encrypt" or "decrypt"
	Principal string
	Err       error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("vault %s for principal %s: %v", e.Op, e.Principal, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }
