// Package validate holds pure input checks for user-supplied chat text.
// Malformed input is a normal outcome: every function returns a boolean or a
// (value, ok) pair and none of them panic.
package validate

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"
)

const (
	AddressLength       = 44
	PrivateKeyMinLength = 80
	PrivateKeyMaxLength = 90
	MaxUsernameLength   = 50
	MaxMessageLength    = 500
	MaxAmountDigits     = 10
	DefaultMaxDecimals  = 8
	MaxAmount           = 1_000_000
	MaxPercentage       = 10_000
	MaxTelegramUserID   = 999_999_999_999
)

var (
	addressPattern    = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{44}$`)
	base58Pattern     = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	percentagePattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,2})?$`)
	usernamePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Address reports whether s is a 44-character base58 Solana address.
func Address(s string) bool {
	return len(s) == AddressLength && addressPattern.MatchString(s)
}

// PrivateKey reports whether s looks like a base58-encoded Solana keypair.
func PrivateKey(s string) bool {
	if len(s) < PrivateKeyMinLength || len(s) > PrivateKeyMaxLength {
		return false
	}
	return base58Pattern.MatchString(s)
}

// Amount parses a trade amount with at most 8 decimal places.
func Amount(s string) (float64, bool) {
	return AmountWithDecimals(s, DefaultMaxDecimals)
}

// AmountWithDecimals parses a positive amount of at most MaxAmountDigits
// integer digits and maxDecimals fractional digits, capped at MaxAmount.
func AmountWithDecimals(s string, maxDecimals int) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" || maxDecimals < 0 {
		return 0, false
	}

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if len(intPart) < 1 || len(intPart) > MaxAmountDigits || !allDigits(intPart) {
		return 0, false
	}
	if hasDot && (len(fracPart) < 1 || len(fracPart) > maxDecimals || !allDigits(fracPart)) {
		return 0, false
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if v <= 0 || v > MaxAmount {
		return 0, false
	}
	return v, true
}

// Percentage parses values like "12.5" or "150%". The integer part is at
// most three digits and the result lies in [0, MaxPercentage].
func Percentage(s string) (float64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "%", "")
	if !percentagePattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > MaxPercentage {
		return 0, false
	}
	return v, true
}

var markupStripper = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "&", "", "`", "")

// Sanitize truncates s to MaxMessageLength characters, removes characters
// with markup significance and trims surrounding whitespace.
func Sanitize(s string) string {
	if r := []rune(s); len(r) > MaxMessageLength {
		s = string(r[:MaxMessageLength])
	}
	return strings.TrimSpace(markupStripper.Replace(s))
}

// Username reports whether s is 1..50 characters of letters, digits,
// underscore or dash.
func Username(s string) bool {
	return len(s) <= MaxUsernameLength && usernamePattern.MatchString(s)
}

// TelegramUserID reports whether id is within the range Telegram assigns.
func TelegramUserID(id int64) bool {
	return id >= 1 && id <= MaxTelegramUserID
}

// CSRFToken returns a URL-safe random token for callback payloads.
func CSRFToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
