package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy_IsValid(t *testing.T) {
	p := DefaultPolicy()
	require.NoError(t, p.Validate())
	assert.Equal(t, 30, p.RequestsPerMinute)
	assert.Equal(t, 200, p.RequestsPerHour)
	assert.Equal(t, 5, p.MaxFailures)
	assert.Equal(t, 300*time.Second, p.LockoutDuration)
	assert.Equal(t, 3, p.CaptchaMaxAttempts)
	assert.Equal(t, time.Hour, p.SessionTimeout)
	assert.Equal(t, 3, p.MaxSessions)
	assert.Equal(t, 100000, p.KDFIterations)
}

func TestLoadPolicy_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
requestsPerMinute: 10
lockoutDuration: 15m
captchaDifficulty: hard
`), 0o600))

	p, err := LoadPolicy(path, DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 10, p.RequestsPerMinute)
	assert.Equal(t, 15*time.Minute, p.LockoutDuration)
	assert.Equal(t, "hard", p.CaptchaDifficulty)
	// Untouched keys keep their defaults.
	assert.Equal(t, 200, p.RequestsPerHour)
	assert.Equal(t, 3, p.MaxSessions)
}

func TestLoadPolicy_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxSessions: 0\ncaptchaDifficulty: silly\n"), 0o600))

	base := DefaultPolicy()
	p, err := LoadPolicy(path, base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxSessions")
	assert.Contains(t, err.Error(), "silly")
	assert.Equal(t, base, p)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"), DefaultPolicy())
	require.Error(t, err)
}
