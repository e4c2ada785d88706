package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy holds the security thresholds shared by the limiter, the CAPTCHA
// engine, the vault and the session manager.
type Policy struct {
	RequestsPerMinute  int           `yaml:"requestsPerMinute"`
	RequestsPerHour    int           `yaml:"requestsPerHour"`
	MaxFailures        int           `yaml:"maxFailures"`
	FailureWindow      time.Duration `yaml:"failureWindow"`
	LockoutDuration    time.Duration `yaml:"lockoutDuration"`
	CaptchaExpiry      time.Duration `yaml:"captchaExpiry"`
	CaptchaMaxAttempts int           `yaml:"captchaMaxAttempts"`
	CaptchaDifficulty  string        `yaml:"captchaDifficulty"`
	SessionTimeout     time.Duration `yaml:"sessionTimeout"`
	MaxSessions        int           `yaml:"maxSessions"`
	KDFIterations      int           `yaml:"kdfIterations"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		RequestsPerMinute:  30,
		RequestsPerHour:    200,
		MaxFailures:        5,
		FailureWindow:      5 * time.Minute,
		LockoutDuration:    5 * time.Minute,
		CaptchaExpiry:      5 * time.Minute,
		CaptchaMaxAttempts: 3,
		CaptchaDifficulty:  "medium",
		SessionTimeout:     time.Hour,
		MaxSessions:        3,
		KDFIterations:      100_000,
	}
}

// LoadPolicy reads a YAML policy file. Keys absent from the file keep the
// values from base.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read policy: %w", err)
	}
	p := base
	if err := yaml.Unmarshal(data, &p); err != nil {
		return base, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return base, err
	}
	return p, nil
}

// Validate rejects thresholds that would disable a control outright.
func (p Policy) Validate() error {
	var errs []error
	if p.RequestsPerMinute <= 0 || p.RequestsPerHour <= 0 {
		errs = append(errs, errors.New("request limits must be positive"))
	}
	if p.MaxFailures <= 0 {
		errs = append(errs, errors.New("maxFailures must be positive"))
	}
	if p.FailureWindow <= 0 || p.LockoutDuration <= 0 {
		errs = append(errs, errors.New("failureWindow and lockoutDuration must be positive"))
	}
	if p.CaptchaExpiry <= 0 || p.CaptchaMaxAttempts <= 0 {
		errs = append(errs, errors.New("captcha expiry and attempt budget must be positive"))
	}
	switch p.CaptchaDifficulty {
	case "easy", "medium", "hard":
	default:
		errs = append(errs, fmt.Errorf("unknown captchaDifficulty %q", p.CaptchaDifficulty))
	}
	if p.SessionTimeout <= 0 || p.MaxSessions <= 0 {
		errs = append(errs, errors.New("sessionTimeout and maxSessions must be positive"))
	}
	if p.KDFIterations < 10_000 {
		errs = append(errs, fmt.Errorf("kdfIterations %d is below the 10000 floor", p.KDFIterations))
	}
	return errors.Join(errs...)
}
