package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all process configuration.
type Config struct {
	Addr           string // listen address for the guard API, e.g. ":8080"
	ManagementAddr string // separate listener for /healthz, /readyz, /metrics (empty = disabled)
	DBPath         string // path to SQLite database file
	MasterKey      string // hex-encoded 32-byte key; KEK for the vault master secret
	TLS            bool
	CertFile       string
	KeyFile        string

	// Secrets provider for the master secret: "local" (default) or "gcpkms".
	SecretsProvider string
	// GCP KMS key resource name (required when SecretsProvider == "gcpkms").
	KMSKeyResourceName string
	// Derived-key cache entries kept by the vault (0 = disabled).
	KeyCacheSize int

	// Master secret KEK migration: rewrap with the current provider, then exit.
	MigrateSecretsKey  bool
	OldSecretsProvider string // "local" or "gcpkms"
	OldMasterKey       string // hex-encoded 32-byte key (for old local provider)
	OldKMSKey          string // GCP KMS key resource name (for old gcpkms provider)

	// Persistence backends.
	CaptchaStore  string // "memory", "sqlite" (default), "mongo" or "redis"
	SecretStore   string // "sqlite" (default) or "mongo"
	MongoURL      string
	MongoDatabase string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// API authentication: "token" (default) or "jwt".
	AuthMode         string
	APIToken         string  // static bearer token for AuthMode == "token"
	JWTSigningKey    string  // HMAC secret string or path to PEM public key file
	JWTIssuer        string  // expected JWT issuer (optional)
	JWTAudience      string  // expected JWT audience (optional)
	JWTSubjectClaim  string  // JWT claim naming the caller (default: "sub")
	JWTRolesClaim    string  // JWT claim listing roles (default: "roles")
	JWTDefaultPerm   string  // permission for JWTs without a known role
	APIRateLimit     float64 // requests per second per client IP (0 = unlimited)
	APIRateBurst     int
	TrustedProxies   string // comma-separated CIDRs whose X-Real-Ip / X-Forwarded-For are honored
	SessionSweepTick time.Duration // background session sweep interval

	// Backup.
	BackupDir              string // local snapshot directory (empty = backups disabled)
	BackupS3Bucket         string
	BackupS3Region         string
	BackupS3Endpoint       string
	BackupS3Prefix         string
	BackupS3ForcePathStyle bool
	BackupSchedule         time.Duration // 0 = on demand only
	BackupRetention        int           // newest N backups kept (0 = keep all)
	BackupCompress         bool          // gzip snapshots (default true)

	// Security policy. Flags and env set the base; PolicyPath may override it.
	PolicyPath string
	Policy     Policy

	// Tracing.
	OTelServiceName string

	// Logging.
	LogFormat string // "json" (default) or "text"
	AuditLogs bool   // enable security event logging (default true)
}

func Parse() *Config {
	c := &Config{Policy: DefaultPolicy()}
	flag.StringVar(&c.Addr, "addr", ":8080", "listen address")
	flag.StringVar(&c.ManagementAddr, "management-addr", "", "listen address for health and metrics (empty = disabled)")
	flag.StringVar(&c.DBPath, "db", "solbot-guard.db", "SQLite database path")
	flag.StringVar(&c.MasterKey, "master-key", "", "hex-encoded 32-byte master key (auto-generated if empty)")
	flag.BoolVar(&c.TLS, "tls", false, "enable TLS")
	flag.StringVar(&c.CertFile, "cert", "", "TLS certificate file")
	flag.StringVar(&c.KeyFile, "key", "", "TLS key file")

	flag.StringVar(&c.SecretsProvider, "secrets-provider", "local", "master secret provider: local or gcpkms")
	flag.StringVar(&c.KMSKeyResourceName, "kms-key", "", "GCP KMS key resource name (required for gcpkms provider)")
	flag.IntVar(&c.KeyCacheSize, "key-cache-size", 1024, "derived key cache entries (0 = disabled)")
	flag.BoolVar(&c.MigrateSecretsKey, "migrate-secrets-key", false, "rewrap the vault master secret from the old provider to the current one, then exit")
	flag.StringVar(&c.OldSecretsProvider, "old-secrets-provider", "", "previous secrets provider: local or gcpkms")
	flag.StringVar(&c.OldMasterKey, "old-master-key", "", "previous hex-encoded master key (old local provider)")
	flag.StringVar(&c.OldKMSKey, "old-kms-key", "", "previous GCP KMS key resource name (old gcpkms provider)")

	flag.StringVar(&c.CaptchaStore, "captcha-store", "sqlite", "durable captcha store: memory, sqlite, mongo or redis")
	flag.StringVar(&c.SecretStore, "secret-store", "sqlite", "encrypted secret store: sqlite or mongo")
	flag.StringVar(&c.MongoURL, "mongo-url", "mongodb://localhost:27017", "MongoDB connection string")
	flag.StringVar(&c.MongoDatabase, "mongo-database", "solbot", "MongoDB database name")
	flag.StringVar(&c.RedisAddr, "redis-addr", "localhost:6379", "Redis address")
	flag.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")

	flag.StringVar(&c.AuthMode, "auth-mode", "token", "API authentication mode: token or jwt")
	flag.StringVar(&c.APIToken, "api-token", "", "static API token (auto-generated if empty in token mode)")
	flag.StringVar(&c.JWTSigningKey, "jwt-signing-key", "", "HMAC secret or path to PEM public key for JWT verification")
	flag.StringVar(&c.JWTIssuer, "jwt-issuer", "", "expected JWT issuer claim (optional)")
	flag.StringVar(&c.JWTAudience, "jwt-audience", "", "expected JWT audience claim (optional)")
	flag.StringVar(&c.JWTSubjectClaim, "jwt-subject-claim", "sub", "JWT claim naming the caller")
	flag.StringVar(&c.JWTRolesClaim, "jwt-roles-claim", "roles", "JWT claim listing roles (read, write, admin)")
	flag.StringVar(&c.JWTDefaultPerm, "jwt-default-permission", "write", "permission for JWTs carrying no known role: none, read, write or admin")
	flag.Float64Var(&c.APIRateLimit, "api-rate-limit", 50, "API requests per second per client IP (0 = unlimited)")
	flag.IntVar(&c.APIRateBurst, "api-rate-burst", 100, "API burst size per client IP")
	flag.StringVar(&c.TrustedProxies, "trusted-proxies", "", "comma-separated proxy CIDRs allowed to set X-Real-Ip / X-Forwarded-For (empty = use the socket peer)")
	flag.DurationVar(&c.SessionSweepTick, "session-sweep-interval", time.Minute, "expired session sweep interval (0 = disabled)")

	flag.StringVar(&c.BackupDir, "backup-dir", "", "local snapshot directory (empty = backups disabled unless -backup-s3-bucket is set)")
	flag.StringVar(&c.BackupS3Bucket, "backup-s3-bucket", "", "S3 bucket for backups (empty = disabled)")
	flag.StringVar(&c.BackupS3Region, "backup-s3-region", "us-east-1", "S3 region")
	flag.StringVar(&c.BackupS3Endpoint, "backup-s3-endpoint", "", "custom S3 endpoint (MinIO, R2, ...)")
	flag.StringVar(&c.BackupS3Prefix, "backup-s3-prefix", "solbot-guard/", "S3 key prefix")
	flag.BoolVar(&c.BackupS3ForcePathStyle, "backup-s3-force-path-style", false, "use path-style S3 addressing")
	flag.DurationVar(&c.BackupSchedule, "backup-schedule", 0, "periodic backup interval (0 = on demand only)")
	flag.IntVar(&c.BackupRetention, "backup-retention", 0, "number of backups to keep (0 = keep all)")
	flag.BoolVar(&c.BackupCompress, "backup-compress", true, "gzip database snapshots")

	flag.StringVar(&c.PolicyPath, "policy", "", "path to a YAML security policy file")
	p := &c.Policy
	flag.IntVar(&p.RequestsPerMinute, "requests-per-minute", p.RequestsPerMinute, "requests allowed per principal per minute")
	flag.IntVar(&p.RequestsPerHour, "requests-per-hour", p.RequestsPerHour, "requests allowed per principal per hour")
	flag.IntVar(&p.MaxFailures, "max-failures", p.MaxFailures, "failures within the failure window that trigger a lockout")
	flag.DurationVar(&p.FailureWindow, "failure-window", p.FailureWindow, "trailing horizon for counting failures")
	flag.DurationVar(&p.LockoutDuration, "lockout-duration", p.LockoutDuration, "lockout length")
	flag.DurationVar(&p.CaptchaExpiry, "captcha-expiry", p.CaptchaExpiry, "captcha challenge lifetime")
	flag.IntVar(&p.CaptchaMaxAttempts, "captcha-max-attempts", p.CaptchaMaxAttempts, "answers allowed per challenge")
	flag.StringVar(&p.CaptchaDifficulty, "captcha-difficulty", p.CaptchaDifficulty, "captcha difficulty: easy, medium or hard")
	flag.DurationVar(&p.SessionTimeout, "session-timeout", p.SessionTimeout, "session lifetime")
	flag.IntVar(&p.MaxSessions, "max-sessions", p.MaxSessions, "concurrent sessions per principal")
	flag.IntVar(&p.KDFIterations, "kdf-iterations", p.KDFIterations, "PBKDF2 iterations")

	flag.StringVar(&c.OTelServiceName, "otel-service-name", "", "enable OpenTelemetry tracing with this service name")
	flag.StringVar(&c.LogFormat, "log-format", "json", "log format: json or text")
	flag.BoolVar(&c.AuditLogs, "audit-logs", true, "enable structured security event logging")

	flag.Parse()

	c.applyEnv()

	if c.MasterKey == "" && c.SecretsProvider == "local" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate master key: %v\n", err)
			os.Exit(1)
		}
		c.MasterKey = hex.EncodeToString(key)
		fmt.Fprintf(os.Stderr, "WARNING: auto-generated master key (encrypted wallets become unreadable after restart unless you persist it):\n")
		fmt.Fprintf(os.Stderr, "  export SOLBOT_GUARD_MASTER_KEY=%s\n\n", c.MasterKey)
	}

	return c
}

// applyEnv overrides flag values with SOLBOT_GUARD_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("SOLBOT_GUARD_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("SOLBOT_GUARD_MANAGEMENT_ADDR"); v != "" {
		c.ManagementAddr = v
	}
	if v := os.Getenv("SOLBOT_GUARD_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SOLBOT_GUARD_MASTER_KEY"); v != "" {
		c.MasterKey = v
	}
	if v := os.Getenv("SOLBOT_GUARD_SECRETS_PROVIDER"); v != "" {
		c.SecretsProvider = v
	}
	if v := os.Getenv("SOLBOT_GUARD_KMS_KEY"); v != "" {
		c.KMSKeyResourceName = v
	}
	if v := os.Getenv("SOLBOT_GUARD_KEY_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.KeyCacheSize = n
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_OLD_SECRETS_PROVIDER"); v != "" {
		c.OldSecretsProvider = v
	}
	if v := os.Getenv("SOLBOT_GUARD_OLD_MASTER_KEY"); v != "" {
		c.OldMasterKey = v
	}
	if v := os.Getenv("SOLBOT_GUARD_OLD_KMS_KEY"); v != "" {
		c.OldKMSKey = v
	}
	if v := os.Getenv("SOLBOT_GUARD_CAPTCHA_STORE"); v != "" {
		c.CaptchaStore = v
	}
	if v := os.Getenv("SOLBOT_GUARD_SECRET_STORE"); v != "" {
		c.SecretStore = v
	}
	if v := os.Getenv("SOLBOT_GUARD_MONGO_URL"); v != "" {
		c.MongoURL = v
	}
	if v := os.Getenv("SOLBOT_GUARD_MONGO_DATABASE"); v != "" {
		c.MongoDatabase = v
	}
	if v := os.Getenv("SOLBOT_GUARD_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("SOLBOT_GUARD_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("SOLBOT_GUARD_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_AUTH_MODE"); v != "" {
		c.AuthMode = v
	}
	if v := os.Getenv("SOLBOT_GUARD_API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("SOLBOT_GUARD_JWT_SIGNING_KEY"); v != "" {
		c.JWTSigningKey = v
	}
	if v := os.Getenv("SOLBOT_GUARD_JWT_ISSUER"); v != "" {
		c.JWTIssuer = v
	}
	if v := os.Getenv("SOLBOT_GUARD_JWT_AUDIENCE"); v != "" {
		c.JWTAudience = v
	}
	if v := os.Getenv("SOLBOT_GUARD_JWT_SUBJECT_CLAIM"); v != "" {
		c.JWTSubjectClaim = v
	}
	if v := os.Getenv("SOLBOT_GUARD_JWT_ROLES_CLAIM"); v != "" {
		c.JWTRolesClaim = v
	}
	if v := os.Getenv("SOLBOT_GUARD_JWT_DEFAULT_PERMISSION"); v != "" {
		c.JWTDefaultPerm = v
	}
	if v := os.Getenv("SOLBOT_GUARD_API_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.APIRateLimit = f
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_API_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.APIRateBurst = n
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_TRUSTED_PROXIES"); v != "" {
		c.TrustedProxies = v
	}
	if v := os.Getenv("SOLBOT_GUARD_SESSION_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SessionSweepTick = d
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_DIR"); v != "" {
		c.BackupDir = v
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_S3_BUCKET"); v != "" {
		c.BackupS3Bucket = v
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_S3_REGION"); v != "" {
		c.BackupS3Region = v
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_S3_ENDPOINT"); v != "" {
		c.BackupS3Endpoint = v
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_S3_PREFIX"); v != "" {
		c.BackupS3Prefix = v
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_S3_FORCE_PATH_STYLE"); v == "true" {
		c.BackupS3ForcePathStyle = true
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_SCHEDULE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BackupSchedule = d
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BackupRetention = n
		}
	}
	if v := os.Getenv("SOLBOT_GUARD_BACKUP_COMPRESS"); v == "false" {
		c.BackupCompress = false
	}
	if v := os.Getenv("SOLBOT_GUARD_POLICY"); v != "" {
		c.PolicyPath = v
	}
	if v := os.Getenv("SOLBOT_GUARD_OTEL_SERVICE_NAME"); v != "" {
		c.OTelServiceName = v
	}
	if v := os.Getenv("SOLBOT_GUARD_LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("SOLBOT_GUARD_AUDIT_LOGS"); v == "false" {
		c.AuditLogs = false
	}
}

func (c *Config) MasterKeyBytes() ([]byte, error) {
	return hex.DecodeString(c.MasterKey)
}
