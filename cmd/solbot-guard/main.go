package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hatemosphere/solbot-guard/internal/api"
	"github.com/hatemosphere/solbot-guard/internal/audit"
	"github.com/hatemosphere/solbot-guard/internal/auth"
	"github.com/hatemosphere/solbot-guard/internal/backup"
	"github.com/hatemosphere/solbot-guard/internal/captcha"
	"github.com/hatemosphere/solbot-guard/internal/config"
	"github.com/hatemosphere/solbot-guard/internal/guard"
	"github.com/hatemosphere/solbot-guard/internal/ratelimit"
	"github.com/hatemosphere/solbot-guard/internal/scheduler"
	"github.com/hatemosphere/solbot-guard/internal/session"
	"github.com/hatemosphere/solbot-guard/internal/storage"
	"github.com/hatemosphere/solbot-guard/internal/vault"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func main() {
	cfg := config.Parse()

	// Configure logging format.
	var logHandler slog.Handler
	if cfg.LogFormat == "text" {
		logHandler = slog.NewTextHandler(os.Stdout, nil)
	} else {
		logHandler = slog.NewJSONHandler(os.Stdout, nil)
	}
	slog.SetDefault(slog.New(logHandler))

	if !cfg.AuditLogs {
		audit.Enabled = false
	}

	policy := cfg.Policy
	if cfg.PolicyPath != "" {
		var err error
		policy, err = config.LoadPolicy(cfg.PolicyPath, cfg.Policy)
		if err != nil {
			fatal("failed to load policy", err)
		}
		slog.Info("security policy loaded", "path", cfg.PolicyPath)
	} else if err := policy.Validate(); err != nil {
		fatal("invalid security policy", err)
	}

	ctx := context.Background()

	// Open storage.
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fatal("failed to open database", err)
	}

	secretsProvider := createSecretsProvider(cfg)
	if closer, ok := secretsProvider.(io.Closer); ok {
		defer closer.Close()
	}

	// Master secret KEK migration: rewrap with the current provider, then exit.
	if cfg.MigrateSecretsKey {
		oldProvider, err := buildOldSecretsProvider(cfg)
		if err != nil {
			fatal("failed to build old secrets provider", err)
		}
		if closer, ok := oldProvider.(io.Closer); ok {
			defer closer.Close()
		}
		if err := vault.RewrapMasterSecret(ctx, store, oldProvider, secretsProvider); err != nil {
			fatal("secrets key migration failed", err)
		}
		slog.Info("secrets key migration complete")
		store.Close()
		os.Exit(0)
	}

	master, err := vault.LoadMasterSecret(ctx, store, secretsProvider)
	if err != nil {
		fatal("failed to load vault master secret", err)
	}
	v, err := vault.New(master,
		vault.WithIterations(policy.KDFIterations),
		vault.WithKeyCacheSize(cfg.KeyCacheSize),
	)
	clear(master)
	if err != nil {
		fatal("failed to create vault", err)
	}
	// A changed master secret or iteration count makes every stored wallet
	// undecryptable; refuse to start rather than fail each decrypt later.
	if err := vault.VerifyCanary(ctx, store, v); err != nil {
		fatal("vault verification failed", err)
	}

	stores, err := openStores(ctx, cfg, store)
	if err != nil {
		fatal("failed to open stores", err)
	}
	defer stores.close()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: policy.RequestsPerMinute,
		RequestsPerHour:   policy.RequestsPerHour,
		MaxFailures:       policy.MaxFailures,
		FailureWindow:     policy.FailureWindow,
		LockoutDuration:   policy.LockoutDuration,
	})
	var captchaOpts []captcha.Option
	if stores.captcha != nil {
		captchaOpts = append(captchaOpts, captcha.WithStore(stores.captcha))
	}
	engine := captcha.New(captcha.Config{
		Expiry:      policy.CaptchaExpiry,
		MaxAttempts: policy.CaptchaMaxAttempts,
		Difficulty:  captcha.ParseDifficulty(policy.CaptchaDifficulty),
	}, captchaOpts...)
	sessions := session.New(session.Config{
		Timeout:     policy.SessionTimeout,
		MaxSessions: policy.MaxSessions,
	})

	g, err := guard.New(guard.Services{
		Limiter:      limiter,
		Captcha:      engine,
		Sessions:     sessions,
		Vault:        v,
		Secrets:      stores.secrets,
		CaptchaStore: stores.captcha,
		Log:          audit.NewSecurityLog(nil),
	})
	if err != nil {
		fatal("failed to create guard", err)
	}
	g.Start(cfg.SessionSweepTick)

	api.RegisterGauges(
		func() float64 { return float64(sessions.Len()) },
		func() float64 { return float64(limiter.Tracked()) },
	)

	// Backups.
	runner, backupSched := setupBackups(ctx, cfg, store)

	authn := buildAuthenticator(cfg)

	// Initialize OpenTelemetry tracing if configured.
	var tp *sdktrace.TracerProvider
	if cfg.OTelServiceName != "" {
		tp, err = initTracer(ctx, cfg.OTelServiceName)
		if err != nil {
			fatal("failed to initialize OpenTelemetry", err)
		}
		slog.Info("OpenTelemetry tracing enabled", "service", cfg.OTelServiceName)
	}

	proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		fatal("invalid -trusted-proxies", err)
	}
	serverOpts := []api.ServerOption{
		api.WithIPRateLimit(cfg.APIRateLimit, cfg.APIRateBurst),
		api.WithTrustedProxies(proxies...),
	}
	if runner != nil {
		serverOpts = append(serverOpts, api.WithBackups(runner))
	}
	srv := api.NewServer(g, authn, serverOpts...)

	ready := func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		return g.Ready(ctx)
	}

	handler := srv.Router()
	if tp != nil {
		handler = otelhttp.NewHandler(handler, "solbot-guard")
	}

	// Without a management listener, probes and metrics share the API port.
	var mgmtServer *http.Server
	if cfg.ManagementAddr != "" {
		mgmtServer = &http.Server{
			Addr:              cfg.ManagementAddr,
			Handler:           api.ManagementHandler(ready),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("management server starting", "addr", cfg.ManagementAddr)
			if err := mgmtServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("management server error", "error", err)
			}
		}()
	} else {
		mgmt := api.ManagementHandler(ready)
		mux := http.NewServeMux()
		mux.Handle("GET /healthz", mgmt)
		mux.Handle("GET /readyz", mgmt)
		mux.Handle("GET /metrics", mgmt)
		mux.Handle("/", handler)
		handler = mux
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig.String())

		// Give in-flight requests 30 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if mgmtServer != nil {
			if err := mgmtServer.Shutdown(ctx); err != nil {
				slog.Error("management server shutdown error", "error", err)
			}
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
		close(done)
	}()

	slog.Info("solbot guard starting",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"captcha_store", cfg.CaptchaStore,
		"secret_store", cfg.SecretStore,
	)

	if cfg.TLS {
		err = httpServer.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		err = httpServer.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-done

	slog.Info("stopping background tasks and closing storage")
	g.Close()
	if backupSched != nil {
		backupSched.Shutdown()
	}
	if tp != nil {
		if err := tp.Shutdown(context.Background()); err != nil {
			slog.Error("tracer provider shutdown error", "error", err)
		}
	}
	stores.close()
	store.Close()
	slog.Info("shutdown complete")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

// backends holds the stores selected by -captcha-store and -secret-store.
type backends struct {
	secrets storage.SecretStore
	captcha storage.CaptchaStore // nil = in-memory only
	closers []io.Closer
	closed  bool
}

func (b *backends) close() {
	if b.closed {
		return
	}
	b.closed = true
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}
}

func openStores(ctx context.Context, cfg *config.Config, sqlite *storage.SQLiteStore) (*backends, error) {
	b := &backends{}

	var mongo *storage.MongoStore
	getMongo := func() (*storage.MongoStore, error) {
		if mongo != nil {
			return mongo, nil
		}
		m, err := storage.NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		mongo = m
		b.closers = append(b.closers, m)
		return m, nil
	}

	switch cfg.SecretStore {
	case "sqlite", "":
		b.secrets = sqlite
	case "mongo":
		m, err := getMongo()
		if err != nil {
			return nil, err
		}
		b.secrets = m
	default:
		return nil, fmt.Errorf("unknown secret store %q (want sqlite or mongo)", cfg.SecretStore)
	}

	switch cfg.CaptchaStore {
	case "memory":
	case "sqlite", "":
		b.captcha = sqlite
	case "mongo":
		m, err := getMongo()
		if err != nil {
			b.close()
			return nil, err
		}
		b.captcha = m
	case "redis":
		rdb, err := storage.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, rdb)
		b.captcha = storage.NewRedisCaptchaStore(rdb, "")
	default:
		b.close()
		return nil, fmt.Errorf("unknown captcha store %q (want memory, sqlite, mongo or redis)", cfg.CaptchaStore)
	}
	return b, nil
}

// setupBackups builds the backup runner and its schedule. Both are nil when
// backups are disabled.
func setupBackups(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore) (*backup.Runner, *scheduler.Scheduler) {
	var providers []backup.Provider
	if cfg.BackupS3Bucket != "" {
		s3Provider, err := backup.NewS3Provider(ctx, backup.S3Config{
			Bucket:         cfg.BackupS3Bucket,
			Region:         cfg.BackupS3Region,
			Endpoint:       cfg.BackupS3Endpoint,
			Prefix:         cfg.BackupS3Prefix,
			ForcePathStyle: cfg.BackupS3ForcePathStyle,
		})
		if err != nil {
			fatal("failed to create S3 backup provider", err)
		}
		providers = append(providers, s3Provider)
		slog.Info("S3 backup enabled", "bucket", cfg.BackupS3Bucket, "prefix", cfg.BackupS3Prefix)
	}

	dir := cfg.BackupDir
	if dir == "" {
		if len(providers) == 0 {
			return nil, nil
		}
		dir = filepath.Join(os.TempDir(), "solbot-guard-backups")
	}
	runner, err := backup.NewRunner(store, backup.Config{
		Dir:       dir,
		Providers: providers,
		Retention: cfg.BackupRetention,
		Compress:  cfg.BackupCompress,
	})
	if err != nil {
		fatal("failed to create backup runner", err)
	}

	if cfg.BackupSchedule <= 0 {
		return runner, nil
	}
	slog.Info("scheduled backups enabled", "interval", cfg.BackupSchedule, "retention", cfg.BackupRetention)
	return runner, scheduler.New("backup", func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	}, cfg.BackupSchedule)
}

// buildAuthenticator returns the API authenticator for -auth-mode. Exits on error.
func buildAuthenticator(cfg *config.Config) auth.Authenticator {
	switch cfg.AuthMode {
	case "jwt":
		if cfg.JWTSigningKey == "" {
			fatal("invalid configuration", errors.New("jwt-signing-key is required when auth-mode=jwt"))
		}
		def, err := auth.ParsePermission(cfg.JWTDefaultPerm)
		if err != nil {
			fatal("invalid jwt-default-permission", err)
		}
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			SigningKey:        cfg.JWTSigningKey,
			Issuer:            cfg.JWTIssuer,
			Audience:          cfg.JWTAudience,
			RolesClaim:        cfg.JWTRolesClaim,
			SubjectClaim:      cfg.JWTSubjectClaim,
			DefaultPermission: def,
		})
		if err != nil {
			fatal("failed to create JWT authenticator", err)
		}
		slog.Info("auth mode: jwt",
			"issuer", cfg.JWTIssuer,
			"audience", cfg.JWTAudience,
			"subject_claim", cfg.JWTSubjectClaim,
			"roles_claim", cfg.JWTRolesClaim,
		)
		return jwtAuth
	case "token", "":
		token := cfg.APIToken
		if token == "" {
			var err error
			token, err = auth.GenerateToken()
			if err != nil {
				fatal("failed to generate API token", err)
			}
			fmt.Fprintf(os.Stderr, "WARNING: auto-generated API token (changes on every restart):\n")
			fmt.Fprintf(os.Stderr, "  export SOLBOT_GUARD_API_TOKEN=%s\n\n", token)
		}
		a, err := auth.NewStaticTokenAuthenticator(token)
		if err != nil {
			fatal("failed to create token authenticator", err)
		}
		return a
	default:
		fatal("invalid configuration", fmt.Errorf("auth-mode must be 'token' or 'jwt', got %q", cfg.AuthMode))
		return nil
	}
}

// createSecretsProvider builds the master secret provider from config. Exits on error.
func createSecretsProvider(cfg *config.Config) vault.SecretsProvider {
	switch cfg.SecretsProvider {
	case "gcpkms":
		if cfg.KMSKeyResourceName == "" {
			fatal("invalid configuration", errors.New("kms-key is required when secrets-provider=gcpkms"))
		}
		kmsProvider, err := vault.NewKMSProvider(context.Background(), cfg.KMSKeyResourceName)
		if err != nil {
			fatal("failed to create KMS secrets provider", err)
		}
		slog.Info("secrets provider: GCP KMS", "key", cfg.KMSKeyResourceName)
		return kmsProvider
	default: // "local"
		masterKey, err := cfg.MasterKeyBytes()
		if err != nil {
			fatal("invalid master key", err)
		}
		localProvider, err := vault.NewLocalProvider(masterKey)
		if err != nil {
			fatal("failed to create local secrets provider", err)
		}
		return localProvider
	}
}

// buildOldSecretsProvider constructs a SecretsProvider from the --old-* flags.
func buildOldSecretsProvider(cfg *config.Config) (vault.SecretsProvider, error) {
	switch cfg.OldSecretsProvider {
	case "gcpkms":
		if cfg.OldKMSKey == "" {
			return nil, errors.New("--old-kms-key is required when --old-secrets-provider=gcpkms")
		}
		return vault.NewKMSProvider(context.Background(), cfg.OldKMSKey)
	case "local":
		if cfg.OldMasterKey == "" {
			return nil, errors.New("--old-master-key is required when --old-secrets-provider=local")
		}
		key, err := hex.DecodeString(cfg.OldMasterKey)
		if err != nil {
			return nil, fmt.Errorf("invalid --old-master-key: %w", err)
		}
		return vault.NewLocalProvider(key)
	default:
		return nil, fmt.Errorf("--old-secrets-provider must be 'local' or 'gcpkms', got %q", cfg.OldSecretsProvider)
	}
}

// initTracer sets up an OTLP gRPC trace exporter and returns the TracerProvider.
// Exporter endpoint is configured via standard OTEL_EXPORTER_OTLP_ENDPOINT env var
// (default: localhost:4317).
func initTracer(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
