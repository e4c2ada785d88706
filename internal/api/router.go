package api

import (
	"context"
	stdjson "encoding/json"
	"io"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/klauspost/compress/gzip"

	"github.com/hatemosphere/solbot-guard/internal/audit"
	"github.com/hatemosphere/solbot-guard/internal/auth"
	"github.com/hatemosphere/solbot-guard/internal/backup"
	"github.com/hatemosphere/solbot-guard/internal/guard"
	"github.com/hatemosphere/solbot-guard/internal/session"
)

// Backuper takes an on-demand database backup.
type Backuper interface {
	Run(ctx context.Context) (backup.Result, error)
}

// Server is the HTTP API the chat front-ends and operators call.
type Server struct {
	guard    *guard.Guard
	authn    auth.Authenticator
	backups  Backuper    // nil = /admin/backup returns 501
	throttle *ipThrottle // nil = unlimited
	proxies  []netip.Prefix
	humaAPI  huma.API
}

// NewServer creates a new API server.
func NewServer(g *guard.Guard, authn auth.Authenticator, opts ...ServerOption) *Server {
	s := &Server{guard: g, authn: authn}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures the API server.
type ServerOption func(*Server)

// WithBackups enables the on-demand backup endpoint.
func WithBackups(b Backuper) ServerOption {
	return func(s *Server) { s.backups = b }
}

// WithIPRateLimit throttles each client IP to perSecond requests with the
// given burst. perSecond <= 0 disables throttling.
func WithIPRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 {
			s.throttle = newIPThrottle(perSecond, burst, defaultThrottleClients)
		}
	}
}

// WithTrustedProxies honors X-Real-Ip and X-Forwarded-For only on requests
// whose socket peer falls in one of the prefixes. Without it the headers are
// ignored and clients are identified by their peer address.
func WithTrustedProxies(prefixes ...netip.Prefix) ServerOption {
	return func(s *Server) { s.proxies = prefixes }
}

// ParseTrustedProxies parses a comma-separated list of CIDRs or bare
// addresses.
func ParseTrustedProxies(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(list, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.Contains(f, "/") {
			addr, err := netip.ParseAddr(f)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", f, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", f, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// humaJSONFormat uses stdlib encoding/json for huma request/response serialization.
var humaJSONFormat = huma.Format{
	Marshal: func(w io.Writer, v any) error {
		return stdjson.NewEncoder(w).Encode(v)
	},
	Unmarshal: stdjson.Unmarshal,
}

func newHumaConfig() huma.Config {
	registry := huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer)
	return huma.Config{
		OpenAPI: &huma.OpenAPI{
			OpenAPI: "3.1.0",
			Info: &huma.Info{
				Title:   "Solbot Guard API",
				Version: "0.1.0",
			},
			Components: &huma.Components{
				Schemas: registry,
			},
		},
		OpenAPIPath:   "", // served by our own route
		DocsPath:      "",
		SchemasPath:   "",
		Formats:       map[string]huma.Format{"application/json": humaJSONFormat, "json": humaJSONFormat},
		DefaultFormat: "application/json",
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Router returns the configured HTTP handler with all endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	publicAPI := humago.New(mux, newHumaConfig())
	publicAPI.UseMiddleware(metricsHumaMiddleware)
	s.registerPublicRoutes(publicAPI)

	api := humago.New(mux, newHumaConfig())
	api.UseMiddleware(metricsHumaMiddleware)
	api.UseMiddleware(s.authHumaMiddleware(api))
	api.UseMiddleware(s.permissionMiddleware(api))
	api.UseMiddleware(auditHumaMiddleware)
	s.humaAPI = api

	s.registerAdmission(api)
	s.registerCaptcha(api)
	s.registerSessions(api)
	s.registerWallets(api)
	s.registerAdmin(api)

	var handler http.Handler = mux
	handler = gzipDecompressor(handler)
	if s.throttle != nil {
		handler = s.throttle.middleware(handler)
	}
	handler = requestLogger(handler)
	handler = recoverer(handler)
	handler = s.realIP(handler)
	return handler
}

func (s *Server) registerPublicRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*HealthCheckOutput, error) {
		out := &HealthCheckOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getOpenAPISpec",
		Method:      http.MethodGet,
		Path:        "/api/openapi",
		Tags:        []string{"Meta"},
	}, func(ctx context.Context, input *struct{}) (*huma.StreamResponse, error) {
		return &huma.StreamResponse{
			Body: func(ctx huma.Context) {
				ctx.SetHeader("Content-Type", "application/json")
				if s.humaAPI != nil {
					data, _ := stdjson.Marshal(s.humaAPI.OpenAPI())
					_, _ = ctx.BodyWriter().Write(data)
				} else {
					_, _ = ctx.BodyWriter().Write([]byte(`{}`))
				}
			},
		}, nil
	})
}

// authHumaMiddleware validates the Authorization header ("token <t>" or
// "Bearer <t>") and stores the Caller on the request context.
func (s *Server) authHumaMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		authHeader := ctx.Header("Authorization")
		if authHeader == "" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		var credential string
		switch {
		case strings.HasPrefix(authHeader, "token "):
			credential = strings.TrimPrefix(authHeader, "token ")
		case strings.HasPrefix(authHeader, "Bearer "):
			credential = strings.TrimPrefix(authHeader, "Bearer ")
		default:
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}

		caller, err := s.authn.Authenticate(credential)
		if err != nil {
			slog.Warn("API authentication failed", "ip", ctx.RemoteAddr(), "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "invalid credentials")
			return
		}
		slog.Debug("API authentication successful", "caller", caller.Name, "method", caller.Method)
		next(huma.WithContext(ctx, auth.WithCaller(ctx.Context(), caller)))
	}
}

// permissionMiddleware enforces the caller's permission level for the
// operation. It runs after authHumaMiddleware.
func (s *Server) permissionMiddleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		caller := auth.CallerFromContext(ctx.Context())
		need := requiredPermission(ctx.Method(), ctx.Operation().Path)
		if caller == nil || caller.Permission < need {
			_ = huma.WriteErr(api, ctx, http.StatusForbidden, "permission denied: requires "+need.String())
			return
		}
		next(ctx)
	}
}

// requiredPermission maps an HTTP method and operation path to the minimum
// permission level required.
func requiredPermission(method, path string) auth.Permission {
	switch {
	case strings.HasPrefix(path, "/api/v1/admin/"),
		strings.HasPrefix(path, "/api/v1/wallets/"),
		strings.HasSuffix(path, "/reset"),
		method == http.MethodDelete && strings.HasPrefix(path, "/api/v1/principals/"):
		return auth.PermissionAdmin
	case method == http.MethodGet || method == http.MethodHead:
		return auth.PermissionRead
	default:
		return auth.PermissionWrite
	}
}

// metricsHumaMiddleware records Prometheus metrics for each huma request using
// the operation path as the route label for clean, low-cardinality metrics.
func metricsHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()
	next(ctx)
	elapsed := time.Since(start)

	route := ctx.Operation().Path
	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	httpRequestsTotal.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(ctx.Method(), route).Observe(elapsed.Seconds())
}

// auditExcludedOps are high-frequency operations kept out of the operator
// audit log; their security outcome is already in the security event log.
var auditExcludedOps = map[string]struct{}{
	"admit":         {},
	"startCaptcha":  {},
	"verifyCaptcha": {},
}

// auditHumaMiddleware logs structured audit entries for state-mutating API
// operations. It runs after permissionMiddleware, so the caller is known.
func auditHumaMiddleware(ctx huma.Context, next func(huma.Context)) {
	next(ctx)

	method := ctx.Method()
	if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
		return
	}

	op := ctx.Operation()
	if _, excluded := auditExcludedOps[op.OperationID]; excluded {
		return
	}

	actor := "unknown"
	if caller := auth.CallerFromContext(ctx.Context()); caller != nil {
		actor = caller.Name
	}

	status := ctx.Status()
	if status == 0 {
		status = 200
	}

	e := audit.Event{
		Actor:      actor,
		Principal:  ctx.Param("principal"),
		Action:     op.OperationID,
		Method:     method,
		Resource:   auditResource(ctx),
		HTTPStatus: status,
		IP:         ctx.RemoteAddr(),
	}
	if status >= 400 {
		e.Warn("Audit Log: API Request")
	} else {
		e.Info("Audit Log: API Request")
	}
}

// auditResource names the target of a request without leaking full session
// tokens into logs.
func auditResource(ctx huma.Context) string {
	if tok := ctx.Param("token"); tok != "" {
		return "session/" + session.MaskToken(tok)
	}
	if p := ctx.Param("principal"); p != "" {
		return "principal/" + p
	}
	return ""
}

// requestLogger logs each HTTP request with method, status, and latency.
// Paths under /sessions/ carry tokens and are logged masked.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)
		slog.Info("request", //nolint:gosec // structured logger, not format string
			"method", r.Method,
			"path", logPath(r.URL.Path),
			"status", sw.status,
			"latency", time.Since(start),
		)
	})
}

func logPath(p string) string {
	const sessions = "/api/v1/sessions/"
	if strings.HasPrefix(p, sessions) {
		return sessions + session.MaskToken(strings.TrimPrefix(p, sessions))
	}
	return p
}

// realIP replaces RemoteAddr with the client address from X-Real-Ip or
// X-Forwarded-For when the socket peer is a trusted proxy. The per-IP
// throttle runs after it, so untrusted clients cannot pick their own bucket.
func (s *Server) realIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.trustedPeer(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}
		if rip := r.Header.Get("X-Real-Ip"); rip != "" {
			r.RemoteAddr = rip
		} else if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.IndexByte(xff, ','); i > 0 {
				r.RemoteAddr = strings.TrimSpace(xff[:i])
			} else {
				r.RemoteAddr = xff
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trustedPeer(remoteAddr string) bool {
	if len(s.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(clientIP(remoteAddr))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// recoverer recovers from panics and returns a 500 Internal Server Error.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				slog.Error("panic recovered", "error", rvr, "method", r.Method, "path", logPath(r.URL.Path)) //nolint:gosec // structured logger, not format string
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// maxRequestBody caps a decompressed request body. Every operation takes a
// small JSON document.
const maxRequestBody = 1 << 20

// gzipDecompressor transparently decompresses gzip request bodies.
func gzipDecompressor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gz, err := gzip.NewReader(r.Body)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid gzip body")
				return
			}
			r.Body = http.MaxBytesReader(w, io.NopCloser(gz), maxRequestBody)
			r.Header.Del("Content-Encoding")
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = stdjson.NewEncoder(w).Encode(map[string]any{
		"code":    status,
		"message": msg,
	})
}
