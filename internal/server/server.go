package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gatecast/internal/api"
	"gatecast/internal/auth"
	"gatecast/internal/observability/logging"
	"gatecast/internal/observability/metrics"
	"gatecast/internal/serverutil"
)

const webhookPath = "/api/payments/webhook"

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr        string
	TLS         TLSConfig
	CORS        CORSConfig
	Security    SecurityConfig
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder

	// WriteTimeout must outlast the slowest handler, a locked session start
	// included. Zero selects defaultWriteTimeout.
	WriteTimeout time.Duration
}

const defaultWriteTimeout = 30 * time.Second

// WriteTimeoutFor returns a write timeout that leaves headroom over a session
// operation bounded by operationTimeout.
func WriteTimeoutFor(operationTimeout time.Duration) time.Duration {
	timeout := operationTimeout + 15*time.Second
	if timeout < defaultWriteTimeout {
		return defaultWriteTimeout
	}
	return timeout
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	router := chi.NewRouter()
	router.Use(
		func(next http.Handler) http.Handler { return requestIDMiddleware(logger, next) },
		func(next http.Handler) http.Handler { return recoverMiddleware(logger, next) },
		logging.RequestLogger(logging.RequestLoggerConfig{
			Logger:            logger,
			DisableRemoteAddr: true,
			QuietPaths:        []string{"/healthz", "/metrics"},
			AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
				return []any{"remote_ip", extractClientIP(r)}
			},
		}),
		func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) },
		func(next http.Handler) http.Handler { return securityHeadersMiddleware(cfg.Security, next) },
		func(next http.Handler) http.Handler { return corsMiddleware(policy, logger, next) },
		func(next http.Handler) http.Handler { return authMiddleware(handler, next) },
		func(next http.Handler) http.Handler { return auditMiddleware(cfg.AuditLogger, next) },
	)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})
	router.Handle("/metrics", recorder.Handler())
	handler.Mount(router)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the fully wrapped router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run serves until ctx is cancelled, then drains in-flight requests and runs
// hooks in order within the shutdown timeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration, hooks ...serverutil.ShutdownHook) error {
	return serverutil.Run(ctx, serverutil.Config{
		Server: s.httpServer,
		TLS: serverutil.TLSConfig{
			CertFile: s.tlsCertFile,
			KeyFile:  s.tlsKeyFile,
		},
		ShutdownTimeout: shutdownTimeout,
		OnShutdown:      hooks,
		Logger:          s.logger,
	})
}

func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			loggerWithRequestContext(r.Context(), logger).Error("panic serving request",
				"panic", fmt.Sprint(recovered),
				"path", r.URL.Path,
				"stack", string(debug.Stack()))
			writeMiddlewareError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		fields := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", extractClientIP(r),
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		if identity, ok := auth.IdentityFromContext(r.Context()); ok {
			fields = append(fields, "user_id", identity.UserID)
		}
		logger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// optionalAuth lists the read-only routes anonymous callers may use.
func optionalAuth(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	return r.URL.Path == "/api/sessions/live" || r.URL.Path == "/api/events/ws"
}

// authMiddleware resolves the bearer token on /api routes. A token that is
// present but invalid is always rejected, even on optional routes.
func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasPrefix(path, "/api/") || path == webhookPath || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token := auth.ExtractToken(r)
		if token == "" {
			if optionalAuth(r) {
				next.ServeHTTP(w, r)
				return
			}
			writeMiddlewareError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, err := handler.AuthenticateRequest(r)
		if err != nil {
			loggerWithRequestContext(r.Context(), nil).Debug("bearer token rejected", "error", err)
			writeMiddlewareError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), identity)
		ctx = logging.ContextWithUserID(ctx, identity.UserID)
		if logger := logging.LoggerFromContext(ctx); logger != nil {
			ctx = logging.ContextWithLogger(ctx, logger.With("user_id", identity.UserID))
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
