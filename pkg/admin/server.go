// Package admin serves the operator HTTP API: enqueue, task inspection,
// dead-letter triage, stuck-task recovery and resource controls.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/conveyor/pkg/api"
	"github.com/Mindburn-Labs/conveyor/pkg/audit"
	"github.com/Mindburn-Labs/conveyor/pkg/auth"
	"github.com/Mindburn-Labs/conveyor/pkg/breaker"
	"github.com/Mindburn-Labs/conveyor/pkg/metrics"
	"github.com/Mindburn-Labs/conveyor/pkg/ratelimit"
	"github.com/Mindburn-Labs/conveyor/pkg/retry"
	"github.com/Mindburn-Labs/conveyor/pkg/store"
	"github.com/Mindburn-Labs/conveyor/pkg/triage"
	"github.com/prometheus/client_golang/prometheus"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server is the admin API.
type Server struct {
	store          store.Store
	triage         *triage.Service
	breakers       *breaker.Registry
	limiter        ratelimit.Limiter
	validator      triage.Validator
	audit          audit.Logger
	auditLog       audit.Lister
	policy         retry.Policy
	jitter         retry.JitterSource
	stuckThreshold time.Duration
	jwt            *auth.JWTValidator
	promRegistry   *prometheus.Registry
	httpMetrics    *metrics.HTTPMetrics
	clientLimits   *api.ClientRateLimiter
	log            *slog.Logger
	now            func() time.Time
}

// Option configures a Server.
type Option func(*Server)

func WithBreakers(b *breaker.Registry) Option {
	return func(s *Server) { s.breakers = b }
}

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithValidator checks enqueued types and payloads against the handler registry.
func WithValidator(v triage.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithAudit records resource actions and enqueues to l.
func WithAudit(l audit.Logger) Option {
	return func(s *Server) { s.audit = l }
}

// WithAuditLister serves GET /v1/audit from l.
func WithAuditLister(l audit.Lister) Option {
	return func(s *Server) { s.auditLog = l }
}

// WithRetryPolicy sets the policy used to preview retry schedules.
func WithRetryPolicy(p retry.Policy, src retry.JitterSource) Option {
	return func(s *Server) {
		s.policy = p
		s.jitter = src
	}
}

func WithStuckThreshold(d time.Duration) Option {
	return func(s *Server) { s.stuckThreshold = d }
}

// WithJWT enables bearer auth. Without it every non-public route is refused.
func WithJWT(v *auth.JWTValidator) Option {
	return func(s *Server) { s.jwt = v }
}

// WithMetrics serves reg on /metrics and records request metrics into it.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.promRegistry = reg
		s.httpMetrics = metrics.NewHTTPMetrics(reg)
	}
}

// WithClientRateLimit limits each principal to rps requests per second.
func WithClientRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.clientLimits = api.NewClientRateLimiter(rps, burst, clientKey)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func NewServer(st store.Store, tri *triage.Service, opts ...Option) *Server {
	s := &Server{
		store:          st,
		triage:         tri,
		policy:         retry.DefaultPolicy(),
		jitter:         retry.SeededJitter{},
		stuckThreshold: 5 * time.Minute,
		log:            slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "admin")
	return s
}

// clientKey buckets authenticated callers by subject and the rest by IP.
func clientKey(r *http.Request) string {
	if p, err := auth.GetPrincipal(r.Context()); err == nil {
		return "sub:" + p.GetID()
	}
	return "ip:" + api.RemoteIP(r)
}

// Handler returns the routed API with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, perm string, h http.HandlerFunc) {
		var next http.Handler = h
		if perm != "" {
			next = auth.Require(perm, h)
		}
		if s.httpMetrics != nil {
			next = api.Instrument(pattern, s.httpMetrics.Observe, next)
		}
		mux.Handle(pattern, next)
	}

	handle("GET /health", "", s.handleHealth)
	if s.promRegistry != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.promRegistry))
	}

	handle("POST /v1/tasks", auth.PermTriage, s.handleEnqueue)
	handle("GET /v1/tasks/{id}", auth.PermRead, s.handleGetTask)
	handle("POST /v1/tasks/{id}/cancel", auth.PermTriage, s.handleCancel)

	handle("GET /v1/dead-letter", auth.PermRead, s.handleListDeadLetter)
	handle("POST /v1/dead-letter/{id}/triage", auth.PermTriage, s.handleTriage)
	handle("POST /v1/dead-letter/retry-matching", auth.PermTriage, s.handleRetryMatching)

	handle("GET /v1/stuck", auth.PermRead, s.handleListStuck)
	handle("POST /v1/stuck/{id}/recover", auth.PermTriage, s.handleRecoverStuck)

	handle("GET /v1/resources", auth.PermRead, s.handleListResources)
	handle("GET /v1/resources/{key}", auth.PermRead, s.handleGetResource)
	handle("POST /v1/resources/{key}/pause", auth.PermManage, s.handleResourceAction(actionPause))
	handle("POST /v1/resources/{key}/resume", auth.PermManage, s.handleResourceAction(actionResume))
	handle("POST /v1/resources/{key}/reset", auth.PermManage, s.handleResourceAction(actionReset))

	handle("GET /v1/audit", auth.PermRead, s.handleListAudit)

	var h http.Handler = mux
	if s.clientLimits != nil {
		h = s.clientLimits.Middleware(h)
	}
	h = auth.NewMiddleware(s.jwt)(h)
	h = api.RecoverMiddleware(h)
	h = api.LoggingMiddleware(s.log)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

// ListenAndServe serves on addr until ctx ends, then drains in-flight
// requests for up to 10 seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if s.clientLimits != nil {
		go s.clientLimits.Cleanup(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "admin API listening", "addr", addr, "auth", s.jwt != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	return nil
}
