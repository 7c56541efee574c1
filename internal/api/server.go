package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/auth"
	"github.com/org/accessgate/internal/credential"
	"github.com/org/accessgate/internal/health"
	"github.com/org/accessgate/internal/policy"
	"github.com/org/accessgate/internal/provider"
	"github.com/org/accessgate/internal/provisioning"
	"github.com/org/accessgate/internal/state"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	RateLimit   float64 // requests per second per client IP, 0 disables
	RateBurst   int
	CORSOrigins []string
}

// HealthRunner runs an on-demand credential health check.
type HealthRunner interface {
	RunOnce(ctx context.Context) (*health.Report, error)
}

// CredentialValidator checks submitted credentials against the upstream.
type CredentialValidator func(ctx context.Context, cred *models.Credential) provider.Result

// Deps are the components the admin API drives.
type Deps struct {
	Store       storage.StorageBackend
	Service     *provisioning.Service
	Machine     *state.Machine
	Credentials *credential.Store
	Health      HealthRunner
	Validate    CredentialValidator
	Audit       *audit.Logger
	Keys        *auth.KeyRing
	Policy      *policy.Engine
	Logger      zerolog.Logger
}

// Server is the admin API server.
type Server struct {
	Deps
	cfg     Config
	logger  zerolog.Logger
	httpSrv *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	return &Server{
		Deps:   deps,
		cfg:    cfg,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.corsMiddleware())
	if s.cfg.RateLimit > 0 {
		r.Use(newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst).middleware)
	}
	r.Use(auditMiddleware(s.Audit))

	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.Keys))

		read := s.authorize(models.CapRead)
		write := s.authorize(models.CapWrite)
		sudo := s.authorize(models.CapSudo)

		r.With(read).Get("/v1/auth/key/lookup-self", s.KeyLookupSelfHandler)
		r.With(read).Get("/v1/sys/policies", s.PolicyListHandler)
		r.With(read).Get("/v1/sys/capabilities", s.CapabilitiesHandler)
		r.With(sudo).Get("/v1/audit-log", s.AuditLogHandler)

		r.With(read).Get("/v1/provisioning/state", s.StateHandler)
		r.With(sudo).Post("/v1/provisioning/restore", s.RestoreHandler)
		r.With(sudo).Put("/v1/provisioning/mode", s.SetModeHandler)
		r.With(write).Post("/v1/provisioning/health-check", s.HealthCheckHandler)

		r.With(sudo).Post("/v1/credentials", s.CredentialStoreHandler)
		r.With(read).Get("/v1/credentials", s.CredentialListHandler)

		r.With(write).Post("/v1/access", s.AccessCreateHandler)
		r.With(read).Get("/v1/access/{id}", s.AccessGetHandler)
		r.With(write).Post("/v1/access/{id}/grant", s.AccessGrantHandler)
		r.With(write).Post("/v1/access/{id}/revoke", s.AccessRevokeHandler)
		r.With(write).Post("/v1/access/{id}/retry", s.AccessRetryHandler)
		r.With(write).Post("/v1/strategies/{id}/auto-grant", s.BulkAutoGrantHandler)

		r.With(read).Get("/v1/manual-tasks", s.TaskListHandler)
		r.With(write).Post("/v1/manual-tasks/{id}/complete", s.TaskCompleteHandler)
		r.With(write).Post("/v1/manual-tasks/{id}/fail", s.TaskFailHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.BuildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion:       tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{tls.CurveP256, tls.X25519},
		}
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
