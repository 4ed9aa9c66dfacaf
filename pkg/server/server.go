// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/mnemo/pkg/agent"
	"github.com/kadirpekel/mnemo/pkg/auth"
	"github.com/kadirpekel/mnemo/pkg/config"
	"github.com/kadirpekel/mnemo/pkg/fault"
	"github.com/kadirpekel/mnemo/pkg/observability"
	"github.com/kadirpekel/mnemo/pkg/ratelimit"
	"github.com/kadirpekel/mnemo/pkg/session"
)

// StatsSource reports runtime counters for GET /sessions/stats. The runtime
// implements it; tests substitute stubs.
type StatsSource interface {
	// RuntimeStats reports engine activity: memory operations, reflection
	// verdicts, agent turns.
	RuntimeStats() map[string]any

	// OptimizationStatus reports the state of the fast paths: caches,
	// read dedup, the embedder gate, pool pressure.
	OptimizationStatus() map[string]any
}

// HealthSource reports backend connectivity for GET /healthz.
type HealthSource interface {
	// Health returns per-component state and whether the process is fully
	// healthy. Degraded (e.g. vector store on its in-memory fallback) is
	// reported, not hidden.
	Health(ctx context.Context) (components map[string]any, healthy bool)
}

// Deps carries the server's collaborators.
type Deps struct {
	// Sessions manages session lifecycle and history. Required.
	Sessions *session.Manager

	// Agent runs conversational turns. Required.
	Agent *agent.Agent

	// Stats feeds /sessions/stats. Optional.
	Stats StatsSource

	// Health feeds /healthz. Optional.
	Health HealthSource

	// Auth validates bearer tokens. Nil disables authentication.
	Auth auth.TokenValidator

	// Limiter enforces request and token budgets. Nil disables limiting.
	Limiter ratelimit.RateLimiter

	// Observability provides the tracer and metrics for HTTP middleware.
	// Optional.
	Observability *observability.Manager
}

// Server is the HTTP session API.
type Server struct {
	cfg  config.ServerConfig
	deps Deps

	httpServer *http.Server
}

// New builds a server. The config is defaulted here so a zero value yields
// a listenable server.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fault.Wrap(fault.Validation, "server.new", "invalid server config", err)
	}

	if deps.Sessions == nil {
		return nil, fault.New(fault.Validation, "server.new", "session manager is required")
	}
	if deps.Agent == nil {
		return nil, fault.New(fault.Validation, "server.new", "agent is required")
	}

	return &Server{cfg: cfg, deps: deps}, nil
}

// Handler returns the full middleware-wrapped handler. Exposed so tests can
// drive the server through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()

	router.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)
		r.Get("/current", s.handleCurrentSession)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleDeleteSession)
		r.Post("/{id}/load", s.handleLoadSession)
		r.Get("/{id}/history", s.handleHistory)
		r.Post("/{id}/run", s.handleRun)
	})

	router.Get("/healthz", s.handleHealthz)

	metricsPath := ""
	if s.deps.Observability != nil && s.deps.Observability.MetricsEnabled() {
		metricsPath = s.deps.Observability.MetricsEndpoint()
		router.Handle(metricsPath, s.deps.Observability.GetMetrics().Handler())
		slog.Info("Metrics endpoint enabled", "path", metricsPath)
	}

	// Inner to outer: limiter sees authenticated claims, auth skips the
	// health and metrics paths, observability wraps everything.
	var handler http.Handler = router

	if s.deps.Limiter != nil {
		excluded := []string{"/healthz"}
		if metricsPath != "" {
			excluded = append(excluded, metricsPath)
		}
		handler = ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:       s.deps.Limiter,
			ExcludedPaths: excluded,
			OnLimited:     onRateLimited,
		})(handler)
	}

	if s.deps.Auth != nil {
		excluded := []string{"/healthz"}
		if metricsPath != "" {
			excluded = append(excluded, metricsPath)
		}
		requireAuth := true
		if s.cfg.Auth != nil {
			excluded = append(excluded, s.cfg.Auth.ExcludedPaths...)
			requireAuth = s.cfg.Auth.IsRequireAuth()
		}
		handler = auth.Middleware(s.deps.Auth, auth.MiddlewareOptions{
			ExcludedPaths: excluded,
			RequireAuth:   requireAuth,
			OnError:       onAuthError,
		})(handler)
		slog.Info("Authentication enabled", "excluded_paths", excluded)
	}

	handler = corsHandler(s.cfg.CORS)(handler)
	handler = requestLogger(handler)
	handler = recoverer(handler)
	handler = requestID(handler)

	if s.deps.Observability != nil {
		handler = observability.HTTPMiddleware(
			s.deps.Observability.GetTracer("mnemo.server"),
			s.deps.Observability.GetMetrics(),
		)(handler)
	}

	return handler
}

// Start runs the server until ctx is canceled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.cfg.RequestTimeout,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil && config.BoolValue(s.cfg.TLS.Enabled, false) {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests, bounded by the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Address()
}

// onAuthError writes authentication failures in the standard envelope.
func onAuthError(w http.ResponseWriter, r *http.Request, status int, err error) {
	writeError(w, r, status, CodeUnauthorized, err.Error(), nil)
}

// onRateLimited writes throttled requests in the standard envelope.
func onRateLimited(w http.ResponseWriter, r *http.Request, result *ratelimit.CheckResult) {
	details := map[string]any{}
	if result.RetryAfter != nil {
		details["retryAfterSeconds"] = int64(result.RetryAfter.Seconds())
	}
	writeError(w, r, http.StatusTooManyRequests, CodeRateLimitExceeded, result.Reason, details)
}
