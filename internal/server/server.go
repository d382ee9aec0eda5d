// Package server implements the HTTP transport layer for the stowaway agent.
package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	offline "github.com/eugener/stowaway/internal"
	"github.com/eugener/stowaway/internal/agent"
	"github.com/eugener/stowaway/internal/telemetry"
)

// SystemPrefix is the path prefix of the agent's own endpoints. Requests
// under it are never intercepted.
const SystemPrefix = "/_stowaway"

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Agent answers intercepted requests and describes its stores.
type Agent interface {
	Fetch(ctx context.Context, req *offline.Request) (*offline.Response, agent.Source)
	CacheName() string
	Caches(ctx context.Context) ([]string, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Agent          Agent
	Origin         *url.URL           // application origin; origin-form requests resolve against it
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
	Metrics        *telemetry.Metrics // nil = no metrics middleware
	MetricsHandler http.Handler       // nil = no /_stowaway/metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Route(SystemPrefix, func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Get("/caches", s.handleCaches)
		if deps.MetricsHandler != nil {
			r.Handle("/metrics", deps.MetricsHandler)
		}
	})

	// Everything else is an intercepted request.
	r.Handle("/*", http.HandlerFunc(s.handleFetch))

	return r
}

type server struct {
	deps Deps
}
