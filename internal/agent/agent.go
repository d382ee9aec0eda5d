// Package agent implements the offline cache agent's three lifecycle
// handlers: install pre-populates the current store from the manifest, fetch
// serves cache-first with a network fallback, and activate removes every
// store but the current one.
//
// Each handler is a plain function of (Config, Capabilities, payload) so it
// can be exercised with fakes. Agent wraps them with tracing for the server.
package agent

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	offline "github.com/eugener/stowaway/internal"
	"github.com/eugener/stowaway/internal/telemetry"
)

// Config is fixed for the lifetime of a deployment.
type Config struct {
	CacheName string
	Manifest  []string // absolute URLs, in precache order

	// MaxStoreBytes bounds the body a fetch buffers for storage; larger
	// responses are delivered but not stored. Zero means no bound.
	MaxStoreBytes int64
}

// Validate checks that the store name and manifest are present.
func (c Config) Validate() error {
	if c.CacheName == "" {
		return errors.New("cache name is required")
	}
	if len(c.Manifest) == 0 {
		return errors.New("manifest must list at least one URL")
	}
	return nil
}

// Writer performs store writes off the request path.
type Writer interface {
	Write(name string, req *offline.Request, resp *offline.Response)
}

// Capabilities are the platform services the handlers consume.
type Capabilities struct {
	Storage offline.CacheStorage
	Network offline.Network
	Writer  Writer             // nil = write inline before returning
	Metrics *telemetry.Metrics // nil = no metrics
}

// Agent binds a Config to its Capabilities.
type Agent struct {
	cfg    Config
	caps   Capabilities
	tracer trace.Tracer
}

// New validates cfg and returns an Agent.
func New(cfg Config, caps Capabilities) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}
	if caps.Storage == nil || caps.Network == nil {
		return nil, errors.New("agent: storage and network are required")
	}
	return &Agent{
		cfg:    cfg,
		caps:   caps,
		tracer: telemetry.Tracer("github.com/eugener/stowaway/internal/agent"),
	}, nil
}

// CacheName returns the current store name.
func (a *Agent) CacheName() string { return a.cfg.CacheName }

// Caches lists the existing store names.
func (a *Agent) Caches(ctx context.Context) ([]string, error) {
	return a.caps.Storage.Keys(ctx)
}

// Install runs the install handler.
func (a *Agent) Install(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "agent.install", trace.WithAttributes(
		attribute.String("cache.name", a.cfg.CacheName),
		attribute.Int("manifest.size", len(a.cfg.Manifest)),
	))
	err := Install(ctx, a.cfg, a.caps)
	telemetry.EndSpan(span, err)
	return err
}

// Fetch runs the fetch handler and reports where the response came from.
func (a *Agent) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, Source) {
	ctx, span := a.tracer.Start(ctx, "agent.fetch", trace.WithAttributes(
		attribute.String("http.method", req.NormalizedMethod()),
		attribute.String("url.full", req.URL),
	))
	resp, src := serve(ctx, a.cfg, a.caps, req)
	span.SetAttributes(attribute.String("agent.source", string(src)))
	if resp != nil {
		span.SetAttributes(
			attribute.Int("http.status_code", resp.StatusCode),
			attribute.String("response.type", string(resp.Type)),
		)
	}
	span.End()
	return resp, src
}

// Activate runs the activate handler.
func (a *Agent) Activate(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "agent.activate", trace.WithAttributes(
		attribute.String("cache.name", a.cfg.CacheName),
	))
	err := Activate(ctx, a.cfg, a.caps)
	telemetry.EndSpan(span, err)
	return err
}
