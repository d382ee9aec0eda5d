package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	offline "github.com/eugener/stowaway/internal"
)

// Source says where a fetch response came from.
type Source string

const (
	FromCache   Source = "hit"
	FromNetwork Source = "miss"
	NoResponse  Source = "none"
)

// Fetch answers req cache-first. On a miss it goes to the network and, for a
// 200 or opaque response, stores a clone under req's key before returning
// the original. A network failure is logged and yields a nil response.
func Fetch(ctx context.Context, cfg Config, caps Capabilities, req *offline.Request) *offline.Response {
	resp, _ := serve(ctx, cfg, caps, req)
	return resp
}

func serve(ctx context.Context, cfg Config, caps Capabilities, req *offline.Request) (*offline.Response, Source) {
	rec, err := caps.Storage.Match(ctx, req)
	if err == nil {
		if caps.Metrics != nil {
			caps.Metrics.CacheHits.Inc()
		}
		return rec.Response(), FromCache
	}
	if !errors.Is(err, offline.ErrNotFound) {
		slog.LogAttrs(ctx, slog.LevelWarn, "cache lookup failed",
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
	}
	if caps.Metrics != nil {
		caps.Metrics.CacheMisses.Inc()
	}

	start := time.Now()
	resp, err := caps.Network.Fetch(ctx, req)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "fetch failed, network error",
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
			slog.String("request_id", offline.RequestIDFromContext(ctx)),
		)
		if caps.Metrics != nil {
			caps.Metrics.NetworkErrors.Inc()
		}
		return nil, NoResponse
	}
	if caps.Metrics != nil && resp != nil {
		caps.Metrics.NetworkDuration.WithLabelValues(string(resp.Type)).Observe(time.Since(start).Seconds())
	}

	// Status is checked before type: an opaque response is cached whatever
	// its status, an opaqueredirect is not.
	if resp == nil || resp.StatusCode != http.StatusOK {
		if resp == nil || resp.Type != offline.TypeOpaque {
			return resp, FromNetwork
		}
	}

	limit := cfg.MaxStoreBytes
	if limit <= 0 {
		limit = -1
	}
	clone, err := resp.CloneLimit(limit)
	if errors.Is(err, offline.ErrBodyTooLarge) {
		slog.LogAttrs(ctx, slog.LevelDebug, "response too large to store",
			slog.String("url", req.URL),
			slog.Int64("limit", limit),
		)
		return resp, FromNetwork
	}
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "clone response failed",
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
		return resp, FromNetwork
	}
	store(ctx, cfg, caps, req, clone)
	return resp, FromNetwork
}

// store hands clone to the writer, or writes it inline when there is none.
func store(ctx context.Context, cfg Config, caps Capabilities, req *offline.Request, clone *offline.Response) {
	if caps.Writer != nil {
		caps.Writer.Write(cfg.CacheName, req, clone)
		return
	}

	c, err := caps.Storage.Open(ctx, cfg.CacheName)
	if err == nil {
		err = c.Put(ctx, req, clone)
	}
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, offline.ErrBadRequest) || errors.Is(err, offline.ErrStoreDeleted) {
			level = slog.LevelDebug
		}
		slog.LogAttrs(ctx, level, "store write failed",
			slog.String("cache", cfg.CacheName),
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
		if caps.Metrics != nil {
			caps.Metrics.StoreWrites.WithLabelValues("error").Inc()
		}
		return
	}
	if caps.Metrics != nil {
		caps.Metrics.StoreWrites.WithLabelValues("ok").Inc()
	}
}
