package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	offline "github.com/eugener/stowaway/internal"
)

// Install opens the current store and adds every manifest URL to it. It is
// all-or-nothing: if any URL cannot be fetched or answers with a non-2xx
// status, nothing is written and the error wraps offline.ErrInstall.
func Install(ctx context.Context, cfg Config, caps Capabilities) error {
	c, err := caps.Storage.Open(ctx, cfg.CacheName)
	if err != nil {
		return fmt.Errorf("%w: open cache %q: %w", offline.ErrInstall, cfg.CacheName, err)
	}
	slog.Info("opened cache", "cache", cfg.CacheName)

	if err := addAll(ctx, c, caps.Network, cfg.Manifest); err != nil {
		return fmt.Errorf("%w: %w", offline.ErrInstall, err)
	}

	if caps.Metrics != nil {
		caps.Metrics.PrecachedEntries.Set(float64(len(cfg.Manifest)))
	}
	slog.Info("precached manifest", "cache", cfg.CacheName, "entries", len(cfg.Manifest))
	return nil
}

// addAll fetches urls concurrently and writes them to c in one batch once
// every fetch has succeeded.
func addAll(ctx context.Context, c offline.Cache, network offline.Network, urls []string) error {
	recs := make([]*offline.Record, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req := &offline.Request{Method: http.MethodGet, URL: u, Mode: offline.ModeCORS}
			resp, err := network.Fetch(gctx, req)
			if err != nil {
				return err
			}
			if !resp.OK() {
				resp.Body().Close()
				return fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
			}
			rec, err := offline.NewRecord(req, resp)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return c.PutAll(ctx, recs)
}
