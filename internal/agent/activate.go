package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Activate deletes every store whose name is not cfg.CacheName. Deletions
// run concurrently and are awaited as a batch; a failed deletion is logged
// and does not fail activation.
func Activate(ctx context.Context, cfg Config, caps Capabilities) error {
	names, err := caps.Storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		deleted []string
	)
	for _, name := range names {
		if name == cfg.CacheName {
			continue
		}
		g.Go(func() error {
			ok, err := caps.Storage.Delete(ctx, name)
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "delete cache failed",
					slog.String("cache", name),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if ok {
				mu.Lock()
				deleted = append(deleted, name)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	for _, name := range deleted {
		slog.Info("deleted stale cache", "cache", name)
	}
	if caps.Metrics != nil {
		caps.Metrics.CachesDeleted.Add(float64(len(deleted)))
	}
	return nil
}
