package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner runs a fixed set of workers together. The first worker to fail
// cancels the rest.
type Runner struct {
	workers []Worker
}

// NewRunner returns a Runner for workers.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run blocks until every worker has returned. Errors are wrapped with the
// worker's name; only the first is reported.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := workerName(w)
		g.Go(func() error {
			slog.LogAttrs(gctx, slog.LevelInfo, "worker started", slog.String("worker", name))
			err := w.Run(gctx)
			slog.LogAttrs(gctx, slog.LevelDebug, "worker stopped", slog.String("worker", name))
			if err != nil {
				return fmt.Errorf("worker %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func workerName(w Worker) string {
	if n, ok := w.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", w)
}
