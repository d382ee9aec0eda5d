package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/stowaway/internal/circuitbreaker"
)

// BreakerSweeper periodically drops breakers of hosts that have not been
// fetched for maxIdle and reports hosts whose breaker is not closed.
type BreakerSweeper struct {
	hosts    *circuitbreaker.Hosts
	interval time.Duration
	maxIdle  time.Duration
}

// NewBreakerSweeper creates a BreakerSweeper for hosts.
func NewBreakerSweeper(hosts *circuitbreaker.Hosts, interval, maxIdle time.Duration) *BreakerSweeper {
	return &BreakerSweeper{hosts: hosts, interval: interval, maxIdle: maxIdle}
}

// Name returns the worker identifier.
func (w *BreakerSweeper) Name() string { return "breaker_sweep" }

// Run sweeps on every tick until ctx is cancelled.
func (w *BreakerSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			w.sweep(ctx, now)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *BreakerSweeper) sweep(ctx context.Context, now time.Time) {
	if n := w.hosts.EvictStale(now.Add(-w.maxIdle)); n > 0 {
		slog.LogAttrs(ctx, slog.LevelDebug, "evicted idle host breakers", slog.Int("count", n))
	}
	for host, state := range w.hosts.States() {
		if state != circuitbreaker.StateClosed {
			slog.LogAttrs(ctx, slog.LevelWarn, "upstream host unavailable",
				slog.String("host", host),
				slog.String("state", state.String()),
			)
		}
	}
}
