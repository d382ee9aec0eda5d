package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/dnscache"
)

func TestDNSRefresher_StopsOnCancel(t *testing.T) {
	t.Parallel()
	w := NewDNSRefresher(&dnscache.Resolver{}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop")
	}
}
