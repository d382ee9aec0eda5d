package circuitbreaker

import (
	"sync"
	"time"
)

// Hosts holds one Breaker per upstream host.
type Hosts struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewHosts creates an empty set of host breakers sharing cfg.
func NewHosts(cfg Config) *Hosts {
	return &Hosts{
		cfg:      cfg,
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for host, creating it on first use.
// Uses double-check locking to minimize write-lock contention.
func (h *Hosts) For(host string) *Breaker {
	h.mu.RLock()
	b, ok := h.breakers[host]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.breakers[host]; ok {
		return b
	}
	b = newBreaker(h.cfg, h.now)
	h.breakers[host] = b
	return b
}

// States returns a snapshot of every tracked host's state.
func (h *Hosts) States() map[string]State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]State, len(h.breakers))
	for host, b := range h.breakers {
		out[host] = b.State()
	}
	return out
}

// EvictStale drops breakers not used since cutoff and returns how many
// were removed.
func (h *Hosts) EvictStale(cutoff time.Time) int {
	h.mu.RLock()
	var stale []string
	for host, b := range h.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, host)
		}
	}
	h.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	evicted := 0
	for _, host := range stale {
		// Re-check: the breaker may have been used since the snapshot.
		if b, ok := h.breakers[host]; ok && b.LastUsed().Before(cutoff) {
			delete(h.breakers, host)
			evicted++
		}
	}
	return evicted
}
