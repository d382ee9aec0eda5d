// Package circuitbreaker tracks the health of upstream hosts with a
// sliding-window error rate. A host that keeps failing is short-circuited so
// fetches to it fail in nanoseconds instead of waiting on dial and TLS
// timeouts, which is what an offline agent sees most of the time.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while a host's breaker is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	ErrorThreshold float64       // weighted error rate to trip (e.g. 0.50)
	MinSamples     int           // minimum requests before the breaker can open
	Window         time.Duration // sliding window, whole seconds, at most 60s
	OpenTimeout    time.Duration // time in OPEN before a probe is let through
}

// DefaultConfig returns defaults tuned for detecting a lost connection.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 0.50,
		MinSamples:     5,
		Window:         30 * time.Second,
		OpenTimeout:    15 * time.Second,
	}
}

const maxWindowSeconds = 60

// slot holds the outcomes recorded during one wall-clock second.
type slot struct {
	sec    int64   // unix second the slot belongs to
	errors float64 // weighted error sum
	total  int
}

// window is a ring of one-second slots indexed by unix second. A slot whose
// second has fallen out of the window is stale and is ignored or reused.
type window struct {
	slots [maxWindowSeconds]slot
	size  int64
}

func newWindow(d time.Duration) window {
	size := int64(d / time.Second)
	if size <= 0 || size > maxWindowSeconds {
		size = maxWindowSeconds
	}
	return window{size: size}
}

func (w *window) record(weight float64, now time.Time) {
	sec := now.Unix()
	s := &w.slots[sec%w.size]
	if s.sec != sec {
		*s = slot{sec: sec}
	}
	s.total++
	s.errors += weight
}

// rate returns the weighted error rate and sample count inside the window.
func (w *window) rate(now time.Time) (float64, int) {
	sec := now.Unix()
	var errs float64
	var total int
	for i := range w.size {
		s := &w.slots[i]
		if s.total == 0 || sec-s.sec >= w.size || s.sec > sec {
			continue
		}
		errs += s.errors
		total += s.total
	}
	if total == 0 {
		return 0, 0
	}
	return errs / float64(total), total
}

func (w *window) reset() {
	clear(w.slots[:])
}

// Breaker is the state machine for one upstream host.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	win      window
	openedAt time.Time
	lastUsed time.Time
	probing  bool // a half-open probe is in flight
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return newBreaker(cfg, time.Now)
}

func newBreaker(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		cfg:      cfg,
		now:      now,
		win:      newWindow(cfg.Window),
		lastUsed: now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow returns nil when a request may proceed and ErrOpen otherwise. Once
// OpenTimeout has passed an open breaker lets exactly one probe through.
func (b *Breaker) Allow() error {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	default:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
}

// Record reports the outcome of an allowed request. Weight 0 is a success.
func (b *Breaker) Record(weight float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.win.record(weight, now)

	switch b.state {
	case StateHalfOpen:
		b.probing = false
		if weight > 0 {
			b.state = StateOpen
			b.openedAt = now
			return
		}
		b.state = StateClosed
		b.win.reset()
	case StateClosed:
		if weight == 0 {
			return
		}
		rate, samples := b.win.rate(now)
		if samples >= b.cfg.MinSamples && rate >= b.cfg.ErrorThreshold {
			b.state = StateOpen
			b.openedAt = now
		}
	}
}

// Abandon releases a half-open probe without recording an outcome, e.g.
// when the caller cancelled the request.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// LastUsed returns the time of last activity (for stale eviction).
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
