package upstream

import (
	"sync"
	"time"
)

// BreakerState is the state of a per-host circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig parameterizes a Breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures inside Window open the breaker.
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultBreakerConfig opens after 5 failures in 30s and probes after 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Window: 30 * time.Second, Cooldown: 30 * time.Second}
}

// Breaker is a consecutive-failure circuit breaker with a single half-open
// probe.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now}
}

// Allow reports whether a call may proceed. When it admits the half-open
// probe, probe is true and the caller must report the outcome through Record
// or give the slot back through Cancel.
func (b *Breaker) Allow() (ok bool, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true, false
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true, true
	default:
		if b.probing {
			return false, false
		}
		b.probing = true
		return true, true
	}
}

// Record reports the outcome of an admitted call. It returns true when this
// call caused the breaker to open.
func (b *Breaker) Record(success bool) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if success {
		b.state = BreakerClosed
		b.failures = 0
		b.probing = false
		return false
	}
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.probing = false
		return true
	case BreakerOpen:
		return false
	}
	if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = now
		b.failures = 0
		return true
	}
	return false
}

// Cancel returns an unused probe slot.
func (b *Breaker) Cancel(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// State returns the current state, reporting an open breaker whose cooldown
// has elapsed as half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
