package proxyclient

import (
	"log/slog"
	"sync"
	"time"
)

// Endpoint classes tracked by independent circuit breakers. A failure storm
// on detail pages must not block search traffic.
const (
	ClassSearch  = "search"
	ClassBrands  = "brands"
	ClassDetail  = "detail"
	ClassGeneric = "generic"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type BreakerConfig struct {
	Threshold   int           `json:"threshold"`
	ResetWindow time.Duration `json:"reset_window"`
}

// Breaker is a three-state circuit breaker for one endpoint class.
type Breaker struct {
	mu          sync.Mutex
	class       string
	threshold   int
	resetWindow time.Duration
	failures    int
	state       BreakerState
	lastFailure time.Time

	now func() time.Time
}

func NewBreaker(class string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = time.Minute
	}
	return &Breaker{
		class:       class,
		threshold:   cfg.Threshold,
		resetWindow: cfg.ResetWindow,
		now:         time.Now,
	}
}

// Available reports whether traffic may flow. When the reset window has
// elapsed on an open breaker it flips to half-open and admits one probe;
// further callers are rejected until the probe settles.
func (b *Breaker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return false
	default:
		if b.now().Sub(b.lastFailure) > b.resetWindow {
			b.state = StateHalfOpen
			slog.Info("circuit breaker probing", "class", b.class)
			return true
		}
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		slog.Info("circuit breaker closed", "class", b.class)
	}
	b.failures = 0
	b.state = StateClosed
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		if b.state != StateOpen {
			slog.Warn("circuit breaker opened",
				"class", b.class,
				"failures", b.failures,
				"reset_window", b.resetWindow,
			)
		}
		b.state = StateOpen
		b.lastFailure = b.now()
	}
}

type BreakerSnapshot struct {
	Class             string
	State             string
	Failures          int
	CooldownRemaining time.Duration
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Class:    b.class,
		State:    b.state.String(),
		Failures: b.failures,
	}
	if b.state == StateOpen {
		remaining := b.resetWindow - b.now().Sub(b.lastFailure)
		if remaining > 0 {
			snap.CooldownRemaining = remaining
		}
	}
	return snap
}

// BreakerSet lazily tracks one breaker per endpoint class.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
}

func NewBreakerSet(defaults BreakerConfig, overrides map[string]BreakerConfig) *BreakerSet {
	return &BreakerSet{
		breakers:  map[string]*Breaker{},
		defaults:  defaults,
		overrides: overrides,
	}
}

func (s *BreakerSet) For(class string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[class]; ok {
		return b
	}
	cfg := s.defaults
	if override, ok := s.overrides[class]; ok {
		cfg = override
	}
	b := NewBreaker(class, cfg)
	s.breakers[class] = b
	return b
}

func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]BreakerSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}
