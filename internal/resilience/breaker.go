// Package resilience provides the circuit breaker guarding calls to upstream
// HTTP APIs.
//
// [Breaker] is a classic three-state breaker (closed → open → half-open).
// The bridge wraps session minting with one: when the OpenAI REST API is
// down, every incoming call would otherwise block on a doomed mint request
// before the caller hears anything. An open breaker turns that into an
// immediate rejection notice instead.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Execute] when the breaker is open and the
// cool-off period has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cool-off elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether the upstream has recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker]. Zero values select defaults.
type Config struct {
	// Name labels the breaker in log messages.
	Name string

	// Trip is the number of consecutive failures in the closed state before
	// the breaker opens. Default: 5.
	Trip int

	// CoolOff is how long the breaker stays open before allowing probe
	// calls. Default: 30s.
	CoolOff time.Duration

	// Probes is the number of probe calls permitted in the half-open state
	// before the breaker decides. Default: 3.
	Probes int
}

// Breaker implements the three-state circuit breaker pattern. Safe for
// concurrent use.
type Breaker struct {
	name    string
	trip    int
	coolOff time.Duration
	probes  int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probeCalls  int
	probeFails  int
}

// NewBreaker creates a [Breaker], filling zero config fields with defaults.
func NewBreaker(cfg Config) *Breaker {
	if cfg.Trip <= 0 {
		cfg.Trip = 5
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	return &Breaker{
		name:    cfg.Name,
		trip:    cfg.Trip,
		coolOff: cfg.CoolOff,
		probes:  cfg.Probes,
		state:   StateClosed,
	}
}

// Execute runs fn if the breaker allows it, returning [ErrOpen] otherwise.
// fn's error is passed through and feeds the failure accounting.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.coolOff {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("circuit half-open, probing upstream", "name", b.name)

	case StateHalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		// One failed probe re-opens immediately.
		b.state = StateOpen
		b.failures = b.trip
		slog.Warn("circuit re-opened, probe failed", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.trip {
		b.state = StateOpen
		slog.Warn("circuit opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = StateClosed
			b.failures = 0
			b.probeCalls = 0
			b.probeFails = 0
			slog.Info("circuit closed, upstream recovered", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the current state. An open breaker whose cool-off has elapsed
// reports half-open; the transition itself happens on the next Execute.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.coolOff {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
