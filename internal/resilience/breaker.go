// Package resilience provides a circuit breaker for the outbound completion
// calls a live call depends on. A dead endpoint then costs one failed probe
// per reset window instead of a full timeout per document query.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the guarded function while the
// breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	default:
		return "half-open"
	}
}

// BreakerConfig tunes a Breaker. Zero fields take the defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string
	// MaxFailures is how many consecutive failures open the breaker.
	// Default 5.
	MaxFailures int
	// ResetAfter is how long the breaker stays open before letting a probe
	// through. Default 30s.
	ResetAfter time.Duration
}

// Breaker is a three-state circuit breaker. After MaxFailures consecutive
// failures it rejects calls with ErrOpen; once ResetAfter has passed a
// single probe call is let through, and its outcome decides whether the
// breaker closes again. Safe for concurrent use.
type Breaker struct {
	name        string
	maxFailures int
	resetAfter  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 30 * time.Second
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		resetAfter:  cfg.ResetAfter,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open. In the half-open window exactly one
// caller probes; everyone else keeps getting ErrOpen until the probe
// settles.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.settle(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.resetAfter {
			return ErrOpen
		}
		b.state = stateHalfOpen
		b.probing = true
		slog.Info("circuit half-open, probing", "breaker", b.name)
		return nil
	case stateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) settle(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		if b.state != stateClosed {
			slog.Info("circuit closed", "breaker", b.name)
		}
		b.state = stateClosed
		b.failures = 0
		b.probing = false
		return
	}

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = b.now()
		b.probing = false
		slog.Warn("circuit re-opened by failed probe", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
		slog.Warn("circuit opened", "breaker", b.name, "consecutive_failures", b.failures)
	}
}
