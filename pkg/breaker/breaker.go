package breaker

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds circuit breaker thresholds
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns the thresholds used for per-subscriber breakers
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     60 * time.Second,
	}
}

// Breaker gates calls to a failing downstream based on recent failure
// density. Safe for concurrent use.
type Breaker struct {
	mu              sync.Mutex
	cfg             Config
	clk             clock.Clock
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a circuit breaker in the closed state
func New(cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Breaker{
		cfg:   cfg,
		clk:   clk,
		state: StateClosed,
	}
}

// Allow reports whether a request may proceed. An open breaker whose reset
// timeout has elapsed transitions to half-open and admits the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return true
	case StateOpen:
		if b.clk.Now().Sub(b.lastFailureTime) > b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful call. Enough consecutive successes in
// half-open close the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure records a failed call. Reaching the failure threshold opens
// the breaker; any failure in half-open reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.clk.Now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.failureCount = b.cfg.FailureThreshold
		b.successCount = 0
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
