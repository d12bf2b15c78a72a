package proxy

import (
	"sync"
	"time"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	// CircuitClosed means requests flow normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means requests are rejected without contacting the
	// upstream, to give a failing upstream room to recover.
	CircuitOpen
	// CircuitHalfOpen means requests are allowed through as trials of
	// whether the upstream has recovered; the next recorded success closes
	// the circuit and the next recorded failure reopens it.
	CircuitHalfOpen
)

// failureThreshold consecutive failures before the circuit opens.
const failureThreshold = 3

// defaultCooldown is how long an open circuit waits before allowing a
// half-open trial.
const defaultCooldown = 30 * time.Second

// CircuitBreaker tracks consecutive failures for one upstream and decides
// whether to allow a request through. One instance per (project, server):
// a failing upstream must never affect another upstream's circuit.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
}

// NewCircuitBreaker creates a closed breaker with the default cooldown.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{cooldown: defaultCooldown}
}

// Allow reports whether a request may proceed, transitioning an open
// breaker to half-open once its cooldown has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.consecutiveFailures = 0
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once it reaches failureThreshold. A failure while half-open
// reopens the breaker immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.open()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= failureThreshold {
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.state = CircuitOpen
	b.openedAt = time.Now()
}

// State returns the breaker's current state, for diagnostics.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
