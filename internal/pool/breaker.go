package pool

import (
	"sync"
	"time"
)

// BreakerState is the circuit state guarding one server.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	defaultOpenThreshold = 5
	defaultCooldown      = 30 * time.Second
)

// breaker is a per-server circuit breaker. Closed lets traffic through;
// Open rejects until the cooldown elapses; HalfOpen admits exactly one
// probe whose outcome decides the next state.
type breaker struct {
	mu            sync.Mutex
	state         BreakerState
	failures      int
	openThreshold int
	cooldown      time.Duration
	openedAt      time.Time
	probing       bool
	now           func() time.Time
}

func newBreaker(openThreshold int, cooldown time.Duration) *breaker {
	if openThreshold <= 0 {
		openThreshold = defaultOpenThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &breaker{
		openThreshold: openThreshold,
		cooldown:      cooldown,
		now:           time.Now,
	}
}

// Allow reports whether a request may proceed. When the cooldown of an
// open circuit has elapsed, the first caller is admitted as the half-open
// probe and everyone else keeps being rejected until the probe resolves.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// OnSuccess closes the circuit.
func (b *breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// OnFailure counts a failure; crossing the threshold (or failing the
// half-open probe) opens the circuit with a fresh cooldown.
func (b *breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probing = false
		return
	}

	b.failures++
	if b.failures >= b.openThreshold {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// OnCancelled releases an admitted probe slot without judging the
// server: the request died with its caller, not on the wire. The
// circuit returns to Open with its original timestamp, so the next
// caller is admitted as a fresh probe.
func (b *breaker) OnCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.probing = false
	}
}

// State returns the current circuit state without admitting a probe.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
