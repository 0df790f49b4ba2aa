package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the position of a circuit breaker.
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

// BreakerTransition is passed to the notify hook on every state change.
type BreakerTransition struct {
	Service  string
	From, To BreakerState
	Failures int
}

// BreakerSnapshot is a read-only view for health reporting.
type BreakerSnapshot struct {
	Service  string        `json:"service"`
	State    string        `json:"state"`
	Failures int           `json:"failures"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
}

// CircuitBreaker guards the remote route of one service. While closed every
// call goes through. threshold consecutive failures open it; an open breaker
// rejects calls until the cooldown has elapsed, then admits probes
// (half-open). probes consecutive successes close it, one failure reopens it.
type CircuitBreaker struct {
	mu        sync.Mutex
	service   string
	state     BreakerState
	failures  int
	successes int
	threshold int
	cooldown  time.Duration
	probes    int
	openedAt  time.Time
	now       func() time.Time
	notify    func(BreakerTransition)
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failures that open the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets the cooldown of an open breaker.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerHalfOpenMax sets the probe successes needed to close.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.probes = n }
}

// WithBreakerClock replaces time.Now.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerService names the guarded service in snapshots and transitions.
func WithBreakerService(name string) BreakerOption {
	return func(cb *CircuitBreaker) { cb.service = name }
}

// WithBreakerNotify registers fn for state changes. fn runs outside the
// breaker lock.
func WithBreakerNotify(fn func(BreakerTransition)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.notify = fn }
}

// NewCircuitBreaker defaults: 5 failures, 30s cooldown, 2 probes.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		threshold: 5,
		cooldown:  30 * time.Second,
		probes:    2,
		now:       time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	if cb.threshold < 1 {
		cb.threshold = 1
	}
	if cb.probes < 1 {
		cb.probes = 1
	}
	return cb
}

// update runs fn under the lock and reports the resulting transition, if any.
func (cb *CircuitBreaker) update(fn func()) {
	cb.mu.Lock()
	from := cb.state
	fn()
	tr := BreakerTransition{Service: cb.service, From: from, To: cb.state, Failures: cb.failures}
	notify := cb.notify
	cb.mu.Unlock()
	if notify != nil && tr.From != tr.To {
		notify(tr)
	}
}

// caller holds mu
func (cb *CircuitBreaker) cool() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
}

// caller holds mu
func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	var s BreakerState
	cb.update(func() {
		cb.cool()
		s = cb.state
	})
	return s
}

// Allow reports whether a call may go through now.
func (cb *CircuitBreaker) Allow() bool {
	var ok bool
	cb.update(func() {
		cb.cool()
		ok = cb.state != BreakerOpen
	})
	return ok
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.update(func() {
		switch cb.state {
		case BreakerHalfOpen:
			cb.successes++
			if cb.successes >= cb.probes {
				cb.state = BreakerClosed
				cb.failures, cb.successes = 0, 0
			}
		case BreakerClosed:
			cb.failures = 0
		}
	})
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.update(func() {
		cb.failures++
		switch cb.state {
		case BreakerClosed:
			if cb.failures >= cb.threshold {
				cb.trip()
			}
		case BreakerHalfOpen:
			cb.trip()
		}
	})
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.update(func() {
		cb.state = BreakerClosed
		cb.failures, cb.successes = 0, 0
	})
}

// Snapshot returns the state, the failure streak and, when open, the time
// left before probes are admitted.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	var snap BreakerSnapshot
	cb.update(func() {
		cb.cool()
		snap = BreakerSnapshot{Service: cb.service, State: cb.state.String(), Failures: cb.failures}
		if cb.state == BreakerOpen {
			snap.RetryIn = cb.cooldown - cb.now().Sub(cb.openedAt)
		}
	})
	return snap
}

// WithCircuitBreaker rejects calls with ErrCircuitOpen while cb is open.
// Cancellation by the caller is not a failure of the remote.
func WithCircuitBreaker(cb *CircuitBreaker, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Service: service, RetryIn: cb.Snapshot().RetryIn}
			}
			resp, err := next(ctx, payload)
			switch {
			case err != nil && ctx.Err() != nil:
			case err != nil:
				cb.RecordFailure()
			default:
				cb.RecordSuccess()
			}
			return resp, err
		}
	}
}
