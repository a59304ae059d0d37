package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/vistrack/common"
	"github.com/apex/log"
)

// CircuitState circuit breaker state
type CircuitState int

// Circuit breaker states
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String implements Stringer
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitStateChangeCB observer callback invoked on every state transition
type CircuitStateChangeCB func(from, to CircuitState)

// CircuitBreakerParams tunables of one CircuitBreaker
type CircuitBreakerParams struct {
	// EvalWindow rolling error-rate evaluation window
	EvalWindow time.Duration `validate:"required"`
	// ErrorThresholdPercent error percentage at which the breaker opens
	ErrorThresholdPercent int `validate:"gte=1,lte=100"`
	// MinSamples minimum calls within the window before evaluating
	MinSamples int `validate:"gte=1"`
	// Cooldown how long an open breaker waits before a half-open trial
	Cooldown time.Duration `validate:"required"`
	// CallTimeout per-call timeout; an overrun counts as a failure
	CallTimeout time.Duration `validate:"required"`
	// OnStateChange optional transition observer
	OnStateChange CircuitStateChangeCB
}

// CircuitBreaker protects one unreliable external capability. Closed passes
// calls through while tracking the error rate; Open fails fast without
// invoking the capability; HalfOpen admits exactly one trial call.
type CircuitBreaker interface {
	// Exec run call through the breaker. Returns a DependencyError wrapping
	// ErrCircuitOpen on fail-fast, the call's own error otherwise.
	Exec(ctxt context.Context, call func(ctxt context.Context) error) error
	// State current breaker state
	State() CircuitState
}

// circuitBreakerImpl implements CircuitBreaker
type circuitBreakerImpl struct {
	common.Component
	name             string
	params           CircuitBreakerParams
	lock             sync.Mutex
	state            CircuitState
	windowStart      time.Time
	successes        int
	failures         int
	openedAt         time.Time
	halfOpenInFlight bool
	nowFn            func() time.Time
}

// GetCircuitBreaker define a new CircuitBreaker guarding the named capability
func GetCircuitBreaker(name string, params CircuitBreakerParams) (CircuitBreaker, error) {
	logTags := log.Fields{
		"module": "gateway", "component": "circuit-breaker", "instance": name,
	}
	return &circuitBreakerImpl{
		Component:   common.Component{LogTags: logTags},
		name:        name,
		params:      params,
		state:       CircuitClosed,
		windowStart: time.Now(),
		nowFn:       time.Now,
	}, nil
}

// Exec run call through the breaker
func (b *circuitBreakerImpl) Exec(
	ctxt context.Context, call func(ctxt context.Context) error,
) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtxt, cancel := context.WithTimeout(ctxt, b.params.CallTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- call(callCtxt)
	}()

	var callErr error
	select {
	case err := <-done:
		callErr = err
	case <-callCtxt.Done():
		// Timeout or cancellation counts as a failure even if the call would
		// eventually have succeeded
		callErr = callCtxt.Err()
	}
	b.record(callErr)
	return callErr
}

// State current breaker state
func (b *circuitBreakerImpl) State() CircuitState {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.state
}

// admit decide whether a call may proceed, handling Open -> HalfOpen on
// cool-down expiry
func (b *circuitBreakerImpl) admit() error {
	b.lock.Lock()
	var transition *[2]CircuitState
	defer func() {
		b.lock.Unlock()
		b.notify(transition)
	}()

	now := b.nowFn()
	switch b.state {
	case CircuitOpen:
		if now.Sub(b.openedAt) < b.params.Cooldown {
			return common.DependencyError{Dependency: b.name, Cause: common.ErrCircuitOpen}
		}
		transition = b.moveTo(CircuitHalfOpen)
		b.halfOpenInFlight = true
	case CircuitHalfOpen:
		// Exactly one trial call is allowed through
		if b.halfOpenInFlight {
			return common.DependencyError{Dependency: b.name, Cause: common.ErrCircuitOpen}
		}
		b.halfOpenInFlight = true
	case CircuitClosed:
		if now.Sub(b.windowStart) >= b.params.EvalWindow {
			b.windowStart = now
			b.successes = 0
			b.failures = 0
		}
	}
	return nil
}

// record account for a completed call and run state transitions
func (b *circuitBreakerImpl) record(callErr error) {
	b.lock.Lock()
	var transition *[2]CircuitState
	defer func() {
		b.lock.Unlock()
		b.notify(transition)
	}()

	now := b.nowFn()
	failed := callErr != nil
	switch b.state {
	case CircuitHalfOpen:
		b.halfOpenInFlight = false
		if failed {
			b.openedAt = now
			transition = b.moveTo(CircuitOpen)
		} else {
			b.windowStart = now
			b.successes = 0
			b.failures = 0
			transition = b.moveTo(CircuitClosed)
		}
	case CircuitClosed:
		if failed {
			b.failures++
		} else {
			b.successes++
		}
		total := b.failures + b.successes
		if total >= b.params.MinSamples &&
			b.failures*100 >= b.params.ErrorThresholdPercent*total {
			b.openedAt = now
			transition = b.moveTo(CircuitOpen)
		}
	case CircuitOpen:
		// A call admitted before the transition finished late. Nothing to do.
	}
}

// moveTo caller must hold the lock
func (b *circuitBreakerImpl) moveTo(to CircuitState) *[2]CircuitState {
	from := b.state
	b.state = to
	log.WithFields(b.LogTags).Warnf("State %s => %s", from, to)
	return &[2]CircuitState{from, to}
}

// notify fire the transition observer outside the lock
func (b *circuitBreakerImpl) notify(transition *[2]CircuitState) {
	if transition != nil && b.params.OnStateChange != nil {
		b.params.OnStateChange(transition[0], transition[1])
	}
}
