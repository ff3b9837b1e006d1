// Package resilience provides the pacing policy and circuit breaker wrapped
// around calls to the external imagery API.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripped, reject calls
	StateHalfOpen              // allowing a probe call
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

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
	// Counts filters which errors count as failures. nil counts every error.
	// Context cancellation never counts.
	Counts func(error) bool
	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(from, to State)
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Cooldown:      30 * time.Second,
}

// Breaker trips after consecutive failures so a dead upstream fails fast
// instead of burning the request timeout on every remaining image.
type Breaker struct {
	mu       sync.Mutex
	opts     BreakerOpts
	state    State
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time // for testing
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOpts.Cooldown
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, _ := b.currentState()
	return st
}

// currentState moves open to half-open once the cooldown elapsed. Must hold mu.
func (b *Breaker) currentState() (State, bool) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Cooldown {
		b.state = StateHalfOpen
		b.probing = false
		return b.state, true
	}
	return b.state, false
}

// Call executes f through the circuit breaker.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := f(ctx)
	b.record(err)
	return err
}

// Do is Call for functions returning a value.
func Do[T any](ctx context.Context, b *Breaker, f func(context.Context) (T, error)) (T, error) {
	var zero T
	if b == nil {
		return f(ctx)
	}
	if err := b.acquire(); err != nil {
		return zero, err
	}
	v, err := f(ctx)
	b.record(err)
	return v, err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	prev := b.state
	st, changed := b.currentState()
	var err error
	switch st {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			err = ErrCircuitOpen
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()
	if changed {
		b.notify(prev, st)
	}
	return err
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	prev := b.state
	switch {
	case err == nil:
		b.state = StateClosed
		b.failures = 0
	case b.counts(err):
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
		}
	}
	b.probing = false
	next := b.state
	b.mu.Unlock()
	if prev != next {
		b.notify(prev, next)
	}
}

func (b *Breaker) counts(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if b.opts.Counts != nil {
		return b.opts.Counts(err)
	}
	return true
}

func (b *Breaker) notify(from, to State) {
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}
