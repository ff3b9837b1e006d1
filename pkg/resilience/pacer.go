package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacing strategies accepted by NewPacer.
const (
	StrategyInterval    = "interval"
	StrategyTokenBucket = "token-bucket"
	StrategyNone        = "none"
)

// Pacer gates successive calls against an external API.
type Pacer interface {
	// Wait blocks until the next call may proceed or ctx is cancelled.
	Wait(ctx context.Context) error
}

// NewPacer builds a Pacer for the named strategy. A non-positive interval yields NoPacer.
func NewPacer(strategy string, interval time.Duration, burst int) (Pacer, error) {
	if interval <= 0 {
		return NoPacer{}, nil
	}
	switch strategy {
	case "", StrategyInterval:
		return NewIntervalPacer(interval), nil
	case StrategyTokenBucket:
		return NewRatePacer(interval, burst), nil
	case StrategyNone:
		return NoPacer{}, nil
	default:
		return nil, fmt.Errorf("unknown pacing strategy %q", strategy)
	}
}

// NoPacer never waits.
type NoPacer struct{}

// Wait returns immediately unless ctx is already done.
func (NoPacer) Wait(ctx context.Context) error { return ctx.Err() }

// IntervalPacer enforces a minimum interval between successive Wait returns.
// The first call proceeds immediately.
type IntervalPacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewIntervalPacer creates an IntervalPacer.
func NewIntervalPacer(interval time.Duration) *IntervalPacer {
	return &IntervalPacer{
		interval: interval,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Wait sleeps for whatever remains of the interval since the previous call.
// The lock is held while sleeping so concurrent callers queue up.
func (p *IntervalPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.last.IsZero() {
		if remaining := p.last.Add(p.interval).Sub(now); remaining > 0 {
			if err := p.sleep(ctx, remaining); err != nil {
				return err
			}
			now = now.Add(remaining)
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	p.last = now
	return nil
}

// RatePacer is a token bucket: one token per interval, up to burst tokens banked.
type RatePacer struct {
	limiter *rate.Limiter
}

// NewRatePacer creates a token-bucket pacer.
func NewRatePacer(interval time.Duration, burst int) *RatePacer {
	if burst <= 0 {
		burst = 1
	}
	return &RatePacer{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Wait blocks until a token is available.
func (p *RatePacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
