package producer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"repometrics/internal/cache"
)

// Populater is the cache-facade surface producers are allowed to touch.
type Populater interface {
	Populate(ctx context.Context, queryName string, repos []int64) error
}

// RetryPolicy bounds how a failing populate is retried: exponential backoff
// (factor 2) from BaseDelay, capped at MaxDelay, with a little random
// jitter. Jitter stretches a delay by at most a quarter, so successive
// delays stay strictly increasing.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultRetryPolicy mirrors the collection workers' production settings:
// five total attempts, 2s/4s/8s/16s between them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      true,
	}
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("producer: MaxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("producer: BaseDelay must be > 0, got %v", p.BaseDelay)
	}
	return nil
}

// delay computes the wait before the given retry (attempt counts from 1).
func (p RetryPolicy) delay(attempt int, randFloat func() float64) time.Duration {
	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && randFloat != nil {
		d += time.Duration(float64(d) * 0.25 * randFloat())
	}
	return d
}

// Runner applies the retry policy around Populate. It does not retry
// configuration errors: an unresolvable query name is a deployment defect
// and must surface immediately.
type Runner struct {
	populater Populater
	policy    RetryPolicy

	// Injection points for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// NewRunner builds a runner around populater.
func NewRunner(populater Populater, policy RetryPolicy) (*Runner, error) {
	if populater == nil {
		return nil, errors.New("producer: populater is nil")
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &Runner{
		populater: populater,
		policy:    policy,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}, nil
}

// Do runs one work unit to completion. onRetry, if non-nil, observes every
// failed attempt that will be retried. The returned attempt count includes
// the final one; the returned error is nil on success, the last populate
// error after exhaustion, or the immediate error for configuration faults
// and context cancellation.
func (r *Runner) Do(ctx context.Context, queryName string, repos []int64, onRetry func(attempt int, err error)) (int, error) {
	if r == nil || r.populater == nil {
		return 0, errors.New("producer: runner is not initialized (use NewRunner)")
	}
	if ctx == nil {
		return 0, errors.New("producer: nil context")
	}

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := r.populater.Populate(ctx, queryName, repos)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if cache.IsConfigError(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := r.sleep(ctx, r.policy.delay(attempt, r.randFloat)); err != nil {
			return attempt, lastErr
		}
	}
	return r.policy.MaxAttempts, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
