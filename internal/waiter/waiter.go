// Package waiter blocks until cached results for a repo batch become
// readable. It polls the cache's missing-set rather than sleeping a fixed
// interval, so callers wake as soon as a collection lands and give up
// cleanly when it does not.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady reports that the wait budget elapsed while some repos in the
// batch were still uncollected. It is a distinct outcome from a lookup
// failure: the data may simply not have landed yet.
var ErrNotReady = errors.New("waiter: results not ready before deadline")

// MissingFunc reports which of repos have no readable entry for queryName.
type MissingFunc func(ctx context.Context, queryName string, repos []int64) ([]int64, error)

// Waiter polls a MissingFunc with exponential backoff until the batch is
// fully readable, the budget runs out, or the context is canceled.
type Waiter struct {
	missing MissingFunc

	initial time.Duration
	max     time.Duration
	budget  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts waiter construction.
type Option func(*Waiter)

// WithPollInterval sets the first poll delay. Subsequent delays double up
// to the cap set by WithMaxPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(w *Waiter) { w.initial = d }
}

// WithMaxPollInterval caps the poll delay.
func WithMaxPollInterval(d time.Duration) Option {
	return func(w *Waiter) { w.max = d }
}

// WithBudget bounds the total wait. Zero means wait until the context
// expires.
func WithBudget(d time.Duration) Option {
	return func(w *Waiter) { w.budget = d }
}

// New builds a waiter around missing.
func New(missing MissingFunc, opts ...Option) (*Waiter, error) {
	if missing == nil {
		return nil, errors.New("waiter: missing func is nil")
	}
	w := &Waiter{
		missing: missing,
		initial: 500 * time.Millisecond,
		max:     8 * time.Second,
		budget:  2 * time.Minute,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.initial <= 0 {
		return nil, fmt.Errorf("waiter: poll interval must be > 0, got %v", w.initial)
	}
	if w.max < w.initial {
		return nil, fmt.Errorf("waiter: max poll interval %v is below initial %v", w.max, w.initial)
	}
	if w.budget < 0 {
		return nil, fmt.Errorf("waiter: budget must be >= 0, got %v", w.budget)
	}
	return w, nil
}

// Wait blocks until no repo in the batch is missing for queryName. It
// returns nil when the batch is readable, ErrNotReady when the budget
// elapses first, the context error on cancellation, and any lookup error
// immediately. An empty batch is ready by definition.
func (w *Waiter) Wait(ctx context.Context, queryName string, repos []int64) error {
	if w == nil || w.missing == nil {
		return errors.New("waiter: not initialized (use New)")
	}
	if ctx == nil {
		return errors.New("waiter: nil context")
	}
	if len(repos) == 0 {
		return nil
	}

	if w.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.budget)
		defer cancel()
	}

	delay := w.initial
	for {
		missing, err := w.missing(ctx, queryName, repos)
		if err != nil {
			if ctx.Err() != nil {
				return w.outcome(ctx)
			}
			return err
		}
		if len(missing) == 0 {
			return nil
		}

		if err := w.sleep(ctx, delay); err != nil {
			return w.outcome(ctx)
		}
		delay *= 2
		if delay > w.max {
			delay = w.max
		}
	}
}

// outcome maps context expiry to the right terminal error: the budget
// elapsing means not-ready, anything else is the caller's cancellation.
func (w *Waiter) outcome(ctx context.Context) error {
	if w.budget > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrNotReady
	}
	return ctx.Err()
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
