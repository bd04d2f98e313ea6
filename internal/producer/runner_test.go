package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"repometrics/internal/query"
)

type fakePopulater struct {
	calls   int
	results []error
}

func (f *fakePopulater) Populate(ctx context.Context, queryName string, repos []int64) error {
	f.calls++
	if f.calls <= len(f.results) {
		return f.results[f.calls-1]
	}
	return nil
}

func newTestRunner(t *testing.T, p Populater, policy RetryPolicy) (*Runner, *[]time.Duration) {
	t.Helper()
	r, err := NewRunner(p, policy)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	r.randFloat = func() float64 { return 0.5 }
	return r, &slept
}

func TestRunnerSucceedsFirstAttempt(t *testing.T) {
	p := &fakePopulater{}
	r, slept := newTestRunner(t, p, DefaultRetryPolicy())

	attempts, err := r.Do(context.Background(), "commits", []int64{1}, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %d times, want 0", len(*slept))
	}
}

func TestRunnerRetriesThenSucceeds(t *testing.T) {
	boom := errors.New("source unavailable")
	p := &fakePopulater{results: []error{boom, boom}}
	r, slept := newTestRunner(t, p, DefaultRetryPolicy())

	var retries []int
	attempts, err := r.Do(context.Background(), "commits", []int64{1}, func(attempt int, err error) {
		retries = append(retries, attempt)
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("retry attempts = %v, want [1 2]", retries)
	}
	if len(*slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(*slept))
	}
}

func TestRunnerExhaustsAttempts(t *testing.T) {
	boom := errors.New("source unavailable")
	p := &fakePopulater{results: []error{boom, boom, boom, boom, boom, boom}}
	r, slept := newTestRunner(t, p, DefaultRetryPolicy())

	attempts, err := r.Do(context.Background(), "commits", []int64{1}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if attempts != 5 {
		t.Fatalf("attempts = %d, want 5", attempts)
	}
	if p.calls != 5 {
		t.Fatalf("populate calls = %d, want 5", p.calls)
	}
	if len(*slept) != 4 {
		t.Fatalf("slept %d times, want 4", len(*slept))
	}
}

func TestRunnerDelaysStrictlyIncrease(t *testing.T) {
	boom := errors.New("source unavailable")
	p := &fakePopulater{results: []error{boom, boom, boom, boom, boom}}
	policy := DefaultRetryPolicy()
	r, err := NewRunner(p, policy)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	// Worst case for monotonicity: maximal jitter on the earlier delay,
	// none on the later one.
	jitter := []float64{0.999, 0, 0.999, 0}
	r.randFloat = func() float64 {
		v := jitter[0]
		jitter = jitter[1:]
		return v
	}

	if _, err := r.Do(context.Background(), "commits", []int64{1}, nil); err == nil {
		t.Fatal("Do: want error after exhaustion")
	}
	for i := 1; i < len(slept); i++ {
		if slept[i] <= slept[i-1] {
			t.Fatalf("delay[%d]=%v not greater than delay[%d]=%v", i, slept[i], i-1, slept[i-1])
		}
	}
}

func TestRunnerDoesNotRetryConfigErrors(t *testing.T) {
	notFound := &query.NotFoundError{Name: "nope"}
	p := &fakePopulater{results: []error{notFound}}
	r, slept := newTestRunner(t, p, DefaultRetryPolicy())

	attempts, err := r.Do(context.Background(), "nope", []int64{1}, nil)
	if !query.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if p.calls != 1 {
		t.Fatalf("populate calls = %d, want 1", p.calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %d times, want 0", len(*slept))
	}
}

func TestRunnerStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	boom := errors.New("source unavailable")
	p := &fakePopulater{results: []error{boom, boom, boom, boom, boom}}
	r, _ := newTestRunner(t, p, DefaultRetryPolicy())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := r.Do(ctx, "commits", []int64{1}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want last populate error", err)
	}
	if p.calls != 1 {
		t.Fatalf("populate calls = %d, want 1", p.calls)
	}
}

func TestRetryPolicyValidation(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
	}{
		{"zero attempts", RetryPolicy{MaxAttempts: 0, BaseDelay: time.Second}},
		{"zero base delay", RetryPolicy{MaxAttempts: 3, BaseDelay: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRunner(&fakePopulater{}, tt.policy); err == nil {
				t.Fatal("NewRunner: want error")
			}
		})
	}
}

func TestRetryPolicyDelayCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	if got := p.delay(6, nil); got != 4*time.Second {
		t.Fatalf("delay(6) = %v, want cap %v", got, 4*time.Second)
	}
}
