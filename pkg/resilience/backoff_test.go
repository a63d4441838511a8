package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"first retry", DefaultBackoff, 0, time.Second},
		{"second retry", DefaultBackoff, 1, 2 * time.Second},
		{"third retry", DefaultBackoff, 2, 4 * time.Second},
		{"negative attempt", DefaultBackoff, -3, time.Second},
		{"capped", Backoff{Base: time.Second, Factor: 2, Max: 3 * time.Second}, 5, 3 * time.Second},
		{"unset factor", Backoff{Base: 10 * time.Millisecond}, 3, 80 * time.Millisecond},
		{"overflow saturates", DefaultBackoff, 500, time.Duration(math.MaxInt64)},
		{"overflow capped", Backoff{Base: time.Second, Max: time.Minute}, 500, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.backoff.Delay(tt.attempt); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestBackoffMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := Backoff{
			Base:   time.Duration(rapid.IntRange(1, 5000).Draw(rt, "base_ms")) * time.Millisecond,
			Factor: 2,
		}
		prev := time.Duration(0)
		for attempt := 0; attempt < 80; attempt++ {
			d := b.Delay(attempt)
			if d < prev {
				rt.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
			}
			if d <= 0 {
				rt.Fatalf("non-positive delay %v at attempt %d", d, attempt)
			}
			if attempt >= 10 {
				prev = d
				continue
			}
			if min := b.Base << attempt; d < min {
				rt.Fatalf("delay %v below base*2^%d = %v", d, attempt, min)
			}
			prev = d
		}
	})
}

type permanentErr struct{}

func (permanentErr) Error() string   { return "invalid api key" }
func (permanentErr) Retryable() bool { return false }

func TestClassify(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   Outcome
	}{
		{"nil", live, nil, OutcomeSuccess},
		{"deadline", live, fmt.Errorf("call: %w", context.DeadlineExceeded), OutcomeTimeout},
		{"timeout sentinel", live, ErrTimeout, OutcomeTimeout},
		{"backend", live, errors.New("kaput"), OutcomeBackendError},
		{"parent cancelled", cancelled, errors.New("whatever"), OutcomeCanceled},
		{"canceled error", live, context.Canceled, OutcomeCanceled},
	}
	for _, tt := range tests {
		if got := Classify(tt.parent, tt.err); got != tt.want {
			t.Errorf("%s: Classify = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	if ShouldRetry(OutcomeCanceled, context.Canceled) {
		t.Error("cancellation must never be retried")
	}
	if ShouldRetry(OutcomeSuccess, nil) {
		t.Error("success is not retried")
	}
	if !ShouldRetry(OutcomeTimeout, context.DeadlineExceeded) {
		t.Error("timeouts are retried")
	}
	if !ShouldRetry(OutcomeBackendError, errors.New("flaky")) {
		t.Error("plain backend errors are retried")
	}
	if ShouldRetry(OutcomeBackendError, fmt.Errorf("wrapped: %w", permanentErr{})) {
		t.Error("non-retryable errors are not retried")
	}
}

func TestSleepAndManualClock(t *testing.T) {
	clock := NewManualClock(t0, false)
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), clock, 5*time.Second) }()

	deadline := time.Now().Add(time.Second)
	for len(clock.Sleeps()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(4 * time.Second)
	select {
	case <-done:
		t.Fatal("sleep returned before its deadline")
	case <-time.After(10 * time.Millisecond):
	}
	clock.Advance(time.Second)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, clock, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	auto := NewManualClock(t0, true)
	if err := Sleep(context.Background(), auto, 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := auto.Now().Sub(t0); got != 2*time.Second {
		t.Errorf("auto-advance moved clock by %v", got)
	}
}
