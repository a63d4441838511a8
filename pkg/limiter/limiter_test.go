package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/llmerrors"
	"a2arunner/pkg/resilience"
)

func newTestLimiter(limits map[string]ModelLimits) (*Limiter, *resilience.ManualClock) {
	clock := resilience.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), false)
	return NewLimiter(limits, clock), clock
}

func TestReserveAndRefill(t *testing.T) {
	l, clock := newTestLimiter(map[string]ModelLimits{"gpt": {TokensPerMinute: 1000}})

	if err := l.Reserve("gpt", 800); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := l.Reserve("gpt", 300); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := l.Reserve("gpt", 300); err != nil {
		t.Fatalf("reserve after refill: %v", err)
	}
	st, ok := l.Status("gpt")
	if !ok {
		t.Fatal("expected status for gpt")
	}
	if st.AvailableTokens != 400 {
		t.Errorf("available tokens = %d, want 400", st.AvailableTokens)
	}

	clock.Advance(10 * time.Minute)
	st, _ = l.Status("gpt")
	if st.AvailableTokens != 1000 {
		t.Errorf("bucket should cap at 1000, got %d", st.AvailableTokens)
	}
}

func TestOversizedRequestNeedsFullBucket(t *testing.T) {
	l, _ := newTestLimiter(map[string]ModelLimits{"gpt": {TokensPerMinute: 100}})
	if err := l.Reserve("gpt", 500); err != nil {
		t.Fatalf("oversized reserve on full bucket: %v", err)
	}
	if err := l.Reserve("gpt", 1); !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected empty bucket, got %v", err)
	}
}

func TestDailyBudgetResetsAtMidnight(t *testing.T) {
	l, clock := newTestLimiter(map[string]ModelLimits{"gpt": {TokensPerDay: 1000}})

	if err := l.Reserve("gpt", 900); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("gpt", 200); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	clock.Advance(13 * time.Hour)
	if err := l.Reserve("gpt", 200); err != nil {
		t.Fatalf("budget should reset on a new day: %v", err)
	}
}

func TestConcurrency(t *testing.T) {
	l, _ := newTestLimiter(map[string]ModelLimits{"gpt": {MaxConcurrent: 2}})

	for i := 0; i < 2; i++ {
		if err := l.Acquire("gpt"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.Acquire("gpt"); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("expected ErrConcurrencyLimit, got %v", err)
	}
	l.Release("gpt")
	if err := l.Acquire("gpt"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	l.Release("gpt")
	l.Release("gpt")
	l.Release("gpt")
	if st, _ := l.Status("gpt"); st.InFlight != 0 {
		t.Errorf("in flight = %d, want 0", st.InFlight)
	}
}

func TestFallbackAndUnlimitedModels(t *testing.T) {
	l, _ := newTestLimiter(map[string]ModelLimits{AnyModel: {MaxConcurrent: 1}})
	if err := l.Acquire("any-model"); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire("any-model"); !errors.Is(err, ErrConcurrencyLimit) {
		t.Fatalf("fallback limits should apply, got %v", err)
	}

	open, _ := newTestLimiter(nil)
	for i := 0; i < 10; i++ {
		if err := open.Reserve("x", 1_000_000); err != nil {
			t.Fatalf("unlimited model refused: %v", err)
		}
	}
	if _, ok := open.Status("x"); ok {
		t.Error("unlimited model should report no status")
	}
}

func TestMiddlewareReconcilesUsage(t *testing.T) {
	l, _ := newTestLimiter(map[string]ModelLimits{"mock": {TokensPerMinute: 1000, TokensPerDay: 5000}})
	mock := llm.NewMockClient("mock", func(llm.Request) (llm.Response, error) {
		return llm.Response{Content: "ok", Usage: llm.Usage{PromptTokens: 30, CompletionTokens: 20}}, nil
	})
	client := llm.Chain(mock, Middleware(l))

	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello there"}}, MaxTokens: 200}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	st, _ := l.Status("mock")
	if st.UsedToday != 50 {
		t.Errorf("used today = %d, want the reported 50", st.UsedToday)
	}
	if st.AvailableTokens != 950 {
		t.Errorf("available = %d, want 950", st.AvailableTokens)
	}
	if st.InFlight != 0 {
		t.Errorf("slot not released")
	}
}

func TestMiddlewareRefusalIsRetryable(t *testing.T) {
	l, _ := newTestLimiter(map[string]ModelLimits{"mock": {TokensPerMinute: 10}})
	calls := 0
	mock := llm.NewMockClient("mock", func(llm.Request) (llm.Response, error) {
		calls++
		return llm.Response{Content: "ok"}, nil
	})
	client := llm.Chain(mock, Middleware(l))

	req := llm.Request{MaxTokens: 10}
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	_, err := client.Complete(context.Background(), req)
	if !errors.Is(err, ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	if llmerrors.TypeOf(err) != llmerrors.ErrorTypeRateLimit {
		t.Errorf("error type = %v, want rate limit", llmerrors.TypeOf(err))
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(llm.Request{}); got != 1 {
		t.Errorf("empty request = %d, want 1", got)
	}
	req := llm.Request{Messages: []llm.Message{{Content: "12345678"}}, MaxTokens: 5}
	if got := EstimateTokens(req); got != 7 {
		t.Errorf("estimate = %d, want 7", got)
	}
}
