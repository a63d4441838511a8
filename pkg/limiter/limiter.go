// Package limiter enforces per-model token rates, daily token budgets and
// concurrency caps on LLM calls.
package limiter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"a2arunner/pkg/resilience"
)

// AnyModel is the limits key applied to models without their own entry.
const AnyModel = "*"

// ModelLimits configures one model. Zero disables the corresponding limit.
type ModelLimits struct {
	TokensPerMinute int `yaml:"tokens_per_minute"`
	TokensPerDay    int `yaml:"tokens_per_day"`
	MaxConcurrent   int `yaml:"max_concurrent"`
}

func (m ModelLimits) enabled() bool {
	return m.TokensPerMinute > 0 || m.TokensPerDay > 0 || m.MaxConcurrent > 0
}

// Limiter manages the limits of several models.
type Limiter struct {
	clock    resilience.Clock
	models   map[string]*ModelLimiter
	fallback ModelLimits
	mu       sync.Mutex
}

// ModelLimiter enforces the limits of a single model.
//
//nolint:govet // field order follows the limits they belong to
type ModelLimiter struct {
	name       string
	limits     ModelLimits
	tokens     int
	lastRefill time.Time
	usedToday  int
	day        time.Time
	inFlight   int
	mu         sync.Mutex
}

// Status is a point-in-time view of one model.
type Status struct {
	Model           string `json:"model"`
	AvailableTokens int    `json:"available_tokens"`
	UsedToday       int    `json:"used_today"`
	InFlight        int    `json:"in_flight"`
}

var (
	// ErrRateLimit is returned when the per-minute token bucket is empty.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrBudgetExceeded is returned when the daily token budget is spent.
	ErrBudgetExceeded = fmt.Errorf("daily token budget exceeded")
	// ErrConcurrencyLimit is returned when all call slots are taken.
	ErrConcurrencyLimit = fmt.Errorf("concurrency limit exceeded")
)

// NewLimiter creates a limiter. A nil clock uses the system clock.
func NewLimiter(limits map[string]ModelLimits, clock resilience.Clock) *Limiter {
	if clock == nil {
		clock = resilience.SystemClock()
	}
	l := &Limiter{clock: clock, models: make(map[string]*ModelLimiter)}
	for name, ml := range limits {
		if name == AnyModel {
			l.fallback = ml
			continue
		}
		if ml.enabled() {
			l.models[name] = l.newModel(name, ml)
		}
	}
	return l
}

func (l *Limiter) newModel(name string, ml ModelLimits) *ModelLimiter {
	now := l.clock.Now()
	return &ModelLimiter{
		name:       name,
		limits:     ml,
		tokens:     ml.TokensPerMinute,
		lastRefill: now,
		day:        startOfDay(now),
	}
}

// model returns the limiter for name, creating one from the fallback limits
// on first use. It returns nil for unlimited models.
func (l *Limiter) model(name string) *ModelLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.models[name]; ok {
		return m
	}
	if !l.fallback.enabled() {
		return nil
	}
	m := l.newModel(name, l.fallback)
	l.models[name] = m
	return m
}

// Reserve takes n tokens from the model's bucket and daily budget.
func (l *Limiter) Reserve(model string, n int) error {
	m := l.model(model)
	if m == nil || n <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := l.clock.Now()
	m.refill(now)

	if m.limits.TokensPerDay > 0 && m.usedToday+n > m.limits.TokensPerDay {
		return fmt.Errorf("%w for model %s: %d of %d used", ErrBudgetExceeded, model, m.usedToday, m.limits.TokensPerDay)
	}
	if m.limits.TokensPerMinute > 0 {
		// A request larger than the whole bucket is allowed once the
		// bucket is full, otherwise it could never run.
		need := min(n, m.limits.TokensPerMinute)
		if m.tokens < need {
			return fmt.Errorf("%w for model %s: need %d tokens, have %d", ErrRateLimit, model, n, m.tokens)
		}
		m.tokens -= need
	}
	m.usedToday += n
	return nil
}

// Adjust corrects a reservation once the real usage is known. Positive
// delta consumes more, negative returns tokens.
func (l *Limiter) Adjust(model string, delta int) {
	m := l.model(model)
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.refill(l.clock.Now())
	m.usedToday = max(0, m.usedToday+delta)
	if m.limits.TokensPerMinute > 0 {
		m.tokens = min(max(0, m.tokens-delta), m.limits.TokensPerMinute)
	}
}

// Acquire takes a concurrency slot.
func (l *Limiter) Acquire(model string) error {
	m := l.model(model)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxConcurrent > 0 && m.inFlight >= m.limits.MaxConcurrent {
		return fmt.Errorf("%w for model %s: %d/%d in flight", ErrConcurrencyLimit, model, m.inFlight, m.limits.MaxConcurrent)
	}
	m.inFlight++
	return nil
}

// Release returns a slot taken by Acquire.
func (l *Limiter) Release(model string) {
	m := l.model(model)
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight > 0 {
		m.inFlight--
	}
}

// Status reports the current state of model. ok is false for models
// without limits.
func (l *Limiter) Status(model string) (Status, bool) {
	m := l.model(model)
	if m == nil {
		return Status{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refill(l.clock.Now())
	return Status{Model: model, AvailableTokens: m.tokens, UsedToday: m.usedToday, InFlight: m.inFlight}, true
}

// Models lists the models with limits, sorted.
func (l *Limiter) Models() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.models))
	for name := range l.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// refill adds tokens for the time elapsed since the last refill and resets
// the daily budget at midnight UTC. Callers hold m.mu.
func (m *ModelLimiter) refill(now time.Time) {
	if today := startOfDay(now); today.After(m.day) {
		m.day = today
		m.usedToday = 0
	}
	if m.limits.TokensPerMinute <= 0 {
		return
	}
	elapsed := now.Sub(m.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := int(elapsed.Minutes() * float64(m.limits.TokensPerMinute))
	if add == 0 {
		return
	}
	m.tokens = min(m.tokens+add, m.limits.TokensPerMinute)
	m.lastRefill = now
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
