// Package resilience provides the handler health state machine, retry backoff,
// attempt classification and a clock abstraction used by the execution engine.
package resilience

import (
	"sync"
	"time"
)

// State is the health state of a wrapped handler.
type State string

const (
	Healthy     State = "healthy"
	Degraded    State = "degraded"
	Recovering  State = "recovering"
	Failed      State = "failed"
	CircuitOpen State = "circuit_open"
)

// AcceptsTasks reports whether new tasks may be dispatched in this state.
func (s State) AcceptsTasks() bool {
	return s != CircuitOpen && s != Failed
}

// NeedsRecovery reports whether the recovery monitor should probe in this state.
func (s State) NeedsRecovery() bool {
	return s == CircuitOpen || s == Failed
}

// BreakerConfig holds the circuit-breaker and recovery tuning.
type BreakerConfig struct {
	Threshold         int           `json:"threshold"`           // Consecutive failures that open the circuit
	Timeout           time.Duration `json:"timeout"`             // Time after opening before recovery may probe
	RecoveryRateLimit time.Duration `json:"recovery_rate_limit"` // Minimum gap between recovery probes
}

// DefaultBreakerConfig matches the engine defaults.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultBreakerConfig = BreakerConfig{
	Threshold:         3,
	Timeout:           120 * time.Second,
	RecoveryRateLimit: 60 * time.Second,
}

// Health is a point-in-time copy of a handler's health record.
type Health struct {
	State               State
	ConsecutiveFailures int
	TotalTasks          int
	SuccessfulTasks     int
	LastSuccess         time.Time
	LastFailure         time.Time
	RecoveryAttempts    int
	LastRecoveryAttempt time.Time
	CircuitOpenedAt     time.Time
	LastError           string
	RecoveryInProgress  bool
}

// SuccessRate is SuccessfulTasks / max(TotalTasks, 1).
func (h Health) SuccessRate() float64 {
	total := h.TotalTasks
	if total < 1 {
		total = 1
	}
	return float64(h.SuccessfulTasks) / float64(total)
}

// SkipReason explains why a recovery probe did not start.
type SkipReason string

const (
	SkipNone           SkipReason = ""
	SkipNotNeeded      SkipReason = "state does not need recovery"
	SkipInProgress     SkipReason = "recovery already in progress"
	SkipCircuitTimeout SkipReason = "circuit breaker timeout not elapsed"
	SkipRateLimited    SkipReason = "recovery attempted too recently"
)

// TransitionFunc observes state changes. It is called outside the tracker lock.
type TransitionFunc func(from, to State)

// Tracker owns a Health record and serialises every mutation.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Tracker struct {
	config       BreakerConfig
	clock        Clock
	onTransition TransitionFunc

	mu     sync.RWMutex
	health Health
}

// NewTracker creates a tracker in the healthy state.
func NewTracker(config BreakerConfig, clock Clock, onTransition TransitionFunc) *Tracker {
	if config.Threshold <= 0 {
		config.Threshold = DefaultBreakerConfig.Threshold
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Tracker{
		config:       config,
		clock:        clock,
		onTransition: onTransition,
		health:       Health{State: Healthy},
	}
}

// Config returns the breaker configuration.
func (t *Tracker) Config() BreakerConfig {
	return t.config
}

// Snapshot returns a copy of the health record.
func (t *Tracker) Snapshot() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.health
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.health.State
}

// Allow reports whether a new task may start.
func (t *Tracker) Allow() bool {
	return t.State().AcceptsTasks()
}

// BeginTask counts a task that is about to run.
func (t *Tracker) BeginTask() {
	t.mu.Lock()
	t.health.TotalTasks++
	t.mu.Unlock()
}

// RecordSuccess resets the failure streak and heals degraded or recovering handlers.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	from := t.health.State
	t.health.SuccessfulTasks++
	if t.health.SuccessfulTasks > t.health.TotalTasks {
		t.health.TotalTasks = t.health.SuccessfulTasks
	}
	t.health.LastSuccess = t.clock.Now()
	t.health.ConsecutiveFailures = 0
	if from == Degraded || from == Recovering {
		t.health.State = Healthy
	}
	to := t.health.State
	t.mu.Unlock()

	t.notify(from, to)
}

// RecordFailure extends the failure streak and opens the circuit once the
// threshold is reached. It returns the resulting state.
func (t *Tracker) RecordFailure(err error) State {
	t.mu.Lock()
	from := t.health.State
	now := t.clock.Now()
	t.health.LastFailure = now
	t.health.ConsecutiveFailures++
	if err != nil {
		t.health.LastError = err.Error()
	}
	if t.health.ConsecutiveFailures >= t.config.Threshold {
		t.health.CircuitOpenedAt = now
		t.health.State = CircuitOpen
	} else {
		t.health.State = Degraded
	}
	to := t.health.State
	t.mu.Unlock()

	t.notify(from, to)
	return to
}

// BeginRecovery starts a recovery probe when allowed. On success the state is
// Recovering and the caller must call EndRecovery exactly once.
func (t *Tracker) BeginRecovery() (bool, SkipReason) {
	t.mu.Lock()
	now := t.clock.Now()
	from := t.health.State

	switch {
	case !from.NeedsRecovery():
		t.mu.Unlock()
		return false, SkipNotNeeded
	case t.health.RecoveryInProgress:
		t.mu.Unlock()
		return false, SkipInProgress
	case !t.health.CircuitOpenedAt.IsZero() && now.Sub(t.health.CircuitOpenedAt) < t.config.Timeout:
		t.mu.Unlock()
		return false, SkipCircuitTimeout
	case !t.health.LastRecoveryAttempt.IsZero() && now.Sub(t.health.LastRecoveryAttempt) < t.config.RecoveryRateLimit:
		t.mu.Unlock()
		return false, SkipRateLimited
	}

	t.health.RecoveryInProgress = true
	t.health.RecoveryAttempts++
	t.health.LastRecoveryAttempt = now
	t.health.State = Recovering
	t.mu.Unlock()

	t.notify(from, Recovering)
	return true, SkipNone
}

// EndRecovery finishes a probe started by BeginRecovery. A nil err heals the
// handler; anything else marks it failed.
func (t *Tracker) EndRecovery(err error) {
	t.mu.Lock()
	from := t.health.State
	t.health.RecoveryInProgress = false
	if err == nil {
		t.health.State = Healthy
		t.health.ConsecutiveFailures = 0
		t.health.CircuitOpenedAt = time.Time{}
	} else {
		t.health.State = Failed
		t.health.LastError = err.Error()
	}
	to := t.health.State
	t.mu.Unlock()

	t.notify(from, to)
}

func (t *Tracker) notify(from, to State) {
	if from != to && t.onTransition != nil {
		t.onTransition(from, to)
	}
}
