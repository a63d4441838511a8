package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(threshold int) (*Tracker, *ManualClock, *[]string) {
	clock := NewManualClock(t0, false)
	var transitions []string
	tr := NewTracker(BreakerConfig{
		Threshold:         threshold,
		Timeout:           60 * time.Second,
		RecoveryRateLimit: 60 * time.Second,
	}, clock, func(from, to State) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})
	return tr, clock, &transitions
}

func TestTrackerFailureOpensCircuit(t *testing.T) {
	tr, _, transitions := newTestTracker(3)

	for i := 0; i < 2; i++ {
		tr.BeginTask()
		if got := tr.RecordFailure(errors.New("boom")); got != Degraded {
			t.Fatalf("failure %d: expected degraded, got %s", i+1, got)
		}
	}
	require.True(t, tr.Allow(), "degraded handlers still accept tasks")

	tr.BeginTask()
	require.Equal(t, CircuitOpen, tr.RecordFailure(errors.New("boom again")))
	require.False(t, tr.Allow())

	h := tr.Snapshot()
	assert.Equal(t, 3, h.ConsecutiveFailures)
	assert.Equal(t, t0, h.CircuitOpenedAt)
	assert.Equal(t, "boom again", h.LastError)
	assert.Equal(t, []string{"healthy->degraded", "degraded->circuit_open"}, *transitions)
}

func TestTrackerSuccessResetsStreak(t *testing.T) {
	tr, _, _ := newTestTracker(3)

	tr.BeginTask()
	tr.RecordFailure(errors.New("x"))
	tr.BeginTask()
	tr.RecordFailure(errors.New("x"))
	require.Equal(t, Degraded, tr.State())

	tr.BeginTask()
	tr.RecordSuccess()

	h := tr.Snapshot()
	assert.Equal(t, Healthy, h.State)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, 3, h.TotalTasks)
	assert.Equal(t, 1, h.SuccessfulTasks)
	assert.InDelta(t, 1.0/3.0, h.SuccessRate(), 1e-9)
}

func TestTrackerRecoveryGates(t *testing.T) {
	tr, clock, _ := newTestTracker(1)

	ok, reason := tr.BeginRecovery()
	require.False(t, ok)
	require.Equal(t, SkipNotNeeded, reason)

	tr.BeginTask()
	tr.RecordFailure(errors.New("down"))
	require.Equal(t, CircuitOpen, tr.State())

	clock.Advance(30 * time.Second)
	ok, reason = tr.BeginRecovery()
	require.False(t, ok)
	require.Equal(t, SkipCircuitTimeout, reason)
	require.Equal(t, CircuitOpen, tr.State())

	clock.Advance(31 * time.Second)
	ok, _ = tr.BeginRecovery()
	require.True(t, ok)
	require.Equal(t, Recovering, tr.State())

	ok, reason = tr.BeginRecovery()
	require.False(t, ok)
	require.Equal(t, SkipNotNeeded, reason, "recovering is not a recovery state")

	tr.EndRecovery(errors.New("still down"))
	require.Equal(t, Failed, tr.State())
	require.False(t, tr.Allow())

	clock.Advance(10 * time.Second)
	ok, reason = tr.BeginRecovery()
	require.False(t, ok)
	require.Equal(t, SkipRateLimited, reason)

	clock.Advance(60 * time.Second)
	ok, _ = tr.BeginRecovery()
	require.True(t, ok)
	tr.EndRecovery(nil)

	h := tr.Snapshot()
	assert.Equal(t, Healthy, h.State)
	assert.Equal(t, 2, h.RecoveryAttempts)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.True(t, h.CircuitOpenedAt.IsZero())
	assert.False(t, h.RecoveryInProgress)
}

func TestTrackerInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		threshold := rapid.IntRange(1, 5).Draw(rt, "threshold")
		tr := NewTracker(BreakerConfig{Threshold: threshold}, NewManualClock(t0, true), nil)

		ops := rapid.SliceOfN(rapid.IntRange(0, 2), 1, 60).Draw(rt, "ops")
		for _, op := range ops {
			if op < 2 && !tr.Allow() {
				op = 2
			}
			switch op {
			case 0:
				tr.BeginTask()
				tr.RecordSuccess()
			case 1:
				tr.BeginTask()
				tr.RecordFailure(errors.New("fail"))
			case 2:
				if ok, _ := tr.BeginRecovery(); ok {
					tr.EndRecovery(nil)
				}
			}

			h := tr.Snapshot()
			if h.SuccessfulTasks > h.TotalTasks || h.SuccessfulTasks < 0 {
				rt.Fatalf("counter invariant broken: %+v", h)
			}
			if rate := h.SuccessRate(); rate < 0 || rate > 1 {
				rt.Fatalf("success rate out of range: %v", rate)
			}
			if h.State == CircuitOpen && h.CircuitOpenedAt.IsZero() {
				rt.Fatalf("circuit open without timestamp")
			}
			if h.State == CircuitOpen && h.ConsecutiveFailures < threshold {
				rt.Fatalf("circuit open below threshold: %+v", h)
			}
		}
	})
}

func TestSuccessRateEmpty(t *testing.T) {
	if got := (Health{}).SuccessRate(); got != 0 {
		t.Errorf("expected 0 for no tasks, got %v", got)
	}
}
