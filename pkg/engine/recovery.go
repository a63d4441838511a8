package engine

import (
	"context"
	"time"

	"a2arunner/pkg/adapter"
	"a2arunner/pkg/resilience"
)

// monitor probes the backend every RecoveryCheckInterval while the handler
// is failed or its circuit is open.
func (h *ResilientHandler) monitor(ctx context.Context) {
	defer h.monitorWG.Done()
	for {
		if err := resilience.Sleep(ctx, h.clock, h.cfg.RecoveryCheckInterval); err != nil {
			return
		}
		if !h.tracker.State().NeedsRecovery() {
			continue
		}
		if _, err := h.AttemptRecovery(ctx); err != nil {
			h.logger.Warn("recovery probe failed: %v", err)
		}
	}
}

// AttemptRecovery probes the backend once if the breaker allows it. ran
// reports whether a probe happened and err is its outcome.
func (h *ResilientHandler) AttemptRecovery(ctx context.Context) (ran bool, err error) {
	ok, reason := h.tracker.BeginRecovery()
	if !ok {
		h.logger.Debug("recovery skipped: %s", reason)
		return false, nil
	}

	h.logger.Info("attempting recovery (attempt %d)", h.tracker.Snapshot().RecoveryAttempts)
	err = h.probe(ctx)
	h.tracker.EndRecovery(err)
	h.recorder.ObserveRecovery(h.cfg.Name, err == nil)
	if err == nil {
		h.logger.Info("recovery succeeded")
	}
	return true, err
}

// probe re-initializes tools, then the backend itself. A backend with neither
// hook is stateless and counts as recovered.
func (h *ResilientHandler) probe(ctx context.Context) error {
	var err error
	if ti, ok := h.backend.(adapter.ToolInitializer); ok {
		if err = ti.InitializeTools(ctx); err == nil {
			return nil
		}
		h.logger.Debug("tool re-initialization failed: %v", err)
	}
	if in, ok := h.backend.(adapter.Initializer); ok {
		return in.Initialize(ctx)
	}
	return err
}

// TaskStats summarise task outcomes.
type TaskStats struct {
	Total               int       `json:"total"`
	Successful          int       `json:"successful"`
	SuccessRate         float64   `json:"success_rate"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// RecoveryStats summarise recovery activity.
type RecoveryStats struct {
	Attempts        int       `json:"attempts"`
	LastAttempt     time.Time `json:"last_attempt,omitempty"`
	InProgress      bool      `json:"in_progress"`
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// BreakerStats echo the breaker configuration.
type BreakerStats struct {
	Threshold             int     `json:"threshold"`
	TimeoutSeconds        float64 `json:"timeout_seconds"`
	TaskTimeoutSeconds    float64 `json:"task_timeout_seconds"`
	MaxRetryAttempts      int     `json:"max_retry_attempts"`
	RecoveryCheckInterval float64 `json:"recovery_check_interval_seconds"`
}

// HealthStatus is a point-in-time report for one handler.
type HealthStatus struct {
	Name               string           `json:"name"`
	State              resilience.State `json:"state"`
	Interface          adapter.Kind     `json:"interface"`
	SessionSharing     bool             `json:"session_sharing"`
	SharedSandboxGroup string           `json:"shared_sandbox_group,omitempty"`
	SandboxID          string           `json:"sandbox_id"`
	Tasks              TaskStats        `json:"tasks"`
	Recovery           RecoveryStats    `json:"recovery"`
	CircuitBreaker     BreakerStats     `json:"circuit_breaker"`
	Backend            map[string]any   `json:"backend,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
}

// HealthStatus snapshots the handler's health.
func (h *ResilientHandler) HealthStatus() HealthStatus {
	snap := h.tracker.Snapshot()
	status := HealthStatus{
		Name:               h.cfg.Name,
		State:              snap.State,
		Interface:          h.adapter.Kind(),
		SessionSharing:     h.cfg.SessionSharing,
		SharedSandboxGroup: h.cfg.SharedSandboxGroup,
		SandboxID:          h.cfg.SandboxID,
		Tasks: TaskStats{
			Total:               snap.TotalTasks,
			Successful:          snap.SuccessfulTasks,
			SuccessRate:         snap.SuccessRate(),
			ConsecutiveFailures: snap.ConsecutiveFailures,
			LastSuccess:         snap.LastSuccess,
			LastFailure:         snap.LastFailure,
		},
		Recovery: RecoveryStats{
			Attempts:        snap.RecoveryAttempts,
			LastAttempt:     snap.LastRecoveryAttempt,
			InProgress:      snap.RecoveryInProgress,
			CircuitOpenedAt: snap.CircuitOpenedAt,
		},
		CircuitBreaker: BreakerStats{
			Threshold:             h.cfg.CircuitBreakerThreshold,
			TimeoutSeconds:        h.cfg.CircuitBreakerTimeout.Seconds(),
			TaskTimeoutSeconds:    h.cfg.TaskTimeout.Seconds(),
			MaxRetryAttempts:      h.cfg.MaxRetryAttempts,
			RecoveryCheckInterval: h.cfg.RecoveryCheckInterval.Seconds(),
		},
		LastError: snap.LastError,
	}
	if hr, ok := h.backend.(adapter.HealthReporter); ok {
		status.Backend = hr.HealthStatus()
	}
	return status
}
