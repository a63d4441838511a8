// Package engine wraps arbitrary backends in a resilient task handler with
// retries, a circuit breaker and a background recovery monitor.
package engine

import (
	"fmt"
	"time"

	"a2arunner/pkg/adapter"
	"a2arunner/pkg/resilience"
)

// SandboxPrefix prefixes the per-handler session scope.
const SandboxPrefix = "a2a-handler-"

// Config tunes one resilient handler. Start from DefaultConfig: a zero
// RecoveryCheckInterval disables the monitor and a zero TaskTimeout leaves
// attempts unbounded.
type Config struct {
	Name                    string        `json:"name"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout"`
	TaskTimeout             time.Duration `json:"task_timeout"`
	MaxRetryAttempts        int           `json:"max_retry_attempts"`
	RecoveryCheckInterval   time.Duration `json:"recovery_check_interval"`
	RecoveryRateLimit       time.Duration `json:"recovery_rate_limit"`
	BackoffBase             time.Duration `json:"backoff_base"`
	SessionSharing          bool          `json:"session_sharing"`
	SharedSandboxGroup      string        `json:"shared_sandbox_group,omitempty"`
	SandboxID               string        `json:"sandbox_id,omitempty"`
	ContextWindow           int           `json:"context_window"`
	// Interface forces a calling convention instead of detecting one.
	Interface adapter.Kind `json:"interface,omitempty"`
}

// DefaultConfig returns the production defaults for a handler called name.
func DefaultConfig(name string) Config {
	return Config{
		Name:                    name,
		CircuitBreakerThreshold: resilience.DefaultBreakerConfig.Threshold,
		CircuitBreakerTimeout:   resilience.DefaultBreakerConfig.Timeout,
		TaskTimeout:             300 * time.Second,
		MaxRetryAttempts:        2,
		RecoveryCheckInterval:   180 * time.Second,
		RecoveryRateLimit:       resilience.DefaultBreakerConfig.RecoveryRateLimit,
		BackoffBase:             resilience.DefaultBackoff.Base,
		ContextWindow:           adapter.DefaultContextWindow,
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("handler name is required")
	case c.CircuitBreakerThreshold < 1:
		return fmt.Errorf("circuit_breaker_threshold must be at least 1, got %d", c.CircuitBreakerThreshold)
	case c.MaxRetryAttempts < 0:
		return fmt.Errorf("max_retry_attempts must be non-negative, got %d", c.MaxRetryAttempts)
	case c.TaskTimeout < 0 || c.CircuitBreakerTimeout < 0 || c.RecoveryCheckInterval < 0 || c.RecoveryRateLimit < 0:
		return fmt.Errorf("durations must be non-negative")
	}
	return nil
}

// sessionScope resolves sharing: a shared group forces sharing and becomes the
// scope, otherwise the scope is the handler's own sandbox.
func (c *Config) sessionScope() string {
	if c.SandboxID == "" {
		c.SandboxID = SandboxPrefix + c.Name
	}
	if c.SharedSandboxGroup != "" {
		c.SessionSharing = true
		return c.SharedSandboxGroup
	}
	return c.SandboxID
}
