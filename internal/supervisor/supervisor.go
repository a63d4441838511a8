// Package supervisor watches handler health and reacts to state changes
// according to a policy. It complements each handler's own recovery monitor
// with a process-wide view: transitions are logged in one place, failed
// handlers can be probed immediately, and the process can be shut down when
// no handler is able to serve.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"a2arunner/internal/kernel"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/resilience"
)

// DefaultInterval is how often handler states are polled.
const DefaultInterval = 5 * time.Second

// Action is what the supervisor does when a handler enters a state.
type Action int

const (
	// LogOnly records the transition.
	LogOnly Action = iota
	// Recover probes the handler right away instead of waiting for its monitor.
	Recover
	// FatalShutdown stops the process.
	FatalShutdown
)

// ShutdownHandler provides an abstraction for system shutdown operations.
// This allows for graceful shutdown and alternative behaviors (e.g., testing).
type ShutdownHandler interface {
	// Shutdown initiates system shutdown with the given exit code and reason.
	Shutdown(exitCode int, reason string)
}

// DefaultShutdownHandler implements immediate process termination.
type DefaultShutdownHandler struct {
	logger *logx.Logger
}

// NewDefaultShutdownHandler creates a shutdown handler that calls os.Exit.
func NewDefaultShutdownHandler(logger *logx.Logger) *DefaultShutdownHandler {
	return &DefaultShutdownHandler{logger: logger}
}

// Shutdown performs immediate process termination.
func (h *DefaultShutdownHandler) Shutdown(exitCode int, reason string) {
	h.logger.Error("FATAL SHUTDOWN: %s (exit code: %d)", reason, exitCode)
	os.Exit(exitCode)
}

// GracefulShutdownHandler runs a cleanup function and then signals a channel
// instead of exiting, so the caller can unwind normally.
type GracefulShutdownHandler struct {
	logger          *logx.Logger
	cleanupFunc     func() error
	shutdownChannel chan int
}

// NewGracefulShutdownHandler creates a shutdown handler with optional cleanup.
// Without a channel it falls back to os.Exit after cleanup.
func NewGracefulShutdownHandler(logger *logx.Logger, cleanupFunc func() error, shutdownChannel chan int) *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		logger:          logger,
		cleanupFunc:     cleanupFunc,
		shutdownChannel: shutdownChannel,
	}
}

// Shutdown performs graceful shutdown with cleanup operations.
func (h *GracefulShutdownHandler) Shutdown(exitCode int, reason string) {
	h.logger.Error("GRACEFUL SHUTDOWN: %s (exit code: %d)", reason, exitCode)

	if h.cleanupFunc != nil {
		h.logger.Info("Running cleanup operations before shutdown...")
		if err := h.cleanupFunc(); err != nil {
			h.logger.Error("Cleanup failed: %v", err)
		} else {
			h.logger.Info("Cleanup completed successfully")
		}
	}

	if h.shutdownChannel == nil {
		os.Exit(exitCode)
	}
	select {
	case h.shutdownChannel <- exitCode:
		h.logger.Info("Shutdown signal sent via channel")
	default:
		h.logger.Warn("Shutdown channel full, falling back to os.Exit")
		os.Exit(exitCode)
	}
}

// Policy maps handler states to actions.
type Policy struct {
	OnState map[resilience.State]Action
	// ShutdownWhenAllDown stops the process once every resilient handler
	// refuses tasks.
	ShutdownWhenAllDown bool
}

// DefaultPolicy probes failed handlers early and otherwise only logs. Open
// breakers are left to their own timeout.
func DefaultPolicy() Policy {
	return Policy{
		OnState: map[resilience.State]Action{
			resilience.Failed: Recover,
		},
	}
}

// stateful is implemented by engine-wrapped handlers.
type stateful interface {
	State() resilience.State
}

type recoverer interface {
	AttemptRecovery(ctx context.Context) (bool, error)
}

// Transition is one observed state change.
type Transition struct {
	Handler string
	From    resilience.State
	To      resilience.State
	At      time.Time
}

// Supervisor polls handler states.
type Supervisor struct {
	Registry        *registry.Registry
	Logger          *logx.Logger
	Policy          Policy
	ShutdownHandler ShutdownHandler
	Interval        time.Duration

	mu      sync.Mutex
	states  map[string]resilience.State
	history []Transition
	running bool
	done    chan struct{}
}

// NewSupervisor creates a supervisor over the kernel's handlers.
func NewSupervisor(k *kernel.Kernel) *Supervisor {
	return New(k.Registry)
}

// New creates a supervisor over reg.
func New(reg *registry.Registry) *Supervisor {
	logger := logx.NewLogger("supervisor")
	return &Supervisor{
		Registry:        reg,
		Logger:          logger,
		Policy:          DefaultPolicy(),
		ShutdownHandler: NewDefaultShutdownHandler(logger),
		Interval:        DefaultInterval,
		states:          make(map[string]resilience.State),
	}
}

// SetShutdownHandler allows injecting a custom shutdown handler.
func (s *Supervisor) SetShutdownHandler(handler ShutdownHandler) {
	s.ShutdownHandler = handler
	s.Logger.Info("Custom shutdown handler installed")
}

// Start polls until ctx ends. A second call while running is ignored.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.Logger.Warn("Supervisor already running")
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.Logger.Info("Starting supervisor (interval %s)", s.Interval)
	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			close(s.done)
			s.mu.Unlock()
			s.Logger.Info("Supervisor stopped")
		}()

		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		s.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}()
}

// Wait blocks until a started supervisor has stopped.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Check samples every handler once and applies the policy to changes.
func (s *Supervisor) Check(ctx context.Context) {
	all := s.Registry.GetAll()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	resilient, down := 0, 0
	for _, name := range names {
		st, ok := all[name].(stateful)
		if !ok {
			continue
		}
		resilient++
		state := st.State()
		if !state.AcceptsTasks() {
			down++
		}

		s.mu.Lock()
		prev, seen := s.states[name]
		s.states[name] = state
		if seen && prev != state {
			s.history = append(s.history, Transition{Handler: name, From: prev, To: state, At: time.Now()})
		}
		s.mu.Unlock()

		if !seen {
			if state != resilience.Healthy {
				s.Logger.Warn("Handler %s is %s", name, state)
				s.handleState(ctx, name, all[name], state)
			}
			continue
		}
		if prev != state {
			s.Logger.Info("Handler %s state changed: %s -> %s", name, prev, state)
			s.handleState(ctx, name, all[name], state)
		}
	}

	if s.Policy.ShutdownWhenAllDown && resilient > 0 && down == resilient {
		reason := fmt.Sprintf("all %d handlers are refusing tasks", resilient)
		s.ShutdownHandler.Shutdown(1, reason)
	}
}

func (s *Supervisor) handleState(ctx context.Context, name string, h any, state resilience.State) {
	switch s.Policy.OnState[state] {
	case Recover:
		r, ok := h.(recoverer)
		if !ok {
			return
		}
		ran, err := r.AttemptRecovery(ctx)
		switch {
		case !ran:
			s.Logger.Debug("Recovery of %s deferred by rate limit", name)
		case err != nil:
			s.Logger.Warn("Recovery of %s failed: %v", name, err)
		default:
			s.Logger.Info("Handler %s recovered", name)
		}
	case FatalShutdown:
		s.ShutdownHandler.Shutdown(1, fmt.Sprintf("handler %s reached %s", name, state))
	case LogOnly:
	}
}

// States returns the last observed state of each resilient handler.
func (s *Supervisor) States() map[string]resilience.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]resilience.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// History returns every transition observed so far.
func (s *Supervisor) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}
