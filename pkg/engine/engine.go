package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"a2arunner/pkg/adapter"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/resilience"
	"a2arunner/pkg/session"
	"a2arunner/pkg/task"
)

// SessionStore is the conversation store the engine writes turns to.
type SessionStore interface {
	adapter.SessionContext
	AddUserMessage(ctx context.Context, sessionID, text string) error
	AddAIResponse(ctx context.Context, sessionID, text string) error
	TokenUsage(ctx context.Context, sessionID string) (session.Usage, error)
}

// sandboxScoper is implemented by stores that can be re-scoped per handler.
type sandboxScoper interface {
	WithSandbox(sandbox string) *session.Manager
}

// Recorder receives engine metrics.
type Recorder interface {
	ObserveTask(handler, outcome string, duration time.Duration)
	ObserveRetry(handler string)
	ObserveRecovery(handler string, success bool)
	SetHealthState(handler string, state resilience.State)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTask(string, string, time.Duration) {}

func (nopRecorder) ObserveRetry(string) {}

func (nopRecorder) ObserveRecovery(string, bool) {}

func (nopRecorder) SetHealthState(string, resilience.State) {}

// Task outcomes reported to the Recorder.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	OutcomeRejected  = "rejected"
)

// Option customises a ResilientHandler.
type Option func(*ResilientHandler)

// WithSessions sets the conversation store. A *session.Manager is re-scoped
// to the handler's sandbox or shared group.
func WithSessions(s SessionStore) Option {
	return func(h *ResilientHandler) { h.sessions = s }
}

// WithClock replaces the wall clock.
func WithClock(c resilience.Clock) Option {
	return func(h *ResilientHandler) { h.clock = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(h *ResilientHandler) { h.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *logx.Logger) Option {
	return func(h *ResilientHandler) { h.logger = l }
}

// ResilientHandler adapts a backend to the task handler contract and guards
// it with retries, a circuit breaker and periodic recovery.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type ResilientHandler struct {
	cfg      Config
	backend  any
	adapter  adapter.Adapter
	tracker  *resilience.Tracker
	backoff  resilience.Backoff
	clock    resilience.Clock
	sessions SessionStore
	recorder Recorder
	logger   *logx.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
	shutdownOnce  sync.Once
	shutdownErr   error
}

// New wraps backend. The recovery monitor starts immediately when
// cfg.RecoveryCheckInterval is positive.
func New(backend any, cfg Config, opts ...Option) (*ResilientHandler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scope := cfg.sessionScope()

	h := &ResilientHandler{
		cfg:     cfg,
		backend: backend,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.clock == nil {
		h.clock = resilience.SystemClock()
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if h.logger == nil {
		h.logger = logx.NewLogger("engine:" + cfg.Name)
	}
	if scoper, ok := h.sessions.(sandboxScoper); ok {
		h.sessions = scoper.WithSandbox(scope)
	}

	h.backoff = resilience.Backoff{Base: cfg.BackoffBase, Factor: resilience.DefaultBackoff.Factor}
	h.tracker = resilience.NewTracker(resilience.BreakerConfig{
		Threshold:         cfg.CircuitBreakerThreshold,
		Timeout:           cfg.CircuitBreakerTimeout,
		RecoveryRateLimit: cfg.RecoveryRateLimit,
	}, h.clock, h.onTransition)

	deps := adapter.Deps{Logger: h.logger, ContextWindow: cfg.ContextWindow}
	if h.sessions != nil {
		deps.Session = h.sessions
	}
	if cfg.Interface != "" {
		h.adapter = adapter.ForKind(cfg.Interface, backend, deps)
	} else {
		h.adapter = adapter.For(backend, deps)
	}
	if h.adapter.Kind() == adapter.KindUnknown {
		h.logger.Warn("backend %T exposes no supported interface; tasks will fail", backend)
	}
	h.recorder.SetHealthState(cfg.Name, resilience.Healthy)

	if cfg.RecoveryCheckInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		h.monitorCancel = cancel
		h.monitorWG.Add(1)
		go h.monitor(ctx)
	}

	h.logger.Info("resilient handler ready (interface=%s, sandbox=%s, sharing=%t)", h.adapter.Kind(), scope, cfg.SessionSharing)
	return h, nil
}

func (h *ResilientHandler) Name() string {
	return h.cfg.Name
}

// Kind is the detected calling convention of the backend.
func (h *ResilientHandler) Kind() adapter.Kind {
	return h.adapter.Kind()
}

// Backend returns the wrapped backend.
func (h *ResilientHandler) Backend() any {
	return h.backend
}

// Config returns the effective configuration.
func (h *ResilientHandler) Config() Config {
	return h.cfg
}

// SupportedContentTypes defers to the backend, defaulting to plain text.
func (h *ResilientHandler) SupportedContentTypes() []string {
	if ct, ok := h.backend.(adapter.ContentTyper); ok {
		return ct.SupportedContentTypes()
	}
	return []string{"text/plain"}
}

// State returns the current health state.
func (h *ResilientHandler) State() resilience.State {
	return h.tracker.State()
}

func (h *ResilientHandler) onTransition(from, to resilience.State) {
	switch to {
	case resilience.CircuitOpen:
		h.logger.Warn("circuit opened (%s -> %s) after %d consecutive failures", from, to, h.cfg.CircuitBreakerThreshold)
	case resilience.Failed:
		h.logger.Error("handler failed (%s -> %s)", from, to)
	default:
		h.logger.Info("health %s -> %s", from, to)
	}
	h.recorder.SetHealthState(h.cfg.Name, to)
}

// ProcessTask runs the task with retries and always emits exactly one final
// status. The returned error is non-nil only when emit itself fails.
func (h *ResilientHandler) ProcessTask(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error {
	if !h.tracker.Allow() {
		state := h.tracker.State()
		h.logger.Warn("rejecting task %s: %v (state %s)", taskID, resilience.ErrCircuitOpen, state)
		h.recorder.ObserveTask(h.cfg.Name, OutcomeRejected, 0)
		return emit(task.NewStatusWithMessage(taskID, task.StateFailed,
			fmt.Sprintf("%v: handler %s is %s", resilience.ErrCircuitOpen, h.cfg.Name, state)))
	}
	if h.adapter.Kind() == adapter.KindUnknown {
		h.recorder.ObserveTask(h.cfg.Name, OutcomeRejected, 0)
		return emit(task.NewStatusWithMessage(taskID, task.StateFailed,
			fmt.Sprintf("%v: %T", adapter.ErrUnknownInterface, h.backend)))
	}

	ctx, cancel := context.WithCancel(logx.WithComponent(ctx, h.logger.Component()))
	h.track(taskID, cancel)
	defer h.untrack(taskID)

	h.tracker.BeginTask()
	start := h.clock.Now()
	text := msg.Text()
	if h.sessions != nil && sessionID != "" && text != "" {
		if err := h.sessions.AddUserMessage(ctx, sessionID, text); err != nil {
			h.logger.Warn("failed to store user message for session %s: %v", sessionID, err)
		}
	}

	if err := emit(task.NewStatus(taskID, task.StateWorking)); err != nil {
		return err
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= h.cfg.MaxRetryAttempts; attempt++ {
		attempts++
		logx.Debug(ctx, "engine", "task %s attempt %d/%d via %s", taskID, attempts, h.cfg.MaxRetryAttempts+1, h.adapter.Kind())
		res := h.attempt(ctx, taskID, msg, sessionID, emit)
		if res.emitErr != nil {
			return res.emitErr
		}
		if res.err == nil {
			return h.succeed(ctx, taskID, sessionID, start, res, emit)
		}

		lastErr = res.err
		outcome := resilience.Classify(ctx, res.err)
		if outcome == resilience.OutcomeCanceled {
			return h.cancelled(taskID, start, emit)
		}
		if !resilience.ShouldRetry(outcome, res.err) || attempt == h.cfg.MaxRetryAttempts {
			break
		}

		delay := h.backoff.Delay(attempt)
		h.logger.Warn("task %s attempt %d failed (%s): %v; retrying in %s", taskID, attempt+1, outcome, res.err, delay)
		h.recorder.ObserveRetry(h.cfg.Name)
		if err := resilience.Sleep(ctx, h.clock, delay); err != nil {
			return h.cancelled(taskID, start, emit)
		}
	}

	failure := fmt.Errorf("%w after %d attempt(s): %w", resilience.ErrRetryExhausted, attempts, lastErr)
	state := h.tracker.RecordFailure(failure)
	h.logger.Error("task %s failed: %v (state %s)", taskID, failure, state)
	h.recorder.ObserveTask(h.cfg.Name, OutcomeFailed, h.clock.Now().Sub(start))
	return emit(task.NewStatusWithMessage(taskID, task.StateFailed, failure.Error()))
}

func (h *ResilientHandler) succeed(ctx context.Context, taskID, sessionID string, start time.Time, res attemptResult, emit task.Emitter) error {
	if h.sessions != nil && sessionID != "" && res.response != "" {
		if err := h.sessions.AddAIResponse(ctx, sessionID, res.response); err != nil {
			h.logger.Warn("failed to store response for session %s: %v", sessionID, err)
		}
	}
	h.tracker.RecordSuccess()
	h.recorder.ObserveTask(h.cfg.Name, OutcomeCompleted, h.clock.Now().Sub(start))

	final := task.NewStatus(taskID, res.final.Status.State)
	final.Status.Message = res.final.Status.Message
	final.Final = true
	return emit(final)
}

func (h *ResilientHandler) cancelled(taskID string, start time.Time, emit task.Emitter) error {
	h.logger.Info("task %s canceled", taskID)
	h.recorder.ObserveTask(h.cfg.Name, OutcomeCanceled, h.clock.Now().Sub(start))
	return emit(task.NewStatus(taskID, task.StateCanceled))
}

type attemptResult struct {
	final    *task.StatusEvent
	response string
	err      error
	emitErr  error
}

// gate forwards adapter events until closed. Events arriving from an
// abandoned attempt are dropped.
type gate struct {
	mu     sync.Mutex
	closed bool
}

func (g *gate) forward(emit task.Emitter, ev task.Event) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, context.Canceled
	}
	return true, emit(ev)
}

func (g *gate) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}

// attempt runs the adapter once under TaskTimeout. Adapter final statuses are
// captured rather than forwarded so the engine can issue the terminal event.
func (h *ResilientHandler) attempt(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) attemptResult {
	actx := ctx
	if h.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, h.cfg.TaskTimeout)
		defer cancel()
	}

	var (
		g         gate
		resMu     sync.Mutex
		res       attemptResult
		lastState = task.StateWorking
	)
	fwd := func(ev task.Event) error {
		switch e := ev.(type) {
		case *task.StatusEvent:
			resMu.Lock()
			if e.Final {
				res.final = e
				resMu.Unlock()
				return nil
			}
			if e.Status.State == lastState && e.Status.Message == nil {
				resMu.Unlock()
				return nil
			}
			lastState = e.Status.State
			resMu.Unlock()
		case *task.ArtifactEvent:
			resMu.Lock()
			if t := e.Artifact.Text(); t != "" {
				res.response = t
			}
			resMu.Unlock()
		}
		ok, err := g.forward(emit, ev)
		if ok && err != nil {
			resMu.Lock()
			res.emitErr = err
			resMu.Unlock()
		}
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- h.adapter.Run(actx, taskID, msg, sessionID, fwd)
	}()

	var err error
	select {
	case err = <-done:
	case <-actx.Done():
		g.close()
		err = actx.Err()
	}

	resMu.Lock()
	defer resMu.Unlock()
	out := res
	if out.emitErr != nil {
		return out
	}

	if err == nil {
		switch {
		case out.final == nil:
			err = errors.New("backend finished without a final status")
		case out.final.Status.State == task.StateFailed:
			err = fmt.Errorf("backend reported failure: %s", statusText(out.final))
		case out.final.Status.State == task.StateCanceled:
			err = context.Canceled
		}
	}
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: attempt exceeded %s", resilience.ErrTimeout, h.cfg.TaskTimeout)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		err = errors.New("backend canceled the task")
	}
	out.err = err
	return out
}

func statusText(ev *task.StatusEvent) string {
	if ev.Status.Message == nil {
		return "no details"
	}
	return ev.Status.Message.Text()
}

func (h *ResilientHandler) track(taskID string, cancel context.CancelFunc) {
	h.mu.Lock()
	h.running[taskID] = cancel
	h.mu.Unlock()
}

func (h *ResilientHandler) untrack(taskID string) {
	h.mu.Lock()
	cancel, ok := h.running[taskID]
	delete(h.running, taskID)
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelTask cancels the engine attempt for taskID and forwards the request to
// the backend when it can cancel. The backend's answer wins; otherwise the
// result reports whether the engine knew the task.
func (h *ResilientHandler) CancelTask(ctx context.Context, taskID string) bool {
	h.mu.Lock()
	cancel, known := h.running[taskID]
	h.mu.Unlock()
	if known {
		cancel()
	}

	if c, ok := h.backend.(adapter.Canceler); ok {
		return c.CancelTask(ctx, taskID)
	}
	return known
}

// SessionScope is the sandbox this handler's conversations are stored under.
func (h *ResilientHandler) SessionScope() string {
	if h.cfg.SharedSandboxGroup != "" {
		return h.cfg.SharedSandboxGroup
	}
	return h.cfg.SandboxID
}

// SessionUsage reports token usage for a session in this handler's scope.
func (h *ResilientHandler) SessionUsage(ctx context.Context, sessionID string) (session.Usage, error) {
	if h.sessions == nil {
		return session.Usage{}, nil
	}
	return h.sessions.TokenUsage(ctx, sessionID)
}

// Shutdown stops the monitor and closes the backend. Later calls return the
// first result.
func (h *ResilientHandler) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		if h.monitorCancel != nil {
			h.monitorCancel()
		}
		h.monitorWG.Wait()

		if c, ok := h.backend.(adapter.Closer); ok {
			if err := c.Close(ctx); err != nil {
				h.shutdownErr = fmt.Errorf("close backend %s: %w", h.cfg.Name, err)
			}
		}
		h.logger.Info("resilient handler shut down")
	})
	return h.shutdownErr
}
