// Package taskmgr owns task records: it creates tasks, runs them on their
// handler in the background, applies emitted events and publishes them.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"a2arunner/pkg/eventbus"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/resilience"
	"a2arunner/pkg/task"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskFinal is returned when canceling a task that already finished.
	ErrTaskFinal = errors.New("task already in a terminal state")
	// ErrShuttingDown is returned by CreateTask after Shutdown started.
	ErrShuttingDown = errors.New("task manager is shutting down")
)

// DefaultRetention is how long finished tasks stay queryable.
const DefaultRetention = time.Hour

// Options configure a Manager.
type Options struct {
	Bus   *eventbus.Bus
	Dedup Deduper
	Clock resilience.Clock
	// Retention bounds how long a task in a terminal state is kept after its
	// last update. Zero means DefaultRetention, negative keeps tasks forever.
	Retention time.Duration
	Logger    *logx.Logger
}

// Manager tracks tasks and their processing goroutines.
type Manager struct {
	reg    *registry.Registry
	bus    *eventbus.Bus
	dedup  Deduper
	clock     resilience.Clock
	retention time.Duration
	logger    *logx.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	group   errgroup.Group

	mu      sync.RWMutex
	tasks   map[string]*record
	closing bool
}

type record struct {
	Task
	cancel context.CancelFunc
}

// New creates a manager dispatching to handlers in reg.
func New(reg *registry.Registry, opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = eventbus.New(0)
	}
	if opts.Clock == nil {
		opts.Clock = resilience.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("taskmgr")
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		reg:       reg,
		bus:       opts.Bus,
		dedup:     opts.Dedup,
		clock:     opts.Clock,
		retention: opts.Retention,
		logger:    opts.Logger,
		baseCtx:   ctx,
		stop:      stop,
		tasks:     make(map[string]*record),
	}
}

// Bus returns the bus events are published on.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// CreateTask records a submitted task and starts processing it on the named
// handler (empty for the default). An identical request for the same session
// and handler inside the dedup window returns the existing task instead.
func (m *Manager) CreateTask(ctx context.Context, msg task.Message, sessionID, handlerName string) (*Task, error) {
	h, err := m.reg.Get(handlerName)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	key := DedupKey(sessionID, h.Name(), msg.Text())
	if existing := m.duplicate(ctx, key); existing != nil {
		return existing, nil
	}

	now := m.clock.Now().UTC()
	rec := &record{Task: Task{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Handler:   h.Name(),
		Status:    task.Status{State: task.StateSubmitted, Timestamp: now},
		History:   []task.Message{msg},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	taskCtx, cancel := context.WithCancel(m.baseCtx)
	rec.cancel = cancel

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	evicted := m.pruneLocked(now)
	m.tasks[rec.ID] = rec
	snapshot := rec.snapshot()
	m.mu.Unlock()
	if evicted > 0 {
		m.logger.Debug("evicted %d finished tasks", evicted)
	}

	if m.dedup != nil {
		if err := m.dedup.Record(ctx, key, rec.ID); err != nil {
			m.logger.Warn("failed to record dedup entry for task %s: %v", rec.ID, err)
		}
	}

	m.bus.Publish(&task.StatusEvent{ID: rec.ID, Status: snapshot.Status})
	m.logger.Info("task %s created on handler %s (session %s)", rec.ID, h.Name(), sessionID)

	m.mu.Lock()
	started := !m.closing
	if started {
		// Go is called under the lock so Shutdown's Wait never races an Add.
		m.group.Go(func() error {
			defer cancel()
			m.run(taskCtx, h, rec.ID, msg, sessionID)
			return nil
		})
	}
	m.mu.Unlock()
	if !started {
		cancel()
		m.apply(task.NewStatus(rec.ID, task.StateCanceled))
		return nil, ErrShuttingDown
	}
	return snapshot, nil
}

func (m *Manager) duplicate(ctx context.Context, key string) *Task {
	if m.dedup == nil {
		return nil
	}
	id, found, err := m.dedup.Lookup(ctx, key)
	if err != nil {
		m.logger.Warn("dedup lookup failed: %v", err)
		return nil
	}
	if !found {
		return nil
	}
	t, err := m.GetTask(id)
	if err != nil {
		return nil
	}
	m.logger.Info("duplicate request mapped to task %s", id)
	return t
}

func (m *Manager) run(ctx context.Context, h handler.Handler, taskID string, msg task.Message, sessionID string) {
	err := h.ProcessTask(ctx, taskID, msg, sessionID, func(ev task.Event) error {
		m.apply(ev)
		return nil
	})

	m.mu.RLock()
	rec, ok := m.tasks[taskID]
	finished := !ok || rec.Status.State.IsTerminal()
	m.mu.RUnlock()
	if finished {
		return
	}

	switch {
	case ctx.Err() != nil:
		m.apply(task.NewStatus(taskID, task.StateCanceled))
	case err != nil:
		m.logger.Error("task %s failed: %v", taskID, err)
		m.apply(task.NewStatusWithMessage(taskID, task.StateFailed, err.Error()))
	default:
		m.logger.Warn("handler %s finished task %s without a final status", h.Name(), taskID)
		m.apply(task.NewStatusWithMessage(taskID, task.StateFailed, "handler finished without a final status"))
	}
}

// apply folds ev into its task and publishes it. Status events that are not a
// valid transition are dropped.
func (m *Manager) apply(ev task.Event) {
	m.mu.Lock()
	rec, ok := m.tasks[ev.TaskID()]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("event for unknown task %s", ev.TaskID())
		return
	}
	switch e := ev.(type) {
	case *task.StatusEvent:
		if err := task.ValidateTransition(rec.Status.State, e.Status.State); err != nil {
			m.mu.Unlock()
			m.logger.Debug("task %s: %v", e.ID, err)
			return
		}
		rec.Status = e.Status
		if e.Status.Message != nil {
			rec.History = append(rec.History, *e.Status.Message)
		}
	case *task.ArtifactEvent:
		rec.addArtifact(e.Artifact)
	}
	rec.UpdatedAt = m.clock.Now().UTC()
	m.mu.Unlock()

	m.bus.Publish(ev)
}

// GetTask returns a copy of the task.
func (m *Manager) GetTask(id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return rec.snapshot(), nil
}

// CancelTask asks the handler to stop the task, then marks it canceled.
func (m *Manager) CancelTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	rec, ok := m.tasks[id]
	var (
		handlerName string
		state       task.State
	)
	if ok {
		handlerName, state = rec.Handler, rec.Status.State
	}
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if state.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskFinal, id, state)
	}

	if h, err := m.reg.Get(handlerName); err == nil {
		if !h.CancelTask(ctx, id) {
			m.logger.Debug("handler %s did not acknowledge cancel of %s", handlerName, id)
		}
	}
	rec.cancel()
	m.apply(task.NewStatus(id, task.StateCanceled))
	return m.GetTask(id)
}

// TasksByState lists tasks in state, oldest first.
func (m *Manager) TasksByState(state task.State) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, rec := range m.tasks {
		if rec.Status.State == state {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Prune drops tasks that reached a terminal state more than the retention
// window ago and returns how many were removed. CreateTask prunes too, so
// calling it is only needed to reclaim memory while no tasks arrive.
func (m *Manager) Prune() int {
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(now)
}

func (m *Manager) pruneLocked(now time.Time) int {
	if m.retention < 0 {
		return 0
	}
	cutoff := now.Add(-m.retention)
	n := 0
	for id, rec := range m.tasks {
		if rec.Status.State.IsTerminal() && rec.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n
}

// Counts returns the number of tasks per state.
func (m *Manager) Counts() map[task.State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[task.State]int)
	for _, rec := range m.tasks {
		out[rec.Status.State]++
	}
	return out
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx ends
// first, the remaining tasks are canceled and awaited.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached, canceling in-flight tasks")
		m.stop()
		<-done
		return ctx.Err()
	}
}
