package taskmgr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2arunner/pkg/eventbus"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/resilience"
	"a2arunner/pkg/task"
)

// stuck blocks until its context ends and never emits a final status.
type stuck struct {
	*handler.Base
	started chan struct{}
}

func newStuck(name string) *stuck {
	return &stuck{Base: handler.NewBase(name), started: make(chan struct{}, 8)}
}

func (s *stuck) ProcessTask(ctx context.Context, taskID string, _ task.Message, _ string, emit task.Emitter) error {
	if err := emit(task.NewStatus(taskID, task.StateWorking)); err != nil {
		return err
	}
	s.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

// erroring returns an error without a final status.
type erroring struct {
	*handler.Base
}

func (erroring) ProcessTask(context.Context, string, task.Message, string, task.Emitter) error {
	return errors.New("backend blew up")
}

func newManager(t *testing.T, opts Options, handlers ...handler.Handler) *Manager {
	t.Helper()
	reg := registry.New()
	for _, h := range handlers {
		reg.Register(h, false)
	}
	m := New(reg, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitState(t *testing.T, m *Manager, id string, want task.State) *Task {
	t.Helper()
	var got *Task
	require.Eventually(t, func() bool {
		var err error
		got, err = m.GetTask(id)
		return err == nil && got.Status.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestCreateTaskRunsHandler(t *testing.T) {
	bus := eventbus.New(16)
	all := bus.Subscribe(nil)
	m := newManager(t, Options{Bus: bus}, handler.NewEcho(handler.EchoOptions{}))

	created, err := m.CreateTask(context.Background(), task.NewUserMessage("hello"), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, task.StateSubmitted, created.Status.State)
	assert.Equal(t, "echo", created.Handler)
	assert.Equal(t, "s1", created.SessionID)

	done := waitState(t, m, created.ID, task.StateCompleted)
	require.Len(t, done.Artifacts, 1)
	assert.Equal(t, "Echo: hello", done.Artifacts[0].Text())
	assert.Equal(t, "hello", done.History[0].Text())

	var states []task.State
	for len(states) < 3 {
		ev := <-all.Events()
		if s, ok := ev.(*task.StatusEvent); ok {
			states = append(states, s.Status.State)
		}
	}
	assert.Equal(t, []task.State{task.StateSubmitted, task.StateWorking, task.StateCompleted}, states)
}

func TestCreateTaskGeneratesSessionID(t *testing.T) {
	m := newManager(t, Options{}, handler.NewEcho(handler.EchoOptions{}))
	created, err := m.CreateTask(context.Background(), task.NewUserMessage("x"), "", "echo")
	require.NoError(t, err)
	assert.NotEmpty(t, created.SessionID)
}

func TestCreateTaskUnknownHandler(t *testing.T) {
	m := newManager(t, Options{}, handler.NewEcho(handler.EchoOptions{}))
	_, err := m.CreateTask(context.Background(), task.NewUserMessage("x"), "s", "nobody")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestHandlerErrorMarksFailed(t *testing.T) {
	m := newManager(t, Options{}, erroring{handler.NewBase("boom")})
	created, err := m.CreateTask(context.Background(), task.NewUserMessage("x"), "s", "boom")
	require.NoError(t, err)

	failed := waitState(t, m, created.ID, task.StateFailed)
	require.NotNil(t, failed.Status.Message)
	assert.Equal(t, "backend blew up", failed.Status.Message.Text())
}

func TestCancelTask(t *testing.T) {
	h := newStuck("stuck")
	m := newManager(t, Options{}, h)

	created, err := m.CreateTask(context.Background(), task.NewUserMessage("x"), "s", "stuck")
	require.NoError(t, err)
	<-h.started

	canceled, err := m.CancelTask(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCanceled, canceled.Status.State)

	_, err = m.CancelTask(context.Background(), created.ID)
	assert.ErrorIs(t, err, ErrTaskFinal)
	_, err = m.CancelTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTasksByState(t *testing.T) {
	h := newStuck("stuck")
	m := newManager(t, Options{}, h, handler.NewEcho(handler.EchoOptions{}))

	a, err := m.CreateTask(context.Background(), task.NewUserMessage("a"), "s", "stuck")
	require.NoError(t, err)
	<-h.started
	b, err := m.CreateTask(context.Background(), task.NewUserMessage("b"), "s", "echo")
	require.NoError(t, err)
	waitState(t, m, b.ID, task.StateCompleted)

	working := m.TasksByState(task.StateWorking)
	require.Len(t, working, 1)
	assert.Equal(t, a.ID, working[0].ID)
	assert.Equal(t, 1, m.Counts()[task.StateCompleted])
}

func TestMemoryDedup(t *testing.T) {
	clock := resilience.NewManualClock(time.Unix(0, 0), false)
	m := newManager(t, Options{Dedup: NewMemoryDeduper(0, clock)}, handler.NewEcho(handler.EchoOptions{}))
	ctx := context.Background()

	first, err := m.CreateTask(ctx, task.NewUserMessage("hello  world"), "s", "echo")
	require.NoError(t, err)
	again, err := m.CreateTask(ctx, task.NewUserMessage(" hello world "), "s", "echo")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	other, err := m.CreateTask(ctx, task.NewUserMessage("hello world"), "s2", "echo")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	clock.Advance(DefaultDedupWindow)
	later, err := m.CreateTask(ctx, task.NewUserMessage("hello world"), "s", "echo")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, later.ID)
}

func TestRedisDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := resilience.NewManualClock(time.Unix(1000, 0), false)
	d := NewRedisDeduper(client, time.Second, clock)
	ctx := context.Background()
	key := DedupKey("s", "echo", "hi")

	_, found, err := d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, d.Record(ctx, key, "task-1"))
	id, found, err := d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, 2*time.Second, mr.TTL("dedup:"+key))

	clock.Advance(time.Second)
	_, found, err = d.Lookup(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDedupKey(t *testing.T) {
	k := DedupKey("s", "h", "a  b\tc")
	assert.Len(t, k, 16)
	assert.Equal(t, k, DedupKey("s", "h", "a b c"))
	assert.NotEqual(t, k, DedupKey("s", "other", "a b c"))
}

func TestShutdown(t *testing.T) {
	h := newStuck("stuck")
	m := newManager(t, Options{}, h)

	created, err := m.CreateTask(context.Background(), task.NewUserMessage("x"), "s", "stuck")
	require.NoError(t, err)
	<-h.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)

	got, err := m.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCanceled, got.Status.State)

	_, err = m.CreateTask(context.Background(), task.NewUserMessage("y"), "s", "stuck")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestFinishedTasksExpire(t *testing.T) {
	clock := resilience.NewManualClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), false)
	h := newStuck("stuck")
	m := newManager(t, Options{Clock: clock, Retention: time.Minute}, h, handler.NewEcho(handler.EchoOptions{}))
	ctx := context.Background()

	done, err := m.CreateTask(ctx, task.NewUserMessage("a"), "s", "echo")
	require.NoError(t, err)
	waitState(t, m, done.ID, task.StateCompleted)
	running, err := m.CreateTask(ctx, task.NewUserMessage("b"), "s", "stuck")
	require.NoError(t, err)
	<-h.started

	clock.Advance(time.Minute)
	assert.Zero(t, m.Prune(), "a task exactly at the window edge is kept")

	clock.Advance(time.Second)
	assert.Equal(t, 1, m.Prune())
	_, err = m.GetTask(done.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	got, err := m.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateWorking, got.Status.State)

	// CreateTask evicts on its own.
	second, err := m.CreateTask(ctx, task.NewUserMessage("c"), "s", "echo")
	require.NoError(t, err)
	waitState(t, m, second.ID, task.StateCompleted)
	clock.Advance(2 * time.Minute)
	third, err := m.CreateTask(ctx, task.NewUserMessage("d"), "s", "echo")
	require.NoError(t, err)
	_, err = m.GetTask(second.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	waitState(t, m, third.ID, task.StateCompleted)
	_, err = m.GetTask(running.ID)
	assert.NoError(t, err)
}

func TestNegativeRetentionKeepsTasks(t *testing.T) {
	clock := resilience.NewManualClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC), false)
	m := newManager(t, Options{Clock: clock, Retention: -1}, handler.NewEcho(handler.EchoOptions{}))

	created, err := m.CreateTask(context.Background(), task.NewUserMessage("a"), "s", "echo")
	require.NoError(t, err)
	waitState(t, m, created.ID, task.StateCompleted)

	clock.Advance(30 * 24 * time.Hour)
	assert.Zero(t, m.Prune())
	_, err = m.GetTask(created.ID)
	assert.NoError(t, err)
}
