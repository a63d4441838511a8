// Package handler defines the task handler contract and the built-in handlers.
package handler

import (
	"context"
	"errors"
	"sync"

	"a2arunner/pkg/task"
)

// Handler processes tasks and reports progress through an emitter.
//
// ProcessTask must emit exactly one final status event before returning nil.
// A returned error means the task did not reach a terminal state on its own.
type Handler interface {
	Name() string
	ProcessTask(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error
	CancelTask(ctx context.Context, taskID string) bool
}

// ContentTyper is implemented by handlers that advertise accepted content types.
type ContentTyper interface {
	SupportedContentTypes() []string
}

// Shutdowner is implemented by handlers holding resources that must be released.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Base provides the name and the default cancellation bookkeeping for native handlers.
type Base struct {
	name string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewBase returns a Base for a handler called name.
func NewBase(name string) *Base {
	return &Base{name: name}
}

func (b *Base) Name() string {
	return b.name
}

// SupportedContentTypes reports plain text.
func (b *Base) SupportedContentTypes() []string {
	return []string{"text/plain"}
}

// Track derives a cancellable context for taskID. The returned func must be
// called when the task finishes.
func (b *Base) Track(ctx context.Context, taskID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	if b.running == nil {
		b.running = make(map[string]context.CancelFunc)
	}
	b.running[taskID] = cancel
	b.mu.Unlock()

	return ctx, func() {
		b.mu.Lock()
		delete(b.running, taskID)
		b.mu.Unlock()
		cancel()
	}
}

// CancelTask cancels a tracked task. It returns false for unknown tasks.
func (b *Base) CancelTask(_ context.Context, taskID string) bool {
	b.mu.Lock()
	cancel, ok := b.running[taskID]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Finish emits the terminal status matching err: canceled when ctx was
// cancelled, failed for any other error, completed otherwise.
func Finish(ctx context.Context, taskID string, err error, emit task.Emitter) error {
	switch {
	case err == nil:
		return emit(task.NewStatus(taskID, task.StateCompleted))
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return emit(task.NewStatus(taskID, task.StateCanceled))
	default:
		return emit(task.NewStatusWithMessage(taskID, task.StateFailed, err.Error()))
	}
}

// Stream runs h.ProcessTask on its own goroutine and returns its events.
// The channel is closed after the final event. Callers must drain it: the
// final event is always delivered, even after ctx is done. When the handler
// returns without a final event, Stream synthesises a failed one.
func Stream(ctx context.Context, h Handler, taskID string, msg task.Message, sessionID string) <-chan task.Event {
	ch := make(chan task.Event, 16)

	go func() {
		defer close(ch)

		sawFinal := false
		emit := func(ev task.Event) error {
			if sawFinal {
				return nil
			}
			if task.IsFinal(ev) {
				sawFinal = true
				ch <- ev
				return nil
			}
			select {
			case ch <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := h.ProcessTask(ctx, taskID, msg, sessionID, emit)
		if sawFinal {
			return
		}
		state := task.StateFailed
		text := "handler returned without a final status"
		if err != nil {
			text = err.Error()
		}
		if ctx.Err() != nil {
			state = task.StateCanceled
		}
		ch <- task.NewStatusWithMessage(taskID, state, text)
	}()

	return ch
}

// Collect drains Stream into a slice.
func Collect(ctx context.Context, h Handler, taskID string, msg task.Message, sessionID string) []task.Event {
	var events []task.Event
	for ev := range Stream(ctx, h, taskID, msg, sessionID) {
		events = append(events, ev)
	}
	return events
}
