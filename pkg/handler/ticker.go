package handler

import (
	"context"
	"fmt"
	"time"

	"a2arunner/pkg/task"
)

// TickerOptions configures the time ticker handler.
type TickerOptions struct {
	Name         string        `yaml:"name"`
	Ticks        int           `yaml:"ticks"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Interval     time.Duration `yaml:"interval"`
}

// TimeTicker streams the current UTC time as a series of artifacts.
type TimeTicker struct {
	*Base
	opts TickerOptions
}

// NewTimeTicker creates a ticker handler. Zero options mean 10 ticks, a 500ms
// initial delay and a 1s interval.
func NewTimeTicker(opts TickerOptions) *TimeTicker {
	if opts.Name == "" {
		opts.Name = "time_ticker"
	}
	if opts.Ticks <= 0 {
		opts.Ticks = 10
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 500 * time.Millisecond
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &TimeTicker{Base: NewBase(opts.Name), opts: opts}
}

func (h *TimeTicker) ProcessTask(ctx context.Context, taskID string, _ task.Message, _ string, emit task.Emitter) error {
	ctx, done := h.Track(ctx, taskID)
	defer done()

	if err := emit(task.NewStatus(taskID, task.StateWorking)); err != nil {
		return err
	}

	wait := h.opts.InitialDelay
	for i := 0; i < h.opts.Ticks; i++ {
		select {
		case <-ctx.Done():
			return Finish(ctx, taskID, ctx.Err(), emit)
		case <-time.After(wait):
		}
		wait = h.opts.Interval

		now := time.Now().UTC().Format(time.RFC3339)
		text := fmt.Sprintf("tick %d/%d – UTC time: %s", i+1, h.opts.Ticks, now)
		if err := emit(task.NewArtifact(taskID, task.NewTextArtifact("tick", text, i))); err != nil {
			return err
		}
	}

	return emit(task.NewStatus(taskID, task.StateCompleted))
}
