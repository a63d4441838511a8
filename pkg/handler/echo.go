package handler

import (
	"context"
	"time"

	"a2arunner/pkg/task"
)

// EchoOptions configures the echo handler.
type EchoOptions struct {
	Name  string        `yaml:"name"`
	Delay time.Duration `yaml:"delay"`
}

// Echo replies with the text it was given.
type Echo struct {
	*Base
	delay time.Duration
}

// NewEcho creates an echo handler. The name defaults to "echo".
func NewEcho(opts EchoOptions) *Echo {
	if opts.Name == "" {
		opts.Name = "echo"
	}
	return &Echo{Base: NewBase(opts.Name), delay: opts.Delay}
}

func (e *Echo) ProcessTask(ctx context.Context, taskID string, msg task.Message, _ string, emit task.Emitter) error {
	ctx, done := e.Track(ctx, taskID)
	defer done()

	if err := emit(task.NewStatus(taskID, task.StateWorking)); err != nil {
		return err
	}

	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return Finish(ctx, taskID, ctx.Err(), emit)
		case <-time.After(e.delay):
		}
	}

	art := task.NewTextArtifact("echo", "Echo: "+msg.Text(), 0)
	if err := emit(task.NewArtifact(taskID, art)); err != nil {
		return err
	}
	return emit(task.NewStatus(taskID, task.StateCompleted))
}
