// Package adapter turns backends exposing heterogeneous calling conventions
// into a single streaming task contract.
//
// A backend advertises what it can do by implementing one or more of the
// capability interfaces below. Detect picks the best one and For builds the
// matching Adapter.
package adapter

import (
	"context"
	"iter"

	"google.golang.org/genai"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/task"
)

// TaskProcessor backends already speak the task event protocol.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error
}

// MessageProcessor backends stream events for a message without task bookkeeping.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, taskID string, msg task.Message, emit task.Emitter) error
}

// ToolResult is the outcome of a tool executed during a completion.
type ToolResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// CompletionResult is returned by Completer backends.
type CompletionResult struct {
	Content     string         `json:"content"`
	ToolCalls   []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
}

// Completer backends take the whole conversation and return one answer.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, sessionID string) (CompletionResult, error)
}

// SystemPrompter supplies the system prompt for Completer backends.
type SystemPrompter interface {
	SystemPrompt() string
}

// Instructioner is the fallback source of a system prompt.
type Instructioner interface {
	Instruction() string
}

// Chatter backends answer a single text.
type Chatter interface {
	Chat(ctx context.Context, text, sessionID string) (string, error)
}

// Invoker backends answer synchronously and cannot be interrupted.
type Invoker interface {
	Invoke(input, sessionID string) (string, error)
}

// AsyncRunner is an agent runtime that streams content as it is produced.
type AsyncRunner interface {
	RunAsync(ctx context.Context, userID, sessionID string, msg *genai.Content) iter.Seq2[*genai.Content, error]
}

// LiveRunner is an agent runtime that returns all produced content at once.
type LiveRunner interface {
	RunLive(ctx context.Context, userID, sessionID string, msg *genai.Content) ([]*genai.Content, error)
}

// RuntimeInfo describes an agent runtime.
type RuntimeInfo struct {
	Model             string `json:"model,omitempty"`
	Instruction       string `json:"instruction,omitempty"`
	GlobalInstruction string `json:"global_instruction,omitempty"`
	Description       string `json:"description,omitempty"`
}

// RuntimeDescriber exposes runtime metadata.
type RuntimeDescriber interface {
	DescribeRuntime() RuntimeInfo
}

// ToolInitializer backends prepare tools before use and during recovery.
type ToolInitializer interface {
	InitializeTools(ctx context.Context) error
}

// Initializer backends can be re-initialized during recovery.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Canceler backends can cancel their own in-flight work.
type Canceler interface {
	CancelTask(ctx context.Context, taskID string) bool
}

// HealthReporter backends report their own health details.
type HealthReporter interface {
	HealthStatus() map[string]any
}

// Closer backends hold resources released at shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// ContentTyper backends advertise accepted content types.
type ContentTyper interface {
	SupportedContentTypes() []string
}
