// Package agents provides LLM-backed sample agents and registers them as
// agent factories for handler configuration.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"a2arunner/pkg/adapter"
	"a2arunner/pkg/llm"
	"a2arunner/pkg/logx"
)

// ErrUnknownTool is returned when the model calls a tool the agent lacks.
var ErrUnknownTool = errors.New("unknown tool")

// ToolFunc executes a tool call.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Run         ToolFunc
}

// Options describe an LLMAgent.
type Options struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Instruction string  `yaml:"instruction"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// LLMAgent answers with a chat completion over the configured client. It is
// safe for concurrent use.
type LLMAgent struct {
	opts   Options
	client llm.Client
	logger *logx.Logger

	mu    sync.RWMutex
	tools map[string]Tool

	requests atomic.Int64
	failures atomic.Int64
	lastErr  atomic.Value
}

// NewLLMAgent creates an agent over client.
func NewLLMAgent(client llm.Client, opts Options, tools ...Tool) *LLMAgent {
	if opts.Name == "" {
		opts.Name = "llm_agent"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}
	a := &LLMAgent{
		opts:   opts,
		client: client,
		logger: logx.NewLogger("agent:" + opts.Name),
		tools:  make(map[string]Tool),
	}
	for _, t := range tools {
		a.tools[t.Name] = t
	}
	return a
}

// Name returns the agent name.
func (a *LLMAgent) Name() string {
	return a.opts.Name
}

// SystemPrompt is the instruction given to the model.
func (a *LLMAgent) SystemPrompt() string {
	return a.opts.Instruction
}

// Instruction returns the configured instruction.
func (a *LLMAgent) Instruction() string {
	return a.opts.Instruction
}

// Tools lists the tool names in sorted order.
func (a *LLMAgent) Tools() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.tools))
	for n := range a.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// InitializeTools checks every tool is runnable.
func (a *LLMAgent) InitializeTools(context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for name, t := range a.tools {
		if t.Run == nil {
			return fmt.Errorf("tool %s has no implementation", name)
		}
	}
	return nil
}

// Complete sends messages to the model. Tool calls are executed and their
// results sent back for a final answer.
func (a *LLMAgent) Complete(ctx context.Context, messages []llm.Message, _ string) (adapter.CompletionResult, error) {
	a.requests.Add(1)
	req := llm.NewRequest(messages)
	req.MaxTokens = a.opts.MaxTokens
	if a.opts.Temperature > 0 {
		req.Temperature = a.opts.Temperature
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return adapter.CompletionResult{}, a.fail(err)
	}

	result := adapter.CompletionResult{Content: resp.Content, ToolCalls: resp.ToolCalls}
	if len(resp.ToolCalls) == 0 {
		return result, nil
	}

	var summary strings.Builder
	for _, call := range resp.ToolCalls {
		out, err := a.runTool(ctx, call)
		if err != nil {
			out = "error: " + err.Error()
		}
		result.ToolResults = append(result.ToolResults, adapter.ToolResult{Name: call.Name, Content: out})
		fmt.Fprintf(&summary, "Tool %s returned: %s\n", call.Name, out)
	}

	followUp := append(append([]llm.Message{}, messages...),
		llm.NewAssistantMessage(resp.Content),
		llm.NewUserMessage(strings.TrimSpace(summary.String())),
	)
	req.Messages = followUp
	final, err := a.client.Complete(ctx, req)
	if err != nil {
		return adapter.CompletionResult{}, a.fail(err)
	}
	result.Content = final.Content
	return result, nil
}

func (a *LLMAgent) fail(err error) error {
	a.failures.Add(1)
	a.lastErr.Store(err.Error())
	return err
}

func (a *LLMAgent) runTool(ctx context.Context, call llm.ToolCall) (string, error) {
	a.mu.RLock()
	t, ok := a.tools[call.Name]
	a.mu.RUnlock()
	if !ok || t.Run == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}
	return t.Run(ctx, call.Parameters)
}

// HealthStatus reports request counters for health endpoints.
func (a *LLMAgent) HealthStatus() map[string]any {
	status := map[string]any{
		"model":    a.client.ModelName(),
		"requests": a.requests.Load(),
		"failures": a.failures.Load(),
		"tools":    a.Tools(),
	}
	if v, ok := a.lastErr.Load().(string); ok {
		status["last_error"] = v
	}
	return status
}

// CurrentTimeTool reports the current UTC time.
func CurrentTimeTool() Tool {
	return Tool{
		Name:        "current_time",
		Description: "Returns the current UTC time in RFC3339 format",
		Run: func(context.Context, map[string]any) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	}
}

// EchoArgsTool returns its arguments as JSON. It is useful for wiring checks.
func EchoArgsTool() Tool {
	return Tool{
		Name:        "echo_args",
		Description: "Returns the call arguments as JSON",
		Run: func(_ context.Context, args map[string]any) (string, error) {
			data, err := json.Marshal(args)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}
