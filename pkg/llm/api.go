// Package llm defines the provider-neutral completion API used by the sample
// agents, plus the middleware chain wrapped around provider clients.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Role is the author of a completion message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a completion request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// Request is a completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a completion result.
type Response struct {
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      Usage      `json:"usage"`
}

// Client is implemented by every provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	ModelName() string
}

// Config selects and configures a provider client.
type Config struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("llm provider is required")
	}
	if c.Model == "" && c.Provider != "mock" {
		return fmt.Errorf("model is required for provider %q", c.Provider)
	}
	if c.MaxTokens < 0 {
		return errors.New("max_tokens must be non-negative")
	}
	return nil
}

// NewRequest builds a request with default limits.
func NewRequest(messages []Message) Request {
	return Request{Messages: messages, MaxTokens: 1024, Temperature: 0.7}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage builds a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// SplitSystem separates system messages (joined with blank lines) from the rest.
// Providers with a dedicated system field use it.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
