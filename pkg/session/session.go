// Package session stores conversation history per sandbox and session, and
// exposes the narrow context interface the execution engine relies on.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles stored in session history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptySessionID is returned when a session operation has no session id.
var ErrEmptySessionID = errors.New("session id is required")

// Message is one stored conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage summarises a session's size.
type Usage struct {
	Messages         int `json:"messages"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Store persists message lists by key.
type Store interface {
	// Append adds msg to the end of key's list.
	Append(ctx context.Context, key string, msg Message) error
	// Load returns the last limit messages of key in order; limit <= 0 returns all.
	Load(ctx context.Context, key string, limit int) ([]Message, error)
	// Delete removes key.
	Delete(ctx context.Context, key string) error
	// Keys returns every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Manager scopes a Store to one sandbox.
type Manager struct {
	store   Store
	sandbox string
	counter *TokenCounter
	maxKeep int
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxMessages trims history to the most recent n messages on read (n > 0).
func WithMaxMessages(n int) Option {
	return func(m *Manager) { m.maxKeep = n }
}

// WithTokenCounter overrides the token counter.
func WithTokenCounter(c *TokenCounter) Option {
	return func(m *Manager) { m.counter = c }
}

// NewManager creates a manager for sandbox on top of store.
func NewManager(store Store, sandbox string, opts ...Option) *Manager {
	m := &Manager{store: store, sandbox: sandbox}
	for _, opt := range opts {
		opt(m)
	}
	if m.counter == nil {
		m.counter = DefaultTokenCounter()
	}
	return m
}

// Sandbox returns the scope name.
func (m *Manager) Sandbox() string {
	return m.sandbox
}

// WithSandbox returns a manager for another sandbox sharing the same store.
func (m *Manager) WithSandbox(sandbox string) *Manager {
	clone := *m
	clone.sandbox = sandbox
	return &clone
}

func (m *Manager) key(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrEmptySessionID
	}
	return m.sandbox + ":" + sessionID, nil
}

func (m *Manager) add(ctx context.Context, sessionID, role, text string) error {
	key, err := m.key(sessionID)
	if err != nil {
		return err
	}
	msg := Message{Role: role, Content: text, Timestamp: time.Now().UTC()}
	if err := m.store.Append(ctx, key, msg); err != nil {
		return fmt.Errorf("append %s message to %s: %w", role, key, err)
	}
	return nil
}

// AddUserMessage appends a user turn.
func (m *Manager) AddUserMessage(ctx context.Context, sessionID, text string) error {
	return m.add(ctx, sessionID, RoleUser, text)
}

// AddAIResponse appends an assistant turn.
func (m *Manager) AddAIResponse(ctx context.Context, sessionID, text string) error {
	return m.add(ctx, sessionID, RoleAssistant, text)
}

// ConversationContext returns the most recent max messages in order.
func (m *Manager) ConversationContext(ctx context.Context, sessionID string, max int) ([]Message, error) {
	key, err := m.key(sessionID)
	if err != nil {
		return nil, err
	}
	if m.maxKeep > 0 && (max <= 0 || max > m.maxKeep) {
		max = m.maxKeep
	}
	msgs, err := m.store.Load(ctx, key, max)
	if err != nil {
		return nil, fmt.Errorf("load context for %s: %w", key, err)
	}
	return msgs, nil
}

// History returns the whole stored conversation.
func (m *Manager) History(ctx context.Context, sessionID string) ([]Message, error) {
	key, err := m.key(sessionID)
	if err != nil {
		return nil, err
	}
	return m.store.Load(ctx, key, 0)
}

// TokenUsage counts tokens across the stored conversation. User turns count
// as prompt tokens and assistant turns as completion tokens.
func (m *Manager) TokenUsage(ctx context.Context, sessionID string) (Usage, error) {
	msgs, err := m.History(ctx, sessionID)
	if err != nil {
		return Usage{}, err
	}
	usage := Usage{Messages: len(msgs)}
	for _, msg := range msgs {
		n := m.counter.Count(msg.Content)
		if msg.Role == RoleAssistant {
			usage.CompletionTokens += n
		} else {
			usage.PromptTokens += n
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return usage, nil
}

// Clear deletes a session.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	key, err := m.key(sessionID)
	if err != nil {
		return err
	}
	return m.store.Delete(ctx, key)
}

// Sessions lists the session ids stored in this sandbox.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	prefix := m.sandbox + ":"
	keys, err := m.store.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	return ids, nil
}

// Stats summarises the sandbox's sessions.
type Stats struct {
	Sandbox     string `json:"sandbox"`
	Sessions    int    `json:"sessions"`
	Messages    int    `json:"messages"`
	TotalTokens int    `json:"total_tokens"`
}

// Stats walks every session in the sandbox.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	ids, err := m.Sessions(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Sandbox: m.sandbox, Sessions: len(ids)}
	for _, id := range ids {
		u, err := m.TokenUsage(ctx, id)
		if err != nil {
			return Stats{}, err
		}
		st.Messages += u.Messages
		st.TotalTokens += u.TotalTokens
	}
	return st, nil
}
