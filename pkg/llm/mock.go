package llm

import (
	"context"
	"strings"
	"sync"
)

// ReplyFunc produces a mock reply for a request.
type ReplyFunc func(req Request) (Response, error)

// MockClient is an offline Client. Without a ReplyFunc it answers with the
// persona line from the system prompt followed by the last user message.
type MockClient struct {
	model string
	reply ReplyFunc

	mu       sync.Mutex
	requests []Request
}

// NewMockClient creates an offline client.
func NewMockClient(model string, reply ReplyFunc) *MockClient {
	if model == "" {
		model = "mock"
	}
	return &MockClient{model: model, reply: reply}
}

func (m *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.reply != nil {
		return m.reply(req)
	}
	return defaultReply(req), nil
}

func (m *MockClient) ModelName() string {
	return m.model
}

// Requests returns the requests seen so far.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func defaultReply(req Request) Response {
	system, rest := SplitSystem(req.Messages)
	persona := strings.TrimSpace(strings.SplitN(system, "\n", 2)[0])

	var last string
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == RoleUser {
			last = rest[i].Content
			break
		}
	}

	content := "You said: " + last
	if persona != "" {
		content = persona + " " + content
	}
	return Response{
		Content:    content,
		StopReason: "end_turn",
		Usage:      Usage{PromptTokens: len(rest), CompletionTokens: 1},
	}
}
