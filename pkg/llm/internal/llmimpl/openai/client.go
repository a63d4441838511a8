// Package openai implements llm.Client on the official OpenAI Responses API.
package openai

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI client.
//
//nolint:govet // Simple struct, field alignment not critical
type Client struct {
	client openai.Client
	model  string
}

// New creates a client. baseURL may be empty.
func New(apiKey, model, baseURL string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Complete sends the conversation as a single Responses input, with the
// system prompt passed as instructions.
func (c *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	system, rest := llm.SplitSystem(in.Messages)
	if len(rest) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user messages")
	}

	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(flatten(rest))},
	}
	if in.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(in.MaxTokens))
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err)
	}

	return llm.Response{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) ModelName() string {
	return c.model
}

// flatten renders prior turns as a transcript ending with the latest user turn.
func flatten(messages []llm.Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.ToUpper(string(m.Role)))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
