// Package ollama implements llm.Client against a local Ollama server.
package ollama

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/llmerrors"
)

// DefaultHost is used when no base URL is configured.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama API client.
type Client struct {
	client *api.Client
	model  string
}

// New creates a client for hostURL (DefaultHost when empty or invalid).
func New(hostURL, model string) *Client {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, http.DefaultClient),
		model:  model,
	}
}

func (o *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if len(in.Messages) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: ToMessages(in.Messages),
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
		},
	}
	if in.MaxTokens > 0 {
		req.Options["num_predict"] = in.MaxTokens
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.Response{}, llmerrors.Classify(err)
	}

	return llm.Response{
		Content:    response.Message.Content,
		StopReason: response.DoneReason,
		Usage: llm.Usage{
			PromptTokens:     response.PromptEvalCount,
			CompletionTokens: response.EvalCount,
		},
	}, nil
}

func (o *Client) ModelName() string {
	return o.model
}

// ToMessages converts messages to Ollama's format; roles map one to one.
func ToMessages(messages []llm.Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}
