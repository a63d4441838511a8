// Package google implements llm.Client on the Gemini API.
package google

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/llmerrors"
)

// Client lazily creates the genai client on first use.
type Client struct {
	apiKey string
	model  string

	once      sync.Once
	client    *genai.Client
	clientErr error
}

// New creates a Gemini client.
func New(apiKey, model string) *Client {
	return &Client{apiKey: apiKey, model: model}
}

func (g *Client) init(ctx context.Context) error {
	g.once.Do(func() {
		g.client, g.clientErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if g.clientErr != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, g.clientErr, "failed to create Gemini client")
	}
	return nil
}

func (g *Client) Complete(ctx context.Context, in llm.Request) (llm.Response, error) {
	if err := g.init(ctx); err != nil {
		return llm.Response{}, err
	}

	system, contents := ToContents(in.Messages)
	if len(contents) == 0 {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user messages")
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if in.MaxTokens > 0 {
		config.MaxOutputTokens = int32(in.MaxTokens) //nolint:gosec // bounded by config validation
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.Response{}, llmerrors.Classify(fmt.Errorf("gemini call failed: %w", err))
	}
	if result == nil {
		return llm.Response{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	resp := llm.Response{Content: result.Text()}
	if len(result.Candidates) > 0 {
		resp.StopReason = string(result.Candidates[0].FinishReason)
	}
	if result.UsageMetadata != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
		}
	}
	return resp, nil
}

func (g *Client) ModelName() string {
	return g.model
}

// ToContents converts messages to Gemini contents, returning system text separately.
// Assistant turns use the "model" role.
func ToContents(messages []llm.Message) (string, []*genai.Content) {
	system, rest := llm.SplitSystem(messages)
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return system, contents
}
