package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2arunner/pkg/llm"
)

func TestNewMock(t *testing.T) {
	client, err := New(llm.Config{Provider: "mock", Model: "offline"}, Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "offline", client.ModelName())

	resp, err := client.Complete(context.Background(), llm.NewRequest([]llm.Message{llm.NewUserMessage("ping")}))
	require.NoError(t, err)
	assert.Equal(t, "You said: ping", resp.Content)
}

func TestNewErrors(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := New(llm.Config{Provider: "openai", Model: "gpt-4o-mini"}, Options{})
	assert.True(t, errors.Is(err, ErrMissingAPIKey), "got %v", err)

	_, err = New(llm.Config{Provider: "anthropic", Model: "claude-sonnet-4"}, Options{})
	assert.True(t, errors.Is(err, ErrMissingAPIKey), "got %v", err)

	_, err = New(llm.Config{Provider: "watson", Model: "x"}, Options{})
	assert.True(t, errors.Is(err, ErrUnknownProvider), "got %v", err)

	_, err = New(llm.Config{}, Options{})
	assert.Error(t, err)
}

func TestNewHostedProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	client, err := New(llm.Config{Provider: "openai", Model: "gpt-4o-mini"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", client.ModelName())

	client, err = New(llm.Config{Provider: "anthropic", Model: "claude-sonnet-4", APIKey: "explicit"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4", client.ModelName())

	client, err = New(llm.Config{Provider: "ollama", Model: "llama3.2"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", client.ModelName())
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	assert.Equal(t, "g-key", resolveAPIKey(Gemini, ""))
	assert.Equal(t, "explicit", resolveAPIKey(Gemini, "explicit"))
	assert.Equal(t, "", resolveAPIKey(Ollama, ""))
}
