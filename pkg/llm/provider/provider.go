// Package provider builds llm.Client values for the configured provider and
// wraps them with the standard middleware chain.
package provider

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"a2arunner/pkg/limiter"
	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/internal/llmimpl/anthropic"
	"a2arunner/pkg/llm/internal/llmimpl/google"
	"a2arunner/pkg/llm/internal/llmimpl/ollama"
	"a2arunner/pkg/llm/internal/llmimpl/openai"
	"a2arunner/pkg/logx"
)

// Provider names.
const (
	OpenAI    = "openai"
	Anthropic = "anthropic"
	Gemini    = "gemini"
	Ollama    = "ollama"
	Mock      = "mock"
)

var (
	// ErrUnknownProvider is returned for unsupported provider names.
	ErrUnknownProvider = errors.New("unknown llm provider")
	// ErrMissingAPIKey is returned when a hosted provider has no key.
	ErrMissingAPIKey = errors.New("missing api key")
)

// apiKeyEnv lists the environment variables consulted when Config.APIKey is empty.
//
//nolint:gochecknoglobals // static lookup table
var apiKeyEnv = map[string][]string{
	OpenAI:    {"OPENAI_API_KEY"},
	Anthropic: {"ANTHROPIC_API_KEY"},
	Gemini:    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// Options tune the middleware chain.
type Options struct {
	Timeout  time.Duration
	Recorder llm.Recorder
	Limiter  *limiter.Limiter
	Logger   *logx.Logger
}

// New builds a client for cfg wrapped as
// logging -> metrics -> classify -> limiter -> timeout -> provider.
func New(cfg llm.Config, opts Options) (llm.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := newBase(cfg)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("llm:" + cfg.Provider)
	}
	return llm.Chain(base,
		llm.LoggingMiddleware(logger),
		llm.MetricsMiddleware(opts.Recorder),
		llm.ClassifyMiddleware(),
		limiter.Middleware(opts.Limiter),
		llm.TimeoutMiddleware(opts.Timeout),
	), nil
}

func newBase(cfg llm.Config) (llm.Client, error) {
	name := strings.ToLower(cfg.Provider)
	switch name {
	case Mock:
		return llm.NewMockClient(cfg.Model, nil), nil
	case Ollama:
		return ollama.New(cfg.BaseURL, cfg.Model), nil
	}

	key := resolveAPIKey(name, cfg.APIKey)
	switch name {
	case OpenAI:
		if key == "" {
			return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, name)
		}
		return openai.New(key, cfg.Model, cfg.BaseURL), nil
	case Anthropic:
		if key == "" {
			return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, name)
		}
		return anthropic.New(key, cfg.Model, cfg.BaseURL), nil
	case Gemini:
		if key == "" {
			return nil, fmt.Errorf("%w for %s", ErrMissingAPIKey, name)
		}
		return google.New(key, cfg.Model), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

func resolveAPIKey(provider, explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, env := range apiKeyEnv[provider] {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return ""
}
