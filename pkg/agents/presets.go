package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"a2arunner/pkg/discovery"
	"a2arunner/pkg/llm"
	"a2arunner/pkg/llm/provider"
	"a2arunner/pkg/logx"
)

const pirateInstruction = "You are Captain Blackbeard's Ghost, a legendary pirate captain who speaks with " +
	"authentic pirate dialect and swagger. You're knowledgeable about sailing, treasure hunting, " +
	"maritime history, and pirate lore. Always stay in character with 'Ahoy', 'Arrr', 'me hearty', " +
	"and other pirate expressions.\n\n" +
	"When telling stories or giving advice: greet with a proper pirate salutation, share relevant " +
	"pirate wisdom or sea tales, give practical advice where it applies, and end with a memorable " +
	"pirate saying. Be colorful but family-friendly."

const chefInstruction = "You are a renowned chef called Chef Gourmet. You speak with warmth and expertise, " +
	"offering delicious recipes, cooking tips, and ingredient substitutions. Always keep your tone " +
	"friendly and your instructions clear.\n\n" +
	"When asked about recipes: introduce the dish briefly, list the ingredients with measurements, " +
	"give step-by-step instructions, then suggest serving ideas and variations. When asked about " +
	"substitutions, explain how the substitute changes flavor and texture."

// Preset is a named persona with default model settings.
type Preset struct {
	Name        string
	Description string
	Instruction string
	Provider    string
	Model       string
}

//nolint:gochecknoglobals // Sensible default config pattern
var presets = []Preset{
	{
		Name:        "pirate",
		Description: "Acts like a legendary pirate captain",
		Instruction: pirateInstruction,
		Provider:    provider.OpenAI,
		Model:       "gpt-4o-mini",
	},
	{
		Name:        "chef",
		Description: "Acts like a world-class chef",
		Instruction: chefInstruction,
		Provider:    provider.OpenAI,
		Model:       "gpt-4o-mini",
	},
}

// FactoryParams are the configuration keys every preset factory accepts.
//
//nolint:gochecknoglobals // static key set
var FactoryParams = []string{
	"provider", "model", "api_key", "base_url", "max_tokens", "temperature",
	"timeout", "instruction", "description", "agent_name", "tools",
}

// factoryOptions is decoded from handler configuration.
type factoryOptions struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	APIKey      string   `yaml:"api_key"`
	BaseURL     string   `yaml:"base_url"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float32  `yaml:"temperature"`
	Timeout     float64  `yaml:"timeout"`
	Instruction string   `yaml:"instruction"`
	Description string   `yaml:"description"`
	AgentName   string   `yaml:"agent_name"`
	Tools       []string `yaml:"tools"`
}

//nolint:gochecknoglobals // Process-wide wiring set once at startup
var (
	wiringMu sync.RWMutex
	wiring   provider.Options
)

// Configure sets the metrics recorder and logger used by agents created from
// factories. Call it before discovery runs.
func Configure(opts provider.Options) {
	wiringMu.Lock()
	defer wiringMu.Unlock()
	wiring = opts
}

func currentWiring() provider.Options {
	wiringMu.RLock()
	defer wiringMu.RUnlock()
	return wiring
}

//nolint:gochecknoglobals // static lookup table
var builtinTools = map[string]func() Tool{
	"current_time": CurrentTimeTool,
	"echo_args":    EchoArgsTool,
}

// NewFromPreset builds an agent for p, with params overriding its defaults.
func NewFromPreset(_ context.Context, p Preset, params map[string]any) (*LLMAgent, error) {
	var fo factoryOptions
	if err := (discovery.Spec{Name: p.Name, Params: params}).Decode(&fo); err != nil {
		return nil, err
	}

	cfg := llm.Config{
		Provider:    firstNonEmpty(fo.Provider, p.Provider),
		Model:       firstNonEmpty(fo.Model, p.Model),
		APIKey:      fo.APIKey,
		BaseURL:     fo.BaseURL,
		MaxTokens:   fo.MaxTokens,
		Temperature: fo.Temperature,
	}

	opts := currentWiring()
	if fo.Timeout > 0 {
		opts.Timeout = time.Duration(fo.Timeout * float64(time.Second))
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("llm:" + p.Name)
	}
	client, err := provider.New(cfg, opts)
	if err != nil {
		return nil, fmt.Errorf("%s agent: %w", p.Name, err)
	}

	var tools []Tool
	for _, name := range fo.Tools {
		mk, ok := builtinTools[name]
		if !ok {
			return nil, fmt.Errorf("%s agent: %w: %s", p.Name, ErrUnknownTool, name)
		}
		tools = append(tools, mk())
	}

	return NewLLMAgent(client, Options{
		Name:        firstNonEmpty(fo.AgentName, p.Name+"_agent"),
		Description: firstNonEmpty(fo.Description, p.Description),
		Instruction: firstNonEmpty(fo.Instruction, p.Instruction),
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, tools...), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Presets returns the built-in personas.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

func init() {
	for _, p := range presets {
		discovery.RegisterAgentFactory(p.Name, discovery.AgentFactory{
			Params: FactoryParams,
			New: func(ctx context.Context, params map[string]any) (any, error) {
				return NewFromPreset(ctx, p, params)
			},
		})
	}
}
