package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a2arunner/pkg/adapter"
	"a2arunner/pkg/discovery"
	"a2arunner/pkg/engine"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/llm"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/task"
)

func TestLLMAgentIsACompleter(t *testing.T) {
	a := NewLLMAgent(llm.NewMockClient("", nil), Options{Instruction: "Arr."})
	assert.Equal(t, adapter.KindComplete, adapter.Detect(a))
	assert.Equal(t, "llm_agent", a.Name())
	assert.Equal(t, "Arr.", a.SystemPrompt())
}

func TestCompleteWithoutTools(t *testing.T) {
	client := llm.NewMockClient("", nil)
	a := NewLLMAgent(client, Options{Instruction: "Ahoy!", MaxTokens: 64})

	res, err := a.Complete(context.Background(), []llm.Message{
		llm.NewSystemMessage("Ahoy!"),
		llm.NewUserMessage("where is the gold"),
	}, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Ahoy! You said: where is the gold", res.Content)
	assert.Empty(t, res.ToolResults)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, 64, reqs[0].MaxTokens)
}

func TestCompleteRunsToolCalls(t *testing.T) {
	calls := 0
	client := llm.NewMockClient("", func(req llm.Request) (llm.Response, error) {
		calls++
		if calls == 1 {
			return llm.Response{
				Content: "checking",
				ToolCalls: []llm.ToolCall{
					{ID: "1", Name: "echo_args", Parameters: map[string]any{"q": "x"}},
					{ID: "2", Name: "sextant"},
				},
			}, nil
		}
		last := req.Messages[len(req.Messages)-1].Content
		return llm.Response{Content: "done: " + last}, nil
	})
	a := NewLLMAgent(client, Options{}, EchoArgsTool())

	res, err := a.Complete(context.Background(), []llm.Message{llm.NewUserMessage("hi")}, "")
	require.NoError(t, err)
	require.Len(t, res.ToolResults, 2)
	assert.Equal(t, `{"q":"x"}`, res.ToolResults[0].Content)
	assert.Contains(t, res.ToolResults[1].Content, "unknown tool")
	assert.True(t, strings.HasPrefix(res.Content, "done: Tool echo_args returned"))
	assert.Len(t, res.ToolCalls, 2)
}

func TestCompleteErrorIsCounted(t *testing.T) {
	boom := errors.New("rate limited")
	a := NewLLMAgent(llm.NewMockClient("m", func(llm.Request) (llm.Response, error) {
		return llm.Response{}, boom
	}), Options{})

	_, err := a.Complete(context.Background(), []llm.Message{llm.NewUserMessage("hi")}, "")
	require.ErrorIs(t, err, boom)

	status := a.HealthStatus()
	assert.Equal(t, int64(1), status["requests"])
	assert.Equal(t, int64(1), status["failures"])
	assert.Equal(t, "rate limited", status["last_error"])
	assert.Equal(t, "m", status["model"])
}

func TestInitializeTools(t *testing.T) {
	ok := NewLLMAgent(llm.NewMockClient("", nil), Options{}, CurrentTimeTool())
	require.NoError(t, ok.InitializeTools(context.Background()))
	assert.Equal(t, []string{"current_time"}, ok.Tools())

	broken := NewLLMAgent(llm.NewMockClient("", nil), Options{}, Tool{Name: "lame"})
	assert.Error(t, broken.InitializeTools(context.Background()))
}

func TestPresetFactories(t *testing.T) {
	for _, p := range Presets() {
		f, ok := discovery.DefaultCatalog.AgentFactory(p.Name)
		require.True(t, ok, p.Name)
		assert.Equal(t, FactoryParams, f.Params)

		agent, err := f.New(context.Background(), map[string]any{"provider": "mock", "tools": []any{"current_time"}})
		require.NoError(t, err)
		a := agent.(*LLMAgent)
		assert.Equal(t, p.Name+"_agent", a.Name())
		assert.Equal(t, p.Instruction, a.Instruction())
		assert.Equal(t, []string{"current_time"}, a.Tools())
	}
}

func TestPresetRejectsUnknownTool(t *testing.T) {
	_, err := NewFromPreset(context.Background(), Presets()[0], map[string]any{"provider": "mock", "tools": []any{"cannon"}})
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestPresetThroughSetup(t *testing.T) {
	cfg := discovery.Config{Handlers: map[string]discovery.HandlerConfig{
		"pirate": {Type: discovery.TypeAgent, Agent: "pirate", Params: map[string]any{"provider": "mock"}},
	}}
	reg := registry.New()
	report := discovery.Setup(context.Background(), reg, cfg, discovery.Options{
		EngineDefaults: func(name string) engine.Config {
			c := engine.DefaultConfig(name)
			c.RecoveryCheckInterval = 0
			return c
		},
	})
	require.Empty(t, report.Failures)

	h, err := reg.Get("")
	require.NoError(t, err)
	events := handler.Collect(context.Background(), h, "t1", task.NewUserMessage("tell me a tale"), "s1")
	require.NotEmpty(t, events)

	var reply string
	for _, ev := range events {
		if a, ok := ev.(*task.ArtifactEvent); ok {
			reply = a.Artifact.Text()
		}
	}
	assert.True(t, strings.HasPrefix(reply, "You are Captain Blackbeard's Ghost"), reply)
	assert.True(t, strings.HasSuffix(reply, "You said: tell me a tale"), reply)
	last := events[len(events)-1].(*task.StatusEvent)
	assert.Equal(t, task.StateCompleted, last.Status.State)
}
