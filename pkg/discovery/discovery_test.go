package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"a2arunner/pkg/engine"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/registry"
	"a2arunner/pkg/task"
)

type chatAgent struct {
	persona string
}

func (a *chatAgent) Chat(_ context.Context, text, _ string) (string, error) {
	return a.persona + ": " + text, nil
}

func testEngineDefaults(name string) engine.Config {
	cfg := engine.DefaultConfig(name)
	cfg.RecoveryCheckInterval = 0
	return cfg
}

func testCatalog(created *atomic.Int32) *Catalog {
	c := NewCatalog()
	c.Register(HandlerType{
		Name:   "echo",
		Params: []string{"delay"},
		New: func(_ context.Context, spec Spec) (any, error) {
			var opts handler.EchoOptions
			if err := spec.Decode(&opts); err != nil {
				return nil, err
			}
			return handler.NewEcho(opts), nil
		},
	})
	c.Register(HandlerType{
		Name:     "base",
		Abstract: true,
		New: func(context.Context, Spec) (any, error) {
			return nil, errors.New("abstract types are never built")
		},
	})
	c.Register(HandlerType{
		Name:          "agent",
		RequiresAgent: true,
		Resilient:     true,
		New: func(_ context.Context, spec Spec) (any, error) {
			return spec.Agent, nil
		},
	})
	c.Register(HandlerType{
		Name: "broken",
		New: func(context.Context, Spec) (any, error) {
			return nil, errors.New("constructor exploded")
		},
	})
	c.RegisterAgentFactory("persona", AgentFactory{
		Params: []string{"persona"},
		New: func(_ context.Context, params map[string]any) (any, error) {
			created.Add(1)
			p, _ := params["persona"].(string)
			return &chatAgent{persona: p}, nil
		},
	})
	return c
}

func parseConfig(t *testing.T, src string) Config {
	t.Helper()
	var cfg Config
	require.NoError(t, yaml.Unmarshal([]byte(src), &cfg))
	return cfg
}

func TestExplicitSetup(t *testing.T) {
	var created atomic.Int32
	cfg := parseConfig(t, `
handlers:
  pirate:
    type: agent
    agent: persona
    persona: pirate
    circuit_breaker_threshold: 5
    task_timeout: 30
  parrot:
    type: agent
    agent: persona
    persona: pirate
  chef:
    type: agent
    agent: persona
    persona: chef
    default: true
  plain:
    type: echo
    delay: 1ms
  resilient_echo:
    type: echo
    max_retry_attempts: 0
  missing_type:
    persona: x
  nope:
    type: does_not_exist
  lonely:
    type: agent
  ghost:
    type: agent
    agent: not_a_factory
  broken:
    type: broken
`)

	reg := registry.New()
	report := Setup(context.Background(), reg, cfg, Options{
		Catalog:        testCatalog(&created),
		EngineDefaults: testEngineDefaults,
	})

	assert.ElementsMatch(t, []string{"chef", "parrot", "pirate", "plain", "resilient_echo"}, report.Registered)
	assert.Equal(t, "chef", report.Default)
	assert.Equal(t, 2, report.Agents)
	assert.Equal(t, int32(2), created.Load(), "pirate and parrot share one agent")

	assert.ErrorIs(t, report.Failures["missing_type"], ErrMissingType)
	assert.ErrorIs(t, report.Failures["nope"], ErrUnknownType)
	assert.ErrorIs(t, report.Failures["lonely"], ErrMissingAgent)
	assert.ErrorIs(t, report.Failures["ghost"], ErrUnknownFactory)
	assert.Contains(t, report.Failures["broken"].Error(), "constructor exploded")

	pirate, err := reg.Get("pirate")
	require.NoError(t, err)
	rh, ok := pirate.(*engine.ResilientHandler)
	require.True(t, ok)
	assert.Equal(t, 5, rh.Config().CircuitBreakerThreshold)
	assert.Equal(t, 30*time.Second, rh.Config().TaskTimeout)

	parrot, _ := reg.Get("parrot")
	assert.Same(t, rh.Backend(), parrot.(*engine.ResilientHandler).Backend())

	plain, _ := reg.Get("plain")
	_, bare := plain.(*handler.Echo)
	assert.True(t, bare, "handlers without resilience keys are registered bare")

	wrapped, _ := reg.Get("resilient_echo")
	_, isEngine := wrapped.(*engine.ResilientHandler)
	assert.True(t, isEngine)

	events := handler.Collect(context.Background(), pirate, "t1", task.NewUserMessage("ahoy"), "s1")
	require.NotEmpty(t, events)
	assert.True(t, task.IsFinal(events[len(events)-1]))
	var reply string
	for _, ev := range events {
		if a, ok := ev.(*task.ArtifactEvent); ok {
			reply = a.Artifact.Text()
		}
	}
	assert.Equal(t, "pirate: ahoy", reply)
}

func TestDefaultHandlerConfigKey(t *testing.T) {
	var created atomic.Int32
	cfg := parseConfig(t, `
default_handler: b
handlers:
  a: {type: echo}
  b: {type: echo}
`)
	reg := registry.New()
	report := Setup(context.Background(), reg, cfg, Options{Catalog: testCatalog(&created)})
	assert.Equal(t, "b", report.Default)
}

func TestFirstRegisteredIsDefault(t *testing.T) {
	var created atomic.Int32
	cfg := parseConfig(t, `
handlers:
  zulu: {type: echo}
  alpha: {type: echo}
`)
	reg := registry.New()
	report := Setup(context.Background(), reg, cfg, Options{Catalog: testCatalog(&created)})
	assert.Equal(t, []string{"alpha", "zulu"}, report.Registered)
	assert.Equal(t, "alpha", report.Default)
}

func TestAutomaticDiscovery(t *testing.T) {
	var created atomic.Int32
	catalog := testCatalog(&created)
	require.NoError(t, catalog.RegisterPlugin(HandlerType{
		Name: "plugged",
		New: func(_ context.Context, spec Spec) (any, error) {
			return handler.NewEcho(handler.EchoOptions{Name: spec.Name}), nil
		},
	}))
	assert.ErrorIs(t, catalog.RegisterPlugin(HandlerType{Name: "echo", New: func(context.Context, Spec) (any, error) { return nil, nil }}), ErrDuplicateType)

	reg := registry.New()
	report := Setup(context.Background(), reg, Config{UseDiscovery: true, DefaultHandler: "plugged"}, Options{Catalog: catalog})

	assert.Equal(t, []string{"echo", "plugged"}, report.Discovered)
	assert.Equal(t, "plugged", report.Default)
	assert.False(t, reg.Has("base"))
	assert.False(t, reg.Has("agent"))
	assert.Contains(t, report.Failures, "broken")
}

func TestDiscoveryKeepsExplicitHandlers(t *testing.T) {
	var created atomic.Int32
	cfg := parseConfig(t, `
use_discovery: true
handlers:
  echo:
    type: echo
    delay: 2ms
`)
	reg := registry.New()
	report := Setup(context.Background(), reg, cfg, Options{Catalog: testCatalog(&created)})
	assert.NotContains(t, report.Discovered, "echo")
	assert.Equal(t, "echo", report.Default)
}

func TestAgentKeyCanonical(t *testing.T) {
	a, err := AgentKey("f", map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	b, err := AgentKey("f", map[string]any{"y": "two", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := AgentKey("g", map[string]any{"x": 1, "y": "two"})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := AgentKey("f", nil)
	require.NoError(t, err)
	assert.Contains(t, d, "f#")
}

func TestBuiltinCatalog(t *testing.T) {
	for _, name := range []string{TypeEcho, TypeTimeTicker, TypeAgent} {
		_, ok := DefaultCatalog.Lookup(name)
		assert.True(t, ok, name)
	}

	ticker, _ := DefaultCatalog.Lookup(TypeTimeTicker)
	backend, err := ticker.New(context.Background(), Spec{Name: "fast", Params: map[string]any{"ticks": 2, "interval": "1ms", "initial_delay": "1ms"}})
	require.NoError(t, err)
	h := backend.(handler.Handler)
	assert.Equal(t, "fast", h.Name())

	events := handler.Collect(context.Background(), h, "t", task.NewUserMessage("go"), "")
	artifacts := 0
	for _, ev := range events {
		if _, ok := ev.(*task.ArtifactEvent); ok {
			artifacts++
		}
	}
	assert.Equal(t, 2, artifacts)
}
