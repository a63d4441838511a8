package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"a2arunner/pkg/adapter"
	"a2arunner/pkg/engine"
	"a2arunner/pkg/handler"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/registry"
)

// Configuration errors reported per handler in Report.Failures.
var (
	ErrMissingType    = errors.New("handler type is required")
	ErrUnknownType    = errors.New("unknown handler type")
	ErrMissingAgent   = errors.New("handler type requires an agent")
	ErrUnknownFactory = errors.New("unknown agent factory")
)

// HandlerConfig is one entry under "handlers". Keys other than type, agent
// and default are collected into Params.
type HandlerConfig struct {
	Type    string         `yaml:"type"`
	Agent   string         `yaml:"agent,omitempty"`
	Default bool           `yaml:"default,omitempty"`
	Params  map[string]any `yaml:",inline"`
}

// Config drives Setup.
type Config struct {
	Handlers       map[string]HandlerConfig `yaml:"handlers"`
	DefaultHandler string                   `yaml:"default_handler"`
	UseDiscovery   bool                     `yaml:"use_discovery"`
}

// Options supply Setup's collaborators. Zero values use DefaultCatalog, a
// fresh AgentCache and engine.DefaultConfig.
type Options struct {
	Catalog        *Catalog
	Agents         *AgentCache
	EngineDefaults func(name string) engine.Config
	EngineOptions  []engine.Option
	Logger         *logx.Logger
}

// Report summarises a Setup run.
type Report struct {
	Registered []string         `json:"registered"`
	Discovered []string         `json:"discovered,omitempty"`
	Default    string           `json:"default"`
	Failures   map[string]error `json:"-"`
	Agents     int              `json:"agents"`
}

// FailureMessages renders Failures for display.
func (r Report) FailureMessages() map[string]string {
	out := make(map[string]string, len(r.Failures))
	for k, v := range r.Failures {
		out[k] = v.Error()
	}
	return out
}

//nolint:gochecknoglobals // static key sets
var (
	metaKeys = map[string]bool{"type": true, "agent": true, "default": true, "agent_card": true, "name": true}

	resilienceKeys = []string{
		"circuit_breaker_threshold",
		"circuit_breaker_timeout",
		"task_timeout",
		"max_retry_attempts",
		"recovery_check_interval",
		"recovery_rate_limit",
		"session_sharing",
		"shared_sandbox_group",
		"context_window",
		"interface",
	}
)

// resilienceParams are the per-handler engine overrides. Durations are seconds.
type resilienceParams struct {
	CircuitBreakerThreshold *int     `yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   *float64 `yaml:"circuit_breaker_timeout"`
	TaskTimeout             *float64 `yaml:"task_timeout"`
	MaxRetryAttempts        *int     `yaml:"max_retry_attempts"`
	RecoveryCheckInterval   *float64 `yaml:"recovery_check_interval"`
	RecoveryRateLimit       *float64 `yaml:"recovery_rate_limit"`
	SessionSharing          *bool    `yaml:"session_sharing"`
	SharedSandboxGroup      string   `yaml:"shared_sandbox_group"`
	ContextWindow           *int     `yaml:"context_window"`
	Interface               string   `yaml:"interface"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (p resilienceParams) apply(cfg *engine.Config) {
	if p.CircuitBreakerThreshold != nil {
		cfg.CircuitBreakerThreshold = *p.CircuitBreakerThreshold
	}
	if p.CircuitBreakerTimeout != nil {
		cfg.CircuitBreakerTimeout = seconds(*p.CircuitBreakerTimeout)
	}
	if p.TaskTimeout != nil {
		cfg.TaskTimeout = seconds(*p.TaskTimeout)
	}
	if p.MaxRetryAttempts != nil {
		cfg.MaxRetryAttempts = *p.MaxRetryAttempts
	}
	if p.RecoveryCheckInterval != nil {
		cfg.RecoveryCheckInterval = seconds(*p.RecoveryCheckInterval)
	}
	if p.RecoveryRateLimit != nil {
		cfg.RecoveryRateLimit = seconds(*p.RecoveryRateLimit)
	}
	if p.SessionSharing != nil {
		cfg.SessionSharing = *p.SessionSharing
	}
	if p.SharedSandboxGroup != "" {
		cfg.SharedSandboxGroup = p.SharedSandboxGroup
	}
	if p.ContextWindow != nil {
		cfg.ContextWindow = *p.ContextWindow
	}
	if p.Interface != "" {
		cfg.Interface = adapter.Kind(p.Interface)
	}
}

func filter(params map[string]any, allowed []string) map[string]any {
	out := make(map[string]any)
	for _, k := range allowed {
		if v, ok := params[k]; ok {
			out[k] = v
		}
	}
	return out
}

func withoutMeta(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if !metaKeys[k] {
			out[k] = v
		}
	}
	return out
}

func hasAny(params map[string]any, keys []string) bool {
	for _, k := range keys {
		if _, ok := params[k]; ok {
			return true
		}
	}
	return false
}

type setup struct {
	opts   Options
	reg    *registry.Registry
	report Report
}

// Setup constructs the configured handlers, optionally adds every discoverable
// type, and registers the results with reg. Per-handler problems are logged
// and reported but never abort the run.
func Setup(ctx context.Context, reg *registry.Registry, cfg Config, opts Options) Report {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog
	}
	if opts.Agents == nil {
		opts.Agents = NewAgentCache()
	}
	if opts.EngineDefaults == nil {
		opts.EngineDefaults = engine.DefaultConfig
	}
	if opts.Logger == nil {
		opts.Logger = logx.NewLogger("discovery")
	}

	s := &setup{opts: opts, reg: reg, report: Report{Failures: make(map[string]error)}}

	explicitDefault := false
	names := make([]string, 0, len(cfg.Handlers))
	for name := range cfg.Handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		hc := cfg.Handlers[name]
		h, err := s.build(ctx, name, hc)
		if err != nil {
			s.fail(name, err)
			continue
		}
		reg.Register(h, hc.Default)
		explicitDefault = explicitDefault || hc.Default
		s.report.Registered = append(s.report.Registered, name)
		opts.Logger.Info("registered handler %s (type %s)%s", name, hc.Type, defaultSuffix(hc.Default))
	}

	if !explicitDefault && cfg.DefaultHandler != "" && (reg.Has(cfg.DefaultHandler) || !cfg.UseDiscovery) {
		explicitDefault = s.promote(cfg.DefaultHandler)
	}

	if cfg.UseDiscovery {
		s.discover(ctx)
		if !explicitDefault && cfg.DefaultHandler != "" {
			s.promote(cfg.DefaultHandler)
		}
	}

	s.report.Default = reg.Default()
	s.report.Agents = opts.Agents.Len()
	if len(s.report.Registered) > 0 {
		opts.Logger.Info("registered %d handler(s), default %q", len(s.report.Registered), s.report.Default)
	} else {
		opts.Logger.Warn("no handlers registered")
	}
	return s.report
}

func defaultSuffix(isDefault bool) string {
	if isDefault {
		return " (default)"
	}
	return ""
}

func (s *setup) fail(name string, err error) {
	s.opts.Logger.Error("handler %s skipped: %v", name, err)
	s.report.Failures[name] = err
}

// promote makes name the default if it is registered.
func (s *setup) promote(name string) bool {
	h, err := s.reg.Get(name)
	if err != nil {
		s.opts.Logger.Warn("default_handler %q is not registered", name)
		return false
	}
	s.reg.Register(h, true)
	return true
}

func (s *setup) build(ctx context.Context, name string, hc HandlerConfig) (handler.Handler, error) {
	if hc.Type == "" {
		return nil, ErrMissingType
	}
	ht, ok := s.opts.Catalog.Lookup(hc.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, hc.Type)
	}

	spec := Spec{Name: name, Params: filter(hc.Params, ht.Params)}
	if ht.RequiresAgent {
		agent, err := s.agent(ctx, name, hc)
		if err != nil {
			return nil, err
		}
		spec.Agent = agent
	} else if hc.Agent != "" {
		s.opts.Logger.Warn("handler %s does not use an agent; ignoring agent %q", name, hc.Agent)
	}

	backend, err := ht.New(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", hc.Type, err)
	}
	return s.wrap(name, ht, backend, hc.Params)
}

func (s *setup) agent(ctx context.Context, name string, hc HandlerConfig) (any, error) {
	if hc.Agent == "" {
		return nil, ErrMissingAgent
	}
	f, ok := s.opts.Catalog.AgentFactory(hc.Agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, hc.Agent)
	}

	params := filter(withoutMeta(hc.Params), f.Params)
	key, err := AgentKey(hc.Agent, params)
	if err != nil {
		return nil, err
	}
	agent, reused, err := s.opts.Agents.GetOrCreate(key, func() (any, error) {
		return f.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("agent factory %s: %w", hc.Agent, err)
	}
	if reused {
		s.opts.Logger.Debug("handler %s reuses agent %s", name, key)
	}
	return agent, nil
}

// wrap decides whether backend runs inside the execution engine. Backends that
// are not handlers always are; handlers are wrapped when their type asks for
// it or their configuration carries resilience keys.
func (s *setup) wrap(name string, ht HandlerType, backend any, params map[string]any) (handler.Handler, error) {
	h, isHandler := backend.(handler.Handler)
	if isHandler && !ht.Resilient && !hasAny(params, resilienceKeys) {
		return h, nil
	}

	var rp resilienceParams
	if err := (Spec{Name: name, Params: filter(params, resilienceKeys)}).Decode(&rp); err != nil {
		return nil, err
	}
	cfg := s.opts.EngineDefaults(name)
	cfg.Name = name
	rp.apply(&cfg)

	rh, err := engine.New(backend, cfg, s.opts.EngineOptions...)
	if err != nil {
		return nil, fmt.Errorf("wrap %s: %w", name, err)
	}
	return rh, nil
}

func (s *setup) discover(ctx context.Context) {
	for _, ht := range s.opts.Catalog.Types() {
		switch {
		case ht.Abstract:
			continue
		case ht.RequiresAgent:
			s.opts.Logger.Debug("discovery skips %s: needs an agent", ht.Name)
			continue
		case s.reg.Has(ht.Name):
			continue
		}

		backend, err := ht.New(ctx, Spec{Name: ht.Name, Params: map[string]any{}})
		if err != nil {
			s.fail(ht.Name, fmt.Errorf("construct %s: %w", ht.Name, err))
			continue
		}
		h, err := s.wrap(ht.Name, ht, backend, nil)
		if err != nil {
			s.fail(ht.Name, err)
			continue
		}
		s.reg.Register(h, false)
		s.report.Registered = append(s.report.Registered, ht.Name)
		s.report.Discovered = append(s.report.Discovered, ht.Name)
		s.opts.Logger.Info("discovered handler %s%s", ht.Name, pluginSuffix(ht))
	}
}

func pluginSuffix(ht HandlerType) string {
	if ht.Plugin() {
		return " (plugin)"
	}
	return ""
}
