// Package config loads the runner's YAML configuration. Values of the form
// ${VAR} are substituted from the secrets file or the environment before
// parsing, and a few well-known environment variables override the result.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"a2arunner/pkg/discovery"
	"a2arunner/pkg/limiter"
	"a2arunner/pkg/session"
	"a2arunner/pkg/taskmgr"
)

// Defaults.
const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 8000
	DefaultLogLevel   = "info"
	DefaultConfigFile = "agent.yaml"
)

// ServerConfig is the HTTP surface.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Addr is host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SessionConfig selects the conversation store.
type SessionConfig struct {
	session.StoreConfig `yaml:",inline"`
	// MaxMessages trims stored history on read; zero keeps everything.
	MaxMessages int `yaml:"max_messages"`
}

// DedupConfig controls duplicate request detection.
type DedupConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// TasksConfig controls the in-memory task table.
type TasksConfig struct {
	// Retention is how long finished tasks stay queryable; negative keeps
	// them until restart.
	Retention time.Duration `yaml:"retention"`
}

// LLMConfig holds provider-wide settings applied to agent factories.
type LLMConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// RateLimits is keyed by model name; "*" applies to every other model.
	RateLimits map[string]limiter.ModelLimits `yaml:"rate_limits"`
}

// MetricsConfig controls the /metrics endpoint and the stats command.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	PrometheusURL string `yaml:"prometheus_url"`
}

// EventLogConfig enables the task event journal. An empty Dir disables it.
type EventLogConfig struct {
	Dir string `yaml:"dir"`
}

// SecretsConfig points at an encrypted secrets file.
type SecretsConfig struct {
	File string `yaml:"file"`
}

// HandlersSection is the "handlers" block. Besides use_discovery and
// default_handler every mapping-valued key is a handler definition.
type HandlersSection struct {
	discovery.Config
}

//nolint:gochecknoglobals // keys of the handlers block that are not handlers
var sectionKeys = map[string]bool{
	"use_discovery":    true,
	"default_handler":  true,
	"handler_packages": true,
}

// UnmarshalYAML splits the flat block into settings and handler entries.
func (h *HandlersSection) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: handlers must be a mapping", node.Line)
	}
	h.Handlers = make(map[string]discovery.HandlerConfig)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]
		switch {
		case key == "use_discovery":
			if err := value.Decode(&h.UseDiscovery); err != nil {
				return fmt.Errorf("use_discovery: %w", err)
			}
		case key == "default_handler":
			if err := value.Decode(&h.DefaultHandler); err != nil {
				return fmt.Errorf("default_handler: %w", err)
			}
		case sectionKeys[key]:
		case value.Kind == yaml.MappingNode:
			var hc discovery.HandlerConfig
			if err := value.Decode(&hc); err != nil {
				return fmt.Errorf("handler %s: %w", key, err)
			}
			h.Handlers[key] = hc
		}
	}
	return nil
}

// MarshalYAML writes the flat form back.
func (h HandlersSection) MarshalYAML() (any, error) {
	out := make(map[string]any, len(h.Handlers)+2)
	out["use_discovery"] = h.UseDiscovery
	if h.DefaultHandler != "" {
		out["default_handler"] = h.DefaultHandler
	}
	for name, hc := range h.Handlers {
		out[name] = hc
	}
	return out, nil
}

// Names lists the configured handler names in sorted order.
func (h HandlersSection) Names() []string {
	names := make([]string, 0, len(h.Handlers))
	for n := range h.Handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Config is the whole file.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Session  SessionConfig   `yaml:"session"`
	Dedup    DedupConfig     `yaml:"dedup"`
	Tasks    TasksConfig     `yaml:"tasks"`
	Handlers HandlersSection `yaml:"handlers"`
	LLM      LLMConfig       `yaml:"llm"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Secrets  SecretsConfig   `yaml:"secrets"`
	EventLog EventLogConfig  `yaml:"event_log"`
}

// Default returns a configuration serving the echo handler, wrapped in the
// execution engine, with sessions kept in memory.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: DefaultHost, Port: DefaultPort, LogLevel: DefaultLogLevel},
		Session: SessionConfig{StoreConfig: session.StoreConfig{Backend: session.BackendMemory}},
		Dedup:   DedupConfig{Enabled: true, Window: taskmgr.DefaultDedupWindow},
		Tasks:   TasksConfig{Retention: taskmgr.DefaultRetention},
		Handlers: HandlersSection{Config: discovery.Config{
			DefaultHandler: discovery.TypeEcho,
			Handlers: map[string]discovery.HandlerConfig{
				discovery.TypeEcho: {
					Type:    discovery.TypeEcho,
					Default: true,
					Params:  map[string]any{"task_timeout": 30},
				},
			},
		}},
		LLM:     LLMConfig{Timeout: 60 * time.Second},
		Metrics: MetricsConfig{Enabled: true, PrometheusURL: "http://localhost:9090"},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = session.BackendMemory
	}
	if cfg.Dedup.Window == 0 {
		cfg.Dedup.Window = taskmgr.DefaultDedupWindow
	}
	if cfg.Tasks.Retention == 0 {
		cfg.Tasks.Retention = taskmgr.DefaultRetention
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Handlers.Handlers == nil {
		cfg.Handlers.Handlers = make(map[string]discovery.HandlerConfig)
	}
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Session.Backend {
	case session.BackendMemory, session.BackendSQLite, session.BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("%w: %q", session.ErrUnknownBackend, c.Session.Backend))
	}
	if c.Session.Backend == session.BackendRedis && c.Session.Redis.URL == "" && c.Session.Redis.Addr == "" {
		errs = append(errs, errors.New("session.redis needs url or addr"))
	}
	if c.Dedup.Window < 0 {
		errs = append(errs, errors.New("dedup.window must be non-negative"))
	}
	if len(c.Handlers.Handlers) == 0 && !c.Handlers.UseDiscovery {
		errs = append(errs, errors.New("no handlers configured and discovery disabled"))
	}
	if d := c.Handlers.DefaultHandler; d != "" && !c.Handlers.UseDiscovery {
		if _, ok := c.Handlers.Handlers[d]; !ok {
			errs = append(errs, fmt.Errorf("default_handler %q is not configured", d))
		}
	}
	return errors.Join(errs...)
}
