package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment overrides applied after parsing.
const (
	EnvSessionProvider = "SESSION_PROVIDER"
	EnvRedisURL        = "REDIS_URL"
	EnvPort            = "A2A_PORT"
)

//nolint:gochecknoglobals // compiled once
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Lookup resolves a ${NAME} reference.
type Lookup func(name string) (string, bool)

// Expand replaces ${NAME} and ${NAME:-default} references. Unresolved
// references without a default are left as written.
func Expand(data string, lookup Lookup) string {
	return envVarRegex.ReplaceAllStringFunc(data, func(match string) string {
		name := match[2 : len(match)-1]
		fallback, hasDefault := "", false
		if i := strings.Index(name, ":-"); i >= 0 {
			name, fallback, hasDefault = name[:i], name[i+2:], true
		}
		if value, ok := lookup(name); ok && value != "" {
			return value
		}
		if hasDefault {
			return fallback
		}
		return match
	})
}

// Load reads path, substituting ${VAR} references from the environment.
func Load(path string) (*Config, error) {
	return LoadWithSecrets(path, nil)
}

// LoadWithSecrets is Load with secrets consulted before the environment.
func LoadWithSecrets(path string, secrets *Secrets) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, secrets)
}

// Parse decodes YAML data, then applies environment overrides and defaults
// and validates the result.
func Parse(data []byte, secrets *Secrets) (*Config, error) {
	expanded := Expand(string(data), func(name string) (string, bool) {
		v, err := secrets.Get(name)
		return v, err == nil
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvSessionProvider); v != "" {
		cfg.Session.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Session.Redis.URL = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	return nil
}
