// Package discovery builds handlers from configuration and from the types
// registered at startup, and registers them with a registry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateType is returned when a plugin reuses a registered type name.
var ErrDuplicateType = errors.New("handler type already registered")

// Spec is what a constructor receives.
type Spec struct {
	// Name is the handler name.
	Name string
	// Params holds the configured parameters the type declared.
	Params map[string]any
	// Agent is the resolved agent for types that require one.
	Agent any
}

// Decode copies Params into out through YAML so constructors can use typed
// option structs with yaml tags. The handler name is exposed as "name".
func (s Spec) Decode(out any) error {
	params := make(map[string]any, len(s.Params)+1)
	for k, v := range s.Params {
		params[k] = v
	}
	if _, ok := params["name"]; !ok && s.Name != "" {
		params["name"] = s.Name
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params for %s: %w", s.Name, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode params for %s: %w", s.Name, err)
	}
	return nil
}

// Constructor builds a backend. The result is either a handler or anything
// the execution engine can adapt.
type Constructor func(ctx context.Context, spec Spec) (any, error)

// HandlerType describes a constructible handler.
type HandlerType struct {
	Name string
	// Params lists the configuration keys the constructor accepts.
	Params []string
	// RequiresAgent types need an "agent" entry naming an agent factory.
	RequiresAgent bool
	// Abstract types are never constructed by automatic discovery.
	Abstract bool
	// Resilient types are always wrapped in the execution engine.
	Resilient bool
	New       Constructor

	plugin bool
}

// Plugin reports whether the type came from the plugin channel.
func (t HandlerType) Plugin() bool {
	return t.plugin
}

// Catalog is an ordered set of handler types and agent factories.
type Catalog struct {
	mu        sync.RWMutex
	order     []string
	types     map[string]HandlerType
	factories map[string]AgentFactory
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		types:     make(map[string]HandlerType),
		factories: make(map[string]AgentFactory),
	}
}

// DefaultCatalog is populated by init functions across the module.
//
//nolint:gochecknoglobals // Startup registration map
var DefaultCatalog = NewCatalog()

// Register adds a built-in type. It panics on a duplicate or incomplete type,
// like database/sql.Register.
func (c *Catalog) Register(t HandlerType) {
	if t.Name == "" || t.New == nil {
		panic("discovery: handler type needs a name and a constructor")
	}
	if err := c.add(t); err != nil {
		panic(fmt.Sprintf("discovery: %v", err))
	}
}

// RegisterPlugin adds an externally supplied type.
func (c *Catalog) RegisterPlugin(t HandlerType) error {
	if t.Name == "" || t.New == nil {
		return errors.New("plugin handler type needs a name and a constructor")
	}
	t.plugin = true
	return c.add(t)
}

func (c *Catalog) add(t HandlerType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.types[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Name)
	}
	c.types[t.Name] = t
	c.order = append(c.order, t.Name)
	return nil
}

// Lookup returns the named type.
func (c *Catalog) Lookup(name string) (HandlerType, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[name]
	return t, ok
}

// Types returns every type in registration order.
func (c *Catalog) Types() []HandlerType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HandlerType, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.types[name])
	}
	return out
}

// RegisterAgentFactory adds an agent factory. It panics on duplicates.
func (c *Catalog) RegisterAgentFactory(name string, f AgentFactory) {
	if name == "" || f.New == nil {
		panic("discovery: agent factory needs a name and a constructor")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[name]; exists {
		panic("discovery: duplicate agent factory " + name)
	}
	c.factories[name] = f
}

// AgentFactory returns the named factory.
func (c *Catalog) AgentFactory(name string) (AgentFactory, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// RegisterType adds a built-in type to DefaultCatalog.
func RegisterType(t HandlerType) {
	DefaultCatalog.Register(t)
}

// RegisterPlugin adds a plugin type to DefaultCatalog.
func RegisterPlugin(t HandlerType) error {
	return DefaultCatalog.RegisterPlugin(t)
}

// RegisterAgentFactory adds an agent factory to DefaultCatalog.
func RegisterAgentFactory(name string, f AgentFactory) {
	DefaultCatalog.RegisterAgentFactory(name, f)
}
