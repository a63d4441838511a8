package discovery

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// AgentFactory builds agents from configuration parameters.
type AgentFactory struct {
	// Params lists the keys the factory accepts. Other keys are dropped.
	Params []string
	New    func(ctx context.Context, params map[string]any) (any, error)
}

// AgentCache shares one agent between handlers configured with the same
// factory and parameters.
type AgentCache struct {
	mu     sync.Mutex
	agents map[string]any
}

// NewAgentCache returns an empty cache.
func NewAgentCache() *AgentCache {
	return &AgentCache{agents: make(map[string]any)}
}

// AgentKey identifies an agent configuration. encoding/json sorts map keys,
// which makes the encoding canonical.
func AgentKey(factory string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("agent params for %s are not serialisable: %w", factory, err)
	}
	sum := blake2b.Sum256(data)
	return factory + "#" + hex.EncodeToString(sum[:]), nil
}

// GetOrCreate returns the cached agent for key or builds one with create.
// reused reports whether the agent already existed.
func (c *AgentCache) GetOrCreate(key string, create func() (any, error)) (agent any, reused bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.agents[key]; ok {
		return a, true, nil
	}
	a, err := create()
	if err != nil {
		return nil, false, err
	}
	c.agents[key] = a
	return a, false, nil
}

// Len is the number of distinct agents created.
func (c *AgentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.agents)
}
