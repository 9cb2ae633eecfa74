package radio

import (
	"sync"
)

// ModelConfig maps option names to text values.
type ModelConfig map[string]string

// Copy returns a shallow copy.
func (c ModelConfig) Copy() ModelConfig {
	out := make(ModelConfig, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge overlays other on top of c.
func (c ModelConfig) Merge(other ModelConfig) {
	for k, v := range other {
		c[k] = v
	}
}

// ConfigKey scopes a stored model configuration: a node, an interface on a
// node, or a network (networks share the node id space).
type ConfigKey struct {
	NodeID  int
	IfaceID int // -1 for node- and network-scoped keys
}

// NodeKey returns the key for node- or network-scoped configuration.
func NodeKey(nodeID int) ConfigKey {
	return ConfigKey{NodeID: nodeID, IfaceID: -1}
}

// IfaceKey returns the key for interface-scoped configuration.
func IfaceKey(nodeID, ifaceID int) ConfigKey {
	return ConfigKey{NodeID: nodeID, IfaceID: ifaceID}
}

// ConfigStore holds model configurations keyed by scope, plus the model
// names pre-declared for nodes before their networks exist.
type ConfigStore struct {
	registry *Registry

	mu         sync.Mutex
	configs    map[ConfigKey]map[string]ModelConfig
	nodeModels map[int]string
}

// NewConfigStore returns an empty store resolving models through registry.
func NewConfigStore(registry *Registry) *ConfigStore {
	return &ConfigStore{
		registry:   registry,
		configs:    make(map[ConfigKey]map[string]ModelConfig),
		nodeModels: make(map[int]string),
	}
}

// Get returns the stored configuration for (key, model). When none is
// stored and useDefault is true, the model's defaults are returned; with
// useDefault false the result is nil. An empty stored configuration counts
// as absent, so planting an empty override does not mask other scopes.
func (s *ConfigStore) Get(key ConfigKey, model string, useDefault bool) (ModelConfig, error) {
	modelImpl, err := s.registry.Get(model)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	var cfg ModelConfig
	if modelConfigs, ok := s.configs[key]; ok {
		if stored, ok := modelConfigs[model]; ok && len(stored) > 0 {
			cfg = stored.Copy()
		}
	}
	s.mu.Unlock()
	if cfg == nil && useDefault {
		cfg = modelImpl.DefaultValues()
	}
	return cfg, nil
}

// Set merges cfg on top of the current (or default) configuration for
// (key, model).
func (s *ConfigStore) Set(key ConfigKey, model string, cfg ModelConfig) error {
	current, err := s.Get(key, model, true)
	if err != nil {
		return err
	}
	current.Merge(cfg)
	s.mu.Lock()
	modelConfigs, ok := s.configs[key]
	if !ok {
		modelConfigs = make(map[string]ModelConfig)
		s.configs[key] = modelConfigs
	}
	modelConfigs[model] = current
	s.mu.Unlock()
	return nil
}

// SetNodeModel pre-declares the model for a node whose network does not
// exist yet.
func (s *ConfigStore) SetNodeModel(nodeID int, model string) error {
	if _, err := s.registry.Get(model); err != nil {
		return err
	}
	s.mu.Lock()
	s.nodeModels[nodeID] = model
	s.mu.Unlock()
	return nil
}

// NodeModel returns the pre-declared model for a node, or the empty string.
func (s *ConfigStore) NodeModel(nodeID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodeModels[nodeID]
}

// Reset clears the configuration and model selection for one node.
func (s *ConfigStore) Reset(nodeID int) {
	s.mu.Lock()
	delete(s.configs, NodeKey(nodeID))
	delete(s.nodeModels, nodeID)
	s.mu.Unlock()
}

// ResetAll clears everything.
func (s *ConfigStore) ResetAll() {
	s.mu.Lock()
	s.configs = make(map[ConfigKey]map[string]ModelConfig)
	s.nodeModels = make(map[int]string)
	s.mu.Unlock()
}
