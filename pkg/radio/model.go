// Package radio implements the control plane for the external radio
// emulator: model registry, tri-level configuration store, multicast event
// gateway, link monitor, and the manager that supervises one emulator
// daemon per radio interface.
package radio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/radionet-labs/radionet/pkg/node"
	"github.com/radionet-labs/radionet/pkg/util"
)

// Model is a radio model known to the emulator. Implementations provide
// default configuration and build the platform XML consumed by the daemon.
type Model interface {
	Name() string
	DefaultValues() ModelConfig
	BuildPlatformXML(nemID, nemPort int, net *Network, iface *node.TunTap, cfg ModelConfig) ([]byte, error)
	// PostStartup runs after all NEMs are active, before positions are
	// re-published.
	PostStartup(iface *node.TunTap)
}

// Registry maps model names to models. It is populated at construction and
// read-only afterwards; construct one at program start and thread it through
// the session.
type Registry struct {
	models map[string]Model
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Model)}
}

// Register adds a model. Registering a duplicate name replaces the previous
// model.
func (r *Registry) Register(m Model) {
	r.models[m.Name()] = m
}

// Get returns the model for a name.
func (r *Registry) Get(name string) (Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("radio: model %q: %w", name, util.ErrUnknownModel)
	}
	return m, nil
}

// Names returns registered model names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the built-in models.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&RFPipeModel{})
	r.Register(&IEEE80211Model{})
	return r
}

// controlDefaults are the control-channel options shared by every model.
var controlDefaults = ModelConfig{
	"otamanagergroup":    "224.100.0.1:45702",
	"otamanagerdevice":   "ctrl0",
	"eventservicegroup":  "224.100.0.2:45703",
	"eventservicedevice": "ctrl0",
	"external":           "0",
}

// RFPipeModel is the pipe radio model: a fixed-rate lossless pipe between
// NEMs, the simplest model the emulator ships.
type RFPipeModel struct{}

func (m *RFPipeModel) Name() string { return "rfpipe" }

func (m *RFPipeModel) DefaultValues() ModelConfig {
	cfg := controlDefaults.Copy()
	cfg.Merge(ModelConfig{
		"datarate":      "1M",
		"delay":         "0",
		"jitter":        "0",
		"bandwidth":     "1M",
		"frequency":     "2.347G",
		"txpower":       "0.0",
		"noisemode":     "none",
		"propagationmodel": "2ray",
	})
	return cfg
}

func (m *RFPipeModel) BuildPlatformXML(nemID, nemPort int, net *Network, iface *node.TunTap, cfg ModelConfig) ([]byte, error) {
	return buildPlatformXML(nemID, nemPort, "rfpipenem.xml", iface, cfg)
}

func (m *RFPipeModel) PostStartup(iface *node.TunTap) {}

// IEEE80211Model is the 802.11abg radio model.
type IEEE80211Model struct{}

func (m *IEEE80211Model) Name() string { return "ieee80211abg" }

func (m *IEEE80211Model) DefaultValues() ModelConfig {
	cfg := controlDefaults.Copy()
	cfg.Merge(ModelConfig{
		"mode":          "0",
		"unicastrate":   "4",
		"multicastrate": "1",
		"distance":      "1000",
		"bandwidth":     "1M",
		"frequency":     "2.347G",
		"txpower":       "0.0",
		"propagationmodel": "2ray",
	})
	return cfg
}

func (m *IEEE80211Model) BuildPlatformXML(nemID, nemPort int, net *Network, iface *node.TunTap, cfg ModelConfig) ([]byte, error) {
	return buildPlatformXML(nemID, nemPort, "ieee80211abgnem.xml", iface, cfg)
}

func (m *IEEE80211Model) PostStartup(iface *node.TunTap) {}

// Network aggregates the radio interfaces sharing one radio model.
type Network struct {
	ID   int
	Name string

	mu          sync.Mutex
	model       Model
	modelConfig ModelConfig
	ifaces      []*node.TunTap
}

// NewNetwork creates a radio network.
func NewNetwork(id int, name string) *Network {
	return &Network{ID: id, Name: name}
}

// NetID implements session.RadioNetwork.
func (n *Network) NetID() int { return n.ID }

// NetName implements session.RadioNetwork.
func (n *Network) NetName() string { return n.Name }

// SetModel selects the network's radio model and its configuration.
func (n *Network) SetModel(m Model, cfg ModelConfig) {
	n.mu.Lock()
	n.model = m
	n.modelConfig = cfg
	n.mu.Unlock()
}

// Model returns the selected model, nil when unset.
func (n *Network) Model() Model {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.model
}

// ModelConfig returns the configuration captured when the model was set.
func (n *Network) ModelConfig() ModelConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.modelConfig
}

// AddIface attaches an interface to the network.
func (n *Network) AddIface(iface *node.TunTap) {
	n.mu.Lock()
	iface.NetID = n.ID
	n.ifaces = append(n.ifaces, iface)
	n.mu.Unlock()
}

// Ifaces returns the attached interfaces.
func (n *Network) Ifaces() []*node.TunTap {
	n.mu.Lock()
	defer n.mu.Unlock()
	ifaces := make([]*node.TunTap, len(n.ifaces))
	copy(ifaces, n.ifaces)
	return ifaces
}
