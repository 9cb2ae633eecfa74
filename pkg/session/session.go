// Package session holds the emulation session: its option store, coordinate
// reference, virtual node table, control networks, and broadcast fan-out.
// The radio control plane reads nodes and networks through the session and
// never owns them.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/radionet-labs/radionet/pkg/geo"
	"github.com/radionet-labs/radionet/pkg/node"
	"github.com/radionet-labs/radionet/pkg/util"
)

// RadioNetwork is the session-side view of a radio network registration.
// The concrete type lives in the radio package; the session only needs
// identity.
type RadioNetwork interface {
	NetID() int
	NetName() string
}

// Session is one emulation session.
type Session struct {
	ID       int
	Dir      string
	Options  *Options
	Location *geo.Reference

	ControlNets *ControlNetManager

	// OnNodeUpdate is invoked when a node's position is written by an
	// inbound location event. Optional.
	OnNodeUpdate func(n node.Node)

	// OnLinkUpdate is invoked by the link monitor on link-state changes.
	// Optional.
	OnLinkUpdate func(data LinkData)

	// OnPositionUpdate receives the NEM id of a moved interface. The radio
	// manager sets it for the lifetime of a running session and clears it
	// on shutdown; interface position hooks reach the manager only through
	// this slot, never by holding a manager reference.
	OnPositionUpdate func(nemID int)

	mu         sync.RWMutex
	nodes      map[int]node.Node
	radioNets  map[int]RadioNetwork
	linkColors map[int]string
	colorIdx   int
}

// New creates a session rooted at dir. The directory is created if missing.
func New(id int, dir string) (*Session, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("session: create session dir: %w", err)
	}
	s := &Session{
		ID:         id,
		Dir:        dir,
		Options:    NewOptions(),
		Location:   geo.NewReference(),
		nodes:      make(map[int]node.Node),
		radioNets:  make(map[int]RadioNetwork),
		linkColors: make(map[int]string),
	}
	s.ControlNets = NewControlNetManager(id, node.LocalRunner{})
	return s, nil
}

// AddNode registers a virtual node.
func (s *Session) AddNode(n node.Node) {
	s.mu.Lock()
	s.nodes[n.ID()] = n
	s.mu.Unlock()
}

// GetNode returns a node by id, or nil.
func (s *Session) GetNode(id int) node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[id]
}

// Nodes returns all nodes sorted by id.
func (s *Session) Nodes() []node.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]node.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return nodes
}

// AddRadioNetwork registers a radio network with the session so that the
// radio manager can collect it during setup.
func (s *Session) AddRadioNetwork(n RadioNetwork) {
	s.mu.Lock()
	s.radioNets[n.NetID()] = n
	s.mu.Unlock()
}

// RadioNetworks returns registered radio networks sorted by id.
func (s *Session) RadioNetworks() []RadioNetwork {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nets := make([]RadioNetwork, 0, len(s.radioNets))
	for _, n := range s.radioNets {
		nets = append(nets, n)
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i].NetID() < nets[j].NetID() })
	return nets
}

// ClearRadioNetworks drops all radio network registrations.
func (s *Session) ClearRadioNetworks() {
	s.mu.Lock()
	s.radioNets = make(map[int]RadioNetwork)
	s.mu.Unlock()
}

// LinkColor returns the display color assigned to a network, assigning the
// next palette entry on first use.
func (s *Session) LinkColor(networkID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if color, ok := s.linkColors[networkID]; ok {
		return color
	}
	color := linkColors[s.colorIdx%len(linkColors)]
	s.colorIdx++
	s.linkColors[networkID] = color
	return color
}

// BroadcastNode delivers a node-changed notification to the session
// listener, if any.
func (s *Session) BroadcastNode(n node.Node) {
	if s.OnNodeUpdate != nil {
		s.OnNodeUpdate(n)
	}
}

// BroadcastLink delivers a link record to the session listener, if any.
func (s *Session) BroadcastLink(data LinkData) {
	if s.OnLinkUpdate != nil {
		s.OnLinkUpdate(data)
	}
}

// PublishPosition forwards a moved NEM to the position listener, if any.
// Interface position hooks bind to this method so they carry the session,
// not the radio manager.
func (s *Session) PublishPosition(nemID int) {
	if s.OnPositionUpdate != nil {
		s.OnPositionUpdate(nemID)
	}
}

// NodeDir returns (and creates) the working directory for a node.
func (s *Session) NodeDir(name string) string {
	dir := filepath.Join(s.Dir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		util.Logger.Errorf("session: create node dir %s: %v", dir, err)
	}
	return dir
}
