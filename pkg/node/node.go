// Package node implements the virtual nodes that back an emulation session:
// container nodes addressed through the container runtime's exec surface,
// plain host nodes, and the TunTap interfaces that bind them to radio
// networks. Nodes own their interfaces; other subsystems hold id handles.
package node

import (
	"fmt"
	"sort"
	"sync"
)

const podman = "podman"

// Node is the command surface an emulation node exposes to the control
// plane. Cmd variants run inside the node's namespace; HostCmd variants run
// on the host that owns the node (local or distributed).
type Node interface {
	ID() int
	Name() string
	Up() bool
	Cmd(args string) (string, error)
	CmdNoWait(args string) error
	HostCmd(args, cwd string) (string, error)
	HostCmdNoWait(args, cwd string) error
	Position() *Position
	Ifaces() []*TunTap
	GetIface(ifaceID int) *TunTap
}

// baseNode carries state common to container and host nodes.
type baseNode struct {
	id   int
	name string
	dir  string
	up   bool

	runner Runner

	mu     sync.Mutex
	pos    Position
	ifaces map[int]*TunTap
}

func (n *baseNode) ID() int              { return n.id }
func (n *baseNode) Name() string         { return n.name }
func (n *baseNode) Up() bool             { return n.up }
func (n *baseNode) Dir() string          { return n.dir }
func (n *baseNode) Position() *Position  { return &n.pos }

// Ifaces returns the node's interfaces sorted by interface id.
func (n *baseNode) Ifaces() []*TunTap {
	n.mu.Lock()
	defer n.mu.Unlock()
	ifaces := make([]*TunTap, 0, len(n.ifaces))
	for _, iface := range n.ifaces {
		ifaces = append(ifaces, iface)
	}
	sort.Slice(ifaces, func(i, j int) bool { return ifaces[i].IfaceID < ifaces[j].IfaceID })
	return ifaces
}

func (n *baseNode) GetIface(ifaceID int) *TunTap {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ifaces[ifaceID]
}

func (n *baseNode) addIface(iface *TunTap) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ifaces[iface.IfaceID] = iface
}

// SetPosition moves the node and fires the position hooks of all of its
// interfaces.
func (n *baseNode) SetPosition(x, y, z float64) {
	n.mu.Lock()
	n.pos.Set(x, y, z)
	ifaces := make([]*TunTap, 0, len(n.ifaces))
	for _, iface := range n.ifaces {
		ifaces = append(ifaces, iface)
	}
	n.mu.Unlock()
	for _, iface := range ifaces {
		iface.SetPosition()
	}
}

// ContainerNode is a virtual node backed by a container runtime. Commands
// run through "podman exec"; host commands run on the owning host, which may
// be remote.
type ContainerNode struct {
	baseNode
	Image string
}

// NewContainerNode creates a container node. runner executes commands on the
// owning host; pass a LocalRunner for single-host sessions.
func NewContainerNode(id int, name, image, dir string, runner Runner) *ContainerNode {
	return &ContainerNode{
		baseNode: baseNode{
			id:     id,
			name:   name,
			dir:    dir,
			up:     true,
			runner: runner,
			ifaces: make(map[int]*TunTap),
		},
		Image: image,
	}
}

// NewIface registers a TunTap interface on the node.
func (n *ContainerNode) NewIface(ifaceID int, name string, ips []string) *TunTap {
	iface := &TunTap{
		NodeID:  n.id,
		IfaceID: ifaceID,
		Name:    name,
		IPs:     ips,
		node:    n,
	}
	n.addIface(iface)
	return iface
}

func (n *ContainerNode) execCmd(args string) string {
	return fmt.Sprintf("%s exec %s %s", podman, n.name, args)
}

func (n *ContainerNode) Cmd(args string) (string, error) {
	return n.runner.Run(n.execCmd(args), "")
}

func (n *ContainerNode) CmdNoWait(args string) error {
	return n.runner.Start(n.execCmd(args), "")
}

func (n *ContainerNode) HostCmd(args, cwd string) (string, error) {
	return n.runner.Run(args, cwd)
}

func (n *ContainerNode) HostCmdNoWait(args, cwd string) error {
	return n.runner.Start(args, cwd)
}

// CreateRoute installs a multicast route for a control-channel group inside
// the node.
func (n *ContainerNode) CreateRoute(group, dev string) error {
	_, err := n.Cmd(fmt.Sprintf("ip route add %s dev %s", group, dev))
	return err
}

// HostNode is a node without a private namespace: its commands run directly
// on the owning host.
type HostNode struct {
	baseNode
}

// NewHostNode creates a host node whose commands execute via runner.
func NewHostNode(id int, name, dir string, runner Runner) *HostNode {
	return &HostNode{
		baseNode: baseNode{
			id:     id,
			name:   name,
			dir:    dir,
			up:     true,
			runner: runner,
			ifaces: make(map[int]*TunTap),
		},
	}
}

// NewIface registers a TunTap interface on the node.
func (n *HostNode) NewIface(ifaceID int, name string, ips []string) *TunTap {
	iface := &TunTap{
		NodeID:  n.id,
		IfaceID: ifaceID,
		Name:    name,
		IPs:     ips,
		node:    n,
	}
	n.addIface(iface)
	return iface
}

func (n *HostNode) Cmd(args string) (string, error) {
	return n.runner.Run(args, n.dir)
}

func (n *HostNode) CmdNoWait(args string) error {
	return n.runner.Start(args, n.dir)
}

func (n *HostNode) HostCmd(args, cwd string) (string, error) {
	return n.runner.Run(args, cwd)
}

func (n *HostNode) HostCmdNoWait(args, cwd string) error {
	return n.runner.Start(args, cwd)
}
