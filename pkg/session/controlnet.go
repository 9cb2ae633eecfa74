package session

import (
	"fmt"
	"sync"

	"github.com/radionet-labs/radionet/pkg/node"
	"github.com/radionet-labs/radionet/pkg/util"
)

// ControlNet is an out-of-band network carrying control-channel traffic
// (OTA radio frames or mobility events) between the host and the nodes.
type ControlNet struct {
	Index      int
	Device     string
	BridgeName string
	created    bool
}

// ControlNetManager allocates control networks by device name and attaches
// container nodes to them. Networks are materialized as container-runtime
// networks; creation is idempotent.
type ControlNetManager struct {
	sessionID int
	runner    node.Runner

	mu       sync.Mutex
	nets     map[int]*ControlNet
	devIndex map[string]int
	nextIdx  int
	attached map[string]bool // "<index>/<node>" pairs already attached
}

// NewControlNetManager returns a manager creating networks via runner.
func NewControlNetManager(sessionID int, runner node.Runner) *ControlNetManager {
	return &ControlNetManager{
		sessionID: sessionID,
		runner:    runner,
		nets:      make(map[int]*ControlNet),
		devIndex:  make(map[string]int),
		nextIdx:   1,
		attached:  make(map[string]bool),
	}
}

// NetID returns the stable index for a control device name, allocating one
// on first sight.
func (c *ControlNetManager) NetID(device string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.devIndex[device]; ok {
		return idx
	}
	idx := c.nextIdx
	c.nextIdx++
	c.devIndex[device] = idx
	c.nets[idx] = &ControlNet{
		Index:      idx,
		Device:     device,
		BridgeName: fmt.Sprintf("ctrl%d.%d", idx, c.sessionID),
	}
	return idx
}

// AddNet looks up or creates the control network for an index. The backing
// container-runtime network is created on first call.
func (c *ControlNetManager) AddNet(index int) (*ControlNet, error) {
	c.mu.Lock()
	net, ok := c.nets[index]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session: control net %d not allocated", index)
	}
	if net.created {
		return net, nil
	}
	cmd := fmt.Sprintf("podman network create --ignore %s", net.BridgeName)
	if _, err := c.runner.Run(cmd, ""); err != nil {
		return nil, fmt.Errorf("session: create control net %s: %w", net.BridgeName, err)
	}
	net.created = true
	return net, nil
}

// AddIface attaches a container node to a control network. Attachment is
// recorded so repeated calls for the same pair are no-ops.
func (c *ControlNetManager) AddIface(n node.Node, index int) error {
	c.mu.Lock()
	net, ok := c.nets[index]
	key := fmt.Sprintf("%d/%s", index, n.Name())
	done := c.attached[key]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: control net %d not allocated", index)
	}
	if done {
		return nil
	}
	cmd := fmt.Sprintf("podman network connect %s %s", net.BridgeName, n.Name())
	if _, err := n.HostCmd(cmd, ""); err != nil {
		return fmt.Errorf("session: attach %s to %s: %w", n.Name(), net.BridgeName, err)
	}
	c.mu.Lock()
	c.attached[key] = true
	c.mu.Unlock()
	return nil
}

// Shutdown removes the created container-runtime networks. Best effort.
func (c *ControlNetManager) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, net := range c.nets {
		if !net.created {
			continue
		}
		cmd := fmt.Sprintf("podman network rm -f %s", net.BridgeName)
		if _, err := c.runner.Run(cmd, ""); err != nil {
			util.Logger.Warnf("session: remove control net %s: %v", net.BridgeName, err)
		}
		net.created = false
	}
}
