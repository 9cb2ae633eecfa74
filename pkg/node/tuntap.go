package node

import (
	"fmt"
	"sync"
)

// PositionHook is invoked with the interface's NEM id when the owning node
// moves. The hook value must not hold a reference to the radio manager:
// dispatch goes through the session, so the manager can be torn down
// independently of the interfaces. Hooks are installed during interface
// startup and cleared on shutdown.
type PositionHook func(nemID int)

// TunTap is a tunnel/tap interface binding a node to a radio network. The
// owning node holds the only strong reference; subsystems that track
// interfaces key them by (NodeID, IfaceID).
type TunTap struct {
	NodeID  int
	IfaceID int
	Name    string
	IPs     []string // CIDR addresses to install on the tap

	// NetID is the id of the radio network the interface is attached to,
	// zero until attachment.
	NetID int

	node Node

	mu      sync.Mutex
	nemID   int
	posHook PositionHook
}

// Node returns the owning node.
func (t *TunTap) Node() Node { return t.node }

// LocalName returns the interface name qualified by its node, for logs.
func (t *TunTap) LocalName() string {
	if t.node != nil {
		return t.node.Name() + "." + t.Name
	}
	return t.Name
}

// SetIPs installs the interface's addresses on the tap device inside the
// node.
func (t *TunTap) SetIPs() error {
	for _, ip := range t.IPs {
		if _, err := t.node.Cmd(fmt.Sprintf("ip addr add %s dev %s", ip, t.Name)); err != nil {
			return fmt.Errorf("node: set ip %s on %s: %w", ip, t.LocalName(), err)
		}
	}
	return nil
}

// SetPositionHook installs the position hook for a NEM id. The interface
// stores only the id; the hook resolves everything else at call time.
func (t *TunTap) SetPositionHook(nemID int, hook PositionHook) {
	t.mu.Lock()
	t.nemID = nemID
	t.posHook = hook
	t.mu.Unlock()
}

// ClearPositionHook removes the position hook.
func (t *TunTap) ClearPositionHook() {
	t.mu.Lock()
	t.nemID = 0
	t.posHook = nil
	t.mu.Unlock()
}

// SetPosition fires the position hook, if installed.
func (t *TunTap) SetPosition() {
	t.mu.Lock()
	nemID, hook := t.nemID, t.posHook
	t.mu.Unlock()
	if hook != nil {
		hook(nemID)
	}
}

// Shutdown brings the tap device down. Best effort; the device disappears
// with the node anyway.
func (t *TunTap) Shutdown() error {
	_, err := t.node.Cmd(fmt.Sprintf("ip link set %s down", t.Name))
	return err
}
