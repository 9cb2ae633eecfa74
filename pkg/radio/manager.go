package radio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/radionet-labs/radionet/pkg/metrics"
	"github.com/radionet-labs/radionet/pkg/node"
	"github.com/radionet-labs/radionet/pkg/session"
	"github.com/radionet-labs/radionet/pkg/util"
)

// defaultLogLevel is the daemon verbosity used when the log-level option is
// set to zero.
const defaultLogLevel = 3

// nemIndexFile is the NEM-to-name index written into the session directory.
const nemIndexFile = "radio_nems"

// SetupResult reports the outcome of session setup.
type SetupResult int

const (
	SetupSuccess SetupResult = iota
	SetupNotNeeded
	SetupNotReady
)

func (r SetupResult) String() string {
	switch r {
	case SetupSuccess:
		return "success"
	case SetupNotNeeded:
		return "not-needed"
	case SetupNotReady:
		return "not-ready"
	default:
		return "unknown"
	}
}

// lifecycle states driven by startup/shutdown/reset
type lifecycleState int

const (
	stateIdle lifecycleState = iota
	stateSetup
	stateRunning
)

// IfaceHandle identifies a radio interface without holding a reference to
// it; interfaces stay owned by their nodes and are resolved through the
// session at use time.
type IfaceHandle struct {
	NodeID  int
	IfaceID int
}

// NemPosition is an outbound location for one NEM.
type NemPosition struct {
	NemID int
	Lon   float64
	Lat   float64
	Alt   int
}

// netIface pairs a network with one of its interfaces for startup ordering.
type netIface struct {
	net   *Network
	iface *node.TunTap
}

// Manager owns the radio-emulation lifecycle for a session: NEM identity
// and port allocation, per-interface configuration artifacts, daemon
// supervision, control-channel plumbing, and bidirectional location-event
// bridging.
type Manager struct {
	session  *session.Session
	registry *Registry
	bindings *Bindings
	configs  *ConfigStore
	gateway  *Gateway
	links    *LinkMonitor

	// nodeLock protects networks and the two NEM mappings. It is never
	// held across daemon launches.
	nodeLock     sync.Mutex
	networks     map[int]*Network
	nemsToIfaces map[int]IfaceHandle
	ifacesToNems map[IfaceHandle]int
	state        lifecycleState

	// port counters, re-seeded from options on reset
	platformPort  int
	transformPort int
}

// NewManager creates a manager for a session. bindings may be nil when the
// emulator bindings are unavailable; setup will then fail with
// ErrMissingBindings.
func NewManager(sess *session.Session, registry *Registry, bindings *Bindings) *Manager {
	m := &Manager{
		session:      sess,
		registry:     registry,
		bindings:     bindings,
		configs:      NewConfigStore(registry),
		networks:     make(map[int]*Network),
		nemsToIfaces: make(map[int]IfaceHandle),
		ifacesToNems: make(map[IfaceHandle]int),
	}
	if bindings != nil {
		m.gateway = NewGateway(bindings, m.handleLocationEvent)
	}
	m.links = newLinkMonitor(m)
	m.platformPort = sess.Options.GetInt(session.OptPlatformPort, 8100)
	m.transformPort = sess.Options.GetInt(session.OptTransformPort, 8200)
	return m
}

// Session returns the owning session.
func (m *Manager) Session() *session.Session { return m.session }

// Gateway returns the event gateway, nil without bindings.
func (m *Manager) Gateway() *Gateway { return m.gateway }

// handleOf returns the manager-side handle for an interface.
func handleOf(iface *node.TunTap) IfaceHandle {
	return IfaceHandle{NodeID: iface.NodeID, IfaceID: iface.IfaceID}
}

// resolveIface turns a handle back into the interface through the session.
func (m *Manager) resolveIface(h IfaceHandle) *node.TunTap {
	n := m.session.GetNode(h.NodeID)
	if n == nil {
		return nil
	}
	return n.GetIface(h.IfaceID)
}

// NextNemID allocates the next free NEM id for an interface, records the
// two-way mapping, and appends the allocation to the session's NEM index
// file.
func (m *Manager) NextNemID(iface *node.TunTap) int {
	m.nodeLock.Lock()
	nemID := m.session.Options.GetInt(session.OptNemIDStart, 1)
	for {
		if _, taken := m.nemsToIfaces[nemID]; !taken {
			break
		}
		nemID++
	}
	h := handleOf(iface)
	m.nemsToIfaces[nemID] = h
	m.ifacesToNems[h] = nemID
	m.nodeLock.Unlock()
	m.writeNem(iface, nemID)
	return nemID
}

// writeNem appends "<node-name> <iface-name> <nem-id>" to the NEM index
// file. OS errors are logged, never raised.
func (m *Manager) writeNem(iface *node.TunTap, nemID int) {
	path := filepath.Join(m.session.Dir, nemIndexFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		util.Logger.Errorf("radio: open nem index: %v", err)
		return
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "%s %s %d\n", iface.Node().Name(), iface.Name, nemID); err != nil {
		util.Logger.Errorf("radio: write nem index: %v", err)
	}
}

// NextPlatformPort returns the next platform port.
func (m *Manager) NextPlatformPort() int {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	port := m.platformPort
	m.platformPort++
	return port
}

// NextTransformPort returns the next transform port.
func (m *Manager) NextTransformPort() int {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	port := m.transformPort
	m.transformPort++
	return port
}

// GetConfig returns the stored or default configuration for (key, model).
func (m *Manager) GetConfig(key ConfigKey, model string, useDefault bool) (ModelConfig, error) {
	return m.configs.Get(key, model, useDefault)
}

// SetConfig merges a configuration for (key, model).
func (m *Manager) SetConfig(key ConfigKey, model string, cfg ModelConfig) error {
	return m.configs.Set(key, model, cfg)
}

// SetNodeModel pre-declares a node's model before its network exists.
func (m *Manager) SetNodeModel(nodeID int, model string) error {
	return m.configs.SetNodeModel(nodeID, model)
}

// GetModel resolves a model by name.
func (m *Manager) GetModel(name string) (Model, error) {
	return m.registry.Get(name)
}

// ConfigReset clears one node's configuration, or everything when nodeID is
// negative.
func (m *Manager) ConfigReset(nodeID int) {
	if nodeID < 0 {
		m.configs.ResetAll()
	} else {
		m.configs.Reset(nodeID)
	}
}

// GetIfaceConfig resolves the effective configuration for an interface:
// interface-specific first, then node, then network, then model defaults.
func (m *Manager) GetIfaceConfig(net *Network, iface *node.TunTap) ModelConfig {
	modelName := net.Model().Name()
	cfg, _ := m.configs.Get(IfaceKey(iface.NodeID, iface.IfaceID), modelName, false)
	if cfg == nil {
		cfg, _ = m.configs.Get(NodeKey(iface.NodeID), modelName, false)
	}
	if cfg == nil {
		cfg, _ = m.configs.Get(NodeKey(net.ID), modelName, false)
	}
	if cfg == nil {
		cfg = net.Model().DefaultValues()
	}
	return cfg
}

// AddNode registers a radio network with the manager. The check-and-insert
// is atomic under the manager's lock.
func (m *Manager) AddNode(net *Network) error {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	if _, ok := m.networks[net.ID]; ok {
		return fmt.Errorf("radio: network(%d) %s: %w", net.ID, net.Name, util.ErrDuplicateNetwork)
	}
	m.networks[net.ID] = net
	return nil
}

// Nodes returns the container nodes attached to any radio network, sorted
// by id.
func (m *Manager) Nodes() []node.Node {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	seen := make(map[int]node.Node)
	for _, net := range m.networks {
		for _, iface := range net.Ifaces() {
			if cn, ok := iface.Node().(*node.ContainerNode); ok {
				seen[cn.ID()] = cn
			}
		}
	}
	nodes := make([]node.Node, 0, len(seen))
	for _, n := range seen {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	return nodes
}

// Setup collects radio networks from the session and verifies that the
// session can start: emulator bindings present, every network modeled.
func (m *Manager) Setup() (SetupResult, error) {
	util.Logger.Debug("radio setup")
	for _, rn := range m.session.RadioNetworks() {
		net, ok := rn.(*Network)
		if !ok {
			continue
		}
		util.Logger.Debugf("adding radio network: id(%d) name(%s)", net.ID, net.Name)
		if err := m.AddNode(net); err != nil {
			return SetupNotReady, err
		}
	}
	m.nodeLock.Lock()
	empty := len(m.networks) == 0
	if !empty {
		m.state = stateSetup
	}
	m.nodeLock.Unlock()
	if empty {
		util.Logger.Debug("no radio networks in session")
		return SetupNotNeeded, nil
	}
	if m.bindings == nil {
		return SetupNotReady, fmt.Errorf("radio: %w", util.ErrMissingBindings)
	}
	if err := m.checkNodeModels(); err != nil {
		return SetupNotReady, err
	}
	return SetupSuccess, nil
}

// checkNodeModels assigns pre-declared models to networks that have none.
func (m *Manager) checkNodeModels() error {
	m.nodeLock.Lock()
	ids := make([]int, 0, len(m.networks))
	for id := range m.networks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	nets := make([]*Network, 0, len(ids))
	for _, id := range ids {
		nets = append(nets, m.networks[id])
	}
	m.nodeLock.Unlock()

	for _, net := range nets {
		if net.Model() != nil {
			util.Logger.Debugf("network(%d) already has model(%s)", net.ID, net.Model().Name())
			continue
		}
		modelName := m.configs.NodeModel(net.ID)
		if modelName == "" {
			util.Logger.Errorf("radio network(%d) has no model", net.ID)
			return fmt.Errorf("radio: network(%d): %w", net.ID, util.ErrMissingNodeModel)
		}
		model, err := m.registry.Get(modelName)
		if err != nil {
			return err
		}
		cfg, err := m.configs.Get(NodeKey(net.ID), modelName, true)
		if err != nil {
			return err
		}
		util.Logger.Debugf("setting network(%d) model(%s)", net.ID, modelName)
		net.SetModel(model, cfg)
	}
	return nil
}

// Startup resets the manager and brings the session up: setup, per-interface
// daemon startup, and the link monitor when enabled.
func (m *Manager) Startup() (SetupResult, error) {
	m.Reset()
	result, err := m.Setup()
	if err != nil || result != SetupSuccess {
		return result, err
	}
	if m.genLocationEvents() {
		m.session.OnPositionUpdate = m.publishNemPosition
	}
	m.StartupNodes()
	if m.linksEnabled() {
		m.links.Start()
	}
	m.nodeLock.Lock()
	m.state = stateRunning
	m.nodeLock.Unlock()
	return SetupSuccess, nil
}

// StartupNodes starts one daemon per interface in deterministic order. Each
// interface failure is logged and skipped; the session continues.
func (m *Manager) StartupNodes() {
	m.nodeLock.Lock()
	pairs := m.getIfacesLocked()
	m.nodeLock.Unlock()
	util.Logger.Info("radio building platform xmls...")
	for _, p := range pairs {
		if err := m.StartIface(p.net, p.iface); err != nil {
			util.WithIface(p.iface.LocalName()).Errorf("radio: start interface: %v", err)
		}
	}
}

// GetIfaces returns the handles of all interfaces across registered
// networks, sorted by (node id, interface id). Networks without a model and
// interfaces without a node are skipped with an error log.
func (m *Manager) GetIfaces() []IfaceHandle {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	pairs := m.getIfacesLocked()
	handles := make([]IfaceHandle, 0, len(pairs))
	for _, p := range pairs {
		handles = append(handles, handleOf(p.iface))
	}
	return handles
}

func (m *Manager) getIfacesLocked() []netIface {
	var pairs []netIface
	for _, net := range m.networks {
		if net.Model() == nil {
			util.Logger.Errorf("radio network(%s) has no model", net.Name)
			continue
		}
		for _, iface := range net.Ifaces() {
			if iface.Node() == nil {
				util.Logger.Errorf("radio network(%s) interface(%s) missing node", net.Name, iface.Name)
				continue
			}
			pairs = append(pairs, netIface{net: net, iface: iface})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i].iface, pairs[j].iface
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		return a.IfaceID < b.IfaceID
	})
	return pairs
}

// StartIface brings one interface up: NEM allocation, control channels,
// platform XML, daemon launch, address and hook installation.
func (m *Manager) StartIface(net *Network, iface *node.TunTap) error {
	nemID := m.NextNemID(iface)
	nemPort := NemPort(nemID)
	util.Logger.Infof("starting radio for node(%s) iface(%s) nem(%d)",
		iface.Node().Name(), iface.Name, nemID)
	cfg := m.GetIfaceConfig(net, iface)
	if err := m.setupControlChannels(nemID, iface, cfg); err != nil {
		return err
	}
	data, err := net.Model().BuildPlatformXML(nemID, nemPort, net, iface, cfg)
	if err != nil {
		return err
	}
	if err := m.writePlatformXML(iface, data); err != nil {
		return err
	}
	if err := m.startDaemon(iface); err != nil {
		return err
	}
	m.installIface(iface, cfg)
	return nil
}

// writePlatformXML places the artifact where the daemon will read it: the
// node directory for container nodes, the session directory otherwise.
func (m *Manager) writePlatformXML(iface *node.TunTap, data []byte) error {
	dir := m.session.Dir
	if cn, ok := iface.Node().(*node.ContainerNode); ok {
		dir = cn.Dir()
	}
	path := filepath.Join(dir, PlatformFileName(iface))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("radio: write platform xml %s: %w", path, err)
	}
	return nil
}

// setupControlChannels wires the OTA and event control networks for an
// interface: creates or looks up the control nets, attaches container
// nodes, registers the event service, and installs multicast routes.
func (m *Manager) setupControlChannels(nemID int, iface *node.TunTap, cfg ModelConfig) error {
	n := iface.Node()

	otaGroup, _, err := splitGroup(cfg["otamanagergroup"])
	if err != nil {
		return fmt.Errorf("radio: otamanagergroup: %w", err)
	}
	otaDev := cfg["otamanagerdevice"]
	otaIndex := m.session.ControlNets.NetID(otaDev)
	if _, err := m.session.ControlNets.AddNet(otaIndex); err != nil {
		return err
	}
	cn, isContainer := n.(*node.ContainerNode)
	if isContainer {
		if err := m.session.ControlNets.AddIface(n, otaIndex); err != nil {
			return err
		}
	}

	eventGroup, eventPort, err := splitGroup(cfg["eventservicegroup"])
	if err != nil {
		return fmt.Errorf("radio: eventservicegroup: %w", err)
	}
	eventDev := cfg["eventservicedevice"]
	eventIndex := m.session.ControlNets.NetID(eventDev)
	eventNet, err := m.session.ControlNets.AddNet(eventIndex)
	if err != nil {
		return err
	}
	if isContainer {
		if err := m.session.ControlNets.AddIface(n, eventIndex); err != nil {
			return err
		}
	}

	if m.gateway == nil {
		return fmt.Errorf("radio: %w", util.ErrMissingBindings)
	}
	if err := m.gateway.CreateService(nemID, eventNet.BridgeName, eventGroup, eventPort, m.doEventMonitor()); err != nil {
		return err
	}

	util.Logger.Infof("node(%s) interface(%s) ota(%s:%s) event(%s:%s)",
		n.Name(), iface.Name, otaGroup, otaDev, eventGroup, eventDev)
	if isContainer {
		if err := cn.CreateRoute(otaGroup, otaDev); err != nil {
			return err
		}
		// a second route for the same group would fail
		if eventGroup != otaGroup {
			if err := cn.CreateRoute(eventGroup, eventDev); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitGroup parses "group:port".
func splitGroup(value string) (string, int, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed group %q", value)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed group port %q: %w", value, err)
	}
	return parts[0], port, nil
}

// startDaemon launches the radio daemon for an interface: inside the node
// for container nodes, on the host with the session directory as working
// directory otherwise.
func (m *Manager) startDaemon(iface *node.TunTap) error {
	n := iface.Node()
	logLevel := defaultLogLevel
	if cfgLevel := m.session.Options.GetInt(session.OptLogLevel, 2); cfgLevel != 0 {
		util.Logger.Infof("setting user-defined radio log level: %d", cfgLevel)
		logLevel = cfgLevel
	}
	cmd := fmt.Sprintf("radio -d -l %d", logLevel)
	if m.session.Options.GetBool(session.OptRealtime, true) {
		cmd += " -r"
	}

	var err error
	if _, ok := n.(*node.ContainerNode); ok {
		logFile := fmt.Sprintf("%s-radio.log", iface.Name)
		_, err = n.Cmd(fmt.Sprintf("%s -f %s %s", cmd, logFile, PlatformFileName(iface)))
	} else {
		logFile := filepath.Join(m.session.Dir, fmt.Sprintf("%s-radio.log", iface.Name))
		platformXML := filepath.Join(m.session.Dir, PlatformFileName(iface))
		_, err = n.HostCmd(fmt.Sprintf("%s -f %s %s", cmd, logFile, platformXML), m.session.Dir)
	}
	if err != nil {
		metrics.DaemonLaunchFailures.Inc()
		return fmt.Errorf("radio: daemon for %s: %w: %w", iface.LocalName(), util.ErrLaunchFailed, err)
	}
	metrics.DaemonsStarted.Inc()
	return nil
}

// installIface configures addresses on the tap and registers the position
// hook that publishes outbound location events.
func (m *Manager) installIface(iface *node.TunTap, cfg ModelConfig) {
	external := cfg["external"]
	if external == "" {
		external = "0"
	}
	if external == "0" {
		if err := iface.SetIPs(); err != nil {
			util.Logger.Errorf("radio: install %s: %v", iface.LocalName(), err)
		}
	}
	if m.genLocationEvents() {
		if nemID, ok := m.GetNemID(iface); ok {
			// the hook carries only the NEM id and the session dispatcher,
			// never the manager itself
			iface.SetPositionHook(nemID, m.session.PublishPosition)
			iface.SetPosition()
		}
	}
}

// GetIface returns the interface assigned to a NEM, nil when unknown.
func (m *Manager) GetIface(nemID int) *node.TunTap {
	m.nodeLock.Lock()
	h, ok := m.nemsToIfaces[nemID]
	m.nodeLock.Unlock()
	if !ok {
		return nil
	}
	return m.resolveIface(h)
}

// GetNemID returns the NEM assigned to an interface.
func (m *Manager) GetNemID(iface *node.TunTap) (int, bool) {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	nemID, ok := m.ifacesToNems[handleOf(iface)]
	return nemID, ok
}

// NemPort derives the daemon control port for a NEM id.
func NemPort(nemID int) int {
	port, _ := strconv.Atoi(fmt.Sprintf("47%03d", nemID))
	return port
}

// GetNemPort returns the daemon control port for an interface's NEM.
func (m *Manager) GetNemPort(iface *node.TunTap) (int, bool) {
	nemID, ok := m.GetNemID(iface)
	if !ok {
		return 0, false
	}
	return NemPort(nemID), true
}

// GetNemPosition translates an interface's canvas position into an outbound
// location, updating the node's stored geo along the way. The node's
// altitude override, when set, takes precedence over the projected value.
func (m *Manager) GetNemPosition(iface *node.TunTap) (NemPosition, bool) {
	nemID, ok := m.GetNemID(iface)
	if !ok {
		util.Logger.Infof("nem for %s is unknown", iface.LocalName())
		return NemPosition{}, false
	}
	n := iface.Node()
	x, y, z := n.Position().Get()
	lat, lon, alt := m.session.Location.GetGeo(x, y, z)
	if n.Position().AltOverride != nil {
		alt = *n.Position().AltOverride
	}
	n.Position().SetGeo(lon, lat, alt)
	// altitude is published as an integer
	return NemPosition{NemID: nemID, Lon: lon, Lat: lat, Alt: int(math.Round(alt))}, true
}

// SetNemPosition publishes a location event for one interface.
func (m *Manager) SetNemPosition(iface *node.TunTap) {
	pos, ok := m.GetNemPosition(iface)
	if !ok || m.gateway == nil {
		return
	}
	if err := m.gateway.PublishLocation(pos.NemID, pos.Lon, pos.Lat, pos.Alt); err != nil {
		util.Logger.Warnf("radio: publish location: %v", err)
	}
}

// publishNemPosition is the session's position listener: it resolves a
// moved NEM back to its interface and publishes the location event.
func (m *Manager) publishNemPosition(nemID int) {
	iface := m.GetIface(nemID)
	if iface == nil {
		util.Logger.Debugf("position update for unknown NEM %d", nemID)
		return
	}
	m.SetNemPosition(iface)
}

// SetNemPositions publishes one wire event covering every moved interface.
func (m *Manager) SetNemPositions(moved []*node.TunTap) {
	if len(moved) == 0 || m.gateway == nil {
		return
	}
	entries := make([]LocationEntry, 0, len(moved))
	for _, iface := range moved {
		pos, ok := m.GetNemPosition(iface)
		if !ok {
			continue
		}
		entries = append(entries, LocationEntry{NemID: pos.NemID, Lon: pos.Lon, Lat: pos.Lat, Alt: pos.Alt})
	}
	if err := m.gateway.PublishLocations(entries); err != nil {
		util.Logger.Warnf("radio: publish locations: %v", err)
	}
}

// Poststartup re-publishes every interface's position once all NEMs are
// active, and runs each model's post-startup hook.
func (m *Manager) Poststartup() {
	eventsEnabled := m.genLocationEvents()
	m.nodeLock.Lock()
	ids := make([]int, 0, len(m.networks))
	for id := range m.networks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	type netPair struct {
		model  Model
		ifaces []*node.TunTap
	}
	var pending []netPair
	for _, id := range ids {
		net := m.networks[id]
		util.Logger.Debugf("post startup for radio network: %d - %s", net.ID, net.Name)
		pending = append(pending, netPair{model: net.Model(), ifaces: net.Ifaces()})
	}
	m.nodeLock.Unlock()

	for _, p := range pending {
		for _, iface := range p.ifaces {
			if p.model != nil {
				p.model.PostStartup(iface)
			}
			if eventsEnabled {
				iface.SetPosition()
			}
		}
	}
}

// Reset clears all registrations and counters. Legal from any state.
func (m *Manager) Reset() {
	m.session.OnPositionUpdate = nil
	m.nodeLock.Lock()
	m.networks = make(map[int]*Network)
	m.nemsToIfaces = make(map[int]IfaceHandle)
	m.ifacesToNems = make(map[IfaceHandle]int)
	m.platformPort = m.session.Options.GetInt(session.OptPlatformPort, 8100)
	m.transformPort = m.session.Options.GetInt(session.OptTransformPort, 8200)
	m.state = stateIdle
	m.nodeLock.Unlock()
	if m.gateway != nil {
		m.gateway.Reset()
	}
}

// Shutdown stops all radio daemons, clears position hooks, and tears down
// the event gateway. Idempotent: a second call performs no external
// commands. The lock is released before any command is issued.
func (m *Manager) Shutdown() {
	m.nodeLock.Lock()
	if m.state == stateIdle || len(m.networks) == 0 {
		m.state = stateIdle
		m.nodeLock.Unlock()
		return
	}
	m.state = stateIdle
	pairs := m.getIfacesLocked()
	m.nodeLock.Unlock()

	util.Logger.Info("stopping radio daemons")
	if m.linksEnabled() {
		m.links.Stop()
	}
	for _, p := range pairs {
		iface := p.iface
		n := iface.Node()
		if !n.Up() {
			continue
		}
		killCmd := fmt.Sprintf("pkill -f \"radio.+%s\"", iface.Name)
		if cn, ok := n.(*node.ContainerNode); ok {
			if err := iface.Shutdown(); err != nil {
				util.Logger.Warnf("radio: shutdown %s: %v", iface.LocalName(), err)
			}
			if err := cn.CmdNoWait(killCmd); err != nil {
				util.Logger.Warnf("radio: kill daemon for %s: %v", iface.LocalName(), err)
			}
		} else {
			if err := n.HostCmdNoWait(killCmd, ""); err != nil {
				util.Logger.Warnf("radio: kill daemon for %s: %v", iface.LocalName(), err)
			}
		}
		iface.ClearPositionHook()
	}
	m.session.OnPositionUpdate = nil
	if m.gateway != nil {
		m.gateway.Shutdown()
	}
}

// GetNemLink returns link data between two NEMs, nil when either NEM is
// unknown or they belong to different radio networks.
func (m *Manager) GetNemLink(nem1, nem2 int, flags session.MessageFlags) *session.LinkData {
	iface1 := m.GetIface(nem1)
	if iface1 == nil {
		util.Logger.Errorf("invalid nem: %d", nem1)
		return nil
	}
	iface2 := m.GetIface(nem2)
	if iface2 == nil {
		util.Logger.Errorf("invalid nem: %d", nem2)
		return nil
	}
	if iface1.NetID != iface2.NetID {
		return nil
	}
	color := m.session.LinkColor(iface1.NetID)
	return &session.LinkData{
		MessageType: flags,
		Type:        session.LinkTypeWireless,
		Node1ID:     iface1.NodeID,
		Node2ID:     iface2.NodeID,
		NetworkID:   iface1.NetID,
		Color:       color,
	}
}

// nemPairs returns all same-network NEM pairs for the link monitor.
func (m *Manager) nemPairs() []nemPair {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	byNet := make(map[int][]int)
	for nemID, h := range m.nemsToIfaces {
		iface := m.resolveIface(h)
		if iface == nil {
			continue
		}
		byNet[iface.NetID] = append(byNet[iface.NetID], nemID)
	}
	var pairs []nemPair
	for _, nems := range byNet {
		sort.Ints(nems)
		for i := 0; i < len(nems); i++ {
			for j := i + 1; j < len(nems); j++ {
				pairs = append(pairs, makeNemPair(nems[i], nems[j]))
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].a != pairs[j].a {
			return pairs[i].a < pairs[j].a
		}
		return pairs[i].b < pairs[j].b
	})
	return pairs
}

// probeNemLink samples link state between two NEMs: both daemons must be
// alive.
func (m *Manager) probeNemLink(nem1, nem2 int) bool {
	iface1 := m.GetIface(nem1)
	iface2 := m.GetIface(nem2)
	if iface1 == nil || iface2 == nil {
		return false
	}
	return m.DaemonRunning(iface1.Node()) && m.DaemonRunning(iface2.Node())
}

// DaemonRunning reports whether a radio daemon is alive on a node.
func (m *Manager) DaemonRunning(n node.Node) bool {
	_, err := n.Cmd("pkill -0 -x radio")
	return err == nil
}

// handleLocationEvent is the gateway's inbound callback.
func (m *Manager) handleLocationEvent(nemID int, lat, lon, alt float64) {
	m.HandleLocationEventToXYZ(nemID, lat, lon, alt)
}

// HandleLocationEventToXYZ reconciles an inbound location back into the
// session's coordinate space and broadcasts the node change. Events whose
// converted coordinates are negative or exceed 16 bits are rejected.
// Returns true when a broadcast was issued.
func (m *Manager) HandleLocationEventToXYZ(nemID int, lat, lon, alt float64) bool {
	iface := m.GetIface(nemID)
	if iface == nil {
		util.Logger.Infof("location event for unknown NEM %d", nemID)
		return false
	}
	fx, fy, fz := m.session.Location.GetXYZ(lat, lon, alt)
	x, y, z := int(fx), int(fy), int(fz)
	util.Logger.Debugf("location event NEM %d (%f, %f, %f) -> (%d, %d, %d)",
		nemID, lat, lon, alt, x, y, z)
	if !inCoordSpace(x) || !inCoordSpace(y) || !inCoordSpace(z) {
		util.Logger.Errorf("location event exceeds coordinate space: NEM %d (%d, %d, %d): %v",
			nemID, x, y, z, util.ErrInvalidLocation)
		metrics.EventsDropped.Inc()
		return false
	}
	n := m.session.GetNode(iface.NodeID)
	if n == nil {
		util.Logger.Errorf("location event NEM %d has no corresponding node %d", nemID, iface.NodeID)
		return false
	}
	// write position directly, bypassing hooks, to avoid a publication loop
	n.Position().Set(float64(x), float64(y), float64(z))
	n.Position().SetGeo(lon, lat, alt)
	m.session.BroadcastNode(n)
	return true
}

// inCoordSpace reports whether a coordinate fits in 16 unsigned bits.
func inCoordSpace(v int) bool {
	return v >= 0 && v < 1<<16
}

func (m *Manager) doEventMonitor() bool {
	return m.session.Options.GetBool(session.OptEventMonitor, false)
}

func (m *Manager) genLocationEvents() bool {
	return m.session.Options.GetBool(session.OptEventGenerate, true)
}

func (m *Manager) linksEnabled() bool {
	return m.session.Options.GetBool(session.OptLinkEnabled, false)
}

// NemMappings returns copies of the two NEM mappings, for inspection.
func (m *Manager) NemMappings() (map[int]IfaceHandle, map[IfaceHandle]int) {
	m.nodeLock.Lock()
	defer m.nodeLock.Unlock()
	nems := make(map[int]IfaceHandle, len(m.nemsToIfaces))
	for k, v := range m.nemsToIfaces {
		nems[k] = v
	}
	ifaces := make(map[IfaceHandle]int, len(m.ifacesToNems))
	for k, v := range m.ifacesToNems {
		ifaces[k] = v
	}
	return nems, ifaces
}
