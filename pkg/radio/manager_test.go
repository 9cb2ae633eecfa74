package radio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/radionet-labs/radionet/pkg/node"
	"github.com/radionet-labs/radionet/pkg/session"
	"github.com/radionet-labs/radionet/pkg/util"
)

// recordRunner records commands instead of executing them. A command that
// contains any substring in failSubst fails, for probing error paths.
type recordRunner struct {
	mu        sync.Mutex
	cmds      []string
	failSubst []string
}

func (r *recordRunner) Run(cmd, cwd string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	for _, s := range r.failSubst {
		if strings.Contains(cmd, s) {
			return "", util.NewCommandError(cmd, 1, "")
		}
	}
	return "", nil
}

func (r *recordRunner) Start(cmd, cwd string) error {
	_, err := r.Run(cmd, cwd)
	return err
}

func (r *recordRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.cmds))
	copy(out, r.cmds)
	return out
}

func (r *recordRunner) matching(substr string) []string {
	var out []string
	for _, cmd := range r.commands() {
		if strings.Contains(cmd, substr) {
			out = append(out, cmd)
		}
	}
	return out
}

type fixture struct {
	sess *session.Session
	mgr  *Manager
	rec  *recordRunner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sess, err := session.New(1, t.TempDir())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rec := &recordRunner{}
	sess.ControlNets = session.NewControlNetManager(1, rec)
	mgr := NewManager(sess, DefaultRegistry(), NewBindings())
	return &fixture{sess: sess, mgr: mgr, rec: rec}
}

func (f *fixture) addNode(t *testing.T, id int, name string) *node.ContainerNode {
	t.Helper()
	n := node.NewContainerNode(id, name, "ubuntu", f.sess.NodeDir(name), f.rec)
	f.sess.AddNode(n)
	return n
}

func (f *fixture) addNetwork(t *testing.T, id int, name, model string) *Network {
	t.Helper()
	net := NewNetwork(id, name)
	if model != "" {
		m, err := f.mgr.GetModel(model)
		if err != nil {
			t.Fatalf("get model %s: %v", model, err)
		}
		net.SetModel(m, m.DefaultValues())
	}
	f.sess.AddRadioNetwork(net)
	return net
}

// twoNodeNetwork builds the canonical fixture: one rfpipe network with
// interfaces (node 2, iface 0) and (node 3, iface 0).
func (f *fixture) twoNodeNetwork(t *testing.T) (*Network, *node.TunTap, *node.TunTap) {
	t.Helper()
	net := f.addNetwork(t, 10, "radio10", "rfpipe")
	n2 := f.addNode(t, 2, "n2")
	n3 := f.addNode(t, 3, "n3")
	iface2 := n2.NewIface(0, "eth0", []string{"10.0.0.2/24"})
	iface3 := n3.NewIface(0, "eth0", []string{"10.0.0.3/24"})
	net.AddIface(iface2)
	net.AddIface(iface3)
	return net, iface2, iface3
}

func TestStartupEmptySession(t *testing.T) {
	f := newFixture(t)
	result, err := f.mgr.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if result != SetupNotNeeded {
		t.Fatalf("result = %v, want not-needed", result)
	}

	f.mgr.Shutdown()
	if cmds := f.rec.commands(); len(cmds) != 0 {
		t.Errorf("empty session issued commands: %v", cmds)
	}
}

func TestStartupSingleNetwork(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)

	result, err := f.mgr.Startup()
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	if result != SetupSuccess {
		t.Fatalf("result = %v, want success", result)
	}
	defer f.mgr.Shutdown()

	nems, ifaces := f.mgr.NemMappings()
	want := map[int]IfaceHandle{
		1: {NodeID: 2, IfaceID: 0},
		2: {NodeID: 3, IfaceID: 0},
	}
	if len(nems) != len(want) {
		t.Fatalf("nem mappings = %v, want %v", nems, want)
	}
	for nem, h := range want {
		if nems[nem] != h {
			t.Errorf("nem %d -> %v, want %v", nem, nems[nem], h)
		}
		if ifaces[h] != nem {
			t.Errorf("iface %v -> %d, want %d (bijection broken)", h, ifaces[h], nem)
		}
	}

	data, err := os.ReadFile(filepath.Join(f.sess.Dir, nemIndexFile))
	if err != nil {
		t.Fatalf("read nem index: %v", err)
	}
	if string(data) != "n2 eth0 1\nn3 eth0 2\n" {
		t.Errorf("nem index = %q", data)
	}

	launches := f.rec.matching("radio -d")
	if len(launches) != 2 {
		t.Fatalf("expected 2 daemon launches, got %v", launches)
	}
	if !strings.Contains(launches[0], "n2") || !strings.Contains(launches[1], "n3") {
		t.Errorf("daemon launch order wrong: %v", launches)
	}
}

func TestPortCounters(t *testing.T) {
	f := newFixture(t)
	if got := f.mgr.NextPlatformPort(); got != 8100 {
		t.Errorf("first platform port = %d, want 8100", got)
	}
	if got := f.mgr.NextPlatformPort(); got != 8101 {
		t.Errorf("second platform port = %d, want 8101", got)
	}
	if got := f.mgr.NextTransformPort(); got != 8200 {
		t.Errorf("first transform port = %d, want 8200", got)
	}

	// reset re-seeds the counters from options
	f.sess.Options.Set(session.OptPlatformPort, "9100")
	f.mgr.Reset()
	if got := f.mgr.NextPlatformPort(); got != 9100 {
		t.Errorf("platform port after reset = %d, want 9100", got)
	}
}

func TestNemPortDerivation(t *testing.T) {
	tests := []struct {
		nem  int
		want int
	}{
		{1, 47001},
		{2, 47002},
		{42, 47042},
		{999, 47999},
	}
	for _, tt := range tests {
		if got := NemPort(tt.nem); got != tt.want {
			t.Errorf("NemPort(%d) = %d, want %d", tt.nem, got, tt.want)
		}
	}
}

func TestNextNemIDMonotonic(t *testing.T) {
	f := newFixture(t)
	n2 := f.addNode(t, 2, "n2")
	last := 0
	for i := 0; i < 5; i++ {
		iface := n2.NewIface(i, "eth"+strings.Repeat("x", i), nil)
		nem := f.mgr.NextNemID(iface)
		if nem <= last {
			t.Fatalf("allocation not strictly increasing: %d after %d", nem, last)
		}
		last = nem
	}
}

func TestNextNemIDStartOption(t *testing.T) {
	f := newFixture(t)
	f.sess.Options.Set(session.OptNemIDStart, "100")
	n2 := f.addNode(t, 2, "n2")
	iface := n2.NewIface(0, "eth0", nil)
	if nem := f.mgr.NextNemID(iface); nem != 100 {
		t.Errorf("first nem = %d, want 100", nem)
	}
}

func TestEffectiveConfigPriority(t *testing.T) {
	f := newFixture(t)
	net, iface2, _ := f.twoNodeNetwork(t)

	// network-level sentinel
	if err := f.mgr.SetConfig(NodeKey(net.ID), "rfpipe", ModelConfig{"datarate": "net"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg := f.mgr.GetIfaceConfig(net, iface2); cfg["datarate"] != "net" {
		t.Errorf("network level: datarate = %q, want net", cfg["datarate"])
	}

	// node-level sentinel wins over network
	if err := f.mgr.SetConfig(NodeKey(2), "rfpipe", ModelConfig{"datarate": "node"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg := f.mgr.GetIfaceConfig(net, iface2); cfg["datarate"] != "node" {
		t.Errorf("node level: datarate = %q, want node", cfg["datarate"])
	}

	// interface-level sentinel wins over node
	if err := f.mgr.SetConfig(IfaceKey(2, 0), "rfpipe", ModelConfig{"datarate": "iface"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg := f.mgr.GetIfaceConfig(net, iface2); cfg["datarate"] != "iface" {
		t.Errorf("iface level: datarate = %q, want iface", cfg["datarate"])
	}
}

func TestEffectiveConfigDefaults(t *testing.T) {
	f := newFixture(t)
	net, iface2, _ := f.twoNodeNetwork(t)
	cfg := f.mgr.GetIfaceConfig(net, iface2)
	if cfg["datarate"] != "1M" {
		t.Errorf("model defaults not used: datarate = %q", cfg["datarate"])
	}
}

func TestExternalOverrideControlsAddressInstall(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)

	// only (node 2, iface 0) is external; it must not get addresses
	if err := f.mgr.SetConfig(IfaceKey(2, 0), "rfpipe", ModelConfig{"external": "1"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	if got := f.rec.matching("exec n2 ip addr add"); len(got) != 0 {
		t.Errorf("external interface got addresses: %v", got)
	}
	if got := f.rec.matching("exec n3 ip addr add"); len(got) != 1 {
		t.Errorf("internal interface missing addresses: %v", got)
	}
}

func TestAddNodeDuplicate(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.AddNode(NewNetwork(5, "radio5")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := f.mgr.AddNode(NewNetwork(5, "radio5-again"))
	if !errors.Is(err, util.ErrDuplicateNetwork) {
		t.Fatalf("expected ErrDuplicateNetwork, got %v", err)
	}
	if len(f.mgr.networks) != 1 {
		t.Errorf("network map has %d entries, want 1", len(f.mgr.networks))
	}
	if f.mgr.networks[5].Name != "radio5" {
		t.Errorf("original registration replaced")
	}
}

func TestGetNemLink(t *testing.T) {
	f := newFixture(t)
	// two networks, one interface each
	netA := f.addNetwork(t, 10, "radioA", "rfpipe")
	netB := f.addNetwork(t, 11, "radioB", "rfpipe")
	n2 := f.addNode(t, 2, "n2")
	n3 := f.addNode(t, 3, "n3")
	netA.AddIface(n2.NewIface(0, "eth0", nil))
	netB.AddIface(n3.NewIface(0, "eth0", nil))

	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	if link := f.mgr.GetNemLink(1, 2, session.FlagNone); link != nil {
		t.Errorf("cross-network link = %v, want nil", link)
	}
	if link := f.mgr.GetNemLink(1, 5, session.FlagNone); link != nil {
		t.Errorf("unknown nem link = %v, want nil", link)
	}
}

func TestGetNemLinkSameNetwork(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)
	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	link := f.mgr.GetNemLink(1, 2, session.FlagAdd)
	if link == nil {
		t.Fatal("same-network link = nil")
	}
	if link.Node1ID != 2 || link.Node2ID != 3 || link.NetworkID != 10 {
		t.Errorf("link ids wrong: %+v", link)
	}
	if link.Type != session.LinkTypeWireless {
		t.Errorf("link type = %v, want wireless", link.Type)
	}
	if link.Color == "" {
		t.Error("link color unassigned")
	}
}

func TestInvalidInboundEvent(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)
	broadcasts := 0
	f.sess.OnNodeUpdate = func(n node.Node) { broadcasts++ }

	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()
	broadcasts = 0

	if ok := f.mgr.HandleLocationEventToXYZ(1, 0, 0, 9e9); ok {
		t.Error("out-of-range event accepted")
	}
	if broadcasts != 0 {
		t.Errorf("broadcast issued for invalid event")
	}
}

func TestUnknownNemInboundEvent(t *testing.T) {
	f := newFixture(t)
	if ok := f.mgr.HandleLocationEventToXYZ(99, 47.5, -122.1, 2); ok {
		t.Error("event for unknown NEM accepted")
	}
}

func TestLocationRoundTrip(t *testing.T) {
	f := newFixture(t)
	_, iface2, _ := f.twoNodeNetwork(t)
	n2 := f.sess.GetNode(2)
	n2.Position().Set(100, 200, 3)

	broadcasts := 0
	f.sess.OnNodeUpdate = func(n node.Node) { broadcasts++ }

	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	pos, ok := f.mgr.GetNemPosition(iface2)
	if !ok {
		t.Fatal("nem position unknown after startup")
	}
	if pos.NemID != 1 {
		t.Errorf("nem id = %d, want 1", pos.NemID)
	}

	broadcasts = 0
	if ok := f.mgr.HandleLocationEventToXYZ(pos.NemID, pos.Lat, pos.Lon, float64(pos.Alt)); !ok {
		t.Fatal("round-trip event rejected")
	}
	if broadcasts != 1 {
		t.Errorf("broadcasts = %d, want 1", broadcasts)
	}

	x, y, z := n2.Position().Get()
	if math.Abs(x-100) > 1 || math.Abs(y-200) > 1 || math.Abs(z-3) > 1 {
		t.Errorf("round trip drifted: (%v, %v, %v), want ~(100, 200, 3)", x, y, z)
	}
}

func TestAltitudeOverride(t *testing.T) {
	f := newFixture(t)
	_, iface2, _ := f.twoNodeNetwork(t)
	n2 := f.sess.GetNode(2)
	override := 500.0
	n2.Position().AltOverride = &override

	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	pos, ok := f.mgr.GetNemPosition(iface2)
	if !ok {
		t.Fatal("nem position unknown")
	}
	if pos.Alt != 500 {
		t.Errorf("altitude = %d, want override 500", pos.Alt)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)
	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}

	f.mgr.Shutdown()
	if kills := f.rec.matching("pkill -f"); len(kills) != 2 {
		t.Fatalf("expected 2 kill commands, got %v", kills)
	}
	count := len(f.rec.commands())

	f.mgr.Shutdown()
	if got := len(f.rec.commands()); got != count {
		t.Errorf("second shutdown issued %d external commands", got-count)
	}
}

func TestGetIfacesOrdering(t *testing.T) {
	f := newFixture(t)
	net := f.addNetwork(t, 10, "radio10", "rfpipe")
	n3 := f.addNode(t, 3, "n3")
	n2 := f.addNode(t, 2, "n2")
	// attach out of order
	net.AddIface(n3.NewIface(1, "eth1", nil))
	net.AddIface(n3.NewIface(0, "eth0", nil))
	net.AddIface(n2.NewIface(0, "eth0", nil))

	if _, err := f.mgr.Setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	handles := f.mgr.GetIfaces()
	want := []IfaceHandle{{2, 0}, {3, 0}, {3, 1}}
	if len(handles) != len(want) {
		t.Fatalf("handles = %v, want %v", handles, want)
	}
	for i := range want {
		if handles[i] != want[i] {
			t.Errorf("position %d: %v, want %v", i, handles[i], want[i])
		}
	}
}

func TestStartupMissingBindings(t *testing.T) {
	sess, err := session.New(1, t.TempDir())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	rec := &recordRunner{}
	sess.ControlNets = session.NewControlNetManager(1, rec)
	mgr := NewManager(sess, DefaultRegistry(), nil)

	net := NewNetwork(10, "radio10")
	m, _ := DefaultRegistry().Get("rfpipe")
	net.SetModel(m, m.DefaultValues())
	sess.AddRadioNetwork(net)

	_, err = mgr.Startup()
	if !errors.Is(err, util.ErrMissingBindings) {
		t.Fatalf("expected ErrMissingBindings, got %v", err)
	}
}

func TestSetupMissingNodeModel(t *testing.T) {
	f := newFixture(t)
	f.addNetwork(t, 10, "radio10", "") // no model, no pre-declaration
	_, err := f.mgr.Setup()
	if !errors.Is(err, util.ErrMissingNodeModel) {
		t.Fatalf("expected ErrMissingNodeModel, got %v", err)
	}
}

func TestSetupAdoptsPredeclaredModel(t *testing.T) {
	f := newFixture(t)
	net := f.addNetwork(t, 10, "radio10", "")
	if err := f.mgr.SetNodeModel(10, "rfpipe"); err != nil {
		t.Fatalf("set node model: %v", err)
	}
	result, err := f.mgr.Setup()
	if err != nil || result != SetupSuccess {
		t.Fatalf("setup: %v %v", result, err)
	}
	if net.Model() == nil || net.Model().Name() != "rfpipe" {
		t.Errorf("network did not adopt pre-declared model")
	}
}

func TestPositionHookDispatchesThroughSession(t *testing.T) {
	f := newFixture(t)
	_, iface2, _ := f.twoNodeNetwork(t)

	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	if f.sess.OnPositionUpdate == nil {
		t.Fatal("position listener not installed on startup")
	}

	// the hook reaches the manager only via the session listener
	var updates []int
	f.sess.OnPositionUpdate = func(nemID int) { updates = append(updates, nemID) }
	iface2.SetPosition()
	if len(updates) != 1 || updates[0] != 1 {
		t.Errorf("updates = %v, want [1]", updates)
	}

	// shutdown severs the dispatch path and the hooks
	f.mgr.Shutdown()
	if f.sess.OnPositionUpdate != nil {
		t.Error("position listener survived shutdown")
	}
	updates = nil
	iface2.SetPosition()
	if len(updates) != 0 {
		t.Errorf("hook fired after shutdown: %v", updates)
	}
}

func TestGetNemPositionUnknown(t *testing.T) {
	f := newFixture(t)
	n2 := f.addNode(t, 2, "n2")
	iface := n2.NewIface(0, "eth0", nil)
	if _, ok := f.mgr.GetNemPosition(iface); ok {
		t.Error("position reported for unassigned NEM")
	}
}

func TestResetClearsBothMappings(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)
	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}

	f.mgr.Reset()
	nems, ifaces := f.mgr.NemMappings()
	if len(nems) != 0 || len(ifaces) != 0 {
		t.Errorf("mappings survived reset: %v %v", nems, ifaces)
	}

	// ids are reusable after reset
	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("second startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()
	nems, _ = f.mgr.NemMappings()
	if _, ok := nems[1]; !ok {
		t.Errorf("nem 1 not reallocated after reset: %v", nems)
	}
}

func TestDaemonRunning(t *testing.T) {
	f := newFixture(t)
	n2 := f.addNode(t, 2, "n2")
	if !f.mgr.DaemonRunning(n2) {
		t.Error("daemon reported dead with passing probe")
	}
	f.rec.failSubst = append(f.rec.failSubst, "pkill -0")
	if f.mgr.DaemonRunning(n2) {
		t.Error("daemon reported alive with failing probe")
	}
}

func TestPlatformXMLWritten(t *testing.T) {
	f := newFixture(t)
	f.twoNodeNetwork(t)
	if result, err := f.mgr.Startup(); err != nil || result != SetupSuccess {
		t.Fatalf("startup: %v %v", result, err)
	}
	defer f.mgr.Shutdown()

	path := filepath.Join(f.sess.NodeDir("n2"), "platform-eth0.xml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read platform xml: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `id="1"`) {
		t.Errorf("platform xml missing nem id: %s", content)
	}
	if !strings.Contains(content, "47001") {
		t.Errorf("platform xml missing nem port: %s", content)
	}
}
