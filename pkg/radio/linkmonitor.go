package radio

import (
	"time"

	"github.com/radionet-labs/radionet/pkg/session"
	"github.com/radionet-labs/radionet/pkg/util"
)

const (
	linkPollInterval = 2 * time.Second
	linkJoinWait     = time.Second
)

// nemPair orders two NEM ids, low first.
type nemPair struct {
	a, b int
}

func makeNemPair(n1, n2 int) nemPair {
	if n1 > n2 {
		n1, n2 = n2, n1
	}
	return nemPair{a: n1, b: n2}
}

// LinkMonitor periodically probes radio link state between NEM pairs and
// broadcasts link-change records through the session. It runs only when the
// link_enabled option is set.
type LinkMonitor struct {
	mgr *Manager

	stop  chan struct{}
	done  chan struct{}
	links map[nemPair]bool
}

func newLinkMonitor(mgr *Manager) *LinkMonitor {
	return &LinkMonitor{mgr: mgr}
}

// Start launches the monitor worker. Safe to call when already running.
func (lm *LinkMonitor) Start() {
	if lm.stop != nil {
		return
	}
	lm.stop = make(chan struct{})
	lm.done = make(chan struct{})
	lm.links = make(map[nemPair]bool)
	go lm.run(lm.stop, lm.done)
}

// Stop terminates the worker and joins it within one second.
func (lm *LinkMonitor) Stop() {
	if lm.stop == nil {
		return
	}
	close(lm.stop)
	select {
	case <-lm.done:
	case <-time.After(linkJoinWait):
		util.Logger.Warn("radio: link monitor did not stop in time")
	}
	lm.stop, lm.done = nil, nil
}

func (lm *LinkMonitor) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(linkPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			lm.scan()
		}
	}
}

// scan probes every same-network NEM pair and broadcasts transitions.
func (lm *LinkMonitor) scan() {
	for _, pair := range lm.mgr.nemPairs() {
		up := lm.mgr.probeNemLink(pair.a, pair.b)
		if up == lm.links[pair] {
			continue
		}
		lm.links[pair] = up
		flags := session.FlagAdd
		if !up {
			flags = session.FlagDelete
		}
		data := lm.mgr.GetNemLink(pair.a, pair.b, flags)
		if data == nil {
			continue
		}
		lm.mgr.session.BroadcastLink(*data)
	}
}
