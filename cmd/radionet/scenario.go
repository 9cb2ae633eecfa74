package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/radionet-labs/radionet/pkg/node"
	"github.com/radionet-labs/radionet/pkg/radio"
	"github.com/radionet-labs/radionet/pkg/session"
)

// Scenario describes one emulation session: nodes, radio networks, and
// option overrides.
type Scenario struct {
	Session struct {
		ID  int    `yaml:"id"`
		Dir string `yaml:"dir"`
	} `yaml:"session"`
	Options       map[string]string `yaml:"options"`
	MetricsListen string            `yaml:"metrics_listen"`

	Nodes []struct {
		ID      int     `yaml:"id"`
		Name    string  `yaml:"name"`
		Image   string  `yaml:"image"`
		Host    string  `yaml:"host"` // remote host:port, empty = local
		SSHUser string  `yaml:"ssh_user"`
		SSHPass string  `yaml:"ssh_pass"`
		X       float64 `yaml:"x"`
		Y       float64 `yaml:"y"`
		Z       float64 `yaml:"z"`
	} `yaml:"nodes"`

	Networks []struct {
		ID     int               `yaml:"id"`
		Name   string            `yaml:"name"`
		Model  string            `yaml:"model"`
		Config map[string]string `yaml:"config"`

		Interfaces []struct {
			Node  int      `yaml:"node"`
			Iface int      `yaml:"iface"`
			Name  string   `yaml:"name"`
			IPs   []string `yaml:"ips"`
		} `yaml:"interfaces"`
	} `yaml:"networks"`
}

// LoadScenario reads and parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Session.Dir == "" {
		sc.Session.Dir = fmt.Sprintf("/tmp/radionet.%d", sc.Session.ID)
	}
	return &sc, nil
}

// Build materializes the scenario into a session and a radio manager.
func (sc *Scenario) Build(registry *radio.Registry, bindings *radio.Bindings) (*session.Session, *radio.Manager, error) {
	sess, err := session.New(sc.Session.ID, sc.Session.Dir)
	if err != nil {
		return nil, nil, err
	}
	for name, value := range sc.Options {
		sess.Options.Set(name, value)
	}

	nodes := make(map[int]*node.ContainerNode)
	for _, nc := range sc.Nodes {
		var runner node.Runner = node.LocalRunner{}
		if nc.Host != "" {
			user := nc.SSHUser
			if user == "" {
				user = "root"
			}
			runner = &node.SSHRunner{Addr: nc.Host, User: user, Password: nc.SSHPass}
		}
		n := node.NewContainerNode(nc.ID, nc.Name, nc.Image, sess.NodeDir(nc.Name), runner)
		n.Position().Set(nc.X, nc.Y, nc.Z)
		sess.AddNode(n)
		nodes[nc.ID] = n
	}

	mgr := radio.NewManager(sess, registry, bindings)

	for _, netCfg := range sc.Networks {
		net := radio.NewNetwork(netCfg.ID, netCfg.Name)
		if netCfg.Model != "" {
			model, err := registry.Get(netCfg.Model)
			if err != nil {
				return nil, nil, err
			}
			cfg, err := mgr.GetConfig(radio.NodeKey(netCfg.ID), netCfg.Model, true)
			if err != nil {
				return nil, nil, err
			}
			net.SetModel(model, cfg)
			if len(netCfg.Config) > 0 {
				if err := mgr.SetConfig(radio.NodeKey(netCfg.ID), netCfg.Model, netCfg.Config); err != nil {
					return nil, nil, err
				}
			}
		}
		for _, ic := range netCfg.Interfaces {
			n, ok := nodes[ic.Node]
			if !ok {
				return nil, nil, fmt.Errorf("network %s references unknown node %d", netCfg.Name, ic.Node)
			}
			iface := n.NewIface(ic.Iface, ic.Name, ic.IPs)
			net.AddIface(iface)
		}
		sess.AddRadioNetwork(net)
	}

	return sess, mgr, nil
}
