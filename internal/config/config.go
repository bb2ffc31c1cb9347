// Package config loads a lab description: the devices, their interfaces,
// routes and filtering rules, and the simulation defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"lsfw/internal/engine"
	"lsfw/internal/equipment"
	"lsfw/internal/model"
	"lsfw/internal/parser"
	"lsfw/internal/route"
	"lsfw/internal/spec"
	"lsfw/internal/topology"
	"lsfw/pkg/wellknown"
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrUnknownDeviceType = errors.New("unknown device type")
	ErrDuplicateDevice   = errors.New("duplicate device")
	ErrUnknownInterface  = errors.New("unknown interface")
)

type File struct {
	Simulation Simulation     `yaml:"simulation"`
	Devices    []DeviceConfig `yaml:"devices"`
}

// Simulation holds the analysis defaults. Zero values leave the defaults of
// the monitor in place.
type Simulation struct {
	TTL       int   `yaml:"ttl"`
	MaxProbes int64 `yaml:"max_probes"`
	MaxDepth  int   `yaml:"max_depth"`
	Parallel  bool  `yaml:"parallel"`
}

type DeviceConfig struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Interfaces   []InterfaceConfig `yaml:"interfaces"`
	Routes       []RouteConfig     `yaml:"routes"`
	SourceRoutes []RouteConfig     `yaml:"source_routes"`
	Rules        []RuleConfig      `yaml:"rules"`
	RulesFile    string            `yaml:"rules_file"`
	RulesDB      string            `yaml:"rules_db"`
	RulesDBFab   string            `yaml:"rules_db_fab"`
}

type InterfaceConfig struct {
	Name  string       `yaml:"name"`
	Links []LinkConfig `yaml:"links"`
}

type LinkConfig struct {
	Address  string `yaml:"address"`
	Border   bool   `yaml:"border"`
	Loopback bool   `yaml:"loopback"`
}

type RouteConfig struct {
	Destination string `yaml:"destination"`
	NextHop     string `yaml:"nexthop"`
	Interface   string `yaml:"interface"`
	Metric      int    `yaml:"metric"`
}

// RuleConfig is a pf style rule.
type RuleConfig struct {
	Label     string   `yaml:"label"`
	Action    string   `yaml:"action"`
	Direction string   `yaml:"direction"`
	Quick     bool     `yaml:"quick"`
	On        []string `yaml:"on"`
	Proto     []string `yaml:"proto"`
	From      []string `yaml:"from"`
	FromPort  string   `yaml:"from_port"`
	To        []string `yaml:"to"`
	ToPort    string   `yaml:"to_port"`
	Flags     string   `yaml:"flags"`
	ICMPType  string   `yaml:"icmp_type"`
}

// Device is the view of a simulated device the loader configures.
type Device interface {
	equipment.Equipment
	AddLink(iface, cidr string, border, loopback bool) (topology.LinkID, error)
	SetRules(rules []model.Rule)
}

// Lab is a loaded description, ready to be analyzed.
type Lab struct {
	Arena      *topology.Arena
	Devices    []equipment.Equipment
	Simulation Simulation
}

// Device returns the device with the given name.
func (l *Lab) Device(name string) (equipment.Equipment, error) {
	for _, d := range l.Devices {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
}

// loadPolicyDB reads the policies of a fab from MariaDB. Tests replace it.
var loadPolicyDB = func(ctx context.Context, dsn, fab string, reg *wellknown.Registry) ([]model.Policy, error) {
	p, err := parser.NewMariaDBParser(dsn, fab, reg)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	if err := p.Parse(ctx); err != nil {
		return nil, err
	}
	return p.Policies, nil
}

// Load reads a lab file. Relative rule files are resolved against the
// directory of the lab file.
func Load(path string, reg *wellknown.Registry) (*Lab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, filepath.Dir(path), reg)
}

func Parse(r io.Reader, baseDir string, reg *wellknown.Registry) (*Lab, error) {
	var file File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode lab description: %w", err)
	}

	lab := &Lab{Arena: topology.NewArena(), Simulation: file.Simulation}
	seen := make(map[string]bool)
	for i := range file.Devices {
		dc := &file.Devices[i]
		if dc.Name == "" {
			return nil, fmt.Errorf("device #%d: missing name", i+1)
		}
		if seen[dc.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, dc.Name)
		}
		seen[dc.Name] = true

		dev, err := buildDevice(lab.Arena, dc, baseDir, reg)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		lab.Devices = append(lab.Devices, dev)
	}
	slog.Debug("Lab loaded", "devices", len(lab.Devices), "links", len(lab.Arena.Links()))
	return lab, nil
}

func buildDevice(arena *topology.Arena, dc *DeviceConfig, baseDir string, reg *wellknown.Registry) (Device, error) {
	var dev Device
	switch strings.ToLower(dc.Type) {
	case "", "router", "pf":
		if dc.RulesFile != "" || dc.RulesDB != "" {
			return nil, fmt.Errorf("policy files and databases need a fortigate device")
		}
		dev = equipment.NewRouter(dc.Name, arena)
	case "fortigate":
		dev = equipment.NewFortiGate(dc.Name, arena)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDeviceType, dc.Type)
	}

	for _, ic := range dc.Interfaces {
		for _, lc := range ic.Links {
			if _, err := dev.AddLink(ic.Name, lc.Address, lc.Border, lc.Loopback); err != nil {
				return nil, err
			}
		}
	}

	for _, rc := range dc.Routes {
		rt, err := buildRoute(dev, rc)
		if err != nil {
			return nil, err
		}
		dev.Routes().Add(rt)
	}
	for _, rc := range dc.SourceRoutes {
		rt, err := buildRoute(dev, rc)
		if err != nil {
			return nil, err
		}
		dev.Routes().AddSource(rt)
	}

	rules, err := buildRules(dc, baseDir, reg)
	if err != nil {
		return nil, err
	}
	dev.SetRules(rules)
	return dev, nil
}

func buildRoute(dev Device, rc RouteConfig) (route.Route, error) {
	dst, err := spec.ParseIPRange(rc.Destination)
	if err != nil {
		return route.Route{}, fmt.Errorf("route %q: %w", rc.Destination, err)
	}
	rt := route.Route{Destination: dst, Device: dev.Name(), Metric: rc.Metric}
	if rc.NextHop != "" {
		if rt.NextHop, err = netip.ParseAddr(rc.NextHop); err != nil {
			return route.Route{}, fmt.Errorf("route %s: invalid next hop: %w", rc.Destination, err)
		}
		rt.NextHop = rt.NextHop.Unmap()
	}
	if rc.Interface != "" {
		link, err := interfaceLink(dev, rc.Interface, rt.NextHop)
		if err != nil {
			return route.Route{}, fmt.Errorf("route %s: %w", rc.Destination, err)
		}
		rt.Link = link
	}
	return rt, nil
}

// interfaceLink picks the link of an interface a route leaves through: the
// one holding the next hop, else the first one.
func interfaceLink(dev Device, name string, nextHop netip.Addr) (topology.LinkID, error) {
	for _, in := range dev.Interfaces() {
		if in.Name != name || len(in.Links) == 0 {
			continue
		}
		if nextHop.IsValid() {
			for _, id := range in.Links {
				if l := linkOf(dev, id); l != nil && l.Network.Contains(nextHop) {
					return id, nil
				}
			}
		}
		return in.Links[0], nil
	}
	return topology.NoLink, fmt.Errorf("%w: %s", ErrUnknownInterface, name)
}

func linkOf(dev Device, id topology.LinkID) *topology.Link {
	for _, l := range dev.Links() {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func buildRules(dc *DeviceConfig, baseDir string, reg *wellknown.Registry) ([]model.Rule, error) {
	sources := 0
	for _, set := range []bool{len(dc.Rules) > 0, dc.RulesFile != "", dc.RulesDB != ""} {
		if set {
			sources++
		}
	}
	if sources > 1 {
		return nil, fmt.Errorf("rules, rules_file and rules_db are exclusive")
	}

	var policies []model.Policy
	switch {
	case dc.RulesFile != "":
		path := dc.RulesFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		p := parser.NewFortiGateParser(f, reg)
		if err := p.Parse(); err != nil {
			return nil, fmt.Errorf("rules_file %s: %w", dc.RulesFile, err)
		}
		policies = p.Policies
	case dc.RulesDB != "":
		var err error
		if policies, err = loadPolicyDB(context.Background(), dc.RulesDB, dc.RulesDBFab, reg); err != nil {
			return nil, fmt.Errorf("rules_db: %w", err)
		}
	default:
		rules := make([]model.Rule, 0, len(dc.Rules))
		for i, rc := range dc.Rules {
			rule, err := rc.Rule(reg)
			if err != nil {
				return nil, fmt.Errorf("rule #%d: %w", i+1, err)
			}
			if rule.ID == "" {
				rule.ID = fmt.Sprintf("%s#%d", dc.Name, i+1)
			}
			rules = append(rules, rule)
		}
		return rules, nil
	}

	slog.Info("Loaded policies", "device", dc.Name, "count", len(policies))
	return engine.CompilePolicies(policies)
}
