package config

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsfw/internal/equipment"
	"lsfw/internal/model"
	"lsfw/internal/spec"
	"lsfw/pkg/wellknown"
)

const twoRouters = `
simulation:
  ttl: 16
  max_probes: 500
devices:
  - name: r1
    type: router
    interfaces:
      - name: em0
        links:
          - address: 192.168.0.1/24
      - name: em1
        links:
          - address: 10.0.0.1/24
      - name: lo0
        links:
          - address: 127.0.0.1/8
            loopback: true
    routes:
      - destination: 192.168.1.0/24
        nexthop: 10.0.0.2
    rules:
      - action: block
        direction: in
        quick: true
        on: [em0]
        proto: [tcp]
        to: ["!192.168.1.0/24"]
        to_port: ">=1024"
        flags: S/SA
      - action: pass
        label: ssh
        proto: [tcp]
        to_port: ssh
  - name: r2
    interfaces:
      - name: em0
        links:
          - address: 10.0.0.2/24
      - name: em1
        links:
          - address: 192.168.1.1/24
            border: true
    routes:
      - destination: 192.168.0.0/24
        interface: em0
        nexthop: 10.0.0.1
        metric: 5
`

func testRegistry(t *testing.T) *wellknown.Registry {
	t.Helper()
	reg, err := wellknown.New()
	require.NoError(t, err)
	return reg
}

func TestParseTwoRouterLab(t *testing.T) {
	lab, err := Parse(strings.NewReader(twoRouters), ".", testRegistry(t))
	require.NoError(t, err)

	assert.Equal(t, Simulation{TTL: 16, MaxProbes: 500}, lab.Simulation)
	require.Len(t, lab.Devices, 2)
	assert.Len(t, lab.Arena.Links(), 5)

	r1, err := lab.Device("r1")
	require.NoError(t, err)
	assert.Equal(t, "router", r1.Kind())
	require.Len(t, r1.Interfaces(), 3)
	require.Len(t, r1.Routes().Routes(), 1)

	router, ok := r1.(*equipment.Router)
	require.True(t, ok)
	rules := router.Rules()
	require.Len(t, rules, 2)

	block := rules[0]
	assert.Equal(t, model.ActionDeny, block.Action)
	assert.Equal(t, model.In, block.Direction)
	assert.True(t, block.Quick)
	assert.Equal(t, []string{"em0"}, block.On)
	assert.Equal(t, "r1#1", block.ID)
	require.Len(t, block.Services, 1)
	assert.Equal(t, spec.PortGreaterEq(1024), block.Services[0].DstPort)
	assert.Equal(t, spec.MatchNot, block.Dst.Matches(spec.MustParseIPRange("192.168.1.7")))
	assert.Equal(t, "block in quick on em0 proto tcp from any to !192.168.1.0/24 port >=1024 flags S/SA", block.Text)

	ssh := rules[1]
	assert.Equal(t, "ssh", ssh.ID)
	assert.Equal(t, model.Any, ssh.Direction)
	assert.Equal(t, spec.PortEq(22), ssh.Services[0].DstPort)

	r2, err := lab.Device("r2")
	require.NoError(t, err)
	rt := r2.Routes().Routes()[0]
	assert.Equal(t, 5, rt.Metric)
	assert.Equal(t, r2.Interfaces()[0].Links[0], rt.Link)

	_, err = lab.Device("r3")
	assert.ErrorIs(t, err, ErrUnknownDevice)

	for _, d := range lab.Devices {
		require.NoError(t, d.Configure())
	}
}

func TestLoadResolvesRulesFileRelativeToLab(t *testing.T) {
	dir := t.TempDir()
	fwConf := strings.Join([]string{
		"config firewall policy",
		"edit 10",
		"set srcintf \"port1\"",
		"set dstintf \"port2\"",
		"set srcaddr \"all\"",
		"set dstaddr \"all\"",
		"set service \"SSH\"",
		"set action accept",
		"next",
		"edit 20",
		"set action accept",
		"set status disable",
		"next",
		"end",
	}, "\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fw.conf"), []byte(fwConf), 0o644))

	labYAML := `
devices:
  - name: fw
    type: fortigate
    interfaces:
      - name: port1
        links: [{address: 10.0.0.1/24}]
      - name: port2
        links: [{address: 10.0.1.1/24}]
    rules_file: fw.conf
`
	labPath := filepath.Join(dir, "lab.yaml")
	require.NoError(t, os.WriteFile(labPath, []byte(labYAML), 0o644))

	lab, err := Load(labPath, testRegistry(t))
	require.NoError(t, err)
	fw, err := lab.Device("fw")
	require.NoError(t, err)
	fgt, ok := fw.(*equipment.FortiGate)
	require.True(t, ok)
	require.Len(t, fgt.Rules(), 1, "disabled policies are dropped")
	assert.Equal(t, "10", fgt.Rules()[0].ID)
	assert.Equal(t, []string{"port2"}, fgt.Rules()[0].DstIntf)
}

func TestParseRulesDB(t *testing.T) {
	orig := loadPolicyDB
	t.Cleanup(func() { loadPolicyDB = orig })

	var gotDSN, gotFab string
	loadPolicyDB = func(_ context.Context, dsn, fab string, _ *wellknown.Registry) ([]model.Policy, error) {
		gotDSN, gotFab = dsn, fab
		return []model.Policy{{ID: "7", Action: "deny", Enabled: true}}, nil
	}

	labYAML := `
devices:
  - name: fw
    type: fortigate
    rules_db: "user:pw@tcp(db:3306)/fw"
    rules_db_fab: fab1
`
	lab, err := Parse(strings.NewReader(labYAML), ".", testRegistry(t))
	require.NoError(t, err)
	assert.Equal(t, "user:pw@tcp(db:3306)/fw", gotDSN)
	assert.Equal(t, "fab1", gotFab)
	assert.Len(t, lab.Devices[0].(*equipment.FortiGate).Rules(), 1)

	loadPolicyDB = func(context.Context, string, string, *wellknown.Registry) ([]model.Policy, error) {
		return nil, errors.New("connection refused")
	}
	_, err = Parse(strings.NewReader(labYAML), ".", testRegistry(t))
	assert.ErrorContains(t, err, "connection refused")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		err  error
		msg  string
	}{
		{
			name: "duplicate device",
			yaml: "devices:\n  - name: a\n  - name: a\n",
			err:  ErrDuplicateDevice,
		},
		{
			name: "unknown type",
			yaml: "devices:\n  - name: a\n    type: switch\n",
			err:  ErrUnknownDeviceType,
		},
		{
			name: "unknown route interface",
			yaml: "devices:\n  - name: a\n    routes:\n      - destination: 10.0.0.0/8\n        interface: em9\n",
			err:  ErrUnknownInterface,
		},
		{
			name: "invalid address",
			yaml: "devices:\n  - name: a\n    interfaces:\n      - name: em0\n        links: [{address: 10.0.0.300/24}]\n",
			msg:  "em0",
		},
		{
			name: "exclusive rule sources",
			yaml: "devices:\n  - name: a\n    type: fortigate\n    rules: [{action: pass}]\n    rules_file: fw.conf\n",
			msg:  "exclusive",
		},
		{
			name: "policy file on a router",
			yaml: "devices:\n  - name: a\n    rules_file: fw.conf\n",
			msg:  "fortigate",
		},
		{
			name: "bad rule",
			yaml: "devices:\n  - name: a\n    rules: [{action: pass, to_port: nosuchservice}]\n",
			msg:  "to_port",
		},
		{
			name: "unknown field",
			yaml: "devices:\n  - name: a\n    colour: blue\n",
			msg:  "colour",
		},
		{
			name: "missing name",
			yaml: "devices:\n  - type: router\n",
			msg:  "missing name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.yaml), ".", testRegistry(t))
			require.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
			if tt.msg != "" {
				assert.ErrorContains(t, err, tt.msg)
			}
		})
	}
}

func TestParseKeepsRouteWithoutTarget(t *testing.T) {
	l, err := Parse(strings.NewReader("devices:\n  - name: a\n    routes:\n      - destination: 10.0.0.0/8\n"), ".", testRegistry(t))
	require.NoError(t, err)
	require.Len(t, l.Devices, 1)

	dev := l.Devices[0]
	require.NoError(t, dev.Configure())
	require.Len(t, dev.Routes().Routes(), 1)
	assert.Empty(t, dev.Routes().GetRoutes(spec.RangeOfPrefix(netip.MustParsePrefix("10.1.0.0/16"))))
}

func TestRuleConfigActionsAndDirections(t *testing.T) {
	rule, err := RuleConfig{Action: "match", Direction: "out", Proto: []string{"1"}, ICMPType: "echoreq"}.Rule(nil)
	require.NoError(t, err)
	assert.Equal(t, model.ActionMatch, rule.Action)
	assert.Equal(t, model.Out, rule.Direction)
	require.Len(t, rule.Services, 1)
	assert.Equal(t, 8, rule.Services[0].ICMP.Type())

	rule, err = RuleConfig{Action: "pass"}.Rule(nil)
	require.NoError(t, err)
	assert.Nil(t, rule.Services)
	assert.True(t, rule.Src.IsAny())

	_, err = RuleConfig{Action: "nat"}.Rule(nil)
	assert.Error(t, err)
	_, err = RuleConfig{Action: "pass", Direction: "sideways"}.Rule(nil)
	assert.Error(t, err)
	_, err = RuleConfig{Action: "pass", Proto: []string{"tcp"}}.Rule(nil)
	assert.Error(t, err, "protocol names need a registry")
}
