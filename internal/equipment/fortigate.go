package equipment

import (
	"lsfw/internal/engine"
	"lsfw/internal/model"
	"lsfw/internal/probe"
	"lsfw/internal/topology"
)

// FortiGate filters with ordered policies: the first matching policy decides
// and unmatched traffic is denied. Policies are checked once per crossing,
// when the egress interface is known.
type FortiGate struct {
	Device
	eval *engine.Evaluator
}

func NewFortiGate(name string, arena *topology.Arena) *FortiGate {
	f := &FortiGate{Device: newDevice(name, "fortigate", arena)}
	f.eval = engine.NewEvaluator(name, engine.FirstMatch, nil, arena)
	f.filter = f
	return f
}

func (f *FortiGate) Filter(link *topology.Link, dir model.Direction, p *probe.Probe) error {
	if dir != model.Out {
		return nil
	}
	return f.eval.Filter(link, dir, p)
}

// SetPolicies compiles the enabled policies in priority order.
func (f *FortiGate) SetPolicies(policies []model.Policy) error {
	rules, err := engine.CompilePolicies(policies)
	if err != nil {
		return err
	}
	f.eval.Rules = rules
	return nil
}

func (f *FortiGate) SetRules(rules []model.Rule) { f.eval.Rules = rules }

func (f *FortiGate) Rules() []model.Rule { return f.eval.Rules }
