package engine

import (
	"fmt"
	"strings"

	"lsfw/internal/fwresult"
	"lsfw/internal/model"
	"lsfw/internal/probe"
	"lsfw/internal/spec"
	"lsfw/internal/topology"
)

// Mode selects how the decision of a rule list is reached.
type Mode int

const (
	// LastMatch starts from accept and lets the last matching rule decide,
	// unless a quick rule matched before it.
	LastMatch Mode = iota
	// FirstMatch lets the first matching rule decide and denies otherwise.
	FirstMatch
)

func (m Mode) String() string {
	if m == FirstMatch {
		return "first-match"
	}
	return "last-match"
}

// LinkResolver gives access to the links a probe refers to by id.
type LinkResolver interface {
	Link(id topology.LinkID) *topology.Link
}

type Evaluator struct {
	Name  string
	Mode  Mode
	Rules []model.Rule
	links LinkResolver
}

func NewEvaluator(name string, mode Mode, rules []model.Rule, links LinkResolver) *Evaluator {
	return &Evaluator{Name: name, Mode: mode, Rules: rules, links: links}
}

// Filter evaluates the rules for a probe crossing link in direction dir. Every
// matching rule is logged on the probe and one decision is set for the
// direction: the reduction of the outcomes that still apply once the rule
// list is exhausted. Partial matches qualify their outcome with MAY.
func (e *Evaluator) Filter(link *topology.Link, dir model.Direction, p *probe.Probe) error {
	if link == nil {
		return fmt.Errorf("%s: filtering on an unknown link", e.Name)
	}
	var active []fwresult.FwResult
	if e.Mode == LastMatch {
		active = append(active, fwresult.Accept)
	}
	// outcomes of quick rules matching part of the flow; later rules cannot
	// override them
	var settled []fwresult.FwResult
	decided := false
	for i := range e.Rules {
		rule := &e.Rules[i]
		m, err := e.Match(rule, link, dir, p)
		if err != nil {
			return err
		}
		if m == spec.MatchNot {
			continue
		}
		res, err := outcome(rule, m)
		if err != nil {
			return err
		}
		p.Results.Log(dir, ruleText(rule), res)

		if rule.Action == model.ActionMatch {
			active = append(active, res)
			continue
		}
		switch {
		case m == spec.MatchPartial && e.Mode == LastMatch && rule.Quick:
			settled = append(settled, res)
		case m == spec.MatchPartial:
			active = append(active, res)
		case e.Mode == FirstMatch:
			active = append(active, res)
			decided = true
		default:
			active = append(active[:0], res)
			decided = rule.Quick
		}
		if decided {
			break
		}
	}
	if e.Mode == FirstMatch && !decided {
		active = append(active, fwresult.Deny)
		p.Results.Log(dir, "implicit deny", fwresult.Deny)
	}
	p.Results.Decide(dir, e.Name, fwresult.Reduce(append(active, settled...)))
	return nil
}

func outcome(rule *model.Rule, m spec.Match) (fwresult.FwResult, error) {
	var res fwresult.FwResult
	switch rule.Action {
	case model.ActionAccept:
		res = fwresult.Accept
	case model.ActionDeny:
		res = fwresult.Deny
	case model.ActionMatch:
		res = fwresult.Match
	default:
		return 0, fmt.Errorf("rule %s: unknown action %q", ruleText(rule), rule.Action)
	}
	if m == spec.MatchPartial {
		res |= fwresult.May
	}
	return res, nil
}

// Match tells how a rule applies to the flows of a probe crossing link in
// direction dir.
func (e *Evaluator) Match(rule *model.Rule, link *topology.Link, dir model.Direction, p *probe.Probe) (spec.Match, error) {
	if rule.Direction != "" && rule.Direction != model.Any && rule.Direction != dir {
		return spec.MatchNot, nil
	}
	if len(rule.On) > 0 && !matchIntf(rule.On, link.Interface) {
		return spec.MatchNot, nil
	}
	m := spec.MatchAll
	if len(rule.SrcIntf) > 0 {
		in := link
		if dir == model.Out {
			if in = e.resolve(p.InLink); in == nil {
				return spec.MatchNot, fmt.Errorf("rule %s: unknown ingress link %d", ruleText(rule), p.InLink)
			}
		}
		if !matchIntf(rule.SrcIntf, in.Interface) {
			return spec.MatchNot, nil
		}
	}
	if len(rule.DstIntf) > 0 {
		out := link
		if dir == model.In {
			out = e.resolve(p.OutLink)
		}
		switch {
		case out == nil && dir == model.In:
			// not routed yet
			m = spec.MatchPartial
		case out == nil || !matchIntf(rule.DstIntf, out.Interface):
			return spec.MatchNot, nil
		}
	}

	flow := p.Flow
	if m = m.And(rule.Src.Matches(flow.Src)); m == spec.MatchNot {
		return m, nil
	}
	if m = m.And(rule.Dst.Matches(flow.Dst)); m == spec.MatchNot {
		return m, nil
	}
	m = m.And(matchServices(rule.Services, flow))
	return m.And(rule.Flags.Matches(flow.Flags)), nil
}

func (e *Evaluator) resolve(id topology.LinkID) *topology.Link {
	if e.links == nil {
		return nil
	}
	return e.links.Link(id)
}

// matchServices returns the best match among the alternatives of a rule.
func matchServices(services []model.Service, flow probe.Flow) spec.Match {
	if len(services) == 0 {
		return spec.MatchAll
	}
	best := spec.MatchNot
	for _, s := range services {
		m := s.Protocols.Matches(flow.Protocols).
			And(s.SrcPort.Matches(flow.SrcPort)).
			And(s.DstPort.Matches(flow.DstPort)).
			And(s.ICMP.Matches(flow.ICMP))
		best = best.Or(m)
		if best == spec.MatchAll {
			break
		}
	}
	return best
}

func matchIntf(names []string, iface string) bool {
	for _, n := range names {
		if n == iface || strings.EqualFold(n, "any") || strings.EqualFold(n, "all") {
			return true
		}
	}
	return false
}

func ruleText(rule *model.Rule) string {
	if rule.Text != "" {
		return rule.Text
	}
	return rule.ID
}
