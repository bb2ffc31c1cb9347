package engine

import (
	"fmt"
	"sort"
	"strings"

	"lsfw/internal/model"
	"lsfw/internal/spec"
)

// CompilePolicies turns enabled FortiGate object policies into rules,
// ordered by priority. The rules are meant for a FirstMatch evaluator on the
// egress direction.
func CompilePolicies(policies []model.Policy) ([]model.Rule, error) {
	sorted := make([]model.Policy, len(policies))
	copy(sorted, policies)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	rules := make([]model.Rule, 0, len(sorted))
	for i := range sorted {
		policy := &sorted[i]
		if !policy.Enabled {
			continue
		}
		rule, err := CompilePolicy(policy)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// CompilePolicy converts a single policy, enabled or not.
func CompilePolicy(policy *model.Policy) (model.Rule, error) {
	action, ok := model.ParseAction(policy.Action)
	if !ok || action == model.ActionMatch {
		return model.Rule{}, fmt.Errorf("policy %s: unknown action %q", policy.ID, policy.Action)
	}
	src, err := addrSpec(policy.SrcAddrs)
	if err != nil {
		return model.Rule{}, fmt.Errorf("policy %s: srcaddr: %w", policy.ID, err)
	}
	dst, err := addrSpec(policy.DstAddrs)
	if err != nil {
		return model.Rule{}, fmt.Errorf("policy %s: dstaddr: %w", policy.ID, err)
	}
	return model.Rule{
		ID:        policy.ID,
		Text:      policyText(policy),
		Action:    action,
		Direction: model.Out,
		SrcIntf:   policy.SrcIntf,
		DstIntf:   policy.DstIntf,
		Src:       src,
		Dst:       dst,
		Services:  services(policy.Services),
	}, nil
}

// addrSpec unions the resolved address objects. Objects without a usable
// range, such as unresolved FQDNs, match nothing.
func addrSpec(addrs []*model.AddressObject) (spec.IPSpec, error) {
	var ranges []spec.IPRange
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		if strings.EqualFold(addr.Name, "all") {
			return spec.AnyIP, nil
		}
		if addr.Range.IsValid() {
			ranges = append(ranges, addr.Range)
		}
	}
	if len(ranges) == 0 {
		return spec.NoIP(), nil
	}
	return spec.NewIPSpec(false, ranges...)
}

func services(svcs []*model.ServiceObject) []model.Service {
	var out []model.Service
	for _, svc := range svcs {
		if svc == nil {
			continue
		}
		if strings.EqualFold(svc.Name, "all") && svc.Protocol == "" {
			return nil
		}
		protos := spec.AnyProto
		if n := svc.Protocol.Number(); n >= 0 {
			protos = spec.NewProtoSet(n)
		}
		out = append(out, model.Service{
			Protocols: protos,
			SrcPort:   svc.SrcPorts,
			DstPort:   svc.Ports,
			ICMP:      svc.ICMP,
		})
	}
	if len(out) == 0 {
		// nothing resolved: match no traffic
		return []model.Service{{Protocols: spec.NewProtoSet()}}
	}
	return out
}

func policyText(p *model.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "policy %s", p.ID)
	if p.Name != "" {
		fmt.Fprintf(&b, " %q", p.Name)
	}
	if len(p.SrcIntf) > 0 || len(p.DstIntf) > 0 {
		fmt.Fprintf(&b, " %s->%s", strings.Join(p.SrcIntf, ","), strings.Join(p.DstIntf, ","))
	}
	fmt.Fprintf(&b, " src=%s dst=%s svc=%s %s",
		strings.Join(p.RawSrcAddrNames, ","),
		strings.Join(p.RawDstAddrNames, ","),
		strings.Join(p.RawSvcNames, ","),
		p.Action)
	return b.String()
}
