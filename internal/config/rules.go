package config

import (
	"fmt"
	"strings"

	"lsfw/internal/model"
	"lsfw/internal/spec"
	"lsfw/pkg/wellknown"
)

// Rule converts the pf style rule. Names in ports and protocols resolve
// through the registry when one is given.
func (rc RuleConfig) Rule(reg *wellknown.Registry) (model.Rule, error) {
	action, ok := model.ParseAction(rc.Action)
	if !ok {
		return model.Rule{}, fmt.Errorf("unknown action %q", rc.Action)
	}
	dir := model.Any
	if rc.Direction != "" {
		if dir, ok = model.ParseDirection(rc.Direction); !ok {
			return model.Rule{}, fmt.Errorf("unknown direction %q", rc.Direction)
		}
	}

	var (
		portLookup  spec.ServiceLookup
		protoLookup spec.ProtocolLookup
	)
	if reg != nil {
		portLookup = reg.Port
		protoLookup = reg.Protocol
	}

	protos, err := spec.ParseProtoSet(rc.Proto, protoLookup)
	if err != nil {
		return model.Rule{}, fmt.Errorf("proto: %w", err)
	}
	src, err := spec.ParseIPSpec(rc.From)
	if err != nil {
		return model.Rule{}, fmt.Errorf("from: %w", err)
	}
	dst, err := spec.ParseIPSpec(rc.To)
	if err != nil {
		return model.Rule{}, fmt.Errorf("to: %w", err)
	}
	srcPort, err := spec.ParsePortSpec(rc.FromPort, portLookup)
	if err != nil {
		return model.Rule{}, fmt.Errorf("from_port: %w", err)
	}
	dstPort, err := spec.ParsePortSpec(rc.ToPort, portLookup)
	if err != nil {
		return model.Rule{}, fmt.Errorf("to_port: %w", err)
	}
	flags, err := spec.ParseTCPFlags(rc.Flags)
	if err != nil {
		return model.Rule{}, fmt.Errorf("flags: %w", err)
	}
	icmp, err := spec.ParseICMPSpec(rc.ICMPType)
	if err != nil {
		return model.Rule{}, fmt.Errorf("icmp_type: %w", err)
	}

	rule := model.Rule{
		ID:        rc.Label,
		Action:    action,
		Direction: dir,
		Quick:     rc.Quick,
		On:        rc.On,
		Src:       src,
		Dst:       dst,
		Flags:     flags,
	}
	if !protos.IsAny() || srcPort != spec.AnyPort || dstPort != spec.AnyPort || !icmp.IsAny() {
		rule.Services = []model.Service{{Protocols: protos, SrcPort: srcPort, DstPort: dstPort, ICMP: icmp}}
	}
	rule.Text = ruleText(rule)
	return rule, nil
}

// ruleText renders a rule the way pf prints it, e.g.
// "block in quick on em0 proto tcp from any to !10.0.0.0/8 port >=1024".
func ruleText(r model.Rule) string {
	var b strings.Builder
	b.WriteString(pfAction(r.Action))
	if r.Direction != model.Any {
		fmt.Fprintf(&b, " %s", r.Direction)
	}
	if r.Quick {
		b.WriteString(" quick")
	}
	if len(r.On) > 0 {
		fmt.Fprintf(&b, " on %s", strings.Join(r.On, ","))
	}
	var svc model.Service
	if len(r.Services) > 0 {
		svc = r.Services[0]
	}
	if !svc.Protocols.IsAny() {
		fmt.Fprintf(&b, " proto %s", svc.Protocols)
	}
	fmt.Fprintf(&b, " from %s", r.Src)
	if svc.SrcPort != spec.AnyPort {
		fmt.Fprintf(&b, " port %s", svc.SrcPort)
	}
	fmt.Fprintf(&b, " to %s", r.Dst)
	if svc.DstPort != spec.AnyPort {
		fmt.Fprintf(&b, " port %s", svc.DstPort)
	}
	if !svc.ICMP.IsAny() {
		fmt.Fprintf(&b, " icmp-type %s", svc.ICMP)
	}
	if !r.Flags.IsAny() {
		fmt.Fprintf(&b, " flags %s", r.Flags)
	}
	if r.ID != "" {
		fmt.Fprintf(&b, " label %q", r.ID)
	}
	return b.String()
}

func pfAction(a model.Action) string {
	switch a {
	case model.ActionAccept:
		return "pass"
	case model.ActionDeny:
		return "block"
	}
	return string(a)
}
