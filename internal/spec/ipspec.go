package spec

import (
	"fmt"
	"strings"

	"go4.org/netipx"
)

// IPSpec is the address constraint of a rule: the union of a list of ranges,
// optionally negated. An IPSpec with no range is "any".
type IPSpec struct {
	set    *netipx.IPSet
	ranges []IPRange
	negate bool
}

// AnyIP matches every address of both families.
var AnyIP = IPSpec{}

// NoIP matches no address.
func NoIP() IPSpec {
	var b netipx.IPSetBuilder
	set, _ := b.IPSet()
	return IPSpec{set: set}
}

// NewIPSpec builds the union of the given ranges.
func NewIPSpec(negate bool, ranges ...IPRange) (IPSpec, error) {
	if len(ranges) == 0 {
		return IPSpec{negate: negate}, nil
	}
	var b netipx.IPSetBuilder
	for _, r := range ranges {
		if !r.IsValid() {
			return IPSpec{}, fmt.Errorf("invalid range in address list")
		}
		b.AddRange(r.Raw())
	}
	set, err := b.IPSet()
	if err != nil {
		return IPSpec{}, fmt.Errorf("building address set: %w", err)
	}
	return IPSpec{set: set, ranges: append([]IPRange(nil), ranges...), negate: negate}, nil
}

// ParseIPSpec parses a list of addresses where "any" stands for every
// address and a leading "!" on the first entry negates the whole list.
func ParseIPSpec(items []string) (IPSpec, error) {
	var (
		ranges []IPRange
		negate bool
	)
	for i, item := range items {
		item = strings.TrimSpace(item)
		if i == 0 && strings.HasPrefix(item, "!") {
			negate = true
			item = strings.TrimSpace(item[1:])
		}
		if strings.EqualFold(item, "any") || strings.EqualFold(item, "all") {
			return IPSpec{negate: negate}, nil
		}
		r, err := ParseIPRange(item)
		if err != nil {
			return IPSpec{}, err
		}
		ranges = append(ranges, r)
	}
	return NewIPSpec(negate, ranges...)
}

func (s IPSpec) IsAny() bool { return s.set == nil && !s.negate }

func (s IPSpec) Ranges() []IPRange { return s.ranges }

// Matches reports how a candidate range relates to the address constraint.
func (s IPSpec) Matches(candidate IPRange) Match {
	if !candidate.IsValid() {
		return MatchNot
	}
	var m Match
	if s.set == nil {
		m = MatchAll
	} else {
		m = Relation(s.set.ContainsRange(candidate.Raw()), s.set.OverlapsRange(candidate.Raw()))
	}
	if s.negate {
		return m.Invert()
	}
	return m
}

func (s IPSpec) String() string {
	var b strings.Builder
	if s.negate {
		b.WriteString("!")
	}
	if s.set == nil {
		b.WriteString("any")
		return b.String()
	}
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		parts = append(parts, r.String())
	}
	switch len(parts) {
	case 0:
		b.WriteString("none")
	case 1:
		b.WriteString(parts[0])
	default:
		b.WriteString("{" + strings.Join(parts, ", ") + "}")
	}
	return b.String()
}

func (s IPSpec) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
