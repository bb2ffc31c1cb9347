package spec

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	MinPort = 0
	MaxPort = 65535
)

// PortOp is the operator of a port specification.
type PortOp int

const (
	PortAny PortOp = iota
	PortNone
	PortEQ
	PortNEQ
	PortRange
	PortGT
	PortGTE
	PortLT
	PortLTE
	PortExclude
)

var portOpNames = map[PortOp]string{
	PortAny:     "ANY",
	PortNone:    "NONE",
	PortEQ:      "EQ",
	PortNEQ:     "NEQ",
	PortRange:   "RANGE",
	PortGT:      "GT",
	PortGTE:     "GTE",
	PortLT:      "LT",
	PortLTE:     "LTE",
	PortExclude: "EXCLUDE",
}

func (o PortOp) String() string { return portOpNames[o] }

// PortSpec is a set of port values described by an operator and up to two
// bounds. The zero value is ANY.
type PortSpec struct {
	Op   PortOp
	Low  int
	High int
}

var (
	AnyPort  = PortSpec{Op: PortAny}
	NonePort = PortSpec{Op: PortNone}
)

func PortEq(p int) PortSpec           { return PortSpec{Op: PortEQ, Low: p} }
func PortNotEq(p int) PortSpec        { return PortSpec{Op: PortNEQ, Low: p} }
func PortBetween(a, b int) PortSpec   { return PortSpec{Op: PortRange, Low: a, High: b} }
func PortExcluding(a, b int) PortSpec { return PortSpec{Op: PortExclude, Low: a, High: b} }
func PortGreater(p int) PortSpec      { return PortSpec{Op: PortGT, Low: p} }
func PortGreaterEq(p int) PortSpec    { return PortSpec{Op: PortGTE, Low: p} }
func PortLess(p int) PortSpec         { return PortSpec{Op: PortLT, Low: p} }
func PortLessEq(p int) PortSpec       { return PortSpec{Op: PortLTE, Low: p} }

// ServiceLookup resolves a service name to a port, for specs such as "ssh".
type ServiceLookup func(name string) (int, bool)

// ParsePortSpec parses the port syntaxes found in rule languages: "any",
// "none", "80", "=80", "!=80", "80:90" and "80-90" (inclusive), "80><90"
// (exclusive), "80<>90" (outside), ">80", ">=80", "<80", "<=80". Single
// values may be service names when lookup is not nil.
func ParsePortSpec(s string, lookup ServiceLookup) (PortSpec, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "any", "all":
		return AnyPort, nil
	case "none":
		return NonePort, nil
	}
	if lookup != nil {
		if p, ok := lookup(s); ok {
			return PortEq(p), nil
		}
	}
	for _, sep := range []string{"><", "<>", ":", "-"} {
		if i := strings.Index(s, sep); i > 0 {
			a, err := parsePort(s[:i], lookup)
			if err != nil {
				return PortSpec{}, err
			}
			b, err := parsePort(s[i+len(sep):], lookup)
			if err != nil {
				return PortSpec{}, err
			}
			switch sep {
			case "><":
				if b-a < 2 {
					return NonePort, nil
				}
				return PortBetween(a+1, b-1), nil
			case "<>":
				return PortExcluding(a, b), nil
			default:
				if a > b {
					return PortSpec{}, fmt.Errorf("invalid port range %q", s)
				}
				return PortBetween(a, b), nil
			}
		}
	}
	for _, op := range []struct {
		prefix string
		op     PortOp
	}{
		{"!=", PortNEQ}, {">=", PortGTE}, {"<=", PortLTE}, {">", PortGT}, {"<", PortLT}, {"=", PortEQ},
	} {
		if strings.HasPrefix(s, op.prefix) {
			p, err := parsePort(s[len(op.prefix):], lookup)
			if err != nil {
				return PortSpec{}, err
			}
			return PortSpec{Op: op.op, Low: p}, nil
		}
	}
	p, err := parsePort(s, lookup)
	if err != nil {
		return PortSpec{}, err
	}
	return PortEq(p), nil
}

func parsePort(s string, lookup ServiceLookup) (int, error) {
	s = strings.TrimSpace(s)
	if p, err := strconv.Atoi(s); err == nil {
		if p < MinPort || p > MaxPort {
			return 0, fmt.Errorf("port %d out of range", p)
		}
		return p, nil
	}
	if lookup != nil {
		if p, ok := lookup(s); ok {
			return p, nil
		}
	}
	return 0, fmt.Errorf("invalid port %q", s)
}

type portInterval struct{ lo, hi int }

// intervals returns the sorted, disjoint intervals making up the set.
func (p PortSpec) intervals() []portInterval {
	clamp := func(in []portInterval) []portInterval {
		out := in[:0]
		for _, iv := range in {
			iv.lo = max(iv.lo, MinPort)
			iv.hi = min(iv.hi, MaxPort)
			if iv.lo <= iv.hi {
				out = append(out, iv)
			}
		}
		return out
	}
	switch p.Op {
	case PortAny:
		return []portInterval{{MinPort, MaxPort}}
	case PortNone:
		return nil
	case PortEQ:
		return clamp([]portInterval{{p.Low, p.Low}})
	case PortNEQ:
		return clamp([]portInterval{{MinPort, p.Low - 1}, {p.Low + 1, MaxPort}})
	case PortRange:
		return clamp([]portInterval{{p.Low, p.High}})
	case PortExclude:
		return clamp([]portInterval{{MinPort, p.Low - 1}, {p.High + 1, MaxPort}})
	case PortGT:
		return clamp([]portInterval{{p.Low + 1, MaxPort}})
	case PortGTE:
		return clamp([]portInterval{{p.Low, MaxPort}})
	case PortLT:
		return clamp([]portInterval{{MinPort, p.Low - 1}})
	case PortLTE:
		return clamp([]portInterval{{MinPort, p.Low}})
	}
	return nil
}

// Contains reports whether a single port belongs to the set.
func (p PortSpec) Contains(port int) bool {
	for _, iv := range p.intervals() {
		if port >= iv.lo && port <= iv.hi {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set holds no port.
func (p PortSpec) IsEmpty() bool { return len(p.intervals()) == 0 }

// Matches compares the candidate set against p. ANY matches everything and
// NONE matches nothing; otherwise the result is ALL when the candidate is a
// subset of p, MATCH when they overlap and NOT when disjoint.
func (p PortSpec) Matches(candidate PortSpec) Match {
	switch p.Op {
	case PortAny:
		return MatchAll
	case PortNone:
		return MatchNot
	}
	self := p.intervals()
	cand := candidate.intervals()
	if len(cand) == 0 || len(self) == 0 {
		return MatchNot
	}
	var covered, total int
	for _, c := range cand {
		total += c.hi - c.lo + 1
		for _, s := range self {
			lo, hi := max(c.lo, s.lo), min(c.hi, s.hi)
			if lo <= hi {
				covered += hi - lo + 1
			}
		}
	}
	return Relation(covered == total, covered > 0)
}

func (p PortSpec) String() string {
	switch p.Op {
	case PortAny:
		return "any"
	case PortNone:
		return "none"
	case PortEQ:
		return strconv.Itoa(p.Low)
	case PortNEQ:
		return "!=" + strconv.Itoa(p.Low)
	case PortRange:
		return fmt.Sprintf("%d:%d", p.Low, p.High)
	case PortExclude:
		return fmt.Sprintf("%d<>%d", p.Low, p.High)
	case PortGT:
		return ">" + strconv.Itoa(p.Low)
	case PortGTE:
		return ">=" + strconv.Itoa(p.Low)
	case PortLT:
		return "<" + strconv.Itoa(p.Low)
	case PortLTE:
		return "<=" + strconv.Itoa(p.Low)
	}
	return "?"
}

func (p PortSpec) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
