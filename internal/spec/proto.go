package spec

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	ProtoICMP  = 1
	ProtoTCP   = 6
	ProtoUDP   = 17
	ProtoICMP6 = 58
)

// ProtocolLookup resolves a protocol name such as "tcp" to its number.
type ProtocolLookup func(name string) (int, bool)

// ProtoSet is a set of IP protocol numbers. The zero value is "any".
type ProtoSet struct {
	constrained bool
	bits        [4]uint64
}

var AnyProto = ProtoSet{}

func NewProtoSet(protos ...int) ProtoSet {
	s := ProtoSet{constrained: true}
	for _, p := range protos {
		if p >= 0 && p < 256 {
			s.bits[p/64] |= 1 << (p % 64)
		}
	}
	return s
}

// ParseProtoSet parses a list of protocol names or numbers. An empty list or
// "any" yields AnyProto.
func ParseProtoSet(items []string, lookup ProtocolLookup) (ProtoSet, error) {
	var protos []int
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if item == "any" || item == "all" || item == "ip" {
			return AnyProto, nil
		}
		if n, err := strconv.Atoi(item); err == nil {
			if n < 0 || n > 255 {
				return ProtoSet{}, fmt.Errorf("protocol %d out of range", n)
			}
			protos = append(protos, n)
			continue
		}
		if lookup == nil {
			return ProtoSet{}, fmt.Errorf("unknown protocol %q", item)
		}
		n, ok := lookup(item)
		if !ok {
			return ProtoSet{}, fmt.Errorf("unknown protocol %q", item)
		}
		protos = append(protos, n)
	}
	if len(protos) == 0 {
		return AnyProto, nil
	}
	return NewProtoSet(protos...), nil
}

func (s ProtoSet) IsAny() bool { return !s.constrained }

func (s ProtoSet) IsEmpty() bool { return s.constrained && s.count() == 0 }

func (s ProtoSet) Has(proto int) bool {
	if !s.constrained {
		return true
	}
	if proto < 0 || proto > 255 {
		return false
	}
	return s.bits[proto/64]&(1<<(proto%64)) != 0
}

// Protocols lists the members in ascending order, or nil for "any".
func (s ProtoSet) Protocols() []int {
	if !s.constrained {
		return nil
	}
	var out []int
	for p := 0; p < 256; p++ {
		if s.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (s ProtoSet) count() int {
	n := 0
	for _, w := range s.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// Matches compares the protocols a probe may carry against the set.
func (s ProtoSet) Matches(candidate ProtoSet) Match {
	if !s.constrained {
		return MatchAll
	}
	if !candidate.constrained {
		if s.count() == 0 {
			return MatchNot
		}
		return MatchPartial
	}
	var inter, cand int
	for i := range s.bits {
		inter += bits.OnesCount64(s.bits[i] & candidate.bits[i])
		cand += bits.OnesCount64(candidate.bits[i])
	}
	if cand == 0 {
		return MatchNot
	}
	return Relation(inter == cand, inter > 0)
}

func (s ProtoSet) String() string {
	if !s.constrained {
		return "any"
	}
	protos := s.Protocols()
	parts := make([]string, 0, len(protos))
	for _, p := range protos {
		parts = append(parts, protoName(p))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (s ProtoSet) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func protoName(p int) string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP6:
		return "ipv6-icmp"
	}
	return strconv.Itoa(p)
}
