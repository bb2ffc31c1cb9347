package spec

import (
	"fmt"
	"strconv"
	"strings"
)

const tcpFlagLetters = "FSRPAUEW"

// TCPFlags is a pf style "flags S/SA" test: the flags selected by Mask must
// be exactly Set. On a probe it describes the flags the packet carries, Mask
// telling which of them are known. The zero value places no constraint.
type TCPFlags struct {
	Set  uint8
	Mask uint8
}

var AnyFlags = TCPFlags{}

// ParseTCPFlags parses "S/SA", "S" (mask of every flag) or "any".
func ParseTCPFlags(s string) (TCPFlags, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return AnyFlags, nil
	}
	setPart, maskPart, hasMask := strings.Cut(s, "/")
	set, err := flagBits(setPart)
	if err != nil {
		return TCPFlags{}, err
	}
	mask := uint8(0xff)
	if hasMask {
		if mask, err = flagBits(maskPart); err != nil {
			return TCPFlags{}, err
		}
	}
	if set&^mask != 0 {
		return TCPFlags{}, fmt.Errorf("flags %q: set is not within mask", s)
	}
	return TCPFlags{Set: set, Mask: mask}, nil
}

func flagBits(s string) (uint8, error) {
	var b uint8
	for _, c := range strings.ToUpper(s) {
		i := strings.IndexRune(tcpFlagLetters, c)
		if i < 0 {
			return 0, fmt.Errorf("unknown tcp flag %q", c)
		}
		b |= 1 << i
	}
	return b, nil
}

func (f TCPFlags) IsAny() bool { return f.Mask == 0 }

// Matches compares the flags carried by a probe against the test.
func (f TCPFlags) Matches(candidate TCPFlags) Match {
	if f.Mask == 0 {
		return MatchAll
	}
	known := f.Mask & candidate.Mask
	if candidate.Set&known != f.Set&known {
		return MatchNot
	}
	if known == f.Mask {
		return MatchAll
	}
	return MatchPartial
}

func (f TCPFlags) String() string {
	if f.Mask == 0 {
		return "any"
	}
	return letters(f.Set) + "/" + letters(f.Mask)
}

func (f TCPFlags) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func letters(b uint8) string {
	var sb strings.Builder
	for i := 0; i < len(tcpFlagLetters); i++ {
		if b&(1<<i) != 0 {
			sb.WriteByte(tcpFlagLetters[i])
		}
	}
	return sb.String()
}

// ICMPSpec selects an ICMP type and code. The zero value matches any message.
type ICMPSpec struct {
	typ, code        int
	hasType, hasCode bool
}

var AnyICMP = ICMPSpec{}

func ICMPType(t int) ICMPSpec { return ICMPSpec{typ: t, hasType: true} }

func ICMPTypeCode(t, c int) ICMPSpec {
	return ICMPSpec{typ: t, code: c, hasType: true, hasCode: true}
}

var icmpTypeNames = map[string]int{
	"echorep":   0,
	"unreach":   3,
	"squench":   4,
	"redir":     5,
	"echoreq":   8,
	"routeradv": 9,
	"routersol": 10,
	"timex":     11,
	"paramprob": 12,
	"timereq":   13,
	"timerep":   14,
}

// ParseICMPSpec parses "any", "8", "8/0", "-1" or a pf type name such as
// "echoreq". A value of -1 stands for any type or code.
func ParseICMPSpec(s string) (ICMPSpec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "any" {
		return AnyICMP, nil
	}
	typePart, codePart, hasCode := strings.Cut(s, "/")
	t, err := icmpValue(typePart)
	if err != nil {
		return ICMPSpec{}, err
	}
	if t < 0 {
		return AnyICMP, nil
	}
	if !hasCode {
		return ICMPType(t), nil
	}
	c, err := icmpValue(codePart)
	if err != nil {
		return ICMPSpec{}, err
	}
	if c < 0 {
		return ICMPType(t), nil
	}
	return ICMPTypeCode(t, c), nil
}

func icmpValue(s string) (int, error) {
	if v, ok := icmpTypeNames[s]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < -1 || v > 255 {
		return 0, fmt.Errorf("invalid icmp value %q", s)
	}
	return v, nil
}

// Type returns the selected type, or -1 for any.
func (i ICMPSpec) Type() int {
	if !i.hasType {
		return -1
	}
	return i.typ
}

// Code returns the selected code, or -1 for any.
func (i ICMPSpec) Code() int {
	if !i.hasCode {
		return -1
	}
	return i.code
}

func (i ICMPSpec) IsAny() bool { return !i.hasType }

func (i ICMPSpec) Matches(candidate ICMPSpec) Match {
	if !i.hasType {
		return MatchAll
	}
	if !candidate.hasType {
		return MatchPartial
	}
	if candidate.typ != i.typ {
		return MatchNot
	}
	if !i.hasCode {
		return MatchAll
	}
	if !candidate.hasCode {
		return MatchPartial
	}
	if candidate.code != i.code {
		return MatchNot
	}
	return MatchAll
}

func (i ICMPSpec) String() string {
	switch {
	case !i.hasType:
		return "any"
	case !i.hasCode:
		return strconv.Itoa(i.typ)
	default:
		return fmt.Sprintf("%d/%d", i.typ, i.code)
	}
}

func (i ICMPSpec) MarshalText() ([]byte, error) { return []byte(i.String()), nil }
