package spec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// IPRange is a single address or a contiguous block of addresses of one
// family. The zero value is invalid and matches nothing.
type IPRange struct {
	r netipx.IPRange
}

var (
	AnyIPv4 = RangeOfPrefix(netip.MustParsePrefix("0.0.0.0/0"))
	AnyIPv6 = RangeOfPrefix(netip.MustParsePrefix("::/0"))
)

// ParseIPRange accepts "addr", "addr/len" and "from-to". Prefixes are
// normalized to their network address.
func ParseIPRange(s string) (IPRange, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return IPRange{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
		return RangeOfPrefix(p), nil
	case strings.Contains(s, "-"):
		r, err := netipx.ParseIPRange(s)
		if err != nil {
			return IPRange{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
		return IPRange{r: r}, nil
	default:
		a, err := netip.ParseAddr(s)
		if err != nil {
			return IPRange{}, fmt.Errorf("invalid address %q: %w", s, err)
		}
		return RangeOfAddr(a), nil
	}
}

// MustParseIPRange is ParseIPRange for literals known to be valid.
func MustParseIPRange(s string) IPRange {
	r, err := ParseIPRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func RangeOfPrefix(p netip.Prefix) IPRange {
	return IPRange{r: netipx.RangeOfPrefix(p.Masked())}
}

func RangeOfAddr(a netip.Addr) IPRange {
	a = a.Unmap()
	return IPRange{r: netipx.IPRangeFrom(a, a)}
}

// NewIPRange builds the range [from, to]. It returns an error when the bounds
// are of different families or out of order.
func NewIPRange(from, to netip.Addr) (IPRange, error) {
	r := netipx.IPRangeFrom(from.Unmap(), to.Unmap())
	if !r.IsValid() {
		return IPRange{}, fmt.Errorf("invalid range %s-%s", from, to)
	}
	return IPRange{r: r}, nil
}

func (r IPRange) IsValid() bool { return r.r.IsValid() }
func (r IPRange) From() netip.Addr { return r.r.From() }
func (r IPRange) To() netip.Addr { return r.r.To() }
func (r IPRange) Is4() bool { return r.r.From().Is4() }
func (r IPRange) IsSingle() bool { return r.IsValid() && r.r.From() == r.r.To() }
func (r IPRange) Raw() netipx.IPRange { return r.r }

// Prefix returns the range as a prefix when it is exactly one.
func (r IPRange) Prefix() (netip.Prefix, bool) {
	return r.r.Prefix()
}

func (r IPRange) Contains(a netip.Addr) bool {
	return r.r.Contains(a.Unmap())
}

// ContainsRange reports whether o is a subset of r.
func (r IPRange) ContainsRange(o IPRange) bool {
	if !r.IsValid() || !o.IsValid() || r.Is4() != o.Is4() {
		return false
	}
	return r.r.From().Compare(o.r.From()) <= 0 && o.r.To().Compare(r.r.To()) <= 0
}

func (r IPRange) Overlaps(o IPRange) bool {
	return r.r.Overlaps(o.r)
}

func (r IPRange) Equal(o IPRange) bool {
	return r.r == o.r
}

// Matches compares a candidate range against r: ALL when the candidate is
// contained in r, NOT when they are disjoint, MATCH otherwise.
func (r IPRange) Matches(candidate IPRange) Match {
	return Relation(r.ContainsRange(candidate), r.Overlaps(candidate))
}

// Compare orders ranges by family, then lower bound, then upper bound.
func (r IPRange) Compare(o IPRange) int {
	if c := r.r.From().Compare(o.r.From()); c != 0 {
		return c
	}
	return r.r.To().Compare(o.r.To())
}

// Narrower reports whether r holds fewer addresses than o. Both ranges are
// expected to be of the same family.
func (r IPRange) Narrower(o IPRange) bool {
	return rangeSpan(r).Less(rangeSpan(o))
}

func (r IPRange) String() string {
	if !r.IsValid() {
		return "invalid"
	}
	if r.IsSingle() {
		return r.r.From().String()
	}
	if p, ok := r.r.Prefix(); ok {
		return p.String()
	}
	return r.r.String()
}

func (r IPRange) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// span is a 128-bit address count used to compare range sizes.
type span struct{ hi, lo uint64 }

func (s span) Less(o span) bool {
	if s.hi != o.hi {
		return s.hi < o.hi
	}
	return s.lo < o.lo
}

func rangeSpan(r IPRange) span {
	from := r.r.From().As16()
	to := r.r.To().As16()
	fh, fl := binary.BigEndian.Uint64(from[:8]), binary.BigEndian.Uint64(from[8:])
	th, tl := binary.BigEndian.Uint64(to[:8]), binary.BigEndian.Uint64(to[8:])
	lo := tl - fl
	hi := th - fh
	if tl < fl {
		hi--
	}
	return span{hi: hi, lo: lo}
}
