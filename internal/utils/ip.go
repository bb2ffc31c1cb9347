package utils

import (
	"iter"
	"math"
	"net/netip"
)

// PrefixSize returns the number of addresses in a prefix, saturating at
// math.MaxUint64 for IPv6 prefixes wider than /64.
func PrefixSize(p netip.Prefix) uint64 {
	host := p.Addr().BitLen() - p.Bits()
	if host >= 64 {
		return math.MaxUint64
	}
	return 1 << host
}

// Hosts yields every address of a prefix in order.
// Use with caution on large networks.
func Hosts(p netip.Prefix) iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		p = p.Masked()
		for ip := p.Addr(); ip.IsValid() && p.Contains(ip); ip = ip.Next() {
			if !yield(ip) {
				return
			}
		}
	}
}
