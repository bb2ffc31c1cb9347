// Package fwresult holds the filtering outcome of a rule, a hop or a path,
// and the combinators folding them along a path and across paths.
package fwresult

import "strings"

// FwResult is a set of flags. MAY qualifies ACCEPT and DENY as holding only
// for part of the flows a probe stands for. A result is certain for a
// decision when it carries that decision alone and no MAY.
type FwResult uint8

const (
	Accept FwResult = 1 << iota
	Deny
	Match
	May
)

const decisions = Accept | Deny

func (r FwResult) Has(f FwResult) bool { return r&f == f }

// HasDecision reports whether r carries ACCEPT or DENY.
func (r FwResult) HasDecision() bool { return r&decisions != 0 }

func (r FwResult) certain(d FwResult) bool { return r&decisions == d && r&May == 0 }

func IsCertainAccept(r FwResult) bool { return r.certain(Accept) }

func IsCertainDeny(r FwResult) bool { return r.certain(Deny) }

func MayAccept(r FwResult) bool { return r&Accept != 0 }

func MayDeny(r FwResult) bool { return r&Deny != 0 }

// Concat combines results met one after the other on a single path. A
// certain DENY absorbs everything; results without a decision only add their
// MATCH flag; certain ACCEPTs stay certain.
func Concat(a, b FwResult) FwResult {
	match := (a | b) & Match
	if a.certain(Deny) || b.certain(Deny) {
		return Deny | match
	}
	switch {
	case !a.HasDecision() && !b.HasDecision():
		return match | (a|b)&May
	case !a.HasDecision():
		return b | match
	case !b.HasDecision():
		return a | match
	case a.certain(Accept) && b.certain(Accept):
		return Accept | match
	}
	return a | b | May
}

// SumPath combines the results of two alternative paths. Opposite decisions
// make both uncertain; a single decision stays certain when either side
// holds it for certain.
func SumPath(a, b FwResult) FwResult {
	r := (a | b) &^ May
	switch d := r & decisions; d {
	case decisions:
		r |= May
	case 0:
		r |= (a | b) & May
	default:
		if !a.certain(d) && !b.certain(d) {
			r |= May
		}
	}
	return r
}

// Reduce folds results with SumPath. An empty list yields the zero result.
func Reduce(results []FwResult) FwResult {
	if len(results) == 0 {
		return 0
	}
	r := results[0]
	for _, o := range results[1:] {
		r = SumPath(r, o)
	}
	return r
}

func (r FwResult) String() string {
	if r == 0 {
		return "NONE"
	}
	var parts []string
	for _, f := range []struct {
		flag FwResult
		name string
	}{{May, "MAY"}, {Accept, "ACCEPT"}, {Deny, "DENY"}, {Match, "MATCH"}} {
		if r&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

func (r FwResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }
