package monitor

import (
	"fmt"

	"lsfw/internal/fwresult"
	"lsfw/internal/model"
	"lsfw/internal/probe"
)

type Verdict string

const (
	CertainAccept Verdict = "certain-accept"
	CertainDeny   Verdict = "certain-deny"
	MayAccept     Verdict = "may-accept"
	MayDeny       Verdict = "may-deny"
	NoRoute       Verdict = "no-route"
	Loop          Verdict = "loop"
	TTLExceeded   Verdict = "ttl-exceeded"
	Error         Verdict = "error"
)

// VerdictOf collapses a filtering result. A path no filter decided on is
// accepted.
func VerdictOf(r fwresult.FwResult) Verdict {
	switch {
	case fwresult.IsCertainDeny(r):
		return CertainDeny
	case !r.HasDecision(), fwresult.IsCertainAccept(r):
		return CertainAccept
	case fwresult.MayAccept(r):
		return MayAccept
	default:
		return MayDeny
	}
}

// killRank orders the kill verdicts; the highest one describes an analysis
// in which no probe arrived.
var killRank = map[Verdict]int{NoRoute: 1, TTLExceeded: 2, Loop: 3, Error: 4}

func stateVerdict(s probe.State) Verdict {
	switch s {
	case probe.KilledTTL:
		return TTLExceeded
	case probe.KilledLoop:
		return Loop
	case probe.KilledNoRoute:
		return NoRoute
	}
	return Error
}

// ProbeVerdict is the verdict of a single terminal probe.
func ProbeVerdict(p *probe.Probe) Verdict {
	if p.State == probe.DestinationReached {
		return VerdictOf(p.Result())
	}
	return stateVerdict(p.State)
}

// Report is the outcome of one analysis.
type Report struct {
	ID        string              `json:"id"`
	Flow      probe.Flow          `json:"flow"`
	Probes    []*probe.Probe      `json:"probes"`
	Reached   int                 `json:"reached"`
	Result    fwresult.FwResult   `json:"result"`
	Verdict   Verdict             `json:"verdict"`
	ByVerdict map[Verdict][]int64 `json:"by_verdict"`
}

// newReport reduces the results of the probes that reached the destination.
// A killed branch leaves part of the flow undelivered, so it makes the result
// of the reached ones uncertain. When no probe arrived, the verdict is the
// most severe kill state.
func newReport(id string, flow probe.Flow, probes []*probe.Probe) *Report {
	r := &Report{ID: id, Flow: flow, Probes: probes, ByVerdict: make(map[Verdict][]int64)}
	var results []fwresult.FwResult
	killed := 0
	worst := NoRoute
	for _, p := range probes {
		v := ProbeVerdict(p)
		r.ByVerdict[v] = append(r.ByVerdict[v], p.ID)
		if p.State == probe.DestinationReached {
			results = append(results, p.Result())
			continue
		}
		killed++
		if killRank[v] > killRank[worst] {
			worst = v
		}
	}
	r.Reached = len(results)
	if r.Reached > 0 {
		r.Result = fwresult.Reduce(results)
		if killed > 0 {
			if !r.Result.HasDecision() {
				r.Result |= fwresult.Accept
			}
			r.Result |= fwresult.May
		}
		r.Verdict = VerdictOf(r.Result)
	} else {
		r.Verdict = worst
	}
	return r
}

// Reason explains the verdict: the rule denying the first denied path, or
// the reason the first probe was killed.
func (r *Report) Reason() string {
	for _, p := range r.Probes {
		if p.State != probe.DestinationReached {
			continue
		}
		if why := denyReason(p); why != "" {
			return why
		}
	}
	if r.Reached == 0 {
		for _, p := range r.Probes {
			if p.Reason != "" {
				return p.Reason
			}
		}
	}
	return ""
}

func denyReason(p *probe.Probe) string {
	for _, h := range p.History {
		for _, dir := range []struct {
			name model.Direction
			v    probe.Verdicts
		}{{model.In, h.In}, {model.Out, h.Out}} {
			if !dir.v.Filtered || !fwresult.MayDeny(dir.v.Decision) {
				continue
			}
			for i := len(dir.v.Log) - 1; i >= 0; i-- {
				if entry := dir.v.Log[i]; fwresult.MayDeny(entry.Result) {
					return fmt.Sprintf("%s %s: %s", h.Device, dir.name, entry.Rule)
				}
			}
		}
	}
	return ""
}
