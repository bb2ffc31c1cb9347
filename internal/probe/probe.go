// Package probe holds the simulated flow that travels the device graph and
// everything recorded along its way.
package probe

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sync/atomic"

	"lsfw/internal/fwresult"
	"lsfw/internal/model"
	"lsfw/internal/spec"
	"lsfw/internal/topology"
)

// ErrProbeLimit is returned when an analysis would create more probes than
// allowed.
var ErrProbeLimit = errors.New("probe limit reached")

type State int

const (
	Alive State = iota
	DestinationReached
	KilledNoRoute
	KilledTTL
	KilledLoop
	KilledError
)

var stateNames = [...]string{
	Alive:              "ALIVE",
	DestinationReached: "DESTINATION_REACHED",
	KilledNoRoute:      "KILLED_NO_ROUTE",
	KilledTTL:          "KILLED_TTL",
	KilledLoop:         "KILLED_LOOP",
	KilledError:        "KILLED_ERROR",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Flow is the immutable definition of the traffic a probe stands for.
type Flow struct {
	Src       spec.IPRange  `json:"src"`
	Dst       spec.IPRange  `json:"dst"`
	Protocols spec.ProtoSet `json:"protocols"`
	SrcPort   spec.PortSpec `json:"src_port"`
	DstPort   spec.PortSpec `json:"dst_port"`
	ICMP      spec.ICMPSpec `json:"icmp"`
	Flags     spec.TCPFlags `json:"flags"`
}

// ACLResult is one rule that matched the probe and what it decided.
type ACLResult struct {
	Rule   string            `json:"rule"`
	Result fwresult.FwResult `json:"result"`
}

// Verdicts holds the rule log of one direction and its active decision.
type Verdicts struct {
	ACL      string            `json:"acl,omitempty"`
	Log      []ACLResult       `json:"log,omitempty"`
	Decision fwresult.FwResult `json:"decision"`
	Filtered bool              `json:"filtered"`
}

func (v Verdicts) clone() Verdicts {
	v.Log = slices.Clone(v.Log)
	return v
}

// Results is the filtering record of the current hop plus the result
// accumulated over the hops already left.
type Results struct {
	In   Verdicts          `json:"in"`
	Out  Verdicts          `json:"out"`
	Path fwresult.FwResult `json:"path"`
}

func (r *Results) direction(dir model.Direction) *Verdicts {
	if dir == model.Out {
		return &r.Out
	}
	return &r.In
}

// Log appends a rule outcome to the log of a direction.
func (r *Results) Log(dir model.Direction, rule string, res fwresult.FwResult) {
	v := r.direction(dir)
	v.Log = append(v.Log, ACLResult{Rule: rule, Result: res})
}

// Decide sets the active decision of a direction.
func (r *Results) Decide(dir model.Direction, acl string, res fwresult.FwResult) {
	v := r.direction(dir)
	v.ACL = acl
	v.Decision = res
	v.Filtered = true
}

func (r *Results) Get(dir model.Direction) Verdicts { return *r.direction(dir) }

// Hop is one device crossed by the probe.
type Hop struct {
	Device  string          `json:"device"`
	InLink  topology.LinkID `json:"in_link"`
	OutLink topology.LinkID `json:"out_link,omitempty"`
	NextHop netip.Addr      `json:"next_hop,omitzero"`
	In      Verdicts        `json:"in"`
	Out     Verdicts        `json:"out"`
	State   State           `json:"state"`
}

type Probe struct {
	ID      int64           `json:"id"`
	Flow    Flow            `json:"flow"`
	TTL     int             `json:"ttl"`
	InLink  topology.LinkID `json:"in_link"`
	OutLink topology.LinkID `json:"out_link,omitempty"`
	NextHop netip.Addr      `json:"next_hop,omitzero"`
	History []Hop           `json:"history"`
	Results Results         `json:"results"`
	State   State           `json:"state"`
	Reason  string          `json:"reason,omitempty"`
}

// Allocator hands out probe ids for one analysis and enforces its probe
// ceiling. It is safe for concurrent use.
type Allocator struct {
	next  atomic.Int64
	limit int64
}

// NewAllocator returns an allocator allowing limit probes; zero or less
// means no limit.
func NewAllocator(limit int64) *Allocator {
	return &Allocator{limit: limit}
}

func (a *Allocator) Next() (int64, error) {
	id := a.next.Add(1)
	if a.limit > 0 && id > a.limit {
		return 0, ErrProbeLimit
	}
	return id, nil
}

// Count returns the number of ids requested so far.
func (a *Allocator) Count() int64 { return a.next.Load() }

func New(alloc *Allocator, flow Flow, ttl int) (*Probe, error) {
	id, err := alloc.Next()
	if err != nil {
		return nil, err
	}
	return &Probe{ID: id, Flow: flow, TTL: ttl}, nil
}

// Clone returns an independent copy with a new id and no outgoing position.
// The history and results recorded so far are copied so that each branch
// reports its full path.
func (p *Probe) Clone(alloc *Allocator) (*Probe, error) {
	id, err := alloc.Next()
	if err != nil {
		return nil, err
	}
	c := &Probe{
		ID:      id,
		Flow:    p.Flow,
		TTL:     p.TTL,
		InLink:  p.InLink,
		History: make([]Hop, len(p.History)),
		Results: Results{In: p.Results.In.clone(), Out: p.Results.Out.clone(), Path: p.Results.Path},
		State:   p.State,
	}
	for i, h := range p.History {
		h.In = h.In.clone()
		h.Out = h.Out.clone()
		c.History[i] = h
	}
	return c, nil
}

// Enter starts a new hop on a device.
func (p *Probe) Enter(device string, in topology.LinkID) {
	p.InLink = in
	p.OutLink = topology.NoLink
	p.NextHop = netip.Addr{}
	p.Results.In = Verdicts{}
	p.Results.Out = Verdicts{}
	p.History = append(p.History, Hop{Device: device, InLink: in})
}

// CloseHop records the current hop in the history and folds its decisions
// into the path result.
func (p *Probe) CloseHop() {
	if len(p.History) == 0 {
		return
	}
	h := &p.History[len(p.History)-1]
	h.OutLink = p.OutLink
	h.NextHop = p.NextHop
	h.In = p.Results.In.clone()
	h.Out = p.Results.Out.clone()
	h.State = p.State
	for _, v := range []Verdicts{p.Results.In, p.Results.Out} {
		if v.Filtered {
			p.Results.Path = fwresult.Concat(p.Results.Path, v.Decision)
		}
	}
}

// Kill ends the probe in a terminal state.
func (p *Probe) Kill(state State, reason string) {
	p.State = state
	p.Reason = reason
	if n := len(p.History); n > 0 {
		p.History[n-1].State = state
	}
}

func (p *Probe) Terminal() bool { return p.State != Alive }

// Result is the filtering result accumulated over the path.
func (p *Probe) Result() fwresult.FwResult { return p.Results.Path }

func (p *Probe) String() string {
	return fmt.Sprintf("probe %d %s->%s %s", p.ID, p.Flow.Src, p.Flow.Dst, p.State)
}
