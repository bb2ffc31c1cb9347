// Package monitor drives analyses: it injects probes at the ingress of a
// flow, hands them from device to device across the discovered topology and
// reduces the outcome of every path into one verdict.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lsfw/internal/equipment"
	"lsfw/internal/probe"
	"lsfw/internal/topology"
)

var (
	// ErrDepthLimit marks a probe that crossed more devices than allowed.
	ErrDepthLimit = errors.New("hop depth limit reached")
	// ErrNoIngress is returned when no link can inject the source of a flow.
	ErrNoIngress = errors.New("no ingress link for source")
)

const (
	DefaultTTL       = 64
	DefaultMaxProbes = 10000
	DefaultMaxDepth  = 255
)

type Options struct {
	TTL       int
	MaxProbes int64
	MaxDepth  int
	// Parallel explores the branches of a fan-out concurrently.
	Parallel bool
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxProbes <= 0 {
		o.MaxProbes = DefaultMaxProbes
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// Query is one flow to analyze. Ingress names the device the flow
// originates from; when empty the ingress links are found from the source.
type Query struct {
	Flow    probe.Flow
	Ingress string
	TTL     int
}

// Monitor owns a set of configured devices and their topology. It is
// read-only after New and serves concurrent analyses.
type Monitor struct {
	devices map[string]equipment.Equipment
	order   []equipment.Equipment
	arena   *topology.Arena
	topo    *topology.Topology
	opts    Options
}

// New configures the devices and discovers the topology linking them.
func New(devices []equipment.Equipment, arena *topology.Arena, opts Options) (*Monitor, error) {
	m := &Monitor{
		devices: make(map[string]equipment.Equipment, len(devices)),
		order:   devices,
		arena:   arena,
		opts:    opts.withDefaults(),
	}
	for _, d := range devices {
		if _, dup := m.devices[d.Name()]; dup {
			return nil, fmt.Errorf("device %s declared twice", d.Name())
		}
		if err := d.Configure(); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", d.Name(), err)
		}
		m.devices[d.Name()] = d
	}
	m.topo = topology.Build(arena)
	slog.Info("Topology built", "devices", len(devices), "links", len(arena.Links()), "segments", len(m.topo.TopoLinks()))
	return m, nil
}

func (m *Monitor) Topology() *topology.Topology { return m.topo }

func (m *Monitor) Devices() []equipment.Equipment { return m.order }

func (m *Monitor) Options() Options { return m.opts }

// session is the state of one analysis.
type session struct {
	m     *Monitor
	alloc *probe.Allocator

	mu   sync.Mutex
	done []*probe.Probe
}

// Analyze runs a flow through the devices until every probe is terminal.
func (m *Monitor) Analyze(ctx context.Context, q Query) (*Report, error) {
	ingress, err := m.ingress(q)
	if err != nil {
		return nil, err
	}
	ttl := q.TTL
	if ttl <= 0 {
		ttl = m.opts.TTL
	}

	s := &session{m: m, alloc: probe.NewAllocator(m.opts.MaxProbes)}
	id := uuid.NewString()
	slog.Debug("Analysis started", "report", id, "src", q.Flow.Src, "dst", q.Flow.Dst, "ingress_links", len(ingress))

	g, gctx := errgroup.WithContext(ctx)
	for _, link := range ingress {
		p, err := probe.New(s.alloc, q.Flow, ttl)
		if err != nil {
			return nil, err
		}
		dev := m.devices[link.Device]
		in := link.ID
		if m.opts.Parallel {
			g.Go(func() error { return s.walk(gctx, dev, in, p, 1) })
			continue
		}
		if err := s.walk(ctx, dev, in, p, 1); err != nil {
			return nil, err
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(s.done, func(i, j int) bool { return s.done[i].ID < s.done[j].ID })
	r := newReport(id, q.Flow, s.done)
	slog.Debug("Analysis finished", "report", id, "probes", len(r.Probes), "verdict", r.Verdict)
	return r, nil
}

// walk hands p to dev on link in and follows every probe coming out.
func (s *session) walk(ctx context.Context, dev equipment.Equipment, in topology.LinkID, p *probe.Probe, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if depth > s.m.opts.MaxDepth {
		p.Kill(probe.KilledError, ErrDepthLimit.Error())
		s.finish(p)
		return nil
	}

	out := dev.Incoming(in, p, s.alloc)

	var g *errgroup.Group
	gctx := ctx
	if s.m.opts.Parallel && len(out) > 1 {
		g, gctx = errgroup.WithContext(ctx)
	}
	for _, q := range out {
		if q.Terminal() {
			s.finish(q)
			continue
		}
		next, link, ok := s.m.handOff(q)
		if !ok {
			s.finish(q)
			continue
		}
		if g != nil {
			g.Go(func() error { return s.walk(gctx, next, link, q, depth+1) })
			continue
		}
		if err := s.walk(ctx, next, link, q, depth+1); err != nil {
			return err
		}
	}
	if g != nil {
		return g.Wait()
	}
	return nil
}

func (s *session) finish(p *probe.Probe) {
	s.mu.Lock()
	s.done = append(s.done, p)
	s.mu.Unlock()
}

// handOff finds the device receiving a probe that left on its out link. The
// target is the next hop, or the destination itself on a connected network.
// When no peer owns the target, the probe is terminated: reached when the
// destination is connected or the link leaves the lab, lost otherwise.
func (m *Monitor) handOff(p *probe.Probe) (equipment.Equipment, topology.LinkID, bool) {
	target := p.NextHop
	connected := !target.IsValid()
	if connected {
		target = p.Flow.Dst.From()
	}
	for _, peer := range m.topo.Peers(p.OutLink) {
		if peer.Address == target {
			if dev, ok := m.devices[peer.Device]; ok {
				return dev, peer.ID, true
			}
		}
	}

	out := m.arena.Link(p.OutLink)
	switch {
	case connected, out != nil && out.Border:
		p.Kill(probe.DestinationReached, "")
	default:
		p.Kill(probe.KilledNoRoute, fmt.Sprintf("next hop %s not found beyond %s", target, out))
	}
	return nil, topology.NoLink, false
}

// ingress returns the links a flow enters the lab on: a link owning the
// source address, else the links whose network overlaps the source, else the
// border links. An explicit ingress device restricts the search to its links
// and falls back to its loopbacks.
func (m *Monitor) ingress(q Query) ([]*topology.Link, error) {
	links := m.arena.Links()
	if q.Ingress != "" {
		dev, ok := m.devices[q.Ingress]
		if !ok {
			return nil, fmt.Errorf("%w: unknown device %s", ErrNoIngress, q.Ingress)
		}
		links = dev.Links()
	}

	src := q.Flow.Src
	var own, overlap, border, loopback []*topology.Link
	for _, l := range links {
		switch {
		case l.Loopback:
			loopback = append(loopback, l)
			if src.IsSingle() && l.Address == src.From() {
				own = append(own, l)
			}
		case src.IsSingle() && l.Address == src.From():
			own = append(own, l)
		case l.Network.Overlaps(src):
			overlap = append(overlap, l)
		case l.Border:
			border = append(border, l)
		}
	}
	for _, candidates := range [][]*topology.Link{own, overlap, border} {
		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	if q.Ingress != "" && len(loopback) > 0 {
		return loopback[:1], nil
	}
	return nil, fmt.Errorf("%w %s", ErrNoIngress, src)
}
