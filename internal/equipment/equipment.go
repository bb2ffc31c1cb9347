// Package equipment implements the simulated devices. Every device family
// shares the same forwarding state machine and differs only in how it
// filters.
package equipment

import (
	"fmt"
	"log/slog"
	"net/netip"

	"lsfw/internal/model"
	"lsfw/internal/probe"
	"lsfw/internal/route"
	"lsfw/internal/spec"
	"lsfw/internal/topology"
)

// Filter evaluates a device's rules for a probe crossing link in direction
// dir. It logs the rules it considered on the probe and sets one decision.
type Filter interface {
	Filter(link *topology.Link, dir model.Direction, p *probe.Probe) error
}

// Equipment is a simulated device.
type Equipment interface {
	Name() string
	Kind() string
	// Configure adds the connected routes and binds next hops to links.
	Configure() error
	// Incoming processes a probe arriving on link in. It returns the probes
	// leaving the device: terminal ones, and alive ones positioned on their
	// outgoing link and next hop.
	Incoming(in topology.LinkID, p *probe.Probe, alloc *probe.Allocator) []*probe.Probe
	Routes() *route.Table
	Interfaces() []*topology.Interface
	Links() []*topology.Link
}

// Device carries the state and forwarding logic common to all families.
type Device struct {
	name       string
	kind       string
	arena      *topology.Arena
	table      *route.Table
	filter     Filter
	configured bool
}

func newDevice(name, kind string, arena *topology.Arena) Device {
	return Device{name: name, kind: kind, arena: arena, table: route.NewTable(name)}
}

func (d *Device) Name() string { return d.name }

func (d *Device) Kind() string { return d.kind }

func (d *Device) Routes() *route.Table { return d.table }

func (d *Device) Interfaces() []*topology.Interface { return d.arena.Interfaces(d.name) }

func (d *Device) Links() []*topology.Link { return d.arena.LinksOf(d.name) }

// AddLink attaches an address to one of the device's interfaces.
func (d *Device) AddLink(iface, cidr string, border, loopback bool) (topology.LinkID, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return topology.NoLink, fmt.Errorf("device %s interface %s: %w", d.name, iface, err)
	}
	return d.arena.AddLink(d.name, iface, p, border, loopback)
}

func (d *Device) Configure() error {
	if d.configured {
		return nil
	}
	for _, l := range d.Links() {
		if l.Loopback {
			continue
		}
		d.table.Add(route.Route{Destination: l.Network, Link: l.ID, Device: d.name})
	}
	if err := d.table.Resolve(d.Links()); err != nil {
		return err
	}
	d.configured = true
	return nil
}

func (d *Device) Incoming(in topology.LinkID, p *probe.Probe, alloc *probe.Allocator) []*probe.Probe {
	p.Enter(d.name, in)
	link := d.arena.Link(in)
	if link == nil || link.Device != d.name {
		return d.finish(p, probe.KilledError, fmt.Sprintf("link %d is not attached to %s", in, d.name))
	}

	if !link.Loopback {
		p.TTL--
		if p.TTL <= 0 {
			return d.finish(p, probe.KilledTTL, "ttl exceeded")
		}
		if err := d.runFilter(link, model.In, p); err != nil {
			return d.finish(p, probe.KilledError, err.Error())
		}
	}

	if own, ok := d.local(link, p.Flow.Dst); ok {
		p.OutLink = own
		return d.finish(p, probe.DestinationReached, "")
	}

	routes := d.table.Lookup(p.Flow.Src, p.Flow.Dst)
	if len(routes) == 0 {
		return d.finish(p, probe.KilledNoRoute, fmt.Sprintf("%s has no route to %s", d.name, p.Flow.Dst))
	}

	probes := []*probe.Probe{p}
	for range routes[1:] {
		c, err := p.Clone(alloc)
		if err != nil {
			return d.finish(p, probe.KilledError, err.Error())
		}
		probes = append(probes, c)
	}

	for i, rt := range routes {
		q := probes[i]
		q.OutLink = rt.Link
		q.NextHop = rt.NextHop
		if err := d.runFilter(d.arena.Link(rt.Link), model.Out, q); err != nil {
			q.Kill(probe.KilledError, err.Error())
		} else if rt.Link == in {
			q.Kill(probe.KilledLoop, fmt.Sprintf("%s routes %s back out %s", d.name, p.Flow.Dst, link.Interface))
		}
		q.CloseHop()
		slog.Debug("Probe forwarded", "probe", q.ID, "device", d.name, "out_link", q.OutLink, "next_hop", q.NextHop, "state", q.State)
	}
	return probes
}

// local reports where a probe is delivered on the device itself: on the link
// owning the destination address, or on a border ingress link when no route
// claims the destination elsewhere. An own address takes precedence.
func (d *Device) local(in *topology.Link, dst spec.IPRange) (topology.LinkID, bool) {
	if dst.IsSingle() {
		for _, l := range d.Links() {
			if l.Address == dst.From() {
				return l.ID, true
			}
		}
	}
	if !in.Border {
		return topology.NoLink, false
	}
	for _, rt := range d.table.GetRoutes(dst) {
		if rt.Link != in.ID {
			return topology.NoLink, false
		}
	}
	return in.ID, true
}

func (d *Device) runFilter(link *topology.Link, dir model.Direction, p *probe.Probe) (err error) {
	if d.filter == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %s filter failed: %v", d.name, dir, r)
		}
	}()
	return d.filter.Filter(link, dir, p)
}

func (d *Device) finish(p *probe.Probe, state probe.State, reason string) []*probe.Probe {
	p.Kill(state, reason)
	p.CloseHop()
	slog.Debug("Probe terminated", "probe", p.ID, "device", d.name, "state", state, "reason", reason)
	return []*probe.Probe{p}
}
