// Package route holds the routing table of a device. Lookups return every
// applicable route so that a probe can be branched over all of them.
package route

import (
	"fmt"
	"net/netip"

	"lsfw/internal/spec"
	"lsfw/internal/topology"
)

type Route struct {
	Destination spec.IPRange
	NextHop     netip.Addr // invalid when directly connected
	Link        topology.LinkID
	Device      string
	Metric      int
}

// Connected reports whether the route delivers on its link without a gateway.
func (r Route) Connected() bool { return !r.NextHop.IsValid() }

func (r Route) String() string {
	if r.Connected() {
		return fmt.Sprintf("%s link %d", r.Destination, r.Link)
	}
	return fmt.Sprintf("%s via %s link %d", r.Destination, r.NextHop, r.Link)
}

// Table keeps destination routes and source routes in insertion order.
type Table struct {
	device       string
	routes       []Route
	sourceRoutes []Route
}

func NewTable(device string) *Table {
	return &Table{device: device}
}

func (t *Table) Add(r Route) {
	if r.Device == "" {
		r.Device = t.device
	}
	t.routes = append(t.routes, r)
}

// AddSource adds a route selected on the probe source rather than its
// destination.
func (t *Table) AddSource(r Route) {
	if r.Device == "" {
		r.Device = t.device
	}
	t.sourceRoutes = append(t.sourceRoutes, r)
}

func (t *Table) Routes() []Route { return t.routes }

func (t *Table) SourceRoutes() []Route { return t.sourceRoutes }

// GetRoutes returns every route bound to a link whose destination overlaps
// dst, in insertion order.
func (t *Table) GetRoutes(dst spec.IPRange) []Route {
	return matching(t.routes, dst)
}

// GetSourceRoutes is GetRoutes against the source routes.
func (t *Table) GetSourceRoutes(src spec.IPRange) []Route {
	return matching(t.sourceRoutes, src)
}

func matching(routes []Route, r spec.IPRange) []Route {
	var out []Route
	for _, rt := range routes {
		if rt.Link == topology.NoLink {
			continue
		}
		if rt.Destination.Matches(r) != spec.MatchNot {
			out = append(out, rt)
		}
	}
	return out
}

// Resolve binds the routes declared with a next hop only to the link whose
// network holds that next hop. A route with neither stays unbound and is
// never selected.
func (t *Table) Resolve(links []*topology.Link) error {
	for _, routes := range [][]Route{t.routes, t.sourceRoutes} {
		for i := range routes {
			rt := &routes[i]
			if rt.Link != topology.NoLink {
				continue
			}
			if !rt.NextHop.IsValid() {
				continue
			}
			for _, l := range links {
				if !l.Loopback && l.Network.Contains(rt.NextHop) {
					rt.Link = l.ID
					break
				}
			}
			if rt.Link == topology.NoLink {
				return fmt.Errorf("device %s: next hop %s of route %s is not on a connected network", t.device, rt.NextHop, rt.Destination)
			}
		}
	}
	return nil
}

// Lookup selects the routes a probe from src to dst is forwarded on. Source
// routes win when any applies. Among the candidates, the most specific
// routes covering the whole range are kept with the lowest metric, together
// with the partial matches narrower than them, since those carry part of the
// range elsewhere.
func (t *Table) Lookup(src, dst spec.IPRange) []Route {
	if routes := t.GetSourceRoutes(src); len(routes) > 0 {
		return narrow(routes, src)
	}
	return narrow(t.GetRoutes(dst), dst)
}

func narrow(routes []Route, r spec.IPRange) []Route {
	if len(routes) <= 1 {
		return routes
	}
	var best *Route
	for i := range routes {
		rt := &routes[i]
		if !rt.Destination.ContainsRange(r) {
			continue
		}
		if best == nil || rt.Destination.Narrower(best.Destination) ||
			(sameSize(rt.Destination, best.Destination) && rt.Metric < best.Metric) {
			best = rt
		}
	}
	if best == nil {
		return routes
	}
	var out []Route
	for _, rt := range routes {
		full := rt.Destination.ContainsRange(r)
		switch {
		case full && sameSize(rt.Destination, best.Destination) && rt.Metric == best.Metric:
			out = append(out, rt)
		case !full && rt.Destination.Narrower(best.Destination):
			out = append(out, rt)
		}
	}
	return out
}

func sameSize(a, b spec.IPRange) bool {
	return !a.Narrower(b) && !b.Narrower(a)
}
