// Package topology keeps every interface link of the simulated devices in one
// arena and discovers which of them share a network segment.
package topology

import (
	"fmt"
	"net/netip"
	"sort"

	"lsfw/internal/spec"
)

// LinkID identifies a link in its arena. The zero value is NoLink.
type LinkID int

const NoLink LinkID = 0

// Link is one address of an interface and the network it is attached to.
type Link struct {
	ID        LinkID
	Device    string
	Interface string
	Address   netip.Addr
	Prefix    netip.Prefix
	Network   spec.IPRange
	Border    bool
	Loopback  bool
}

func (l *Link) String() string {
	return fmt.Sprintf("%s/%s(%s)", l.Device, l.Interface, l.Prefix)
}

type Interface struct {
	Name   string
	Device string
	Links  []LinkID
}

// Arena owns links and interfaces. It is filled while devices are configured
// and read-only afterwards.
type Arena struct {
	links      []*Link
	interfaces map[string][]*Interface
}

func NewArena() *Arena {
	return &Arena{interfaces: make(map[string][]*Interface)}
}

// AddLink attaches the address (in CIDR form) to an interface of a device,
// creating the interface on first use.
func (a *Arena) AddLink(device, iface string, addr netip.Prefix, border, loopback bool) (LinkID, error) {
	if !addr.IsValid() {
		return NoLink, fmt.Errorf("device %s interface %s: invalid address", device, iface)
	}
	id := LinkID(len(a.links) + 1)
	a.links = append(a.links, &Link{
		ID:        id,
		Device:    device,
		Interface: iface,
		Address:   addr.Addr().Unmap(),
		Prefix:    addr,
		Network:   spec.RangeOfPrefix(addr),
		Border:    border,
		Loopback:  loopback,
	})
	in := a.iface(device, iface)
	in.Links = append(in.Links, id)
	return id, nil
}

func (a *Arena) iface(device, name string) *Interface {
	for _, in := range a.interfaces[device] {
		if in.Name == name {
			return in
		}
	}
	in := &Interface{Name: name, Device: device}
	a.interfaces[device] = append(a.interfaces[device], in)
	return in
}

// Link returns the link with the given id, or nil.
func (a *Arena) Link(id LinkID) *Link {
	if id <= 0 || int(id) > len(a.links) {
		return nil
	}
	return a.links[id-1]
}

func (a *Arena) Links() []*Link { return a.links }

// LinksOf returns the links of a device in creation order.
func (a *Arena) LinksOf(device string) []*Link {
	var out []*Link
	for _, l := range a.links {
		if l.Device == device {
			out = append(out, l)
		}
	}
	return out
}

func (a *Arena) Interfaces(device string) []*Interface { return a.interfaces[device] }

// TopoLink is a network segment shared by links of at least two devices.
type TopoLink struct {
	ID      int
	Network spec.IPRange
	Links   []LinkID
}

type Topology struct {
	arena *Arena
	links []TopoLink
	of    map[LinkID]int
}

// Build groups the non-loopback links of the arena by network. Links are
// sorted on their network so that equal networks end up adjacent.
func Build(a *Arena) *Topology {
	candidates := make([]*Link, 0, len(a.links))
	for _, l := range a.links {
		if !l.Loopback {
			candidates = append(candidates, l)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Network.Compare(candidates[j].Network) < 0
	})

	t := &Topology{arena: a, of: make(map[LinkID]int)}
	for start := 0; start < len(candidates); {
		end := start + 1
		for end < len(candidates) && candidates[end].Network.Equal(candidates[start].Network) {
			end++
		}
		group := candidates[start:end]
		start = end

		devices := make(map[string]struct{}, len(group))
		for _, l := range group {
			devices[l.Device] = struct{}{}
		}
		if len(devices) < 2 {
			continue
		}
		tl := TopoLink{ID: len(t.links) + 1, Network: group[0].Network}
		for _, l := range group {
			tl.Links = append(tl.Links, l.ID)
			t.of[l.ID] = len(t.links)
		}
		sort.Slice(tl.Links, func(i, j int) bool { return tl.Links[i] < tl.Links[j] })
		t.links = append(t.links, tl)
	}
	return t
}

func (t *Topology) Arena() *Arena { return t.arena }

func (t *Topology) TopoLinks() []TopoLink { return t.links }

// TopoLinkOf returns the segment a link belongs to.
func (t *Topology) TopoLinkOf(id LinkID) (TopoLink, bool) {
	i, ok := t.of[id]
	if !ok {
		return TopoLink{}, false
	}
	return t.links[i], true
}

// Peers returns the links of other devices on the same segment as id.
func (t *Topology) Peers(id LinkID) []*Link {
	tl, ok := t.TopoLinkOf(id)
	if !ok {
		return nil
	}
	self := t.arena.Link(id)
	var out []*Link
	for _, pid := range tl.Links {
		peer := t.arena.Link(pid)
		if pid == id || (self != nil && peer.Device == self.Device) {
			continue
		}
		out = append(out, peer)
	}
	return out
}
