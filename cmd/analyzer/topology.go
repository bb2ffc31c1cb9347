package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lsfw/internal/monitor"
	"lsfw/internal/route"
	"lsfw/internal/topology"
	"lsfw/pkg/wellknown"
)

func newTopologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print the devices, their routes and the segments linking them",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := wellknown.New()
			if err != nil {
				return err
			}
			m, err := loadMonitor(reg)
			if err != nil {
				return err
			}
			return printTopology(cmd.OutOrStdout(), m)
		},
	}
}

func printTopology(out io.Writer, m *monitor.Monitor) error {
	arena := m.Topology().Arena()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, dev := range m.Devices() {
		fmt.Fprintf(w, "%s (%s)\n", dev.Name(), dev.Kind())
		for _, l := range dev.Links() {
			var tags []string
			if l.Border {
				tags = append(tags, "border")
			}
			if l.Loopback {
				tags = append(tags, "loopback")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", l.Interface, l.Prefix, strings.Join(tags, ","))
		}
		for _, rt := range dev.Routes().Routes() {
			fmt.Fprintf(w, "  route\t%s\t%s\n", rt.Destination, routeTarget(arena, rt))
		}
		for _, rt := range dev.Routes().SourceRoutes() {
			fmt.Fprintf(w, "  from\t%s\t%s\n", rt.Destination, routeTarget(arena, rt))
		}
	}

	fmt.Fprintln(w)
	for _, seg := range m.Topology().TopoLinks() {
		var members []string
		for _, id := range seg.Links {
			members = append(members, arena.Link(id).String())
		}
		fmt.Fprintf(w, "segment %d\t%s\t%s\n", seg.ID, seg.Network, strings.Join(members, " "))
	}
	return w.Flush()
}

func routeTarget(arena *topology.Arena, rt route.Route) string {
	dev := "-"
	if l := arena.Link(rt.Link); l != nil {
		dev = l.Interface
	}
	if rt.Connected() {
		return fmt.Sprintf("dev %s", dev)
	}
	return fmt.Sprintf("via %s dev %s metric %d", rt.NextHop, dev, rt.Metric)
}
