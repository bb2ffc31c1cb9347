package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"lsfw/internal/model"
	"lsfw/internal/monitor"
	"lsfw/internal/probe"
	"lsfw/internal/spec"
	"lsfw/internal/topology"
	"lsfw/pkg/wellknown"
)

var (
	probeSrc      string
	probeDst      string
	probeProto    string
	probeSport    string
	probeDport    string
	probeICMPType string
	probeFlags    string
	probeIngress  string
	probeTTL      int
	probeJSON     bool
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Analyze a single flow",
		RunE:  runProbe,
	}
	cmd.Flags().StringVar(&probeSrc, "src", "", "Source address, CIDR or range (required)")
	cmd.Flags().StringVar(&probeDst, "dst", "", "Destination address, CIDR or range (required)")
	cmd.Flags().StringVar(&probeProto, "proto", "", "Comma separated protocols, names or numbers (default: any)")
	cmd.Flags().StringVar(&probeSport, "sport", "", "Source port spec, e.g. 1024:65535 (default: any)")
	cmd.Flags().StringVar(&probeDport, "dport", "", "Destination port spec, e.g. 22 or ssh (default: any)")
	cmd.Flags().StringVar(&probeICMPType, "icmp-type", "", "ICMP type[/code] (default: any)")
	cmd.Flags().StringVar(&probeFlags, "flags", "", "TCP flags as set/mask, e.g. S/SA (default: any)")
	cmd.Flags().StringVar(&probeIngress, "ingress", "", "Device the flow originates from (default: found from the source)")
	cmd.Flags().IntVar(&probeTTL, "ttl", 0, "Initial TTL (default: lab setting)")
	cmd.Flags().BoolVar(&probeJSON, "json", false, "Print the full report as JSON")

	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	return cmd
}

func runProbe(cmd *cobra.Command, args []string) error {
	reg, err := wellknown.New()
	if err != nil {
		return err
	}
	flow, err := buildFlow(reg)
	if err != nil {
		return err
	}
	m, err := loadMonitor(reg)
	if err != nil {
		return err
	}

	report, err := m.Analyze(cmd.Context(), monitor.Query{Flow: flow, Ingress: probeIngress, TTL: probeTTL})
	if err != nil {
		return err
	}
	if probeJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printReport(cmd.OutOrStdout(), m.Topology().Arena(), report)
}

func buildFlow(reg *wellknown.Registry) (probe.Flow, error) {
	var (
		flow probe.Flow
		err  error
	)
	if flow.Src, err = spec.ParseIPRange(probeSrc); err != nil {
		return flow, fmt.Errorf("--src: %w", err)
	}
	if flow.Dst, err = spec.ParseIPRange(probeDst); err != nil {
		return flow, fmt.Errorf("--dst: %w", err)
	}
	var protos []string
	if probeProto != "" {
		protos = strings.Split(probeProto, ",")
	}
	if flow.Protocols, err = spec.ParseProtoSet(protos, reg.Protocol); err != nil {
		return flow, fmt.Errorf("--proto: %w", err)
	}
	if flow.SrcPort, err = spec.ParsePortSpec(probeSport, reg.Port); err != nil {
		return flow, fmt.Errorf("--sport: %w", err)
	}
	if flow.DstPort, err = spec.ParsePortSpec(probeDport, reg.Port); err != nil {
		return flow, fmt.Errorf("--dport: %w", err)
	}
	if flow.ICMP, err = spec.ParseICMPSpec(probeICMPType); err != nil {
		return flow, fmt.Errorf("--icmp-type: %w", err)
	}
	if flow.Flags, err = spec.ParseTCPFlags(probeFlags); err != nil {
		return flow, fmt.Errorf("--flags: %w", err)
	}
	return flow, nil
}

// printReport writes the verdict, then every probe with its path and the
// rules it met.
func printReport(out io.Writer, arena *topology.Arena, r *monitor.Report) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "report\t%s\n", r.ID)
	fmt.Fprintf(w, "flow\t%s -> %s proto %s sport %s dport %s\n",
		r.Flow.Src, r.Flow.Dst, r.Flow.Protocols, r.Flow.SrcPort, r.Flow.DstPort)
	fmt.Fprintf(w, "verdict\t%s\n", r.Verdict)
	if r.Reached > 0 {
		fmt.Fprintf(w, "result\t%s\n", r.Result)
	}
	if why := r.Reason(); why != "" {
		fmt.Fprintf(w, "reason\t%s\n", why)
	}
	fmt.Fprintf(w, "probes\t%d (%d reached)\n", len(r.Probes), r.Reached)
	if err := w.Flush(); err != nil {
		return err
	}

	for _, p := range r.Probes {
		fmt.Fprintf(out, "\nprobe %d %s %s", p.ID, p.State, monitor.ProbeVerdict(p))
		if p.Reason != "" {
			fmt.Fprintf(out, ": %s", p.Reason)
		}
		fmt.Fprintln(out)
		for _, h := range p.History {
			fmt.Fprintf(out, "  %s %s > %s\n", h.Device, linkName(arena, h.InLink), linkName(arena, h.OutLink))
			printVerdicts(out, model.In, h.In)
			printVerdicts(out, model.Out, h.Out)
		}
	}
	return nil
}

func printVerdicts(out io.Writer, dir model.Direction, v probe.Verdicts) {
	if !v.Filtered {
		return
	}
	fmt.Fprintf(out, "    %s %s\n", dir, v.Decision)
	for _, entry := range v.Log {
		fmt.Fprintf(out, "      %-24s %s\n", entry.Result, entry.Rule)
	}
}

func linkName(arena *topology.Arena, id topology.LinkID) string {
	l := arena.Link(id)
	if l == nil {
		return "-"
	}
	return fmt.Sprintf("%s(%s)", l.Interface, l.Address)
}
