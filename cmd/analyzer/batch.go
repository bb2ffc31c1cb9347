package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lsfw/internal/model"
	"lsfw/internal/monitor"
	"lsfw/internal/parser"
	"lsfw/internal/spec"
	"lsfw/internal/utils"
	"lsfw/pkg/wellknown"
)

const (
	modeRange  = "range"
	modeExpand = "expand"
)

var (
	srcFile      string
	dstFile      string
	portsFile    string
	outFile      string
	routableFile string
	workers      int
	matchMode    string
	maxHosts     uint64
	maxTasks     uint64
)

var resultHeader = []string{
	"src_network_segment", "dst_network_segment", "src_address", "dst_address",
	"dst_gn", "dst_site", "dst_location", "service_label", "protocol", "port",
	"verdict", "result", "probes", "reached", "report_id", "reason",
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Analyze every source, destination and service combination",
		Long: `batch reads source segments, destination segments and services, runs
every combination through the lab and writes one CSV row per flow. Flows that
may be accepted are also written to the routable file.`,
		RunE: runBatch,
	}

	cmd.Flags().StringVar(&srcFile, "src", "", "Source IP list CSV file (required)")
	cmd.Flags().StringVar(&dstFile, "dst", "", "Destination IP list CSV file (required)")
	cmd.Flags().StringVar(&portsFile, "ports", "", "Ports list file (required)")
	cmd.Flags().StringVar(&outFile, "out", "results.csv", "Output CSV file for all results")
	cmd.Flags().StringVar(&routableFile, "routable", "routable.csv", "Output CSV file for accepted traffic")
	cmd.Flags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "Number of concurrent workers")
	cmd.Flags().StringVar(&matchMode, "mode", modeRange, "Matching mode: 'range' (probe whole segments) or 'expand' (probe every host of small segments)")
	cmd.Flags().Uint64Var(&maxHosts, "max-hosts", 65536, "Maximum number of hosts in a segment to expand in 'expand' mode")
	cmd.Flags().Uint64Var(&maxTasks, "max-tasks", 100000000, "Maximum number of tasks allowed before aborting")

	cmd.MarkFlagRequired("src")
	cmd.MarkFlagRequired("dst")
	cmd.MarkFlagRequired("ports")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	slog.Info("Starting batch analysis", "mode", matchMode)
	startTime := time.Now()
	if matchMode != modeRange && matchMode != modeExpand {
		return fmt.Errorf("unknown mode %q", matchMode)
	}

	traffic, err := loadTraffic(srcFile, dstFile, portsFile)
	if err != nil {
		return err
	}
	slog.Info("Input traffic parsed", "source_cidrs", len(traffic.SrcIPs), "destination_cidrs", len(traffic.DstIPs), "ports", len(traffic.Ports))

	totalTasks := estimateTotalTasks(traffic, matchMode, maxHosts)
	slog.Info("Task count estimated", "total_tasks", totalTasks)
	if maxTasks > 0 && totalTasks > maxTasks {
		slog.Error("Estimated task count exceeds limit", "total_tasks", totalTasks, "max_tasks", maxTasks)
		return fmt.Errorf("%d tasks exceed the limit of %d", totalTasks, maxTasks)
	}

	reg, err := wellknown.New()
	if err != nil {
		return err
	}
	m, err := loadMonitor(reg)
	if err != nil {
		return err
	}

	out, err := os.Create(outFile)
	if err != nil {
		slog.Error("Failed to create output file", "path", outFile, "error", err)
		return err
	}
	defer out.Close()
	routable, err := os.Create(routableFile)
	if err != nil {
		slog.Error("Failed to create routable file", "path", routableFile, "error", err)
		return err
	}
	defer routable.Close()

	var completed atomic.Uint64
	progressDone := make(chan struct{})
	go reportProgress(totalTasks, &completed, progressDone)
	defer close(progressDone)

	tasks := make(chan model.Task, workers*100)
	results := make(chan model.SimulationResult, workers*100)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		defer close(tasks)
		return produceTasks(ctx, traffic, matchMode, maxHosts, tasks)
	})
	g.Go(func() error {
		slog.Info("Starting evaluator workers", "count", workers)
		return m.RunBatch(ctx, workers, tasks, results)
	})
	g.Go(func() error {
		slog.Info("Starting result writer", "output_file", outFile, "routable_file", routableFile)
		return resultWriter(results, out, routable, &completed)
	})
	if err := g.Wait(); err != nil {
		slog.Error("Batch analysis failed", "error", err)
		return err
	}

	slog.Info("Analysis complete", "tasks", completed.Load(), "duration", time.Since(startTime))
	return nil
}

func loadTraffic(srcPath, dstPath, portsPath string) (*parser.InputTraffic, error) {
	srcF, err := os.Open(srcPath)
	if err != nil {
		slog.Error("Failed to open source IP file", "path", srcPath, "error", err)
		return nil, err
	}
	defer srcF.Close()

	dstF, err := os.Open(dstPath)
	if err != nil {
		slog.Error("Failed to open destination IP file", "path", dstPath, "error", err)
		return nil, err
	}
	defer dstF.Close()

	portsF, err := os.Open(portsPath)
	if err != nil {
		slog.Error("Failed to open ports file", "path", portsPath, "error", err)
		return nil, err
	}
	defer portsF.Close()

	return parser.ParseInputTraffic(srcF, dstF, portsF)
}

func reportProgress(totalTasks uint64, completed *atomic.Uint64, done <-chan struct{}) {
	if totalTasks == 0 {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastLogged uint64
	for {
		select {
		case <-ticker.C:
			n := completed.Load()
			if n == lastLogged {
				continue
			}
			remaining := uint64(0)
			if n < totalTasks {
				remaining = totalTasks - n
			}
			percent := float64(n) / float64(totalTasks) * 100
			slog.Info("Progress", "total_tasks", totalTasks, "completed_tasks", n, "remaining_tasks", remaining, "percent", fmt.Sprintf("%.2f", percent))
			lastLogged = n
			if n >= totalTasks {
				return
			}
		case <-done:
			return
		}
	}
}

// expandable reports whether a segment is probed host by host.
func expandable(p netip.Prefix, mode string, maxHosts uint64) bool {
	if mode != modeExpand {
		return false
	}
	size := utils.PrefixSize(p)
	return size > 1 && size <= maxHosts
}

// endpoints returns the ranges probed for a segment: the segment itself, or
// each of its hosts.
func endpoints(p netip.Prefix, expand bool) []spec.IPRange {
	if !expand {
		return []spec.IPRange{spec.RangeOfPrefix(p)}
	}
	var out []spec.IPRange
	for ip := range utils.Hosts(p) {
		out = append(out, spec.RangeOfAddr(ip))
	}
	return out
}

func produceTasks(ctx context.Context, traffic *parser.InputTraffic, mode string, maxHosts uint64, tasks chan<- model.Task) error {
	slog.Info("Starting task producer", "mode", mode)
	taskCount := 0

	dstExpand := make([]bool, len(traffic.DstIPs))
	for i, d := range traffic.DstIPs {
		dstExpand[i] = expandable(d.Prefix, mode, maxHosts)
	}

	for _, src := range traffic.SrcIPs {
		for _, srcRange := range endpoints(src, expandable(src, mode, maxHosts)) {
			for i, dst := range traffic.DstIPs {
				for _, dstRange := range endpoints(dst.Prefix, dstExpand[i]) {
					for _, portInfo := range traffic.Ports {
						task := model.Task{
							SrcCIDR:      src.String(),
							DstCIDR:      dst.Prefix.String(),
							SrcRange:     srcRange,
							DstRange:     dstRange,
							DstMeta:      dst.Metadata,
							Port:         portInfo.Port,
							Proto:        portInfo.Protocol,
							ServiceLabel: portInfo.Label,
						}
						select {
						case tasks <- task:
						case <-ctx.Done():
							return ctx.Err()
						}
						taskCount++
					}
				}
			}
		}
	}
	slog.Info("Task producer finished", "total_tasks", taskCount)
	return nil
}

func estimateTotalTasks(traffic *parser.InputTraffic, mode string, maxHosts uint64) uint64 {
	if traffic == nil {
		return 0
	}

	count := func(p netip.Prefix) uint64 {
		if expandable(p, mode, maxHosts) {
			return utils.PrefixSize(p)
		}
		return 1
	}

	var total uint64
	for _, src := range traffic.SrcIPs {
		srcCount := count(src)
		for _, dst := range traffic.DstIPs {
			total += srcCount * count(dst.Prefix) * uint64(len(traffic.Ports))
		}
	}
	return total
}

// routableVerdict reports whether a flow may get through.
func routableVerdict(v string) bool {
	return v == string(monitor.CertainAccept) || v == string(monitor.MayAccept)
}

// resultWriter drains results into the CSV writers. It keeps draining after
// a write error so that the workers never block, and returns the first one.
func resultWriter(results <-chan model.SimulationResult, out, routable io.Writer, completed *atomic.Uint64) error {
	outWriter := csv.NewWriter(out)
	routableWriter := csv.NewWriter(routable)

	var firstErr error
	write := func(w *csv.Writer, record []string) {
		if err := w.Write(record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	write(outWriter, resultHeader)
	write(routableWriter, resultHeader)

	var written uint64
	for result := range results {
		port := strconv.Itoa(result.Port)
		if result.Port < 0 {
			port = "any"
		}
		record := []string{
			result.SrcNetworkSegment,
			result.DstNetworkSegment,
			result.SrcAddress,
			result.DstAddress,
			result.DstGn,
			result.DstSite,
			result.DstLocation,
			result.ServiceLabel,
			result.Protocol,
			port,
			result.Verdict,
			result.Result,
			strconv.Itoa(result.Probes),
			strconv.Itoa(result.Reached),
			result.ReportID,
			result.Reason,
		}
		write(outWriter, record)
		if routableVerdict(result.Verdict) {
			write(routableWriter, record)
		}
		written++
		if written%1024 == 0 {
			completed.Store(written)
		}
	}
	completed.Store(written)

	for _, w := range []*csv.Writer{outWriter, routableWriter} {
		w.Flush()
		if err := w.Error(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slog.Info("Result writer finished", "rows", written)
	return firstErr
}
