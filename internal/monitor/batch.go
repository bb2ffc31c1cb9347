package monitor

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"lsfw/internal/model"
	"lsfw/internal/probe"
	"lsfw/internal/spec"
)

// TaskQuery turns a batch task into a query.
func TaskQuery(task *model.Task) Query {
	flow := probe.Flow{Src: task.SrcRange, Dst: task.DstRange}
	if n := task.Proto.Number(); n >= 0 {
		flow.Protocols = spec.NewProtoSet(n)
	}
	if task.Port >= 0 {
		switch task.Proto {
		case model.TCP, model.UDP:
			flow.DstPort = spec.PortEq(task.Port)
		case model.ICMP:
			flow.ICMP = spec.ICMPType(task.Port)
		}
	}
	return Query{Flow: flow}
}

// Evaluate analyzes a batch task. Analysis errors are reported in the row.
func (m *Monitor) Evaluate(ctx context.Context, task *model.Task) model.SimulationResult {
	result := model.SimulationResult{
		SrcNetworkSegment: task.SrcCIDR,
		DstNetworkSegment: task.DstCIDR,
		SrcAddress:        task.SrcRange.String(),
		DstAddress:        task.DstRange.String(),
		DstGn:             task.DstMeta["dst_gn"],
		DstSite:           task.DstMeta["dst_site"],
		DstLocation:       task.DstMeta["dst_location"],
		ServiceLabel:      task.ServiceLabel,
		Protocol:          string(task.Proto),
		Port:              task.Port,
	}

	report, err := m.Analyze(ctx, TaskQuery(task))
	if err != nil {
		slog.Warn("Analysis failed", "src", task.SrcCIDR, "dst", task.DstCIDR, "error", err)
		result.Verdict = string(Error)
		result.Reason = err.Error()
		return result
	}
	result.Verdict = string(report.Verdict)
	result.Result = report.Result.String()
	result.ReportID = report.ID
	result.Probes = len(report.Probes)
	result.Reached = report.Reached
	result.Reason = report.Reason()
	return result
}

// Worker evaluates tasks until the channel is closed or ctx is done.
func (m *Monitor) Worker(ctx context.Context, id int, tasks <-chan model.Task, results chan<- model.SimulationResult) error {
	slog.Debug("Worker started", "id", id)
	for task := range tasks {
		result := m.Evaluate(ctx, &task)
		select {
		case results <- result:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Debug("Worker finished", "id", id)
	return nil
}

// RunBatch runs workers over tasks and closes results once all of them are
// done.
func (m *Monitor) RunBatch(ctx context.Context, workers int, tasks <-chan model.Task, results chan<- model.SimulationResult) error {
	defer close(results)
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error { return m.Worker(gctx, i+1, tasks, results) })
	}
	return g.Wait()
}
