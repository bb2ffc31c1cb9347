package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"lsfw/internal/config"
	"lsfw/internal/monitor"
	"lsfw/pkg/wellknown"
)

var (
	topologyFile string
	logLevel     string
	logFile      string
	parallel     bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lsfw",
		Short: "A static firewall policy simulator",
		Long: `lsfw loads a lab of routers and firewalls and walks abstract probes
through it to tell whether a flow is accepted, denied or lost on the way.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(setupLogger(logLevel, logFile, cmd.ErrOrStderr()))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&topologyFile, "topology", "t", "", "Lab description YAML file (required)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")
	rootCmd.PersistentFlags().BoolVar(&parallel, "parallel", false, "Explore equal cost branches concurrently")

	rootCmd.AddCommand(newProbeCmd(), newBatchCmd(), newTopologyCmd())
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setupLogger builds the JSON logger. When the log file cannot be opened, the
// logs go to stderr and a warning is written to warn.
func setupLogger(level, logFilePath string, warn io.Writer) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			fmt.Fprintf(warn, "warning: cannot open log file %s: %v, logging to stderr\n", logFilePath, err)
		} else {
			logWriter = f
		}
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}

// loadMonitor reads the lab and configures its devices. The --parallel flag
// overrides the simulation settings of the lab.
func loadMonitor(reg *wellknown.Registry) (*monitor.Monitor, error) {
	if topologyFile == "" {
		return nil, fmt.Errorf("a lab description must be given with --topology")
	}
	slog.Info("Loading lab", "path", topologyFile)
	lab, err := config.Load(topologyFile, reg)
	if err != nil {
		slog.Error("Failed to load lab", "path", topologyFile, "error", err)
		return nil, err
	}
	sim := lab.Simulation
	m, err := monitor.New(lab.Devices, lab.Arena, monitor.Options{
		TTL:       sim.TTL,
		MaxProbes: sim.MaxProbes,
		MaxDepth:  sim.MaxDepth,
		Parallel:  sim.Parallel || parallel,
	})
	if err != nil {
		slog.Error("Failed to configure lab", "error", err)
		return nil, err
	}
	return m, nil
}
