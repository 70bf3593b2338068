package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/encodeous/loom/core"
	"github.com/encodeous/loom/state"
)

var (
	networkPath string
	verbose     bool
	logPath     string
	debugOpts   core.DebugOptions
	settings    = state.DefaultSettings()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom Routing Simulator",
	Long: `Loom computes the converged routing and forwarding state of a network described in YAML.
It simulates connected, static, generated, OSPF, RIP and BGP routes, and traces flows through the result.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// setup loads the network named by the persistent flags, applies the settings given
// on the command line and starts the requested diagnostics. The returned function
// must be called once the command is done.
func setup(cmd *cobra.Command) (*state.NetworkCfg, *slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if logPath != "" {
		if err := state.PathValidator(logPath); err != nil {
			return nil, nil, nil, err
		}
	}
	log, closeLog, err := core.NewLogger(level, logPath, "")
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := state.LoadNetwork(networkPath)
	if err != nil {
		_ = closeLog()
		return nil, nil, nil, err
	}
	applySettingFlags(cmd, &cfg.Settings)
	stopDebug, err := core.StartDebugging(debugOpts, log)
	if err != nil {
		_ = closeLog()
		return nil, nil, nil, err
	}
	return cfg, log, func() {
		stopDebug()
		_ = closeLog()
	}, nil
}

// applySettingFlags overrides the settings of the document with the flags the user set.
func applySettingFlags(cmd *cobra.Command, s *state.Settings) {
	flags := cmd.Flags()
	if flags.Changed("debug-oscillation") {
		s.DebugOscillation = settings.DebugOscillation
	}
	if flags.Changed("recovery-attempts") {
		s.MaxOscillationRecoveryAttempts = settings.MaxOscillationRecoveryAttempts
	}
	if flags.Changed("recorded-iterations") {
		s.MaxRecordedIterations = settings.MaxRecordedIterations
	}
	if flags.Changed("record-all-iterations") {
		s.RecordAllIterations = settings.RecordAllIterations
	}
	if flags.Changed("print-all-iterations") {
		s.PrintAllIterations = settings.PrintAllIterations
	}
	if flags.Changed("workers") {
		s.Workers = settings.Workers
	}
}

func computeFromFlags(cmd *cobra.Command) (*core.DataPlane, func(), error) {
	cfg, log, done, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	dp, err := core.ComputeDataPlane(context.Background(), cfg, log)
	if err != nil {
		done()
		return nil, nil, err
	}
	return dp, done, nil
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "sim",
		Title: "Simulation Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cfg",
		Title: "Configuration Commands",
	})
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&networkPath, "config", "c", "network.yaml", "network description")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	pf.StringVar(&logPath, "log", "", "also write logs to this file")
	pf.StringVar(&debugOpts.TracePath, "trace-out", "", "write a runtime execution trace to this file")
	pf.StringVar(&debugOpts.MetricsAddr, "metrics", "", "serve expvar metrics on this address while running")

	pf.BoolVar(&settings.DebugOscillation, "debug-oscillation", false, "include a route diff of oscillating iterations in errors")
	pf.IntVar(settings.MaxOscillationRecoveryAttempts, "recovery-attempts", state.DefaultMaxRecoveryAttempts, "restarts allowed after an oscillation is detected")
	pf.IntVar(&settings.MaxRecordedIterations, "recorded-iterations", state.DefaultMaxRecordedIters, "iteration snapshots retained for oscillation analysis")
	pf.BoolVar(&settings.RecordAllIterations, "record-all-iterations", false, "retain a snapshot of every iteration")
	pf.BoolVar(&settings.PrintAllIterations, "print-all-iterations", false, "diff every retained iteration, not only the cycle")
	pf.IntVarP(&settings.Workers, "workers", "w", 0, "worker goroutines, 0 uses GOMAXPROCS")
}
