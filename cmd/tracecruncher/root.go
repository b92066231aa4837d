package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "tracecruncher",
	Short: "Control ftrace kprobes and kernel histograms",
	Long: `tracecruncher drives the kernel's ftrace subsystem through tracefs:
it lists trace events, registers dynamic kprobes from a session file and
manages kernel histogram triggers. Most operations need root.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.AddCommand(eventsCmd, runCmd, histCmd)
}

func initLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func syncLogger(logger *zap.Logger) {
	_ = logger.Sync()
}
