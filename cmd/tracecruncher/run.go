package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cruncher "github.com/tzstoyanov/trace-cruncher"
)

var sessionFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a tracing session from a session file",
	Long: `Register the kprobes and histograms described in the session file,
stream trace output until interrupted, then tear everything down.
Example usage:
  tracecruncher run -s session.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := initLogger()
		defer syncLogger(logger)
		return runSession(logger)
	},
}

func init() {
	runCmd.Flags().StringVarP(&sessionFile, "session", "s", "session.yaml",
		"session description file")
}

func runSession(logger *zap.Logger) error {
	cfg, err := loadSession(sessionFile)
	if err != nil {
		return err
	}

	fs, err := cruncher.NewTracefs(logger)
	if err != nil {
		return err
	}
	reg, err := cruncher.NewRegistry(fs)
	if err != nil {
		return err
	}

	// Kernel state outlives the process; release everything acquired so
	// far on every exit path, histograms before their instances go away
	// and probes after their events are disabled.
	var probes []*cruncher.Kprobe
	var hists []*cruncher.Hist
	defer func() {
		for _, h := range hists {
			if err := h.Close(); err != nil {
				logger.Warn("closing histogram", zap.String("name", h.Name()), zap.Error(err))
			}
		}
		for _, kp := range probes {
			if ev := kp.Event(); ev != nil {
				if err := ev.Disable(""); err != nil {
					logger.Warn("disabling probe event", zap.String("probe", kp.Name()), zap.Error(err))
				}
			}
			if err := kp.Unregister(); err != nil {
				logger.Warn("unregistering probe", zap.String("probe", kp.Name()), zap.Error(err))
			}
		}
	}()

	for i := range cfg.Probes {
		kp, err := cfg.Probes[i].build(fs, reg)
		if err != nil {
			return err
		}
		if err := kp.Register(); err != nil {
			return err
		}
		probes = append(probes, kp)
		if filter := cfg.Probes[i].Filter; filter != "" {
			if err := kp.Event().SetFilter("", filter); err != nil {
				return err
			}
		}
		if err := kp.Event().Enable(""); err != nil {
			return err
		}
		logger.Info("probe registered",
			zap.String("probe", kp.Name()), zap.Int("id", kp.ID()))
	}

	for i := range cfg.Histograms {
		hc := &cfg.Histograms[i]
		ev, err := reg.Resolve(hc.System, hc.Event)
		if err != nil {
			return err
		}
		h, err := cruncher.CreateHist(fs, ev, hc.config())
		if err != nil {
			return err
		}
		hists = append(hists, h)
		if err := h.Start(); err != nil {
			return err
		}
		logger.Info("histogram running", zap.String("name", h.Name()))
	}

	if err := streamTracePipe(fs, logger); err != nil {
		return err
	}

	for _, h := range hists {
		data, err := h.Read()
		if err != nil {
			return err
		}
		fmt.Printf("histogram %s:\n%s\n", h.Name(), data)
	}
	return nil
}

// streamTracePipe copies trace output to stdout until SIGINT/SIGTERM.
func streamTracePipe(fs *cruncher.Tracefs, logger *zap.Logger) error {
	pipe, err := os.Open(filepath.Join(fs.Root(), "trace_pipe"))
	if err != nil {
		return fmt.Errorf("trace_pipe: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	go func() {
		// The copy ends with an error once the pipe is closed under it;
		// that is the intended shutdown path.
		_, _ = io.Copy(os.Stdout, pipe)
	}()

	logger.Info("streaming trace output, interrupt to stop")
	<-sig
	return pipe.Close()
}
