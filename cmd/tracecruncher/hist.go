package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cruncher "github.com/tzstoyanov/trace-cruncher"
)

var histFlags struct {
	name    string
	system  string
	event   string
	axes    []string
	weights []string
	sort    []string
}

var histCmd = &cobra.Command{
	Use:   "hist",
	Short: "Control kernel histograms",
	Long: `Create, drive and destroy kernel histogram triggers. A created
histogram survives the process: it is detached on creation and reclaimed by
the destroy command.
Example usage:
  tracecruncher hist create -n forks -S sched -e sched_process_fork -k child_pid
  tracecruncher hist start -n forks -S sched -e sched_process_fork -k child_pid
  tracecruncher hist read  -n forks -S sched -e sched_process_fork -k child_pid
  tracecruncher hist destroy -n forks -S sched -e sched_process_fork -k child_pid`,
}

func init() {
	pf := histCmd.PersistentFlags()
	pf.StringVarP(&histFlags.name, "name", "n", "", "histogram name")
	pf.StringVarP(&histFlags.system, "system", "S", cruncher.KprobeSystem, "event subsystem")
	pf.StringVarP(&histFlags.event, "event", "e", "", "event name")
	pf.StringSliceVarP(&histFlags.axes, "keys", "k", nil, "key axes")
	pf.StringSliceVarP(&histFlags.weights, "vals", "V", nil, "value fields")
	pf.StringSliceVar(&histFlags.sort, "sort", nil, "sort keys")

	histCmd.AddCommand(
		histOp("create", "Create a histogram on standby", histCreate),
		histOp("start", "Start accumulating data", func(h *cruncher.Hist) error { return h.Start() }),
		histOp("stop", "Pause accumulation, keeping counts", func(h *cruncher.Hist) error { return h.Stop() }),
		histOp("read", "Print the accumulated histogram", histRead),
		histOp("clear", "Reset the accumulated counts", func(h *cruncher.Hist) error { return h.Clear() }),
		histOp("destroy", "Tear the histogram down", histDestroy),
	)
}

func histOp(use, short string, op func(*cruncher.Hist) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := initLogger()
			defer syncLogger(logger)

			fs, err := cruncher.NewTracefs(logger)
			if err != nil {
				return err
			}
			reg, err := cruncher.NewRegistry(fs, histFlags.system)
			if err != nil {
				return err
			}
			ev, err := reg.Resolve(histFlags.system, histFlags.event)
			if err != nil {
				return err
			}

			cfg := cruncher.HistConfig{
				Name:     histFlags.name,
				Axes:     histFlags.axes,
				Weights:  histFlags.weights,
				SortKeys: histFlags.sort,
			}

			var h *cruncher.Hist
			if use == "create" {
				h, err = cruncher.CreateHist(fs, ev, cfg)
			} else {
				h, err = cruncher.FindHist(fs, ev, cfg)
			}
			if err != nil {
				return err
			}
			if err := op(h); err != nil {
				return err
			}
			logger.Info("histogram "+use,
				zap.String("name", h.Name()), zap.String("state", h.State().String()))
			return nil
		},
	}
}

// histCreate leaves the new histogram detached so it outlives the process.
func histCreate(h *cruncher.Hist) error {
	h.Detach()
	return nil
}

func histRead(h *cruncher.Hist) error {
	data, err := h.Read()
	if err != nil {
		return err
	}
	fmt.Print(data)
	return nil
}

// histDestroy reclaims ownership of the found histogram and tears it down.
func histDestroy(h *cruncher.Hist) error {
	h.Attach()
	return h.Close()
}
