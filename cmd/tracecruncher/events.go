package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cruncher "github.com/tzstoyanov/trace-cruncher"
)

var eventsCmd = &cobra.Command{
	Use:   "events [system ...]",
	Short: "List trace events known to the kernel",
	Long: `List the trace events of the running kernel with their ids, optionally
restricted to the named subsystems.
Example usage:
  tracecruncher events sched irq`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := initLogger()
		defer syncLogger(logger)

		fs, err := cruncher.NewTracefs(logger)
		if err != nil {
			return err
		}
		reg, err := cruncher.NewRegistry(fs, args...)
		if err != nil {
			return err
		}

		for _, ev := range reg.Events() {
			fmt.Printf("%6d  %s/%s\n", ev.ID(), ev.System, ev.Name)
		}
		return nil
	},
}
