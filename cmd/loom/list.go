package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/logger"
)

// newListCmd creates the 'list' subcommand.
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rt, err := openRuntime(configPath)
			if err != nil {
				logger.Error("initializing runtime: %v", err)
				exit(exitRunFailed)
			}
			defer rt.Close()

			runs, err := rt.store.ListRuns(cmd.Context())
			if err != nil {
				logger.Error("listing runs: %v", err)
				exit(exitRunFailed)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tFLOW\tSTATUS\tSTARTED\tDURATION")
			for _, run := range runs {
				duration := "-"
				if run.EndedAt != nil {
					duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.FlowName, run.Status,
					run.StartedAt.Format(time.RFC3339), duration)
			}
			w.Flush()
		},
	}
}
