package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/model"
)

// newResumeCmd creates the 'resume' subcommand.
func newResumeCmd() *cobra.Command {
	var eventPath, eventJSON string
	cmd := &cobra.Command{
		Use:   "resume <token>",
		Short: "Deliver an event payload to an awaiting run",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			payload, err := loadEvent(eventPath, eventJSON)
			if err != nil {
				logger.Error("loading event: %v", err)
				exit(exitValidation)
			}
			rt, err := openRuntime(configPath)
			if err != nil {
				logger.Error("initializing runtime: %v", err)
				exit(exitRunFailed)
			}
			defer rt.Close()

			res, err := rt.engine.Resume(cmd.Context(), args[0], payload)
			if err != nil {
				logger.Error("resume failed: %v", err)
				exit(exitCodeFor(err))
			}
			if res.Status == model.RunAwaiting {
				fmt.Printf("run %s awaiting event (resume token %s)\n", res.RunID, res.Token)
				return
			}
			printOutputs(res.Outputs)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "path to event JSON file")
	cmd.Flags().StringVar(&eventJSON, "event-json", "", "event as inline JSON")
	return cmd
}
