package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/logger"
)

// newValidateCmd creates the 'validate' subcommand.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow.yaml>",
		Short: "Parse and validate a flow file without running it",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			flow, err := dsl.Parse(args[0], nil)
			if err != nil {
				logger.Error("%v", err)
				exit(exitValidation)
			}
			if err := dsl.Validate(flow); err != nil {
				logger.Error("%v", err)
				exit(exitValidation)
			}
			fmt.Printf("%s: OK\n", flow.Name)
		},
	}
}
