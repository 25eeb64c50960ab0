package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/logger"
)

// newDeployCmd creates the 'deploy' subcommand. Deploying stores the flow
// source as a new immutable version; `loom deploy --show` prints a stored
// version back.
func newDeployCmd() *cobra.Command {
	var show string
	var version int
	cmd := &cobra.Command{
		Use:   "deploy <flow.yaml>",
		Short: "Store a validated flow as a new version",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			rt, err := openRuntime(configPath)
			if err != nil {
				logger.Error("initializing runtime: %v", err)
				exit(exitRunFailed)
			}
			defer rt.Close()

			if show != "" {
				content, err := rt.store.GetFlowVersionContent(cmd.Context(), show, version)
				if err != nil {
					logger.Error("%v", err)
					exit(exitRunFailed)
				}
				fmt.Print(content)
				return
			}

			if len(args) == 0 {
				logger.Error("a flow file is required unless --show is given")
				exit(exitValidation)
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				logger.Error("reading %s: %v", args[0], err)
				exit(exitValidation)
			}
			flow, err := dsl.ParseString(string(raw), nil)
			if err != nil {
				logger.Error("%v", err)
				exit(exitValidation)
			}
			if err := dsl.Validate(flow); err != nil {
				logger.Error("%v", err)
				exit(exitValidation)
			}
			v, err := rt.store.DeployFlowVersion(cmd.Context(), flow.Name, string(raw))
			if err != nil {
				logger.Error("deploying %s: %v", flow.Name, err)
				exit(exitRunFailed)
			}
			fmt.Printf("deployed %s version %d\n", flow.Name, v)
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "print a deployed flow by name instead of deploying")
	cmd.Flags().IntVar(&version, "version", 0, "version to print with --show (0 = latest)")
	return cmd
}
