package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/logger"
)

// newGraphCmd creates the 'graph' subcommand.
func newGraphCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "graph <flow.yaml>",
		Short: "Export a flow's step graph as a Mermaid flowchart",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			flow, err := dsl.Parse(args[0], nil)
			if err != nil {
				logger.Error("%v", err)
				exit(exitValidation)
			}
			diagram, err := graph.ExportMermaid(flow)
			if err != nil {
				logger.Error("rendering graph: %v", err)
				exit(exitRunFailed)
			}
			if outPath != "" {
				if err := os.WriteFile(outPath, []byte(diagram), 0o644); err != nil {
					logger.Error("writing %s: %v", outPath, err)
					exit(exitRunFailed)
				}
				return
			}
			fmt.Print(diagram)
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the diagram to a file instead of stdout")
	return cmd
}
