package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/logger"
)

// Exit codes: 0 success, 1 run failed, 2 validation error, 3 unknown tool.
const (
	exitRunFailed  = 1
	exitValidation = 2
	exitUnknown    = 3
)

var (
	exit       = os.Exit
	configPath string
	debug      bool
)

// NewRootCmd creates the root 'loom' command with persistent flags and
// subcommands.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Run declarative YAML flows",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to loom config JSON")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if debug || os.Getenv("LOOM_DEBUG") != "" {
			logger.SetDebug(true)
		}
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newGraphCmd(),
		newResumeCmd(),
		newListCmd(),
		newDeployCmd(),
		newServeCmd(),
	)
	return rootCmd
}
