package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/model"
)

// newServeCmd creates the 'serve' subcommand: a long-running worker that
// re-arms suspended runs and starts new ones when their trigger topics fire.
func newServeCmd() *cobra.Command {
	var flowsDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen on the event bus and start flows on their triggers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rt, err := openRuntime(configPath)
			if err != nil {
				logger.Error("initializing runtime: %v", err)
				exit(exitRunFailed)
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := rt.engine.RearmPending(ctx); err != nil {
				logger.Error("re-arming suspended runs: %v", err)
				exit(exitRunFailed)
			}

			flows, err := loadFlows(flowsDir)
			if err != nil {
				logger.Error("loading flows from %s: %v", flowsDir, err)
				exit(exitValidation)
			}
			for _, flow := range flows {
				if err := subscribeTriggers(ctx, rt, flow); err != nil {
					logger.Error("subscribing triggers for %s: %v", flow.Name, err)
					exit(exitRunFailed)
				}
			}

			logger.Info("serving %d flows, waiting for events", len(flows))
			<-ctx.Done()
			logger.Info("shutting down")
		},
	}
	cmd.Flags().StringVar(&flowsDir, "flows-dir", "flows", "directory of flow YAML files to serve")
	return cmd
}

// loadFlows parses and validates every .yaml/.yml file in dir.
func loadFlows(dir string) ([]*model.Flow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var flows []*model.Flow
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		flow, err := dsl.Parse(filepath.Join(dir, entry.Name()), nil)
		if err != nil {
			return nil, err
		}
		if err := dsl.Validate(flow); err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

// subscribeTriggers starts a run of flow each time one of its trigger topics
// fires. Triggers named cli.manual only run through `loom run`.
func subscribeTriggers(ctx context.Context, rt *runtime, flow *model.Flow) error {
	for _, topic := range flow.Triggers() {
		if topic == "" || topic == "cli.manual" {
			continue
		}
		flow := flow
		if _, err := rt.bus.Subscribe(ctx, topic, func(payload map[string]any) {
			res, err := rt.engine.Execute(ctx, flow, payload, nil)
			if err != nil {
				logger.Warn("run of %s failed: %v", flow.Name, err)
				return
			}
			logger.Infow("triggered run finished", "flow", flow.Name,
				"run_id", res.RunID.String(), "status", string(res.Status))
		}); err != nil {
			return err
		}
		logger.Info("flow %s subscribed to topic %s", flow.Name, topic)
	}
	return nil
}
