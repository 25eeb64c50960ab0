package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/model"
)

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var eventPath, eventJSON string
	var varFlags []string
	cmd := &cobra.Command{
		Use:   "run <flow.yaml>",
		Short: "Execute a flow file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runFlow(cmd, args[0], eventPath, eventJSON, varFlags)
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "path to event JSON file")
	cmd.Flags().StringVar(&eventJSON, "event-json", "", "event as inline JSON")
	cmd.Flags().StringArrayVar(&varFlags, "var", nil, "flow variable as key=value (repeatable)")
	return cmd
}

func runFlow(cmd *cobra.Command, path, eventPath, eventJSON string, varFlags []string) {
	vars, err := parseVarFlags(varFlags)
	if err != nil {
		logger.Error("%v", err)
		exit(exitValidation)
	}

	flow, err := dsl.Parse(path, vars)
	if err != nil {
		logger.Error("parsing %s: %v", path, err)
		exit(exitValidation)
	}

	eventPayload, err := loadEvent(eventPath, eventJSON)
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

	res, err := rt.engine.Execute(cmd.Context(), flow, eventPayload, vars)
	if err != nil {
		logger.Error("run failed: %v", err)
		if res != nil {
			printOutputs(res.Outputs)
		}
		exit(exitCodeFor(err))
	}

	if res.Status == model.RunAwaiting {
		fmt.Printf("run %s awaiting event (resume token %s)\n", res.RunID, res.Token)
		return
	}
	printOutputs(res.Outputs)
}

// exitCodeFor maps an execution error to the process exit code.
func exitCodeFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return exitValidation
	case errs.KindUnknownTool:
		return exitUnknown
	}
	return exitRunFailed
}

// parseVarFlags turns repeated --var key=value flags into a map. Values that
// parse as JSON keep their type; everything else stays a string.
func parseVarFlags(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(flags))
	for _, kv := range flags {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", kv)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			vars[key] = parsed
		} else {
			vars[key] = value
		}
	}
	return vars, nil
}

func loadEvent(eventPath, eventJSON string) (map[string]any, error) {
	var raw []byte
	switch {
	case eventPath != "" && eventJSON != "":
		return nil, fmt.Errorf("--event and --event-json are mutually exclusive")
	case eventPath != "":
		data, err := os.ReadFile(eventPath)
		if err != nil {
			return nil, err
		}
		raw = data
	case eventJSON != "":
		raw = []byte(eventJSON)
	default:
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("event is not a JSON object: %w", err)
	}
	return payload, nil
}

func printOutputs(outputs map[string]any) {
	out, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		logger.Error("serializing outputs: %v", err)
		return
	}
	fmt.Println(string(out))
}
