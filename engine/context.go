package engine

import (
	"sync"

	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/secrets"
)

// runContext carries the mutable state of one run: resolved vars, the trigger
// event, the shared outputs map, and the foreach binding chain. Parallel
// children share vars/event/outputs; bindings are copy-on-extend so sibling
// scopes never see each other's loop variables.
type runContext struct {
	mu   *sync.Mutex
	flow *model.Flow
	run  *model.Run

	vars    map[string]any
	event   map[string]any
	outputs map[string]any // guarded by mu
	secrets secrets.Provider

	bindings []map[string]any
}

func newRunContext(flow *model.Flow, run *model.Run, secretsProvider secrets.Provider) *runContext {
	return &runContext{
		mu:      &sync.Mutex{},
		flow:    flow,
		run:     run,
		vars:    run.Vars,
		event:   run.Event,
		outputs: map[string]any{},
		secrets: secretsProvider,
	}
}

// withBindings returns a child context extended with one binding frame.
// The parent's chain is copied, not mutated.
func (rc *runContext) withBindings(frame map[string]any) *runContext {
	child := *rc
	child.bindings = append(append([]map[string]any{}, rc.bindings...), frame)
	return &child
}

func (rc *runContext) setOutput(id string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[id] = v
}

func (rc *runContext) output(id string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.outputs[id]
	return v, ok
}

func (rc *runContext) snapshotOutputs() map[string]any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make(map[string]any, len(rc.outputs))
	for k, v := range rc.outputs {
		out[k] = v
	}
	return out
}

// templateData flattens the context for the templater. Layers are written
// lowest-precedence first so later writes shadow earlier ones: secrets, then
// event, vars, step outputs (namespaced and bare), and finally foreach
// bindings innermost-last. The namespaced views (secrets.*, event.*, vars.*,
// outputs.*) are always reachable regardless of shadowing.
func (rc *runContext) templateData() map[string]any {
	data := map[string]any{}
	if rc.secrets != nil {
		sec := map[string]any{}
		for k, v := range rc.secrets.All() {
			sec[k] = v
			data[k] = v
		}
		data["secrets"] = sec
	}
	for k, v := range rc.event {
		data[k] = v
	}
	data["event"] = rc.event
	for k, v := range rc.vars {
		data[k] = v
	}
	data["vars"] = rc.vars

	outputs := rc.snapshotOutputs()
	for k, v := range outputs {
		data[k] = v
	}
	data["outputs"] = outputs

	for _, frame := range rc.bindings {
		for k, v := range frame {
			data[k] = v
		}
	}
	return data
}
