package dsl

import (
	_ "embed"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/model"
)

//go:embed schema.json
var schemaJSON string

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate enforces the structural invariants of a flow. Validation is pure:
// no I/O and no adapter lookups, so an offline flow never fails merely
// because a tool isn't installed.
func Validate(flow *model.Flow) error {
	if flow == nil {
		return errs.Validation("flow is nil")
	}
	if flow.Name == "" {
		return errs.Validation("flow name is required")
	}
	if !identRe.MatchString(flow.Name) {
		return errs.Validation("flow name %q is not a valid identifier", flow.Name)
	}
	if len(flow.Steps) == 0 {
		return errs.Validation("flow %q has no steps", flow.Name)
	}
	if err := validateSchema(flow); err != nil {
		return err
	}
	if err := validateScope(flow.Steps, flow.Vars); err != nil {
		return err
	}
	if len(flow.Catch) > 0 {
		if err := validateScope(flow.Catch, nil); err != nil {
			return err
		}
	}
	return nil
}

// validateSchema runs the embedded JSON-Schema over the flow document. It
// backstops the hand checks with shape errors (wrong types, unknown keys).
func validateSchema(flow *model.Flow) error {
	schema, err := jsonschema.CompileString("flow.schema.json", schemaJSON)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err, "compiling flow schema")
	}
	raw, err := json.Marshal(flow)
	if err != nil {
		return errs.Wrap(errs.KindValidation, err, "serializing flow for validation")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return errs.Wrap(errs.KindValidation, err, "serializing flow for validation")
	}
	if err := schema.Validate(doc); err != nil {
		return errs.Wrap(errs.KindValidation, err, "flow %q fails schema validation", flow.Name)
	}
	return nil
}

// validateScope checks one sibling step list. Nested scopes (parallel steps,
// foreach do-blocks) are validated recursively; their ids re-shadow.
func validateScope(steps []model.Step, vars map[string]any) error {
	seen := map[string]bool{}
	for i := range steps {
		step := &steps[i]
		if err := validateStep(step); err != nil {
			return err
		}
		if seen[step.ID] {
			return errs.Validation("duplicate step id %q within its scope", step.ID)
		}
		seen[step.ID] = true
		if _, collides := vars[step.ID]; collides {
			// Bare template references resolve outputs before vars, so a
			// collision would silently shadow the var.
			return errs.Validation("step id %q collides with a vars key", step.ID)
		}
	}
	// depends_on targets must exist among siblings and form no cycle.
	if _, err := graph.SortSteps(steps); err != nil {
		return err
	}
	for i := range steps {
		if len(steps[i].Steps) > 0 {
			if err := validateScope(steps[i].Steps, nil); err != nil {
				return err
			}
		}
		if len(steps[i].Do) > 0 {
			if err := validateScope(steps[i].Do, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStep(step *model.Step) error {
	if step.ID == "" {
		return errs.Validation("step id is required")
	}
	// Ids inside foreach do-blocks may be templated; they render per item.
	if !strings.Contains(step.ID, "{{") && !identRe.MatchString(step.ID) {
		return errs.Validation("step id %q is not a valid identifier", step.ID)
	}

	actions := 0
	if step.Use != "" {
		actions++
	}
	if step.Parallel && len(step.Steps) > 0 {
		actions++
	}
	if step.Foreach != "" {
		actions++
	}
	if step.AwaitEvent != nil {
		actions++
	}
	if step.Wait != nil {
		actions++
	}
	if actions == 0 {
		return errs.Validation("step %q must have exactly one action: use, parallel+steps, foreach, await_event, or wait", step.ID)
	}
	if actions > 1 {
		return errs.Validation("step %q has multiple actions; exactly one is allowed", step.ID)
	}

	if step.Parallel && len(step.Steps) == 0 && step.Foreach == "" {
		return errs.Validation("parallel step %q must have non-empty steps", step.ID)
	}
	if step.Foreach != "" {
		if step.As == "" {
			return errs.Validation("foreach step %q must have an 'as' binding", step.ID)
		}
		if !identRe.MatchString(step.As) {
			return errs.Validation("foreach binding %q in step %q is not a valid identifier", step.As, step.ID)
		}
		if len(step.Do) == 0 {
			return errs.Validation("foreach step %q must have a non-empty 'do' block", step.ID)
		}
	}
	if step.Retry != nil {
		if step.Retry.Attempts < 1 {
			return errs.Validation("step %q: retry.attempts must be >= 1", step.ID)
		}
		if step.Retry.DelaySec < 0 {
			return errs.Validation("step %q: retry.delay_sec must be >= 0", step.ID)
		}
	}
	if step.AwaitEvent != nil {
		if step.AwaitEvent.Source == "" {
			return errs.Validation("await_event step %q must have a source", step.ID)
		}
		if len(step.AwaitEvent.Match) == 0 {
			return errs.Validation("await_event step %q must have match criteria", step.ID)
		}
		if step.AwaitEvent.Timeout != "" {
			if _, err := model.ParseDuration(step.AwaitEvent.Timeout); err != nil {
				return errs.Validation("await_event step %q: %v", step.ID, err)
			}
		}
	}
	if step.Wait != nil && step.Wait.Seconds < 0 {
		return errs.Validation("wait step %q: seconds must be >= 0", step.ID)
	}
	return nil
}
