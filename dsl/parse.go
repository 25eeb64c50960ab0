// Package dsl loads and validates flow definitions.
//
// Parsing is two-phase: a pre-render pass substitutes caller-supplied
// {{ vars.X }} references in the raw YAML text (a convenience that lets flow
// authors template top-level fields like the flow name), then the rendered
// text is decoded into the model. Runtime templates are left untouched for
// the engine.
package dsl

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

var preRenderToken = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// PreRender substitutes {{ vars.X }} (or bare {{ X }}) references from vars
// into raw template text. Undefined references are left byte-exact so the
// engine can resolve them at run time.
func PreRender(raw string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(raw, "{{") {
		return raw
	}
	return preRenderToken.ReplaceAllStringFunc(raw, func(token string) string {
		path := preRenderToken.FindStringSubmatch(token)[1]
		path = strings.TrimPrefix(path, "vars.")
		val, ok := vars[path]
		if !ok {
			return token
		}
		switch x := val.(type) {
		case string:
			return x
		case nil:
			return token
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return token
			}
			return string(b)
		}
	})
}

// ParseString decodes YAML source into a Flow after the pre-render pass.
func ParseString(source string, vars map[string]any) (*model.Flow, error) {
	rendered := PreRender(source, vars)
	var flow model.Flow
	if err := yaml.Unmarshal([]byte(rendered), &flow); err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parsing flow YAML")
	}
	return &flow, nil
}

// Parse reads and decodes a flow file.
func Parse(path string, vars map[string]any) (*model.Flow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow file: %w", err)
	}
	return ParseString(string(raw), vars)
}

// Load reads, pre-renders, parses, and validates a flow file in one step.
func Load(path string, vars map[string]any) (*model.Flow, error) {
	flow, err := Parse(path, vars)
	if err != nil {
		return nil, err
	}
	if err := Validate(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// LoadString parses and validates flow YAML held in memory.
func LoadString(source string, vars map[string]any) (*model.Flow, error) {
	flow, err := ParseString(source, vars)
	if err != nil {
		return nil, err
	}
	if err := Validate(flow); err != nil {
		return nil, err
	}
	return flow, nil
}
