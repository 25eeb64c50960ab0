// Package templater renders {{ ... }} expressions against a run context.
//
// The expression language is pongo2's (Django/Jinja-style): dotted paths,
// comparisons, boolean and/or/not, and literals. Loom adds two behaviors on
// top: whole-token templates that resolve to a non-string are serialized as
// JSON rather than Go-formatted, and EvaluateExpression returns native values
// so foreach can iterate real sequences.
package templater

import (
	"encoding/json"
	"strconv"
	"strings"

	pongo2 "github.com/flosch/pongo2/v6"

	"github.com/loomworks/loom/errs"
)

// Templater renders template strings with a shared pongo2 configuration.
type Templater struct{}

// New creates a Templater.
func New() *Templater {
	return &Templater{}
}

// Render interpolates every {{ ... }} token in tmpl, preserving surrounding
// literal text. A template that is exactly one token and resolves to a
// non-string value renders as its JSON serialization (booleans and numbers
// inline, objects and arrays JSON-encoded).
func (t *Templater) Render(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		// Idempotence on already-resolved strings.
		return tmpl, nil
	}
	if isSingleToken(tmpl) {
		val, err := t.EvaluateExpression(tmpl, data)
		if err != nil {
			return "", err
		}
		return stringify(val)
	}
	return t.render(tmpl, data)
}

func (t *Templater) render(tmpl string, data map[string]any) (string, error) {
	tpl, err := pongo2.FromString(tmpl)
	if err != nil {
		return "", errs.Wrap(errs.KindTemplate, err, "invalid template %q", tmpl)
	}
	out, err := tpl.Execute(pongo2.Context(data))
	if err != nil {
		return "", errs.Wrap(errs.KindTemplate, err, "rendering %q", tmpl)
	}
	return out, nil
}

// EvaluateExpression resolves tmpl to a native value instead of a string.
// Single-token templates with a plain path resolve by direct lookup, so
// sequences and objects survive untouched; anything else renders through
// pongo2 and is parsed back from JSON when possible.
func (t *Templater) EvaluateExpression(tmpl string, data map[string]any) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if !strings.Contains(trimmed, "{{") {
		return tmpl, nil
	}
	if isSingleToken(trimmed) {
		expr := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if isPlainPath(expr) {
			val, _ := LookupPath(data, expr)
			// Missing paths yield null per the template contract.
			return val, nil
		}
	}
	rendered, err := t.render(tmpl, data)
	if err != nil {
		return nil, err
	}
	var parsed any
	if jsonErr := json.Unmarshal([]byte(rendered), &parsed); jsonErr == nil {
		return parsed, nil
	}
	// pongo2 prints booleans as True/False.
	switch rendered {
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	return rendered, nil
}

// Truthy implements the truthiness used by step conditions: null, false, 0,
// "", empty arrays, and empty objects are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "False"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

// LookupPath resolves a dotted path (object keys and numeric array indices,
// e.g. "outputs.fetch.items.0.name") in data. The second return reports
// whether the full path resolved.
func LookupPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// isSingleToken reports whether s is exactly one {{ ... }} expression.
func isSingleToken(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") &&
		strings.Count(s, "{{") == 1
}

// isPlainPath reports whether expr is a bare dotted path with no operators,
// filters, or literals that need full evaluation.
func isPlainPath(expr string) bool {
	if expr == "" {
		return false
	}
	return !strings.ContainsAny(expr, "|()+-*/%<>=!'\" ") &&
		expr != "true" && expr != "false" && expr != "null"
}

func stringify(val any) (string, error) {
	switch x := val.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	}
	b, err := json.Marshal(val)
	if err != nil {
		return "", errs.Wrap(errs.KindTemplate, err, "serializing template value")
	}
	return string(b), nil
}

// Render is a convenience for one-off rendering.
func Render(tmpl string, data map[string]any) (string, error) {
	return New().Render(tmpl, data)
}
