package templater

import (
	"testing"
)

func data() map[string]any {
	return map[string]any{
		"name": "loom",
		"vars": map[string]any{"count": float64(3), "items": []any{"x", "y"}},
		"outputs": map[string]any{
			"step1": map[string]any{"text": "A"},
		},
		"flag": true,
	}
}

func TestRenderInterpolation(t *testing.T) {
	tp := New()
	out, err := tp.Render("prev: {{ outputs.step1.text }}", data())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "prev: A" {
		t.Errorf("got %q", out)
	}
}

func TestRenderIdempotentWithoutTokens(t *testing.T) {
	tp := New()
	in := "no templates {here}"
	out, err := tp.Render(in, data())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != in {
		t.Errorf("plain strings must render to themselves, got %q", out)
	}
}

func TestRenderWholeTokenNonString(t *testing.T) {
	tp := New()
	cases := []struct {
		tmpl, want string
	}{
		{"{{ vars.count }}", "3"},
		{"{{ flag }}", "true"},
		{"{{ vars.items }}", `["x","y"]`},
		{"{{ outputs.step1 }}", `{"text":"A"}`},
	}
	for _, c := range cases {
		out, err := tp.Render(c.tmpl, data())
		if err != nil {
			t.Errorf("render %q: %v", c.tmpl, err)
			continue
		}
		if out != c.want {
			t.Errorf("render %q = %q, want %q", c.tmpl, out, c.want)
		}
	}
}

func TestRenderMissingPathYieldsEmpty(t *testing.T) {
	tp := New()
	out, err := tp.Render("x{{ outputs.nope.deep }}y", data())
	if err != nil {
		t.Fatalf("missing path should not error: %v", err)
	}
	if out != "xy" {
		t.Errorf("got %q", out)
	}
}

func TestEvaluateExpressionSequence(t *testing.T) {
	tp := New()
	val, err := tp.EvaluateExpression("{{ vars.items }}", data())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	list, ok := val.([]any)
	if !ok || len(list) != 2 || list[0] != "x" {
		t.Errorf("expected native sequence, got %#v", val)
	}
}

func TestEvaluateExpressionComparison(t *testing.T) {
	tp := New()
	val, err := tp.EvaluateExpression("{{ vars.count > 2 }}", data())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if val != true {
		t.Errorf("expected true, got %#v (%T)", val, val)
	}
	val, err = tp.EvaluateExpression(`{{ name == "other" }}`, data())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if val != false {
		t.Errorf("expected false, got %#v", val)
	}
}

func TestEvaluateExpressionMissingIsNil(t *testing.T) {
	tp := New()
	val, err := tp.EvaluateExpression("{{ outputs.ghost }}", data())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if val != nil {
		t.Errorf("missing path should be nil, got %#v", val)
	}
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, "x", float64(1), []any{1}, map[string]any{"k": 1}}
	falsy := []any{nil, false, "", float64(0), []any{}, map[string]any{}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("%#v should be truthy", v)
		}
	}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("%#v should be falsy", v)
		}
	}
}

func TestLookupPath(t *testing.T) {
	d := map[string]any{
		"rows": []any{map[string]any{"name": "first"}},
	}
	val, ok := LookupPath(d, "rows.0.name")
	if !ok || val != "first" {
		t.Errorf("array index path failed: %#v %v", val, ok)
	}
	if _, ok := LookupPath(d, "rows.5.name"); ok {
		t.Errorf("out of range index should not resolve")
	}
}

func TestRenderSyntaxError(t *testing.T) {
	tp := New()
	if _, err := tp.Render("{{ broken", data()); err == nil {
		// pongo2 treats an unterminated token as literal text in some
		// versions; a real syntax error needs a bad tag.
		if _, err2 := tp.Render("{% endif %}", data()); err2 == nil {
			t.Errorf("expected template error")
		}
	}
}
