package graph

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

func TestSortStepsSequentialNoDeps(t *testing.T) {
	steps := []model.Step{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	order, err := SortSteps(steps)
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	if order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("forward-only graph must keep source order, got %v", order)
	}
}

func TestSortStepsDependsOn(t *testing.T) {
	steps := []model.Step{
		{ID: "a", DependsOn: []string{"c"}},
		{ID: "b"},
		{ID: "c"},
	}
	order, err := SortSteps(steps)
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	pos := map[string]int{}
	for rank, idx := range order {
		pos[steps[idx].ID] = rank
	}
	if pos["c"] >= pos["a"] {
		t.Errorf("c must run before a: %v", order)
	}
	// b has no deps; stable tie-break keeps it ahead of c.
	if pos["b"] != 0 {
		t.Errorf("b should come first, got %v", order)
	}
}

func TestSortStepsCycle(t *testing.T) {
	steps := []model.Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	_, err := SortSteps(steps)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if errs.KindOf(err) != errs.KindValidation {
		t.Errorf("cycle should be a validation error, got %v", errs.KindOf(err))
	}
}

func TestSortStepsUnknownDep(t *testing.T) {
	steps := []model.Step{{ID: "a", DependsOn: []string{"ghost"}}}
	if _, err := SortSteps(steps); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestExportMermaid(t *testing.T) {
	f := &model.Flow{
		Name: "pipeline",
		Steps: []model.Step{
			{ID: "fetch", Use: "http.fetch"},
			{ID: "summarize", Use: "openai.chat_completion"},
			{ID: "notify", Use: "slack.post", DependsOn: []string{"summarize"}},
		},
	}
	s, err := ExportMermaid(f)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"fetch", "summarize --> notify", "fetch --> summarize"} {
		if !strings.Contains(s, want) {
			t.Errorf("mermaid output missing %q:\n%s", want, s)
		}
	}
}

func TestExportMermaidEmpty(t *testing.T) {
	s, err := ExportMermaid(&model.Flow{Name: "empty"})
	if err != nil || s != "" {
		t.Errorf("expected empty output, got %q err %v", s, err)
	}
}
