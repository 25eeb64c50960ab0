package model

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestStepUnmarshalParallelBool(t *testing.T) {
	src := `
id: block
parallel: true
steps:
  - id: a
    use: core.echo
    with: {text: hi}
`
	var step Step
	if err := yaml.Unmarshal([]byte(src), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !step.Parallel {
		t.Errorf("expected parallel=true")
	}
	if len(step.Steps) != 1 || step.Steps[0].ID != "a" {
		t.Errorf("expected one nested step 'a', got %+v", step.Steps)
	}
}

func TestStepUnmarshalParallelSequence(t *testing.T) {
	src := `
id: block
parallel: [a, b]
steps:
  - id: a
    use: core.echo
  - id: b
    use: core.echo
`
	var step Step
	if err := yaml.Unmarshal([]byte(src), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !step.Parallel {
		t.Errorf("sequence form of parallel should decode as true")
	}
	if len(step.Steps) != 2 || step.Steps[0].ID != "a" || step.Steps[1].ID != "b" {
		t.Errorf("sibling fields should survive the parallel fixup, got %+v", step.Steps)
	}
}

func TestStepUnmarshalParallelFalse(t *testing.T) {
	src := `
id: one
parallel: false
use: core.echo
`
	var step Step
	if err := yaml.Unmarshal([]byte(src), &step); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if step.Parallel {
		t.Errorf("parallel=false should stay false")
	}
}

func TestFlowTriggers(t *testing.T) {
	f := &Flow{On: "cli.manual"}
	if got := f.Triggers(); len(got) != 1 || got[0] != "cli.manual" {
		t.Errorf("single trigger: got %v", got)
	}
	f = &Flow{On: []any{"cli.manual", "schedule.cron"}}
	if got := f.Triggers(); len(got) != 2 || got[1] != "schedule.cron" {
		t.Errorf("trigger list: got %v", got)
	}
	f = &Flow{}
	if got := f.Triggers(); got != nil {
		t.Errorf("nil on: got %v", got)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"5m", 5 * time.Minute},
		{"1h", time.Hour},
		{"2d", 48 * time.Hour},
		{"100ms", 100 * time.Millisecond},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"", "s", "10", "-5s", "1w", "abc"} {
		if _, err := ParseDuration(bad); err == nil {
			t.Errorf("ParseDuration(%q): expected error", bad)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{RunSucceeded, RunFailed, RunCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunRunning, RunAwaiting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
