// Package model holds the Loom data model: immutable Flow definitions and the
// mutable Run/StepRecord state the engine persists.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Flow is a declarative workflow definition. Flows are immutable once loaded.
type Flow struct {
	Name        string                     `yaml:"name" json:"name"`
	Description string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string                     `yaml:"version,omitempty" json:"version,omitempty"`
	On          any                        `yaml:"on,omitempty" json:"on,omitempty"`
	Cron        string                     `yaml:"cron,omitempty" json:"cron,omitempty"`
	Vars        map[string]any             `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps       []Step                     `yaml:"steps" json:"steps"`
	Catch       []Step                     `yaml:"catch,omitempty" json:"catch,omitempty"`
	MCPServers  map[string]MCPServerConfig `yaml:"mcp_servers,omitempty" json:"mcp_servers,omitempty"`
}

// Triggers normalizes the `on` field into a list of trigger tags.
func (f *Flow) Triggers() []string {
	switch v := f.On.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// MCPServerConfig describes how to reach an MCP server registered for a run.
type MCPServerConfig struct {
	Command   string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Transport string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Port      int               `yaml:"port,omitempty" json:"port,omitempty"`
	Endpoint  string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Step is one unit of work. Exactly one action is set: Use, a parallel block,
// a foreach loop, an await_event suspension, or a wait.
type Step struct {
	ID        string     `yaml:"id" json:"id"`
	If        string     `yaml:"if,omitempty" json:"if,omitempty"`
	DependsOn []string   `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`

	Use  string         `yaml:"use,omitempty" json:"use,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	Parallel bool   `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Steps    []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	Foreach string `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	As      string `yaml:"as,omitempty" json:"as,omitempty"`
	Do      []Step `yaml:"do,omitempty" json:"do,omitempty"`

	AwaitEvent *AwaitEventSpec `yaml:"await_event,omitempty" json:"await_event,omitempty"`
	Wait       *WaitSpec       `yaml:"wait,omitempty" json:"wait,omitempty"`
}

// UnmarshalYAML accepts `parallel` as either a boolean scalar or (for
// compatibility with older flows) any sequence, which is treated as true.
// The key is stripped before decoding so a sequence value never hits the
// bool field, then re-applied from the node kind.
func (s *Step) UnmarshalYAML(value *yaml.Node) error {
	var parallel *yaml.Node
	filtered := *value
	filtered.Content = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		if value.Content[i].Value == "parallel" {
			parallel = value.Content[i+1]
			continue
		}
		filtered.Content = append(filtered.Content, value.Content[i], value.Content[i+1])
	}

	type stepAlias Step // prevent recursion
	var raw stepAlias
	if err := filtered.Decode(&raw); err != nil {
		return err
	}
	if parallel != nil {
		switch parallel.Kind {
		case yaml.ScalarNode:
			var b bool
			if err := parallel.Decode(&b); err != nil {
				return err
			}
			raw.Parallel = b
		case yaml.SequenceNode:
			raw.Parallel = true
		}
	}
	*s = Step(raw)
	return nil
}

// RetrySpec bounds re-execution of a failing step. Attempts is the total
// invocation cap, not retries on top of the first try.
type RetrySpec struct {
	Attempts int `yaml:"attempts" json:"attempts"`
	DelaySec int `yaml:"delay_sec" json:"delay_sec"`
}

// AwaitEventSpec suspends a run until a matching event arrives.
type AwaitEventSpec struct {
	Source  string         `yaml:"source" json:"source"`
	Match   map[string]any `yaml:"match" json:"match"`
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WaitSpec delays execution unconditionally.
type WaitSpec struct {
	Seconds int `yaml:"seconds" json:"seconds"`
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunAwaiting  RunStatus = "AWAITING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepAwaiting  StepStatus = "AWAITING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCancelled StepStatus = "CANCELLED"
)

// Run is one execution instance of a Flow.
type Run struct {
	ID        uuid.UUID      `json:"id"`
	FlowName  string         `json:"flow_name"`
	Event     map[string]any `json:"event"`
	Vars      map[string]any `json:"vars"`
	Status    RunStatus      `json:"status"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Steps     []StepRecord   `json:"steps,omitempty"`
}

// StepRecord is the persisted outcome of one step execution. Records are
// append-only; the idempotent upsert key is (run_id, step_id, attempt).
type StepRecord struct {
	ID        uuid.UUID  `json:"id"`
	RunID     uuid.UUID  `json:"run_id"`
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ResumeToken is the persisted continuation of a run suspended on await_event.
// A run in AWAITING status resumes from this record even after a process
// restart.
type ResumeToken struct {
	Token string    `json:"token"`
	RunID uuid.UUID `json:"run_id"`
	// Flow is the full definition, embedded so resumption does not depend
	// on the flow being deployed to storage separately.
	Flow     *Flow          `json:"flow"`
	StepID   string         `json:"step_id"`
	StepIdx  int            `json:"step_idx"`
	Source   string         `json:"source"`
	Match    map[string]any `json:"match"`
	Vars     map[string]any `json:"vars"`
	Event    map[string]any `json:"event"`
	Outputs  map[string]any `json:"outputs"`
	ExpireAt *time.Time     `json:"expire_at,omitempty"`
}

// ParseDuration parses Loom duration strings: <int><unit> with units s, m, h,
// and d (e.g. "30s", "1h"). Go's own suffixes beyond these are rejected so
// flow files stay portable.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q: want <int><unit> with unit s, m, h, or d", s)
	}
	// Millisecond timeouts show up in tests and tight webhook deadlines.
	if strings.HasSuffix(s, "ms") {
		n, err := strconv.Atoi(s[:len(s)-2])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q: want <int><unit> with unit s, m, h, or d", s)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q: want <int><unit> with unit s, m, h, or d", s)
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid duration %q: unsupported unit %q", s, string(unit))
}
