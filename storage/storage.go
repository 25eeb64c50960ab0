// Package storage persists runs, step records, resume tokens, and deployed
// flow versions. Three backends: in-memory for tests and throwaway runs,
// SQLite as the single-binary default, and Postgres for shared deployments.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/loomworks/loom/model"
)

// Storage is the engine's persistence contract. Implementations must make
// AppendStepRecord an idempotent upsert keyed on (run_id, step_id, attempt)
// so crash-and-replay never duplicates step history, and TakeResumeToken must
// claim the token atomically so an event fan-out resumes a run exactly once.
type Storage interface {
	SaveRun(ctx context.Context, run *model.Run) error
	// GetRun returns the run with its step records populated.
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error
	ListRuns(ctx context.Context) ([]*model.Run, error)

	AppendStepRecord(ctx context.Context, rec *model.StepRecord) error

	SaveResumeToken(ctx context.Context, token *model.ResumeToken) error
	// TakeResumeToken removes and returns the token, or nil when absent or
	// already claimed.
	TakeResumeToken(ctx context.Context, token string) (*model.ResumeToken, error)
	// ListResumeTokens returns every outstanding token, for re-arming
	// subscriptions after a restart.
	ListResumeTokens(ctx context.Context) ([]*model.ResumeToken, error)

	// DeployFlowVersion stores content as the next version of the named
	// flow and returns the assigned version number, starting at 1.
	DeployFlowVersion(ctx context.Context, flowName, content string) (int, error)
	// GetFlowVersionContent returns the stored YAML for a version;
	// version <= 0 means latest.
	GetFlowVersionContent(ctx context.Context, flowName string, version int) (string, error)

	Close() error
}
