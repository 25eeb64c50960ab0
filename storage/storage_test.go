package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/model"
)

// backends returns every Storage implementation testable without external
// services. Postgres shares the same contract but needs a live server.
func backends(t *testing.T) map[string]Storage {
	t.Helper()
	sqlite, err := NewSqliteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"sqlite": sqlite,
	}
}

func sampleRun() *model.Run {
	return &model.Run{
		ID:        uuid.New(),
		FlowName:  "orders",
		Event:     map[string]any{"order_id": "o-1"},
		Vars:      map[string]any{"region": "eu"},
		Status:    model.RunRunning,
		StartedAt: time.Now().Truncate(time.Second),
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := sampleRun()
			require.NoError(t, store.SaveRun(ctx, run))

			got, err := store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			if got.FlowName != "orders" || got.Status != model.RunRunning {
				t.Errorf("got %+v", got)
			}
			if got.Event["order_id"] != "o-1" {
				t.Errorf("event = %+v", got.Event)
			}

			require.NoError(t, store.UpdateRunStatus(ctx, run.ID, model.RunSucceeded))
			got, err = store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			if got.Status != model.RunSucceeded {
				t.Errorf("status = %v", got.Status)
			}

			runs, err := store.ListRuns(ctx)
			require.NoError(t, err)
			if len(runs) != 1 {
				t.Errorf("ListRuns returned %d runs", len(runs))
			}
		})
	}
}

func TestGetRunMissing(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.GetRun(context.Background(), uuid.New()); err == nil {
				t.Error("expected error for unknown run")
			}
		})
	}
}

func TestAppendStepRecordUpserts(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := sampleRun()
			require.NoError(t, store.SaveRun(ctx, run))

			rec := &model.StepRecord{
				ID:        uuid.New(),
				RunID:     run.ID,
				StepID:    "fetch",
				Status:    model.StepRunning,
				Attempts:  1,
				StartedAt: time.Now().Truncate(time.Second),
			}
			require.NoError(t, store.AppendStepRecord(ctx, rec))

			// Re-append with the same (run, step, attempt) key: upsert, not duplicate.
			ended := time.Now().Truncate(time.Second)
			rec.Status = model.StepSucceeded
			rec.EndedAt = &ended
			rec.Output = map[string]any{"status": float64(200)}
			require.NoError(t, store.AppendStepRecord(ctx, rec))

			// A second attempt is a distinct record.
			rec2 := *rec
			rec2.ID = uuid.New()
			rec2.Attempts = 2
			require.NoError(t, store.AppendStepRecord(ctx, &rec2))

			got, err := store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			if len(got.Steps) != 2 {
				t.Fatalf("steps = %d, want 2", len(got.Steps))
			}
			if got.Steps[0].Status != model.StepSucceeded {
				t.Errorf("first attempt status = %v", got.Steps[0].Status)
			}
		})
	}
}

func TestResumeTokenClaimedOnce(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token := &model.ResumeToken{
				Token: "orders.approval.run-1",
				RunID: uuid.New(),
				Flow: &model.Flow{
					Name:  "orders",
					Steps: []model.Step{{ID: "approval", AwaitEvent: &model.AwaitEventSpec{Source: "approval", Match: map[string]any{"order_id": "o-1"}}}},
				},
				StepID:  "approval",
				StepIdx: 2,
				Source:  "approval",
				Match:   map[string]any{"order_id": "o-1"},
				Vars:    map[string]any{"region": "eu"},
				Event:   map[string]any{"order_id": "o-1"},
				Outputs: map[string]any{"fetch": map[string]any{"ok": true}},
			}
			require.NoError(t, store.SaveResumeToken(ctx, token))

			outstanding, err := store.ListResumeTokens(ctx)
			require.NoError(t, err)
			if len(outstanding) != 1 {
				t.Fatalf("outstanding = %d", len(outstanding))
			}

			got, err := store.TakeResumeToken(ctx, token.Token)
			require.NoError(t, err)
			require.NotNil(t, got)
			if got.StepIdx != 2 || got.Source != "approval" {
				t.Errorf("token = %+v", got)
			}
			require.NotNil(t, got.Flow)
			if got.Flow.Name != "orders" {
				t.Errorf("flow = %+v", got.Flow)
			}

			again, err := store.TakeResumeToken(ctx, token.Token)
			require.NoError(t, err)
			if again != nil {
				t.Error("token claimed twice")
			}
		})
	}
}

func TestFlowVersioning(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v1, err := store.DeployFlowVersion(ctx, "orders", "name: orders\nsteps: []\n")
			require.NoError(t, err)
			v2, err := store.DeployFlowVersion(ctx, "orders", "name: orders\nsteps: [{id: a, use: core.echo}]\n")
			require.NoError(t, err)
			if v1 != 1 || v2 != 2 {
				t.Errorf("versions = %d, %d", v1, v2)
			}

			latest, err := store.GetFlowVersionContent(ctx, "orders", 0)
			require.NoError(t, err)
			if latest == "" || latest[len(latest)-2:] != "]\n" {
				t.Errorf("latest = %q", latest)
			}

			first, err := store.GetFlowVersionContent(ctx, "orders", 1)
			require.NoError(t, err)
			if first != "name: orders\nsteps: []\n" {
				t.Errorf("v1 = %q", first)
			}

			if _, err := store.GetFlowVersionContent(ctx, "ghost", 0); err == nil {
				t.Error("expected error for unknown flow")
			}
		})
	}
}
