package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/adapter"
	"github.com/loomworks/loom/blob"
	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/registry"
	"github.com/loomworks/loom/secrets"
	"github.com/loomworks/loom/storage"
)

// stubAdapter lets tests register tool behavior without a network.
type stubAdapter struct {
	id string
	fn func(ctx context.Context, tool string, args map[string]any) (map[string]any, error)
}

func (s *stubAdapter) ID() string                { return s.id }
func (s *stubAdapter) Manifest() *registry.Entry { return nil }
func (s *stubAdapter) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	return s.fn(ctx, tool, args)
}

type testRig struct {
	engine *Engine
	store  storage.Storage
	bus    event.Bus
	reg    *adapter.Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := storage.NewMemoryStorage()
	bus := event.NewInMemoryBus()
	t.Cleanup(func() { bus.Close() })
	sec := secrets.NewEnvProvider("")
	reg := adapter.NewRegistry(registry.NewManager(), sec)
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	reg.Register(adapter.NewCoreAdapter(bus, blobs))
	return &testRig{
		engine: New(reg, store, bus, sec),
		store:  store,
		bus:    bus,
		reg:    reg,
	}
}

func TestExecuteHelloWorld(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "hello",
		Steps: []model.Step{
			{ID: "greet", Use: "core.echo", With: map[string]any{"text": "Hello, Loom!"}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	if res.Status != model.RunSucceeded {
		t.Fatalf("status = %v", res.Status)
	}
	out, _ := res.Outputs["greet"].(map[string]any)
	if out["text"] != "Hello, Loom!" {
		t.Errorf("output = %+v", res.Outputs)
	}

	run, err := rig.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	if run.Status != model.RunSucceeded || len(run.Steps) == 0 {
		t.Errorf("persisted run = %+v", run)
	}
	last := run.Steps[len(run.Steps)-1]
	if last.StepID != "greet" || last.Status != model.StepSucceeded {
		t.Errorf("step record = %+v", last)
	}
}

func TestCrossStepTemplating(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "chain",
		Steps: []model.Step{
			{ID: "step1", Use: "core.echo", With: map[string]any{"text": "one"}},
			{ID: "step2", Use: "core.echo", With: map[string]any{"text": "prev: {{ outputs.step1.text }}"}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	out, _ := res.Outputs["step2"].(map[string]any)
	if out["text"] != "prev: one" {
		t.Errorf("step2 output = %+v", out)
	}
}

func TestVarsResolveAgainstEventAndCallerWins(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "vars",
		Vars: map[string]any{
			"greeting": "hi {{ event.user }}",
			"region":   "us",
		},
		Steps: []model.Step{
			{ID: "say", Use: "core.echo", With: map[string]any{"text": "{{ greeting }} from {{ vars.region }}"}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow,
		map[string]any{"user": "ada"},
		map[string]any{"region": "eu"})
	require.NoError(t, err)
	out, _ := res.Outputs["say"].(map[string]any)
	if out["text"] != "hi ada from eu" {
		t.Errorf("output = %+v", out)
	}
}

func TestIfSkipsStepWithoutOutput(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "conditional",
		Steps: []model.Step{
			{ID: "first", Use: "core.echo", With: map[string]any{"text": "yes"}},
			{ID: "never", If: "{{ outputs.first.text == 'no' }}", Use: "core.echo", With: map[string]any{"text": "x"}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	if res.Status != model.RunSucceeded {
		t.Fatalf("status = %v", res.Status)
	}
	if _, ok := res.Outputs["never"]; ok {
		t.Error("skipped step produced an output")
	}

	run, err := rig.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	var found bool
	for _, rec := range run.Steps {
		if rec.StepID == "never" {
			found = true
			if rec.Status != model.StepSkipped {
				t.Errorf("record status = %v", rec.Status)
			}
		}
	}
	if !found {
		t.Error("no record for skipped step")
	}
}

func TestParallelSharesOutputsAndFansOut(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "fan",
		Steps: []model.Step{
			{ID: "fetch", Use: "core.echo", With: map[string]any{"text": "data"}},
			{ID: "both", Parallel: true, Steps: []model.Step{
				{ID: "left", Use: "core.echo", With: map[string]any{"text": "L {{ outputs.fetch.text }}"}},
				{ID: "right", Use: "core.echo", With: map[string]any{"text": "R {{ outputs.fetch.text }}"}},
			}},
			{ID: "join", Use: "core.echo", With: map[string]any{"text": "{{ outputs.left.text }}/{{ outputs.right.text }}"}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	out, _ := res.Outputs["join"].(map[string]any)
	if out["text"] != "L data/R data" {
		t.Errorf("join = %+v", out)
	}
	group, _ := res.Outputs["both"].(map[string]any)
	if len(group) != 2 {
		t.Errorf("parallel output = %+v", group)
	}
}

func TestParallelFirstErrorCancelsSiblings(t *testing.T) {
	rig := newTestRig(t)
	rig.reg.Register(&stubAdapter{id: "boom", fn: func(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
		return nil, errs.Adapter("tool %q: exploded", tool).WithStatus(422, "")
	}})
	rig.reg.Register(&stubAdapter{id: "slow", fn: func(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
		select {
		case <-time.After(30 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, errs.Cancelled("interrupted")
		}
	}})

	flow := &model.Flow{
		Name: "fanfail",
		Steps: []model.Step{
			{ID: "race", Parallel: true, Steps: []model.Step{
				{ID: "bad", Use: "boom.call"},
				{ID: "stuck", Use: "slow.call"},
			}},
		},
	}
	start := time.Now()
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	if time.Since(start) > 5*time.Second {
		t.Fatal("failing child did not cancel its sibling")
	}
	require.Error(t, err)
	if errs.KindOf(err) != errs.KindAdapter {
		t.Errorf("reported error kind = %v, want the real failure, not the cancellation", errs.KindOf(err))
	}
	if res.Status != model.RunFailed {
		t.Errorf("status = %v", res.Status)
	}
}

func TestForeachCollectsIterationOutputs(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "loop",
		Vars: map[string]any{"items": []any{"x", "y"}},
		Steps: []model.Step{
			{ID: "each", Foreach: "{{ items }}", As: "item", Do: []model.Step{
				{ID: "say_{{ item }}", Use: "core.echo", With: map[string]any{"text": "got {{ item }}"}},
			}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)

	arr, ok := res.Outputs["each"].([]any)
	require.True(t, ok, "foreach output should be a sequence, got %T", res.Outputs["each"])
	require.Len(t, arr, 2)
	first, _ := arr[0].(map[string]any)
	second, _ := arr[1].(map[string]any)
	if first["text"] != "got x" || second["text"] != "got y" {
		t.Errorf("iterations = %+v", arr)
	}
}

func TestForeachBindsIndexAndRow(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "numbered",
		Vars: map[string]any{"items": []any{"a", "b"}},
		Steps: []model.Step{
			{ID: "each", Foreach: "{{ items }}", As: "row", Do: []model.Step{
				{ID: "fmt_{{ row }}", Use: "core.echo", With: map[string]any{"text": "{{ row_index }}:{{ row_row }}:{{ row }}"}},
			}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	arr, _ := res.Outputs["each"].([]any)
	require.Len(t, arr, 2)
	first, _ := arr[0].(map[string]any)
	if first["text"] != "0:1:a" {
		t.Errorf("bindings = %+v", first)
	}
}

func TestForeachNonSequenceIsTemplateError(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "badloop",
		Vars: map[string]any{"items": "not a list"},
		Steps: []model.Step{
			{ID: "each", Foreach: "{{ items }}", As: "item", Do: []model.Step{
				{ID: "say", Use: "core.echo", With: map[string]any{"text": "x"}},
			}},
		},
	}
	_, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.Error(t, err)
	if errs.KindOf(err) != errs.KindTemplate {
		t.Errorf("kind = %v", errs.KindOf(err))
	}
}

func TestRetrySucceedsWithinAttemptCap(t *testing.T) {
	rig := newTestRig(t)
	var calls atomic.Int32
	rig.reg.Register(&stubAdapter{id: "flaky", fn: func(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errs.Adapter("tool %q: upstream busy", tool).WithStatus(503, "")
		}
		return map[string]any{"ok": true}, nil
	}})

	flow := &model.Flow{
		Name: "retrying",
		Steps: []model.Step{
			{ID: "call", Use: "flaky.op", Retry: &model.RetrySpec{Attempts: 3, DelaySec: 0}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	run, err := rig.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	var attempts []model.StepStatus
	for _, rec := range run.Steps {
		if rec.StepID == "call" {
			attempts = append(attempts, rec.Status)
		}
	}
	require.Len(t, attempts, 3, "one record per attempt")
	if attempts[2] != model.StepSucceeded {
		t.Errorf("final attempt = %v", attempts[2])
	}
}

func TestRetryNeverReattemptsTerminalFailures(t *testing.T) {
	rig := newTestRig(t)
	var calls atomic.Int32
	rig.reg.Register(&stubAdapter{id: "strict", fn: func(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, errs.Adapter("tool %q: bad request", tool).WithStatus(400, "")
	}})

	flow := &model.Flow{
		Name: "nonretryable",
		Steps: []model.Step{
			{ID: "call", Use: "strict.op", Retry: &model.RetrySpec{Attempts: 5, DelaySec: 0}},
		},
	}
	_, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.Error(t, err)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx is terminal)", calls.Load())
	}
}

func TestCatchRunsWithErrorBinding(t *testing.T) {
	rig := newTestRig(t)
	rig.reg.Register(&stubAdapter{id: "boom", fn: func(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
		return nil, errs.Adapter("tool %q: exploded", tool).WithStatus(500, "oops")
	}})

	flow := &model.Flow{
		Name: "guarded",
		Steps: []model.Step{
			{ID: "risky", Use: "boom.call"},
		},
		Catch: []model.Step{
			{ID: "report", Use: "core.echo", With: map[string]any{
				"text": "{{ error.step_id }} failed with {{ error.kind }} ({{ error.status }})",
			}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err, "catch success ends the run SUCCEEDED")
	if res.Status != model.RunSucceeded {
		t.Fatalf("status = %v", res.Status)
	}
	out, _ := res.Outputs["report"].(map[string]any)
	if out["text"] != "risky failed with AdapterError (500)" {
		t.Errorf("catch output = %+v", out)
	}
}

func TestCatchFailureFailsRun(t *testing.T) {
	rig := newTestRig(t)
	rig.reg.Register(&stubAdapter{id: "boom", fn: func(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
		return nil, errs.Adapter("down")
	}})

	flow := &model.Flow{
		Name: "doublefault",
		Steps: []model.Step{
			{ID: "risky", Use: "boom.call"},
		},
		Catch: []model.Step{
			{ID: "alsobad", Use: "boom.call"},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.Error(t, err)
	if res.Status != model.RunFailed {
		t.Errorf("status = %v", res.Status)
	}
}

func TestAwaitEventSuspendsAndResumes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	flow := &model.Flow{
		Name: "approval",
		Steps: []model.Step{
			{ID: "prepare", Use: "core.echo", With: map[string]any{"text": "order o-1"}},
			{ID: "gate", AwaitEvent: &model.AwaitEventSpec{
				Source:  "approvals",
				Match:   map[string]any{"order_id": "o-1"},
				Timeout: "1h",
			}},
			{ID: "done", Use: "core.echo", With: map[string]any{"text": "approved by {{ outputs.gate.approver }}"}},
		},
	}

	res, err := rig.engine.Execute(ctx, flow, nil, nil)
	require.NoError(t, err)
	if res.Status != model.RunAwaiting {
		t.Fatalf("status = %v", res.Status)
	}
	require.NotEmpty(t, res.Token)

	run, err := rig.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	if run.Status != model.RunAwaiting {
		t.Errorf("persisted status = %v", run.Status)
	}

	// A payload that fails the match leaves the token outstanding.
	_, err = rig.engine.Resume(ctx, res.Token, map[string]any{"order_id": "other"})
	require.Error(t, err)
	if errs.KindOf(err) != errs.KindValidation {
		t.Errorf("mismatch kind = %v", errs.KindOf(err))
	}

	final, err := rig.engine.Resume(ctx, res.Token, map[string]any{"order_id": "o-1", "approver": "dana"})
	require.NoError(t, err)
	if final.Status != model.RunSucceeded {
		t.Fatalf("resumed status = %v", final.Status)
	}
	out, _ := final.Outputs["done"].(map[string]any)
	if out["text"] != "approved by dana" {
		t.Errorf("done = %+v", out)
	}

	// The token is claimed exactly once.
	_, err = rig.engine.Resume(ctx, res.Token, map[string]any{"order_id": "o-1"})
	require.Error(t, err)
}

// eagerBus delivers a canned payload to a new subscriber synchronously,
// inside Subscribe itself, so the handler runs before the caller has the
// subscription handle. It also records every Unsubscribe call.
type eagerBus struct {
	event.Bus
	mu           sync.Mutex
	pending      map[string]map[string]any
	unsubscribed []string
}

func (b *eagerBus) Subscribe(ctx context.Context, topic string, handler event.Handler) (string, error) {
	handle, err := b.Bus.Subscribe(ctx, topic, handler)
	if err != nil {
		return handle, err
	}
	b.mu.Lock()
	payload := b.pending[topic]
	delete(b.pending, topic)
	b.mu.Unlock()
	if payload != nil {
		handler(payload)
	}
	return handle, nil
}

func (b *eagerBus) Unsubscribe(handle string) {
	b.mu.Lock()
	b.unsubscribed = append(b.unsubscribed, handle)
	b.mu.Unlock()
	b.Bus.Unsubscribe(handle)
}

func TestAwaitEventResumesWhenEventBeatsSubscribe(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	bus := &eagerBus{
		Bus:     event.NewInMemoryBus(),
		pending: map[string]map[string]any{"approvals": {"order_id": "o-1"}},
	}
	t.Cleanup(func() { bus.Bus.Close() })
	sec := secrets.NewEnvProvider("")
	reg := adapter.NewRegistry(registry.NewManager(), sec)
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	reg.Register(adapter.NewCoreAdapter(bus, blobs))
	eng := New(reg, store, bus, sec)

	flow := &model.Flow{
		Name: "fastapproval",
		Steps: []model.Step{
			{ID: "gate", AwaitEvent: &model.AwaitEventSpec{
				Source:  "approvals",
				Match:   map[string]any{"order_id": "o-1"},
				Timeout: "1h",
			}},
			{ID: "done", Use: "core.echo", With: map[string]any{"text": "ok"}},
		},
	}
	res, err := eng.Execute(ctx, flow, nil, nil)
	require.NoError(t, err)

	run, err := store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	if run.Status != model.RunSucceeded {
		t.Fatalf("status = %v, want SUCCEEDED via the early event", run.Status)
	}

	// The subscription must be torn down with its real handle, not a
	// zero value from before Subscribe returned.
	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.NotEmpty(t, bus.unsubscribed)
	for _, h := range bus.unsubscribed {
		if h == "" {
			t.Error("unsubscribed with an empty handle")
		}
	}

	tokens, err := store.ListResumeTokens(ctx)
	require.NoError(t, err)
	if len(tokens) != 0 {
		t.Errorf("resume token leaked: %+v", tokens)
	}
}

func TestAwaitEventResumesFromBusPublish(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	flow := &model.Flow{
		Name: "webhook",
		Steps: []model.Step{
			{ID: "gate", AwaitEvent: &model.AwaitEventSpec{
				Source:  "payments",
				Match:   map[string]any{"invoice": "inv-7"},
				Timeout: "30s",
			}},
		},
	}
	res, err := rig.engine.Execute(ctx, flow, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.RunAwaiting, res.Status)

	require.NoError(t, rig.bus.Publish(ctx, "payments", map[string]any{"invoice": "inv-7", "amount": 42}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := rig.store.GetRun(ctx, res.RunID)
		require.NoError(t, err)
		if run.Status == model.RunSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %v", run.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAwaitEventTimeoutRoutesThroughCatch(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	flow := &model.Flow{
		Name: "impatient",
		Steps: []model.Step{
			{ID: "gate", AwaitEvent: &model.AwaitEventSpec{
				Source:  "approvals",
				Match:   map[string]any{"order_id": "o-9"},
				Timeout: "100ms",
			}},
		},
		Catch: []model.Step{
			{ID: "fallback", Use: "core.echo", With: map[string]any{"text": "gave up: {{ error.kind }}"}},
		},
	}
	res, err := rig.engine.Execute(ctx, flow, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.RunAwaiting, res.Status)

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := rig.store.GetRun(ctx, res.RunID)
		require.NoError(t, err)
		if run.Status.Terminal() {
			require.Equal(t, model.RunSucceeded, run.Status, "catch should have rescued the timeout")
			var sawFallback bool
			for _, rec := range run.Steps {
				if rec.StepID == "fallback" && rec.Status == model.StepSucceeded {
					sawFallback = true
				}
			}
			require.True(t, sawFallback, "catch step did not run: %+v", run.Steps)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run stuck in %v", run.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRearmPendingExpiresStaleTokens(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	flow := &model.Flow{
		Name: "stale",
		Steps: []model.Step{
			{ID: "gate", AwaitEvent: &model.AwaitEventSpec{
				Source:  "never",
				Match:   map[string]any{"k": "v"},
				Timeout: "1h",
			}},
		},
	}
	res, err := rig.engine.Execute(ctx, flow, nil, nil)
	require.NoError(t, err)
	require.Equal(t, model.RunAwaiting, res.Status)

	// Simulate a restart that finds the deadline already past.
	tokens, err := rig.store.ListResumeTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	past := time.Now().Add(-time.Minute)
	tokens[0].ExpireAt = &past
	require.NoError(t, rig.store.SaveResumeToken(ctx, tokens[0]))

	require.NoError(t, rig.engine.RearmPending(ctx))

	run, err := rig.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	if run.Status != model.RunFailed {
		t.Errorf("status = %v, want FAILED after expiry", run.Status)
	}
}

func TestDependsOnReordersExecution(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "ordered",
		Steps: []model.Step{
			{ID: "second", DependsOn: []string{"first"}, Use: "core.echo", With: map[string]any{"text": "after {{ outputs.first.text }}"}},
			{ID: "first", Use: "core.echo", With: map[string]any{"text": "go"}},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.NoError(t, err)
	out, _ := res.Outputs["second"].(map[string]any)
	if out["text"] != "after go" {
		t.Errorf("second = %+v", out)
	}
}

func TestExecuteRejectsInvalidFlow(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{Name: "empty"}
	_, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.Error(t, err)
	if errs.KindOf(err) != errs.KindValidation {
		t.Errorf("kind = %v", errs.KindOf(err))
	}
}

func TestUnknownToolFailsRun(t *testing.T) {
	rig := newTestRig(t)
	flow := &model.Flow{
		Name: "missing",
		Steps: []model.Step{
			{ID: "nope", Use: "ghost.tool"},
		},
	}
	res, err := rig.engine.Execute(context.Background(), flow, nil, nil)
	require.Error(t, err)
	if errs.KindOf(err) != errs.KindUnknownTool {
		t.Errorf("kind = %v", errs.KindOf(err))
	}
	if res.Status != model.RunFailed {
		t.Errorf("status = %v", res.Status)
	}
}
