// Package engine executes flows: sequencing, conditionals, parallel fan-out,
// foreach, retries, waits, await-event suspension, and catch handlers, with
// every state transition persisted.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/adapter"
	"github.com/loomworks/loom/dsl"
	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/event"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/secrets"
	"github.com/loomworks/loom/storage"
	"github.com/loomworks/loom/telemetry"
	"github.com/loomworks/loom/templater"
)

// Engine owns the execution of runs. It is safe for concurrent use; each run
// gets its own context, while adapters, storage, and the bus are shared.
type Engine struct {
	adapters *adapter.Registry
	mcp      *adapter.MCPAdapter
	store    storage.Storage
	bus      event.Bus
	tmpl     *templater.Templater
	secrets  secrets.Provider
}

// New creates an engine over the given collaborators.
func New(adapters *adapter.Registry, store storage.Storage, bus event.Bus, secretsProvider secrets.Provider) *Engine {
	return &Engine{
		adapters: adapters,
		store:    store,
		bus:      bus,
		tmpl:     templater.New(),
		secrets:  secretsProvider,
	}
}

// UseMCPAdapter lets the engine register flow-declared mcp_servers blocks
// with the MCP adapter before a run starts.
func (e *Engine) UseMCPAdapter(m *adapter.MCPAdapter) {
	e.mcp = m
}

// RunResult is what Execute and Resume return: the run's terminal (or
// suspended) state and its outputs so far.
type RunResult struct {
	RunID   uuid.UUID
	Status  model.RunStatus
	Outputs map[string]any
	// Token identifies the pending await when Status is AWAITING.
	Token string
}

// Execute validates flow, creates a run, and walks its steps to completion,
// suspension, or failure. The returned error carries the failing step's error
// when the run fails; a suspended run returns with Status AWAITING and a nil
// error.
func (e *Engine) Execute(ctx context.Context, flow *model.Flow, eventPayload, vars map[string]any) (*RunResult, error) {
	if err := dsl.Validate(flow); err != nil {
		return nil, err
	}
	if eventPayload == nil {
		eventPayload = map[string]any{}
	}

	resolvedVars, err := e.resolveVars(flow, eventPayload, vars)
	if err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:        uuid.New(),
		FlowName:  flow.Name,
		Event:     eventPayload,
		Vars:      resolvedVars,
		Status:    model.RunRunning,
		StartedAt: time.Now(),
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	logger.Infow("run started", "flow", flow.Name, "run_id", run.ID.String())

	if e.mcp != nil && len(flow.MCPServers) > 0 {
		e.mcp.RegisterServers(flow.MCPServers)
	}

	rc := newRunContext(flow, run, e.secrets)
	return e.executeFrom(ctx, rc, 0)
}

// resolveVars renders the flow's vars block against the trigger event and
// caller-supplied vars, then overlays the caller vars so they win.
func (e *Engine) resolveVars(flow *model.Flow, eventPayload, callerVars map[string]any) (map[string]any, error) {
	data := map[string]any{}
	for k, v := range eventPayload {
		data[k] = v
	}
	data["event"] = eventPayload
	for k, v := range callerVars {
		data[k] = v
	}
	data["vars"] = callerVars

	resolved := make(map[string]any, len(flow.Vars)+len(callerVars))
	for k, v := range flow.Vars {
		rendered, err := e.renderValue(v, data)
		if err != nil {
			return nil, err
		}
		resolved[k] = rendered
	}
	for k, v := range callerVars {
		resolved[k] = v
	}
	return resolved, nil
}

// executeFrom walks the flow's top-level steps from position startPos in the
// dependency-sorted order. Await-event steps at this level suspend the run;
// everything else executes in place.
func (e *Engine) executeFrom(ctx context.Context, rc *runContext, startPos int) (*RunResult, error) {
	order, err := graph.SortSteps(rc.flow.Steps)
	if err != nil {
		return e.failRun(ctx, rc, err)
	}
	for pos := startPos; pos < len(order); pos++ {
		step := &rc.flow.Steps[order[pos]]

		skipped, err := e.maybeSkip(ctx, rc, step, step.ID)
		if err != nil {
			return e.handleFailure(ctx, rc, step.ID, err)
		}
		if skipped {
			continue
		}

		if step.AwaitEvent != nil {
			return e.suspend(ctx, rc, step, pos)
		}

		if err := e.runStep(ctx, rc, step); err != nil {
			return e.handleFailure(ctx, rc, step.ID, err)
		}
	}

	if err := e.store.UpdateRunStatus(ctx, rc.run.ID, model.RunSucceeded); err != nil {
		logger.Errorw("persisting terminal run status", "run_id", rc.run.ID.String(), "error", err)
	}
	telemetry.ObserveRun(rc.flow.Name, string(model.RunSucceeded))
	logger.Infow("run succeeded", "flow", rc.flow.Name, "run_id", rc.run.ID.String())
	return &RunResult{
		RunID:   rc.run.ID,
		Status:  model.RunSucceeded,
		Outputs: rc.snapshotOutputs(),
	}, nil
}

// suspend persists the continuation for an await_event step, arms the bus
// subscription and timeout, and returns control to the caller.
func (e *Engine) suspend(ctx context.Context, rc *runContext, step *model.Step, pos int) (*RunResult, error) {
	data := rc.templateData()
	source, err := e.tmpl.Render(step.AwaitEvent.Source, data)
	if err != nil {
		return e.handleFailure(ctx, rc, step.ID, err)
	}
	matchVal, err := e.renderValue(anyMap(step.AwaitEvent.Match), data)
	if err != nil {
		return e.handleFailure(ctx, rc, step.ID, err)
	}
	match, _ := matchVal.(map[string]any)

	var timeout time.Duration
	var expireAt *time.Time
	if step.AwaitEvent.Timeout != "" {
		timeout, err = model.ParseDuration(step.AwaitEvent.Timeout)
		if err != nil {
			return e.handleFailure(ctx, rc, step.ID, errs.Validation("%v", err))
		}
		t := time.Now().Add(timeout)
		expireAt = &t
	}

	token := &model.ResumeToken{
		Token:    uuid.NewString(),
		RunID:    rc.run.ID,
		Flow:     rc.flow,
		StepID:   step.ID,
		StepIdx:  pos,
		Source:   source,
		Match:    match,
		Vars:     rc.vars,
		Event:    rc.event,
		Outputs:  rc.snapshotOutputs(),
		ExpireAt: expireAt,
	}
	if err := e.store.SaveResumeToken(ctx, token); err != nil {
		return e.failRun(ctx, rc, err)
	}
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: step.ID,
		Status: model.StepAwaiting, Attempts: 1, StartedAt: time.Now(),
	})
	if err := e.store.UpdateRunStatus(ctx, rc.run.ID, model.RunAwaiting); err != nil {
		logger.Errorw("persisting awaiting status", "run_id", rc.run.ID.String(), "error", err)
	}
	logger.Infow("run awaiting event", "flow", rc.flow.Name, "run_id", rc.run.ID.String(),
		"source", source, "token", token.Token)

	e.armResume(token, timeout)
	return &RunResult{
		RunID:   rc.run.ID,
		Status:  model.RunAwaiting,
		Outputs: rc.snapshotOutputs(),
		Token:   token.Token,
	}, nil
}

// armResume subscribes for the awaited event and, when a timeout is set,
// schedules expiry. Both paths race to claim the token; storage makes the
// claim exclusive. The handler may fire before Subscribe returns the handle,
// so handle publication and the first-match claim are mutex-guarded: the
// side that arrives second performs the unsubscribe.
func (e *Engine) armResume(token *model.ResumeToken, timeout time.Duration) {
	bg := context.Background()
	var mu sync.Mutex
	var handle string
	var subscribed, claimed bool

	newHandle, err := e.bus.Subscribe(bg, token.Source, func(payload map[string]any) {
		if !matchEvent(token.Match, payload) {
			return
		}
		mu.Lock()
		if claimed {
			mu.Unlock()
			return
		}
		claimed = true
		h, ok := handle, subscribed
		mu.Unlock()
		if ok {
			e.bus.Unsubscribe(h)
		}
		if _, err := e.Resume(bg, token.Token, payload); err != nil {
			logger.Warnw("resume failed", "token", token.Token, "error", err)
		}
	})
	if err != nil {
		logger.Errorw("subscribing for await_event", "source", token.Source, "error", err)
	} else {
		mu.Lock()
		handle, subscribed = newHandle, true
		done := claimed
		mu.Unlock()
		if done {
			// The event landed before Subscribe returned.
			e.bus.Unsubscribe(newHandle)
		}
	}
	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			e.expire(token, newHandle)
		})
	}
}

// RearmPending re-subscribes every outstanding resume token, called once at
// process start so runs suspended before a restart still resume. Tokens past
// their deadline expire immediately.
func (e *Engine) RearmPending(ctx context.Context) error {
	tokens, err := e.store.ListResumeTokens(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, token := range tokens {
		var timeout time.Duration
		if token.ExpireAt != nil {
			timeout = token.ExpireAt.Sub(now)
			if timeout <= 0 {
				e.expire(token, "")
				continue
			}
		}
		e.armResume(token, timeout)
	}
	return nil
}

// expire fails an awaited step with TimeoutError if its token is unclaimed.
func (e *Engine) expire(token *model.ResumeToken, handle string) {
	ctx := context.Background()
	claimed, err := e.store.TakeResumeToken(ctx, token.Token)
	if err != nil {
		logger.Errorw("claiming expired token", "token", token.Token, "error", err)
		return
	}
	if claimed == nil {
		return
	}
	if handle != "" {
		e.bus.Unsubscribe(handle)
	}
	rc, err := e.contextFromToken(ctx, claimed)
	if err != nil {
		logger.Errorw("rebuilding run for expiry", "token", token.Token, "error", err)
		return
	}
	stepErr := errs.Timeout("await_event %q timed out", claimed.StepID)
	now := time.Now()
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: claimed.StepID,
		Status: model.StepFailed, Attempts: 1,
		StartedAt: now, EndedAt: &now, Error: stepErr.Error(),
	})
	if _, err := e.handleFailure(ctx, rc, claimed.StepID, stepErr); err != nil {
		logger.Infow("awaited run failed on timeout", "run_id", rc.run.ID.String(), "step", claimed.StepID)
	}
}

// Resume claims token, verifies the event payload against the awaited match
// criteria, records the awaited step's output, and continues the run from the
// following step. A non-matching payload re-saves the token untouched.
func (e *Engine) Resume(ctx context.Context, token string, payload map[string]any) (*RunResult, error) {
	claimed, err := e.store.TakeResumeToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, errs.Validation("resume token %q is unknown or already claimed", token)
	}
	if !matchEvent(claimed.Match, payload) {
		if err := e.store.SaveResumeToken(ctx, claimed); err != nil {
			return nil, err
		}
		return nil, errs.Validation("event payload does not satisfy the await criteria of token %q", token)
	}
	rc, err := e.contextFromToken(ctx, claimed)
	if err != nil {
		return nil, err
	}

	rc.setOutput(claimed.StepID, payload)
	now := time.Now()
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: claimed.StepID,
		Status: model.StepSucceeded, Attempts: 1,
		StartedAt: now, EndedAt: &now, Output: payload,
	})
	if err := e.store.UpdateRunStatus(ctx, rc.run.ID, model.RunRunning); err != nil {
		logger.Errorw("persisting resumed status", "run_id", rc.run.ID.String(), "error", err)
	}
	logger.Infow("run resumed", "flow", rc.flow.Name, "run_id", rc.run.ID.String(), "step", claimed.StepID)

	return e.executeFrom(ctx, rc, claimed.StepIdx+1)
}

// contextFromToken rebuilds a run context from a persisted continuation.
func (e *Engine) contextFromToken(ctx context.Context, token *model.ResumeToken) (*runContext, error) {
	if token.Flow == nil {
		return nil, errs.Validation("resume token %q carries no flow definition", token.Token)
	}
	run, err := e.store.GetRun(ctx, token.RunID)
	if err != nil {
		return nil, err
	}
	run.Vars = token.Vars
	run.Event = token.Event
	rc := newRunContext(token.Flow, run, e.secrets)
	for k, v := range token.Outputs {
		rc.outputs[k] = v
	}
	return rc, nil
}

// handleFailure routes a step failure into the catch handler when one exists,
// otherwise fails the run.
func (e *Engine) handleFailure(ctx context.Context, rc *runContext, stepID string, stepErr error) (*RunResult, error) {
	logger.Warnw("step failed", "flow", rc.flow.Name, "run_id", rc.run.ID.String(),
		"step", stepID, "error", stepErr)
	if len(rc.flow.Catch) > 0 {
		return e.runCatch(ctx, rc, stepID, stepErr)
	}
	return e.failRun(ctx, rc, stepErr)
}

func (e *Engine) failRun(ctx context.Context, rc *runContext, runErr error) (*RunResult, error) {
	if err := e.store.UpdateRunStatus(ctx, rc.run.ID, model.RunFailed); err != nil {
		logger.Errorw("persisting failed run status", "run_id", rc.run.ID.String(), "error", err)
	}
	telemetry.ObserveRun(rc.flow.Name, string(model.RunFailed))
	return &RunResult{
		RunID:   rc.run.ID,
		Status:  model.RunFailed,
		Outputs: rc.snapshotOutputs(),
	}, runErr
}

// runCatch executes the catch handler list with an `error` binding describing
// the failure. Catch success ends the run SUCCEEDED; a catch failure (or any
// error inside catch) ends it FAILED. Catch is not re-caught.
func (e *Engine) runCatch(ctx context.Context, rc *runContext, stepID string, stepErr error) (*RunResult, error) {
	binding := map[string]any{
		"step_id": stepID,
		"kind":    string(errs.KindOf(stepErr)),
		"message": stepErr.Error(),
	}
	if status := errs.StatusOf(stepErr); status != 0 {
		binding["status"] = status
	}
	crc := rc.withBindings(map[string]any{"error": binding})

	if err := e.runScope(ctx, crc, rc.flow.Catch); err != nil {
		logger.Warnw("catch handler failed", "flow", rc.flow.Name, "run_id", rc.run.ID.String(), "error", err)
		return e.failRun(ctx, rc, err)
	}
	if err := e.store.UpdateRunStatus(ctx, rc.run.ID, model.RunSucceeded); err != nil {
		logger.Errorw("persisting terminal run status", "run_id", rc.run.ID.String(), "error", err)
	}
	telemetry.ObserveRun(rc.flow.Name, string(model.RunSucceeded))
	return &RunResult{
		RunID:   rc.run.ID,
		Status:  model.RunSucceeded,
		Outputs: rc.snapshotOutputs(),
	}, nil
}

func (e *Engine) appendRecord(ctx context.Context, rc *runContext, rec *model.StepRecord) {
	if err := e.store.AppendStepRecord(ctx, rec); err != nil {
		logger.Errorw("persisting step record", "run_id", rec.RunID.String(),
			"step", rec.StepID, "error", err)
	}
}

func anyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// matchEvent reports whether every match key equals the corresponding path in
// the payload. Dotted keys address nested payload fields.
func matchEvent(match, payload map[string]any) bool {
	for key, want := range match {
		got, ok := templater.LookupPath(payload, key)
		if !ok || !equalJSON(got, want) {
			return false
		}
	}
	return true
}

func equalJSON(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			if !equalJSON(v, y[k]) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalJSON(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	return numericValue(a) == numericValue(b)
}

// numericValue folds int/float representations so JSON round-trips compare
// equal.
func numericValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return v
}
