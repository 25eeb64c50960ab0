package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/graph"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/model"
	"github.com/loomworks/loom/telemetry"
	"github.com/loomworks/loom/templater"
)

// maybeSkip evaluates a step's if condition. A falsy condition records the
// step SKIPPED and reports skipped=true; skipped steps produce no output.
func (e *Engine) maybeSkip(ctx context.Context, rc *runContext, step *model.Step, recordID string) (bool, error) {
	if step.If == "" {
		return false, nil
	}
	val, err := e.tmpl.EvaluateExpression(step.If, rc.templateData())
	if err != nil {
		return false, err
	}
	if templater.Truthy(val) {
		return false, nil
	}
	now := time.Now()
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: recordID,
		Status: model.StepSkipped, Attempts: 1, StartedAt: now, EndedAt: &now,
	})
	telemetry.ObserveStep(rc.flow.Name, string(model.StepSkipped), 0)
	logger.Debug("step %s skipped (if %q was falsy)", recordID, step.If)
	return true, nil
}

// runScope executes a sibling step list sequentially in dependency order.
// It is used for catch handlers, foreach bodies, and parallel children that
// nest further lists. Await-event steps inside a scope block inline instead
// of suspending the run.
func (e *Engine) runScope(ctx context.Context, rc *runContext, steps []model.Step) error {
	order, err := graph.SortSteps(steps)
	if err != nil {
		return err
	}
	for _, idx := range order {
		step := &steps[idx]
		id, err := e.renderStepID(rc, step.ID)
		if err != nil {
			return err
		}
		skipped, err := e.maybeSkip(ctx, rc, step, id)
		if err != nil {
			return err
		}
		if skipped {
			continue
		}
		if err := e.runStep(ctx, rc, step); err != nil {
			return err
		}
	}
	return nil
}

// runStep dispatches on the step's action. Top-level await_event steps are
// intercepted by executeFrom before reaching here, so the await branch only
// serves nested scopes, where the run cannot suspend and the await blocks.
func (e *Engine) runStep(ctx context.Context, rc *runContext, step *model.Step) error {
	switch {
	case step.Use != "":
		return e.runUse(ctx, rc, step)
	case len(step.Steps) > 0:
		return e.runParallel(ctx, rc, step)
	case step.Foreach != "":
		return e.runForeach(ctx, rc, step)
	case step.AwaitEvent != nil:
		return e.awaitInline(ctx, rc, step)
	case step.Wait != nil:
		return e.runWait(ctx, rc, step)
	}
	return errs.Validation("step %q has no action", step.ID)
}

// runUse invokes a tool through the adapter registry, honoring the step's
// retry policy. Attempts is the total invocation cap; each attempt gets its
// own step record.
func (e *Engine) runUse(ctx context.Context, rc *runContext, step *model.Step) error {
	id, err := e.renderStepID(rc, step.ID)
	if err != nil {
		return err
	}
	tool, err := e.tmpl.Render(step.Use, rc.templateData())
	if err != nil {
		return err
	}
	a, err := e.adapters.Resolve(ctx, tool)
	if err != nil {
		return err
	}

	attempts := 1
	var delay time.Duration
	if step.Retry != nil {
		if step.Retry.Attempts > 0 {
			attempts = step.Retry.Attempts
		}
		delay = time.Duration(step.Retry.DelaySec) * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			now := time.Now()
			e.appendRecord(ctx2(ctx), rc, &model.StepRecord{
				ID: uuid.New(), RunID: rc.run.ID, StepID: id,
				Status: model.StepCancelled, Attempts: attempt,
				StartedAt: now, EndedAt: &now, Error: ctx.Err().Error(),
			})
			return errs.Cancelled("step %q cancelled", id)
		}

		// Arguments re-render per attempt so retries see fresh outputs.
		args, err := e.renderArgs(rc, step.With)
		if err != nil {
			return err
		}

		started := time.Now()
		rec := &model.StepRecord{
			ID: uuid.New(), RunID: rc.run.ID, StepID: id,
			Status: model.StepRunning, Attempts: attempt, StartedAt: started,
		}
		e.appendRecord(ctx, rc, rec)

		spanCtx, span := telemetry.Tracer().Start(ctx, "step."+id,
			trace.WithAttributes(
				attribute.String("loom.flow", rc.flow.Name),
				attribute.String("loom.tool", tool),
				attribute.Int("loom.attempt", attempt),
			))
		output, execErr := a.Execute(spanCtx, tool, args)
		span.End()

		ended := time.Now()
		rec.EndedAt = &ended
		if execErr != nil && (ctx.Err() != nil || errs.KindOf(execErr) == errs.KindCancelled) {
			rec.Status = model.StepCancelled
			rec.Error = execErr.Error()
			e.appendRecord(ctx2(ctx), rc, rec)
			return errs.Cancelled("step %q cancelled", id)
		}
		if execErr == nil {
			rec.Status = model.StepSucceeded
			rec.Output = output
			e.appendRecord(ctx, rc, rec)
			rc.setOutput(id, output)
			telemetry.ObserveStep(rc.flow.Name, string(model.StepSucceeded), ended.Sub(started))
			return nil
		}

		rec.Status = model.StepFailed
		rec.Error = execErr.Error()
		e.appendRecord(ctx, rc, rec)
		telemetry.ObserveStep(rc.flow.Name, string(model.StepFailed), ended.Sub(started))
		lastErr = execErr

		if attempt == attempts || !errs.IsRetryable(execErr) {
			break
		}
		logger.Debug("step %s attempt %d/%d failed, retrying in %s: %v",
			id, attempt, attempts, delay, execErr)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errs.Cancelled("step %q cancelled during retry delay", id)
			}
		}
	}
	return lastErr
}

// ctx2 returns a usable context for persistence when ctx itself is already
// cancelled: cancellation must not prevent the CANCELLED record being written.
func ctx2(ctx context.Context) context.Context {
	if ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

// parallelChild tracks one child's fate for error selection.
type parallelChild struct {
	id  string
	err error
}

// runParallel executes the step's children concurrently in dependency levels.
// Children share the run's outputs map. The first failing child cancels its
// siblings; in-flight siblings stop with CANCELLED records. The reported
// error is the first non-cancellation failure in start order. The parallel
// step's own output maps each child id to its output.
func (e *Engine) runParallel(ctx context.Context, rc *runContext, step *model.Step) error {
	id, err := e.renderStepID(rc, step.ID)
	if err != nil {
		return err
	}
	order, err := graph.SortSteps(step.Steps)
	if err != nil {
		return err
	}

	started := time.Now()
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Group the sorted order into levels: a child runs once everything it
	// depends on has finished in an earlier level.
	levels := dependencyLevels(step.Steps, order)

	children := make([]parallelChild, 0, len(step.Steps))

	for _, level := range levels {
		var wg sync.WaitGroup
		results := make([]parallelChild, len(level))
		for slot, idx := range level {
			wg.Add(1)
			go func(slot, idx int) {
				defer wg.Done()
				child := &step.Steps[idx]
				cid, rerr := e.renderStepID(rc, child.ID)
				if rerr != nil {
					results[slot] = parallelChild{id: child.ID, err: rerr}
					cancel()
					return
				}
				skipped, serr := e.maybeSkip(pctx, rc, child, cid)
				if serr != nil {
					results[slot] = parallelChild{id: cid, err: serr}
					cancel()
					return
				}
				if skipped {
					results[slot] = parallelChild{id: cid}
					return
				}
				if rerr := e.runStep(pctx, rc, child); rerr != nil {
					results[slot] = parallelChild{id: cid, err: rerr}
					cancel()
					return
				}
				results[slot] = parallelChild{id: cid}
			}(slot, idx)
		}
		wg.Wait()
		children = append(children, results...)
		if levelFailed(results) {
			break
		}
	}

	// First non-cancellation failure in start order wins; a run where only
	// cancellations remain reports the first of those.
	var firstErr, firstCancelled error
	for _, c := range children {
		if c.err == nil {
			continue
		}
		if errs.KindOf(c.err) == errs.KindCancelled {
			if firstCancelled == nil {
				firstCancelled = c.err
			}
			continue
		}
		if firstErr == nil {
			firstErr = c.err
		}
	}
	ended := time.Now()
	if firstErr == nil {
		firstErr = firstCancelled
	}
	if firstErr != nil {
		e.appendRecord(ctx, rc, &model.StepRecord{
			ID: uuid.New(), RunID: rc.run.ID, StepID: id,
			Status: model.StepFailed, Attempts: 1,
			StartedAt: started, EndedAt: &ended, Error: firstErr.Error(),
		})
		telemetry.ObserveStep(rc.flow.Name, string(model.StepFailed), ended.Sub(started))
		return firstErr
	}

	group := map[string]any{}
	for _, c := range children {
		if out, ok := rc.output(c.id); ok {
			group[c.id] = out
		}
	}
	rc.setOutput(id, group)
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: id,
		Status: model.StepSucceeded, Attempts: 1,
		StartedAt: started, EndedAt: &ended, Output: group,
	})
	telemetry.ObserveStep(rc.flow.Name, string(model.StepSucceeded), ended.Sub(started))
	return nil
}

func levelFailed(results []parallelChild) bool {
	for _, r := range results {
		if r.err != nil {
			return true
		}
	}
	return false
}

// dependencyLevels partitions the sorted order into waves of children whose
// dependencies all sit in earlier waves.
func dependencyLevels(steps []model.Step, order []int) [][]int {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}
	depth := make([]int, len(steps))
	maxDepth := 0
	for _, i := range order {
		d := 0
		for _, dep := range steps[i].DependsOn {
			if j, ok := index[dep]; ok && depth[j]+1 > d {
				d = depth[j] + 1
			}
		}
		depth[i] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]int, maxDepth+1)
	for _, i := range order {
		levels[depth[i]] = append(levels[depth[i]], i)
	}
	return levels
}

// runForeach evaluates the foreach expression to a sequence and executes the
// do block once per element. Each iteration binds the element under the `as`
// name (default "item") plus <as>_index (zero-based) and <as>_row (one-based).
// The step's output is an array of per-iteration output maps, one map per
// element, each merging the iteration's do-step outputs.
func (e *Engine) runForeach(ctx context.Context, rc *runContext, step *model.Step) error {
	id, err := e.renderStepID(rc, step.ID)
	if err != nil {
		return err
	}
	val, err := e.tmpl.EvaluateExpression(step.Foreach, rc.templateData())
	if err != nil {
		return err
	}
	items, ok := val.([]any)
	if !ok {
		return errs.Template("foreach of step %q must evaluate to a sequence, got %T", id, val)
	}

	as := step.As
	if as == "" {
		as = "item"
	}

	started := time.Now()
	results := make([]any, len(items))

	runIteration := func(iterCtx context.Context, i int, item any) error {
		frame := map[string]any{as: item, as + "_index": i, as + "_row": i + 1}
		irc := rc.withBindings(frame)
		if err := e.runScope(iterCtx, irc, step.Do); err != nil {
			return err
		}
		merged := map[string]any{}
		for _, d := range step.Do {
			did, rerr := e.renderStepID(irc, d.ID)
			if rerr != nil {
				return rerr
			}
			out, ok := irc.output(did)
			if !ok {
				continue
			}
			if m, ok := out.(map[string]any); ok && len(step.Do) == 1 {
				// A single do step contributes its output map directly.
				merged = m
				continue
			}
			merged[did] = out
		}
		results[i] = merged
		return nil
	}

	if step.Parallel {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		var wg sync.WaitGroup
		iterErrs := make([]error, len(items))
		for i, item := range items {
			wg.Add(1)
			go func(i int, item any) {
				defer wg.Done()
				if err := runIteration(pctx, i, item); err != nil {
					iterErrs[i] = err
					cancel()
				}
			}(i, item)
		}
		wg.Wait()
		for _, err := range iterErrs {
			if err != nil && errs.KindOf(err) != errs.KindCancelled {
				return err
			}
		}
		for _, err := range iterErrs {
			if err != nil {
				return err
			}
		}
	} else {
		for i, item := range items {
			if err := runIteration(ctx, i, item); err != nil {
				return err
			}
		}
	}

	ended := time.Now()
	rc.setOutput(id, results)
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: id,
		Status: model.StepSucceeded, Attempts: 1,
		StartedAt: started, EndedAt: &ended, Output: results,
	})
	telemetry.ObserveStep(rc.flow.Name, string(model.StepSucceeded), ended.Sub(started))
	return nil
}

// awaitInline blocks a nested scope until a matching event arrives. Scoped
// awaits cannot suspend the run, so the goroutine parks on the bus instead.
func (e *Engine) awaitInline(ctx context.Context, rc *runContext, step *model.Step) error {
	id, err := e.renderStepID(rc, step.ID)
	if err != nil {
		return err
	}
	data := rc.templateData()
	source, err := e.tmpl.Render(step.AwaitEvent.Source, data)
	if err != nil {
		return err
	}
	matchVal, err := e.renderValue(anyMap(step.AwaitEvent.Match), data)
	if err != nil {
		return err
	}
	match, _ := matchVal.(map[string]any)

	var timeoutCh <-chan time.Time
	if step.AwaitEvent.Timeout != "" {
		d, err := model.ParseDuration(step.AwaitEvent.Timeout)
		if err != nil {
			return errs.Validation("%v", err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	started := time.Now()
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: id,
		Status: model.StepAwaiting, Attempts: 1, StartedAt: started,
	})

	got := make(chan map[string]any, 1)
	handle, err := e.bus.Subscribe(ctx, source, func(payload map[string]any) {
		if !matchEvent(match, payload) {
			return
		}
		select {
		case got <- payload:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer e.bus.Unsubscribe(handle)

	select {
	case payload := <-got:
		ended := time.Now()
		rc.setOutput(id, payload)
		e.appendRecord(ctx, rc, &model.StepRecord{
			ID: uuid.New(), RunID: rc.run.ID, StepID: id,
			Status: model.StepSucceeded, Attempts: 1,
			StartedAt: started, EndedAt: &ended, Output: payload,
		})
		telemetry.ObserveStep(rc.flow.Name, string(model.StepSucceeded), ended.Sub(started))
		return nil
	case <-timeoutCh:
		ended := time.Now()
		stepErr := errs.Timeout("await_event %q timed out", id)
		e.appendRecord(ctx, rc, &model.StepRecord{
			ID: uuid.New(), RunID: rc.run.ID, StepID: id,
			Status: model.StepFailed, Attempts: 1,
			StartedAt: started, EndedAt: &ended, Error: stepErr.Error(),
		})
		telemetry.ObserveStep(rc.flow.Name, string(model.StepFailed), ended.Sub(started))
		return stepErr
	case <-ctx.Done():
		ended := time.Now()
		e.appendRecord(ctx2(ctx), rc, &model.StepRecord{
			ID: uuid.New(), RunID: rc.run.ID, StepID: id,
			Status: model.StepCancelled, Attempts: 1,
			StartedAt: started, EndedAt: &ended, Error: ctx.Err().Error(),
		})
		return errs.Cancelled("step %q cancelled", id)
	}
}

// runWait sleeps for the configured seconds, remaining cancellable.
func (e *Engine) runWait(ctx context.Context, rc *runContext, step *model.Step) error {
	id, err := e.renderStepID(rc, step.ID)
	if err != nil {
		return err
	}
	started := time.Now()
	select {
	case <-time.After(time.Duration(step.Wait.Seconds) * time.Second):
	case <-ctx.Done():
		ended := time.Now()
		e.appendRecord(ctx2(ctx), rc, &model.StepRecord{
			ID: uuid.New(), RunID: rc.run.ID, StepID: id,
			Status: model.StepCancelled, Attempts: 1,
			StartedAt: started, EndedAt: &ended, Error: ctx.Err().Error(),
		})
		return errs.Cancelled("step %q cancelled during wait", id)
	}
	ended := time.Now()
	output := map[string]any{"seconds": step.Wait.Seconds}
	rc.setOutput(id, output)
	e.appendRecord(ctx, rc, &model.StepRecord{
		ID: uuid.New(), RunID: rc.run.ID, StepID: id,
		Status: model.StepSucceeded, Attempts: 1,
		StartedAt: started, EndedAt: &ended, Output: output,
	})
	return nil
}

// renderStepID renders template tokens inside a step id. Foreach bodies use
// this so iteration bindings can keep ids unique.
func (e *Engine) renderStepID(rc *runContext, id string) (string, error) {
	rendered, err := e.tmpl.Render(id, rc.templateData())
	if err != nil {
		return "", err
	}
	return rendered, nil
}

// renderArgs deep-renders a step's with block.
func (e *Engine) renderArgs(rc *runContext, with map[string]any) (map[string]any, error) {
	if with == nil {
		return map[string]any{}, nil
	}
	val, err := e.renderValue(with, rc.templateData())
	if err != nil {
		return nil, err
	}
	args, _ := val.(map[string]any)
	return args, nil
}

// renderValue walks v recursively. Strings that are a single template token
// resolve to their native value so objects, arrays, and numbers survive
// untouched; mixed strings render to text.
func (e *Engine) renderValue(v any, data map[string]any) (any, error) {
	switch x := v.(type) {
	case string:
		return e.tmpl.EvaluateExpression(x, data)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			rendered, err := e.renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			rendered, err := e.renderValue(val, data)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	}
	return v, nil
}
