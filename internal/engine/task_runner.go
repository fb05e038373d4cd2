package engine

import (
	"context"
	"errors"
	"time"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	"github.com/fleetforge-labs/fleetforge/internal/connection"
	"github.com/fleetforge-labs/fleetforge/internal/expr"
	"github.com/fleetforge-labs/fleetforge/internal/inventory"
	"github.com/fleetforge-labs/fleetforge/internal/retry"
	"github.com/fleetforge-labs/fleetforge/internal/tracing"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
	"go.opentelemetry.io/otel/trace"
)

// taskOutcome is the final per-host result of one task dispatch, carrying
// everything the strategies need for reporting, registration, and failure
// accounting.
type taskOutcome struct {
	status  string
	changed bool
	err     error
	// result is the value stored under the task's register name. It is
	// always populated for ok and failed outcomes so run_once fan-out can
	// copy it to other hosts.
	result map[string]interface{}
	start  time.Time
	end    time.Time
}

// taskRunner executes tasks for one play. It is shared by all strategy
// goroutines of that play and holds no per-dispatch state.
type taskRunner struct {
	eng            *Engine
	play           *config.Play
	playbookName   string
	pool           *connection.Pool
	checkMode      bool
	diffMode       bool
	defaultTimeout time.Duration
	retries        *retry.Helper
}

// taskLabel is the display name used for events, spans, and error context.
func taskLabel(task *config.Task) string {
	if task.Name != "" {
		return task.Name
	}
	return task.InternalID
}

// dispatch runs one task on one host end to end: events, tracing, execution,
// result registration, handler notification, and report recording. pinned is
// the host's long-lived lease under the host_pinned strategy, nil otherwise.
func (r *taskRunner) dispatch(ctx context.Context, task *config.Task, host *inventory.Host, pinned *connection.Lease) taskOutcome {
	label := taskLabel(task)

	r.eng.bus.Emit(events.Event{
		Type:         events.TaskStart,
		Timestamp:    time.Now(),
		PlaybookName: r.playbookName,
		PlayName:     r.play.Name,
		TaskName:     label,
		HostName:     host.Name,
		Payload:      map[string]interface{}{"module": task.Module},
	})

	spanCtx, span := tracing.GetTracer().Start(ctx, "task.execute",
		trace.WithAttributes(tracing.TaskAttributes(label, host.Name, task.Module)...))
	out := r.runOnHost(spanCtx, task, host, pinned)
	if out.err != nil && out.status == statusFailed {
		tracing.RecordError(span, out.err)
	}
	span.End()

	r.record(task, host.Name, out)
	return out
}

// record stores the outcome in the report, bumps the engine's task metrics,
// and emits the TaskEnd event.
func (r *taskRunner) record(task *config.Task, host string, out taskOutcome) {
	r.eng.report.record(task.InternalID, host, out)
	r.eng.observeTask(out)

	payload := map[string]interface{}{
		"status":      out.status,
		"changed":     out.changed,
		"duration_ms": out.end.Sub(out.start).Milliseconds(),
	}
	if out.err != nil {
		payload["error"] = out.err.Error()
	}
	r.eng.bus.Emit(events.Event{
		Type:         events.TaskEnd,
		Timestamp:    time.Now(),
		PlaybookName: r.playbookName,
		PlayName:     r.play.Name,
		TaskName:     taskLabel(task),
		HostName:     host,
		Payload:      payload,
	})
}

// runOnHost performs the execution flow and returns the raw outcome; it never
// touches the report or the event bus apart from unreachable notifications.
func (r *taskRunner) runOnHost(ctx context.Context, task *config.Task, host *inventory.Host, pinned *connection.Lease) (out taskOutcome) {
	out.start = time.Now()
	defer func() {
		if out.end.IsZero() {
			out.end = time.Now()
		}
	}()

	rt := r.eng.rt
	vars := rt.MergedVarsWith(host.Name, nil, task.Vars)

	proceed, err := r.eng.eval.EvalCondition(task.When, vars)
	if err != nil {
		return r.failed(out, err)
	}
	if !proceed {
		out.status = statusSkipped
		out.err = fferrors.NewSkippedError("when condition evaluated to false")
		out.result = map[string]interface{}{"changed": false, "skipped": true}
		r.register(task, host.Name, out.result)
		return out
	}

	factory, err := r.eng.registry.Get(task.Module)
	if err != nil {
		return r.failed(out, err)
	}
	mod := factory()

	hint := mod.Hint()
	if task.Throttle > 0 {
		hint = plugin.ResourceBounded(task.Throttle, "throttle:"+task.InternalID)
	}
	guard, err := r.eng.pm.Acquire(ctx, hint, host.Name, task.Module)
	if err != nil {
		return r.failed(out, err)
	}
	defer guard.Release()

	lease, borrowed, err := r.lease(ctx, task, host, pinned)
	if err != nil {
		if fferrors.IsUnreachable(err) {
			out.status = statusUnreachable
			out.err = err
			r.eng.bus.Emit(events.Event{
				Type:         events.HostUnreachable,
				Timestamp:    time.Now(),
				PlaybookName: r.playbookName,
				PlayName:     r.play.Name,
				TaskName:     taskLabel(task),
				HostName:     host.Name,
				Payload:      unreachablePayload(err),
			})
			return out
		}
		return r.failed(out, err)
	}
	out = r.runLeased(ctx, task, host, mod, lease, vars, out.start)
	if borrowed {
		r.settle(ctx, lease, out)
	}
	return out
}

// runLeased executes the task body over an acquired session: loop expansion,
// per-item execution, result registration, and handler notification.
func (r *taskRunner) runLeased(ctx context.Context, task *config.Task, host *inventory.Host, mod plugin.Module, lease *connection.Lease, vars map[string]interface{}, started time.Time) taskOutcome {
	out := taskOutcome{start: started}

	items, looping, err := r.loopItems(task, vars)
	if err != nil {
		out = r.failed(out, err)
		out.end = time.Now()
		return out
	}

	if !looping {
		itemOut := r.runItem(ctx, task, host, mod, lease, vars)
		itemOut.start = started
		r.register(task, host.Name, itemOut.result)
		r.notify(task, host.Name, itemOut)
		itemOut.end = time.Now()
		return itemOut
	}

	loopVar := task.GetLoopVar()
	results := make([]interface{}, 0, len(items))
	anyChanged := false
	anyFailed := false
	var firstErr error
	for _, item := range items {
		itemVars := make(map[string]interface{}, len(vars)+1)
		for k, v := range vars {
			itemVars[k] = v
		}
		itemVars[loopVar] = item

		itemOut := r.runItem(ctx, task, host, mod, lease, itemVars)
		itemOut.result[loopVar] = item
		results = append(results, itemOut.result)
		anyChanged = anyChanged || itemOut.changed
		if itemOut.status == statusFailed {
			anyFailed = true
			if firstErr == nil {
				firstErr = itemOut.err
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	out.changed = anyChanged
	out.result = map[string]interface{}{
		"results": results,
		"changed": anyChanged,
		"failed":  anyFailed,
	}
	if anyFailed && !task.IgnoreErrors {
		out.status = statusFailed
		out.err = firstErr
	} else {
		out.status = statusOk
	}
	r.register(task, host.Name, out.result)
	r.notify(task, host.Name, out)
	out.end = time.Now()
	return out
}

// settle returns a borrowed session to the pool. After a failed task the
// session's state is suspect: it is pinged first and discarded when the
// transport no longer answers, so the idle set only holds sessions believed
// healthy.
func (r *taskRunner) settle(ctx context.Context, lease *connection.Lease, out taskOutcome) {
	if out.status == statusFailed {
		if err := lease.Session().Ping(ctx); err != nil {
			r.eng.log.Debugf("Discarding session for host '%s' after failed task: %v", lease.Host().Name, err)
			lease.Discard()
			return
		}
	}
	lease.Release()
}

// failed finalizes an outcome as failed, honoring ignore_errors at the task
// level is the caller's business; this is the raw failure path.
func (r *taskRunner) failed(out taskOutcome, err error) taskOutcome {
	out.status = statusFailed
	out.err = err
	out.result = map[string]interface{}{"changed": false, "failed": true, "error": err.Error()}
	return out
}

// lease resolves the session the task executes against. The pinned lease is
// reused when present and no delegation applies; otherwise a lease is
// borrowed from the pool for the duration of the task. borrowed reports
// whether the caller must release it.
func (r *taskRunner) lease(ctx context.Context, task *config.Task, host *inventory.Host, pinned *connection.Lease) (lease *connection.Lease, borrowed bool, err error) {
	target := host
	if task.DelegateTo != "" {
		target = r.eng.inv.Host(task.DelegateTo)
		if target == nil {
			return nil, false, fferrors.NewValidationError(
				"delegate_to target '"+task.DelegateTo+"' is not in the inventory", nil)
		}
	}
	if pinned != nil && target == host {
		return pinned, false, nil
	}
	lease, err = r.pool.Acquire(ctx, target.Spec())
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// runItem executes the module once (one loop item, or the whole task when no
// loop is set): parameter rendering, retries, the per-attempt timeout, and
// the changed_when/failed_when overrides.
func (r *taskRunner) runItem(ctx context.Context, task *config.Task, host *inventory.Host, mod plugin.Module, lease *connection.Lease, vars map[string]interface{}) (out taskOutcome) {
	out.start = time.Now()
	defer func() {
		if out.end.IsZero() {
			out.end = time.Now()
		}
	}()

	params, err := expr.RenderParams(r.eng.eval, task.Params, vars)
	if err != nil {
		return r.failed(out, err)
	}

	execCtx := &plugin.ExecContext{
		HostName:  host.Name,
		Session:   lease.Session(),
		Vars:      vars,
		CheckMode: r.checkMode,
		DiffMode:  r.diffMode,
		Logger:    r.eng.log.With("task", taskLabel(task), "host", host.Name),
	}

	res, err := r.perform(ctx, task, mod, params, execCtx)
	if fferrors.IsSkipped(err) {
		out.status = statusSkipped
		out.err = err
		out.result = map[string]interface{}{"changed": false, "skipped": true}
		return out
	}

	result := moduleResultMap(res, err)
	condVars := make(map[string]interface{}, len(vars)+1)
	for k, v := range vars {
		condVars[k] = v
	}
	condVars["result"] = result

	failed := err != nil
	if task.FailedWhen != "" {
		verdict, cerr := r.eng.eval.EvalCondition(task.FailedWhen, condVars)
		if cerr != nil {
			return r.failed(out, cerr)
		}
		failed = verdict
		if !failed {
			err = nil
		}
	}

	changed := res != nil && res.Changed
	if task.ChangedWhen != "" && !failed {
		verdict, cerr := r.eng.eval.EvalCondition(task.ChangedWhen, condVars)
		if cerr != nil {
			return r.failed(out, cerr)
		}
		changed = verdict
	}
	result["changed"] = changed
	result["failed"] = failed

	out.changed = changed
	out.result = result
	if failed && !task.IgnoreErrors {
		out.status = statusFailed
		if err == nil {
			err = fferrors.NewTaskExecutionError(taskLabel(task), host.Name,
				errors.New("failed_when condition evaluated to true"))
		}
		out.err = err
		return out
	}
	out.status = statusOk
	return out
}

// perform drives the module under the task's retry policy with a per-attempt
// timeout. A timed-out attempt is converted to a TimeoutError so it is never
// mistaken for host unreachability.
func (r *taskRunner) perform(ctx context.Context, task *config.Task, mod plugin.Module, params map[string]interface{}, execCtx *plugin.ExecContext) (*plugin.Result, error) {
	timeout := task.GetTimeout(r.defaultTimeout)
	policy := retry.Policy{
		MaxAttempts: task.GetRetryAttempts(),
		BaseDelay:   task.GetRetryDelay(),
		MaxDelay:    task.GetRetryMaxDelay(),
		Multiplier:  1.0,
		Classify:    taskAttemptRetryable,
	}
	if policy.MaxDelay > 0 {
		policy.Multiplier = 2.0
	}

	var lastRes *plugin.Result
	op := func(ctx context.Context) error {
		attemptCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		res, err := mod.Perform(attemptCtx, params, execCtx)
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fferrors.NewTimeoutError(taskLabel(task), execCtx.HostName, timeout)
		}
		lastRes = res
		return err
	}
	err := r.retries.Do(ctx, policy, op)
	return lastRes, err
}

// taskAttemptRetryable classifies module errors for task-level retries:
// everything is retried until attempts run out, except skips and caller
// cancellation.
func taskAttemptRetryable(err error) bool {
	if fferrors.IsSkipped(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// unreachablePayload shapes the HostUnreachable event payload. The reason
// label feeds the unreachable-hosts metric.
func unreachablePayload(err error) map[string]interface{} {
	reason := "unknown"
	var ue *fferrors.UnreachableError
	if errors.As(err, &ue) {
		reason = string(ue.Reason)
	}
	return map[string]interface{}{"error": err.Error(), "reason": reason}
}

// moduleResultMap flattens a module result into the map exposed to
// changed_when/failed_when conditions and stored under register. Module data
// keys sit at the top level; the reserved keys win on collision.
func moduleResultMap(res *plugin.Result, err error) map[string]interface{} {
	m := make(map[string]interface{})
	if res != nil {
		for k, v := range res.Data {
			m[k] = v
		}
		m["changed"] = res.Changed
		m["msg"] = res.Msg
	} else {
		m["changed"] = false
	}
	m["failed"] = err != nil
	if err != nil {
		m["error"] = err.Error()
	}
	return m
}

// register stores the task's result under its register name for this host.
func (r *taskRunner) register(task *config.Task, host string, result map[string]interface{}) {
	if task.Register == "" || result == nil {
		return
	}
	r.eng.rt.RegisterResult(host, task.Register, result)
}

// registerOn copies an already-computed result to another host, used by
// run_once to fan out the single execution's register value.
func (r *taskRunner) registerOn(task *config.Task, host string, result map[string]interface{}) {
	r.register(task, host, result)
}

// notify queues the task's handlers when the task reported a change.
func (r *taskRunner) notify(task *config.Task, host string, out taskOutcome) {
	if out.status != statusOk || !out.changed || len(task.Notify) == 0 {
		return
	}
	for _, target := range task.Notify {
		matched := false
		for i := range r.play.Handlers {
			handler := &r.play.Handlers[i]
			if !handler.RespondsTo(target) {
				continue
			}
			matched = true
			if r.eng.rt.NotifyHandler(handler.Name) {
				r.eng.bus.Emit(events.Event{
					Type:         events.HandlerNotified,
					Timestamp:    time.Now(),
					PlaybookName: r.playbookName,
					PlayName:     r.play.Name,
					TaskName:     handler.Name,
					HostName:     host,
				})
			}
		}
		if !matched {
			// Validation rejects unknown notify targets at load time, so
			// this only fires for registries mutated mid-run.
			r.eng.log.Warnf("Task '%s' notified '%s' but no handler responds to it", taskLabel(task), target)
		}
	}
}
