package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	"github.com/fleetforge-labs/fleetforge/internal/connection"
	"github.com/fleetforge-labs/fleetforge/internal/inventory"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"
)

// runBatch executes the play's task sequence on one serial batch of hosts
// under the play's strategy, then flushes any notified handlers on the hosts
// that are still healthy.
func (r *taskRunner) runBatch(ctx context.Context, tasks []*config.Task, hosts []*inventory.Host) {
	switch r.play.GetStrategy() {
	case config.StrategyFree:
		r.runFree(ctx, tasks, hosts)
	case config.StrategyHostPinned:
		r.runHostPinned(ctx, tasks, hosts)
	default:
		r.runLinear(ctx, tasks, hosts)
	}
	r.flushHandlers(ctx, hosts)
}

// runLinear walks the task sequence in order. Each task is dispatched to all
// still-healthy batch hosts concurrently and the strategy waits for every
// host before moving to the next task. Hosts that fail or become unreachable
// are excluded from the remaining tasks.
func (r *taskRunner) runLinear(ctx context.Context, tasks []*config.Task, hosts []*inventory.Host) {
	active := hosts
	for _, task := range tasks {
		if len(active) == 0 || ctx.Err() != nil {
			return
		}
		if task.RunOnce {
			out := r.dispatch(ctx, task, active[0], nil)
			r.fanOutRegister(task, out, active, active[0].Name)
			active = r.pruneFailed(active)
			continue
		}
		var wg sync.WaitGroup
		for _, host := range active {
			wg.Add(1)
			go func(h *inventory.Host) {
				defer wg.Done()
				r.dispatch(ctx, task, h, nil)
			}(host)
		}
		wg.Wait()
		active = r.pruneFailed(active)
	}
}

// runFree gives every host its own goroutine racing through the full task
// sequence independently. A host that fails or becomes unreachable stops its
// own sequence without affecting the others. run_once tasks execute on the
// batch's first host only; the other hosts skip past them and receive the
// registered result once it exists.
func (r *taskRunner) runFree(ctx context.Context, tasks []*config.Task, hosts []*inventory.Host) {
	if len(hosts) == 0 {
		return
	}
	leader := hosts[0].Name
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(h *inventory.Host) {
			defer wg.Done()
			r.runHostSequence(ctx, tasks, h, nil, leader, hosts)
		}(host)
	}
	wg.Wait()
}

// runHostPinned behaves like free but each host goroutine holds a single
// pooled connection for the whole sequence, so every task on that host runs
// over the same session. A host whose pinned connection cannot be
// established is unreachable for the entire batch.
func (r *taskRunner) runHostPinned(ctx context.Context, tasks []*config.Task, hosts []*inventory.Host) {
	if len(hosts) == 0 {
		return
	}
	leader := hosts[0].Name
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(h *inventory.Host) {
			defer wg.Done()
			lease, err := r.pool.Acquire(ctx, h.Spec())
			if err != nil {
				r.recordPinnedDialFailure(tasks, h, err)
				return
			}
			defer lease.Release()
			r.runHostSequence(ctx, tasks, h, lease, leader, hosts)
		}(host)
	}
	wg.Wait()
}

// runHostSequence drives one host through the whole task sequence, halting
// that host on its first failure.
func (r *taskRunner) runHostSequence(ctx context.Context, tasks []*config.Task, host *inventory.Host, pinned *connection.Lease, leader string, batch []*inventory.Host) {
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if task.RunOnce && host.Name != leader {
			continue
		}
		out := r.dispatch(ctx, task, host, pinned)
		if task.RunOnce {
			r.fanOutRegister(task, out, batch, host.Name)
		}
		if out.status == statusFailed || out.status == statusUnreachable {
			return
		}
	}
}

// fanOutRegister copies a run_once task's registered result to every other
// batch host so later conditions see it regardless of which host executed.
func (r *taskRunner) fanOutRegister(task *config.Task, out taskOutcome, batch []*inventory.Host, executedOn string) {
	if task.Register == "" || out.result == nil {
		return
	}
	for _, host := range batch {
		if host.Name == executedOn {
			continue
		}
		r.registerOn(task, host.Name, out.result)
	}
}

// recordPinnedDialFailure marks a host unreachable when its pinned
// connection could not be established. The failure is attributed to the
// first task of the sequence since nothing on the host ran.
func (r *taskRunner) recordPinnedDialFailure(tasks []*config.Task, host *inventory.Host, err error) {
	if len(tasks) == 0 {
		return
	}
	now := time.Now()
	out := taskOutcome{status: statusUnreachable, err: err, start: now, end: now}
	r.eng.bus.Emit(events.Event{
		Type:         events.HostUnreachable,
		Timestamp:    now,
		PlaybookName: r.playbookName,
		PlayName:     r.play.Name,
		TaskName:     taskLabel(tasks[0]),
		HostName:     host.Name,
		Payload:      unreachablePayload(err),
	})
	r.record(tasks[0], host.Name, out)
}

// pruneFailed returns the subset of hosts with no failed or unreachable
// outcome recorded so far.
func (r *taskRunner) pruneFailed(hosts []*inventory.Host) []*inventory.Host {
	healthy := hosts[:0:0]
	for _, host := range hosts {
		if !r.eng.report.hostFailed(host.Name) {
			healthy = append(healthy, host)
		}
	}
	return healthy
}

// flushHandlers runs every notified handler, in declaration order, on the
// batch hosts that are still healthy. A handler runs at most once per play
// even when it is notified again in a later batch.
func (r *taskRunner) flushHandlers(ctx context.Context, hosts []*inventory.Host) {
	active := r.pruneFailed(hosts)
	for i := range r.play.Handlers {
		handler := &r.play.Handlers[i]
		if len(active) == 0 || ctx.Err() != nil {
			// Pending notifications must survive to the next batch's flush;
			// consuming one here would silently drop the handler for the
			// rest of the play.
			return
		}
		if !r.eng.rt.MarkHandlerExecuted(handler.Name) {
			continue
		}
		var wg sync.WaitGroup
		for _, host := range active {
			wg.Add(1)
			go func(h *inventory.Host) {
				defer wg.Done()
				r.dispatch(ctx, &handler.Task, h, nil)
			}(host)
		}
		wg.Wait()
		r.eng.bus.Emit(events.Event{
			Type:         events.HandlerExecuted,
			Timestamp:    time.Now(),
			PlaybookName: r.playbookName,
			PlayName:     r.play.Name,
			TaskName:     handler.Name,
		})
		active = r.pruneFailed(active)
	}
}
