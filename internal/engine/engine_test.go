package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge-labs/fleetforge/internal/connection"
	"github.com/fleetforge-labs/fleetforge/internal/inventory"
	"github.com/fleetforge-labs/fleetforge/internal/logger"
	"github.com/fleetforge-labs/fleetforge/internal/module"
	"github.com/fleetforge-labs/fleetforge/internal/retry"
	v1 "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

// --- test doubles ---

type stubSession struct {
	host transport.HostSpec
}

func (s *stubSession) Exec(ctx context.Context, command string) (*transport.ExecResult, error) {
	return &transport.ExecResult{ExitCode: 0}, nil
}

func (s *stubSession) Upload(ctx context.Context, src io.Reader, remotePath string, perm uint32) error {
	return nil
}

func (s *stubSession) Ping(ctx context.Context) error { return nil }
func (s *stubSession) Host() transport.HostSpec       { return s.host }
func (s *stubSession) Close() error                   { return nil }

// stubDialer hands out stub sessions, refusing the hosts listed in refuse.
type stubDialer struct {
	refuse map[string]bool
}

func (d *stubDialer) Dial(ctx context.Context, host transport.HostSpec) (transport.Session, error) {
	if d.refuse[host.Name] {
		return nil, fmt.Errorf("dial %s: connection refused", host.Name)
	}
	return &stubSession{host: host}, nil
}

// moduleRecorder collects "op@host" strings in execution order.
type moduleRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *moduleRecorder) record(op, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+"@"+host)
}

func (r *moduleRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *moduleRecorder) count(prefix string) int {
	n := 0
	for _, call := range r.snapshot() {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func (r *moduleRecorder) contains(call string) bool {
	for _, c := range r.snapshot() {
		if c == call {
			return true
		}
	}
	return false
}

// mockModule executes instantly, recording each call. Hosts in failOn fail
// every dispatch; "op@host" entries in failOps fail only that dispatch.
// delay simulates slow modules for timeout tests.
type mockModule struct {
	rec     *moduleRecorder
	failOn  map[string]bool
	failOps map[string]bool
	changed bool
	delay   time.Duration
}

func (m *mockModule) Hint() plugin.Hint { return plugin.FullyParallel() }

func (m *mockModule) Perform(ctx context.Context, params map[string]interface{}, execCtx *plugin.ExecContext) (*plugin.Result, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	op, _ := params["op"].(string)
	m.rec.record(op, execCtx.HostName)
	if m.failOn[execCtx.HostName] || m.failOps[op+"@"+execCtx.HostName] {
		return nil, errors.New("mock module failure")
	}
	return &plugin.Result{
		Changed: m.changed,
		Msg:     "done",
		Data:    map[string]interface{}{"op": op},
	}, nil
}

// captureBus records every emitted event for assertions.
type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Emit(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *captureBus) ofType(eventType events.EventType) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []events.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// --- helpers ---

func newTestInventory(t *testing.T, names ...string) *inventory.Inventory {
	t.Helper()
	inv := inventory.New()
	for i, name := range names {
		require.NoError(t, inv.AddHost(&inventory.Host{
			Name:    name,
			Address: fmt.Sprintf("192.0.2.%d", i+1),
		}))
	}
	return inv
}

func newTestRegistry(t *testing.T, mod plugin.Module) plugin.Registry {
	t.Helper()
	reg := module.NewStaticRegistry()
	require.NoError(t, reg.Register("mock", func() plugin.Module { return mod }))
	return reg
}

func newTestEngine(t *testing.T, inv *inventory.Inventory, reg plugin.Registry, opts ...v1.EngineOption) *Engine {
	t.Helper()
	base := []v1.EngineOption{
		v1.WithDialer(&stubDialer{}),
		v1.WithPluginRegistry(reg),
		v1.WithForks(8),
	}
	eng, err := NewEngine(inv, logger.NewDefaultLogger("error"), append(base, opts...)...)
	require.NoError(t, err)
	// Single-attempt dialing keeps failure-path tests fast.
	require.NoError(t, eng.SetPoolConfig(connection.PoolConfig{
		RetryPolicy: retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1.0},
	}))
	return eng
}

// --- tests ---

func TestRunPlaybookLinearWalksTasksInLockstep(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: true}
	inv := newTestInventory(t, "web-01", "web-02")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: lockstep
plays:
  - name: base
    hosts: all
    tasks:
      - name: first
        module: mock
        params: {op: first}
      - name: second
        module: mock
        params: {op: second}
`))
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, runSucceeded, report.OverallStatus)

	for _, host := range []string{"web-01", "web-02"} {
		summary := report.HostSummaries[host]
		assert.Equal(t, 2, summary.Ok, host)
		assert.Equal(t, 2, summary.Changed, host)
		assert.Zero(t, summary.Failed, host)
	}
	assert.Equal(t, statusOk, report.TaskResults["first/web-01"].Status)
	assert.True(t, report.TaskResults["second/web-02"].Changed)

	// Every dispatch of the first task finishes before the second starts.
	calls := rec.snapshot()
	require.Len(t, calls, 4)
	lastFirst, firstSecond := -1, len(calls)
	for i, call := range calls {
		if strings.HasPrefix(call, "first@") && i > lastFirst {
			lastFirst = i
		}
		if strings.HasPrefix(call, "second@") && i < firstSecond {
			firstSecond = i
		}
	}
	assert.Less(t, lastFirst, firstSecond)
}

func TestRunPlaybookSerialBatches(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec}
	inv := newTestInventory(t, "a", "b", "c", "d")
	bus := &captureBus{}
	eng := newTestEngine(t, inv, newTestRegistry(t, mod), v1.WithEventBus(bus))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: rolling
plays:
  - name: rolling
    hosts: all
    serial: 2
    tasks:
      - name: deploy
        module: mock
        params: {op: deploy}
`))
	require.NoError(t, err)
	assert.Equal(t, runSucceeded, report.OverallStatus)

	starts := bus.ofType(events.BatchStart)
	require.Len(t, starts, 2)
	assert.Equal(t, 2, starts[0].Payload["size"])
	assert.Equal(t, 2, starts[1].Payload["size"])
	assert.Len(t, bus.ofType(events.BatchEnd), 2)
	assert.Equal(t, 4, rec.count("deploy@"))
}

func TestRunPlaybookExcludesFailedHostsFromLaterTasks(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, failOn: map[string]bool{"b": true}}
	inv := newTestInventory(t, "a", "b", "c")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: partial-failure
plays:
  - name: rollout
    hosts: all
    tasks:
      - name: first
        module: mock
        params: {op: first}
      - name: second
        module: mock
        params: {op: second}
`))
	require.NoError(t, err)
	assert.Equal(t, runFailed, report.OverallStatus)

	assert.Equal(t, 1, report.HostSummaries["b"].Failed)
	assert.False(t, rec.contains("second@b"))
	assert.True(t, rec.contains("second@a"))
	assert.True(t, rec.contains("second@c"))
	_, ran := report.TaskResults["second/b"]
	assert.False(t, ran)
	assert.Equal(t, statusFailed, report.TaskResults["first/b"].Status)
}

func TestRunPlaybookMaxFailPercentageAbortsPlay(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, failOn: map[string]bool{"a": true, "b": true, "c": true}}
	inv := newTestInventory(t, "a", "b", "c")
	bus := &captureBus{}
	eng := newTestEngine(t, inv, newTestRegistry(t, mod), v1.WithEventBus(bus))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: guarded
plays:
  - name: guarded
    hosts: all
    serial: 1
    max_fail_percentage: 50
    tasks:
      - name: deploy
        module: mock
        params: {op: deploy}
`))
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, runAborted, report.OverallStatus)
	assert.Contains(t, err.Error(), "aborted")

	// The first batch fails at 100% and later batches never run.
	assert.Equal(t, 1, rec.count("deploy@"))
	assert.Len(t, bus.ofType(events.PlayAborted), 1)
	assert.Len(t, bus.ofType(events.BatchStart), 1)
}

func TestRunPlaybookSkipsOnWhenCondition(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec}
	inv := inventory.New()
	require.NoError(t, inv.AddHost(&inventory.Host{
		Name: "on", Address: "192.0.2.1", Vars: map[string]interface{}{"enabled": true},
	}))
	require.NoError(t, inv.AddHost(&inventory.Host{
		Name: "off", Address: "192.0.2.2", Vars: map[string]interface{}{"enabled": false},
	}))
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: conditional
plays:
  - name: conditional
    hosts: all
    tasks:
      - name: gated
        module: mock
        params: {op: gated}
        when: "{{ .enabled }}"
`))
	require.NoError(t, err)
	assert.Equal(t, runSucceeded, report.OverallStatus)
	assert.Equal(t, 1, report.HostSummaries["on"].Ok)
	assert.Equal(t, 1, report.HostSummaries["off"].Skipped)
	assert.Equal(t, statusSkipped, report.TaskResults["gated/off"].Status)
	assert.True(t, rec.contains("gated@on"))
	assert.False(t, rec.contains("gated@off"))
}

func TestRunPlaybookRegisterFeedsLaterConditions(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: true}
	inv := newTestInventory(t, "a")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: chained
plays:
  - name: chained
    hosts: all
    tasks:
      - name: probe
        module: mock
        params: {op: probe}
        register: probe_out
      - name: react
        module: mock
        params: {op: react}
        when: "{{ .probe_out.changed }}"
`))
	require.NoError(t, err)
	assert.Equal(t, runSucceeded, report.OverallStatus)
	assert.True(t, rec.contains("react@a"))
	assert.Equal(t, 2, report.HostSummaries["a"].Ok)
}

func TestRunPlaybookNotifiesHandlersOnChange(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: true}
	inv := newTestInventory(t, "web-01", "web-02")
	bus := &captureBus{}
	eng := newTestEngine(t, inv, newTestRegistry(t, mod), v1.WithEventBus(bus))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: notifying
plays:
  - name: notifying
    hosts: all
    tasks:
      - name: change config
        module: mock
        params: {op: change}
        notify: [restart service]
    handlers:
      - name: restart service
        module: mock
        params: {op: restart}
`))
	require.NoError(t, err)
	assert.Equal(t, runSucceeded, report.OverallStatus)

	// The handler runs once per host despite both hosts notifying it.
	assert.Equal(t, 2, rec.count("restart@"))
	assert.Equal(t, statusOk, report.TaskResults["restart service/web-01"].Status)
	assert.Len(t, bus.ofType(events.HandlerNotified), 1)
	assert.Len(t, bus.ofType(events.HandlerExecuted), 1)
}

func TestRunPlaybookHandlerSurvivesFullyFailedBatch(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: true, failOps: map[string]bool{"follow@a": true}}
	inv := newTestInventory(t, "a", "b")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	// Batch 1 (host a) notifies the handler and then fails its last task,
	// leaving no healthy host to flush on. The notification must survive so
	// batch 2 (host b) still runs the handler.
	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: resilient-notify
plays:
  - name: resilient-notify
    hosts: all
    serial: 1
    tasks:
      - name: change config
        module: mock
        params: {op: change}
        notify: [restart service]
      - name: follow up
        module: mock
        params: {op: follow}
    handlers:
      - name: restart service
        module: mock
        params: {op: restart}
`))
	require.NoError(t, err)
	assert.Equal(t, runFailed, report.OverallStatus)

	assert.Equal(t, 1, rec.count("restart@"))
	assert.True(t, rec.contains("restart@b"))
	assert.False(t, rec.contains("restart@a"))
	assert.Equal(t, statusOk, report.TaskResults["restart service/b"].Status)
	assert.Equal(t, 1, report.HostSummaries["a"].Failed)
}

func TestRunPlaybookUnchangedTaskDoesNotNotify(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: false}
	inv := newTestInventory(t, "a")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	_, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: quiet
plays:
  - name: quiet
    hosts: all
    tasks:
      - name: check config
        module: mock
        params: {op: check}
        notify: [restart service]
    handlers:
      - name: restart service
        module: mock
        params: {op: restart}
`))
	require.NoError(t, err)
	assert.Equal(t, 0, rec.count("restart@"))
}

func TestRunPlaybookUnreachableHost(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec}
	inv := newTestInventory(t, "up", "down")
	bus := &captureBus{}
	eng := newTestEngine(t, inv, newTestRegistry(t, mod),
		v1.WithEventBus(bus),
		v1.WithDialer(&stubDialer{refuse: map[string]bool{"down": true}}))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: flaky-fleet
plays:
  - name: flaky
    hosts: all
    tasks:
      - name: touch
        module: mock
        params: {op: touch}
`))
	require.NoError(t, err)
	assert.Equal(t, runFailed, report.OverallStatus)
	assert.Equal(t, 1, report.HostSummaries["down"].Unreachable)
	assert.Equal(t, 1, report.HostSummaries["up"].Ok)
	assert.Equal(t, statusUnreachable, report.TaskResults["touch/down"].Status)
	assert.False(t, rec.contains("touch@down"))

	unreachable := bus.ofType(events.HostUnreachable)
	require.NotEmpty(t, unreachable)
	assert.Equal(t, "down", unreachable[0].HostName)
	assert.NotEmpty(t, unreachable[0].Payload["reason"])
}

func TestRunPlaybookRunOnceFansOutRegister(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: true}
	inv := newTestInventory(t, "a", "b")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: leader-election
plays:
  - name: leader
    hosts: all
    tasks:
      - name: fetch release
        module: mock
        params: {op: fetch}
        run_once: true
        register: release
      - name: install
        module: mock
        params: {op: install}
        when: "{{ .release.changed }}"
`))
	require.NoError(t, err)
	assert.Equal(t, runSucceeded, report.OverallStatus)
	assert.Equal(t, 1, rec.count("fetch@"))
	assert.Equal(t, 2, rec.count("install@"))
}

func TestRunPlaybookFreeStrategyHaltsFailedHostOnly(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, failOn: map[string]bool{"b": true}}
	inv := newTestInventory(t, "a", "b")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: sprint
plays:
  - name: sprint
    hosts: all
    strategy: free
    tasks:
      - name: first
        module: mock
        params: {op: first}
      - name: second
        module: mock
        params: {op: second}
`))
	require.NoError(t, err)
	assert.Equal(t, runFailed, report.OverallStatus)
	assert.True(t, rec.contains("second@a"))
	assert.False(t, rec.contains("second@b"))
	assert.Equal(t, 1, report.HostSummaries["b"].Failed)
	assert.Equal(t, 2, report.HostSummaries["a"].Ok)
}

func TestRunPlaybookLoopRendersItems(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, changed: true}
	inv := newTestInventory(t, "a")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: looping
plays:
  - name: looping
    hosts: all
    tasks:
      - name: create users
        module: mock
        params: {op: "{{ .user }}"}
        loop: [alice, bob, carol]
        loop_control:
          loop_var: user
`))
	require.NoError(t, err)
	assert.Equal(t, runSucceeded, report.OverallStatus)
	assert.True(t, rec.contains("alice@a"))
	assert.True(t, rec.contains("bob@a"))
	assert.True(t, rec.contains("carol@a"))
	assert.Equal(t, 1, report.HostSummaries["a"].Ok)
}

func TestRunPlaybookTaskTimeoutFailsNotUnreachable(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, delay: 500 * time.Millisecond}
	inv := newTestInventory(t, "a")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: slowpoke
plays:
  - name: slowpoke
    hosts: all
    tasks:
      - name: long job
        module: mock
        params: {op: long}
        timeout: 50ms
`))
	require.NoError(t, err)
	assert.Equal(t, runFailed, report.OverallStatus)
	result := report.TaskResults["long job/a"]
	assert.Equal(t, statusFailed, result.Status)
	assert.Contains(t, result.Error, "exceeded timeout")
	assert.Zero(t, report.HostSummaries["a"].Unreachable)
}

func TestRunPlaybookIgnoreErrorsKeepsHostInPlay(t *testing.T) {
	rec := &moduleRecorder{}
	mod := &mockModule{rec: rec, failOn: map[string]bool{"a": true}}
	inv := newTestInventory(t, "a")
	eng := newTestEngine(t, inv, newTestRegistry(t, mod))

	report, err := eng.RunPlaybook(context.Background(), []byte(`
schemaVersion: v1.0.0
name: tolerant
plays:
  - name: tolerant
    hosts: all
    tasks:
      - name: flaky step
        module: mock
        params: {op: flaky}
        ignore_errors: true
      - name: follow up
        module: mock
        params: {op: follow}
`))
	require.NoError(t, err)
	// The first task fails on the only host, but ignore_errors keeps the
	// host in the play; the module records both calls even though "follow"
	// also fails on host a.
	assert.True(t, rec.contains("follow@a"))
	_ = report
}

func TestRunPlaybookRejectsMissingDialer(t *testing.T) {
	inv := newTestInventory(t, "a")
	eng, err := NewEngine(inv, logger.NewDefaultLogger("error"))
	require.NoError(t, err)

	_, err = eng.RunPlaybook(context.Background(), []byte("schemaVersion: v1.0.0\nplays: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dialer")
}

func TestRunPlaybookInvalidYAMLReturnsError(t *testing.T) {
	rec := &moduleRecorder{}
	inv := newTestInventory(t, "a")
	eng := newTestEngine(t, inv, newTestRegistry(t, &mockModule{rec: rec}))

	report, err := eng.RunPlaybook(context.Background(), []byte("schemaVersion: v1.0.0\n"))
	require.Error(t, err)
	assert.Nil(t, report)
}
