// Package engine implements the FleetForge scheduler: playbook execution
// across an inventory under serial batching, per-play strategies, the global
// fork limit, and module parallelization hints.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdruntime "runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/fleetforge-labs/fleetforge/internal/config"
	"github.com/fleetforge-labs/fleetforge/internal/connection"
	intevents "github.com/fleetforge-labs/fleetforge/internal/events"
	"github.com/fleetforge-labs/fleetforge/internal/expr"
	"github.com/fleetforge-labs/fleetforge/internal/inventory"
	"github.com/fleetforge-labs/fleetforge/internal/logger"
	intmetrics "github.com/fleetforge-labs/fleetforge/internal/metrics"
	"github.com/fleetforge-labs/fleetforge/internal/module"
	"github.com/fleetforge-labs/fleetforge/internal/parallel"
	"github.com/fleetforge-labs/fleetforge/internal/retry"
	ffruntime "github.com/fleetforge-labs/fleetforge/internal/runtime"
	"github.com/fleetforge-labs/fleetforge/internal/tracing"
	v1 "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/events"
	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
	pkgmetrics "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/metrics"
	pkgtracing "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/tracing"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

const defaultEventBufferSize = 256

// Engine schedules playbooks against an inventory. One Engine runs one
// playbook at a time; RunPlaybook serializes callers.
type Engine struct {
	log  fflog.Logger
	inv  *inventory.Inventory
	eval expr.Evaluator

	mu              sync.Mutex
	dialer          transport.Dialer
	bus             events.Bus
	registry        plugin.Registry
	metricsProvider pkgmetrics.RegistryProvider
	tracerProvider  pkgtracing.TracerProvider
	forks           int
	defaultTimeout  time.Duration
	extraVars       map[string]interface{}
	checkMode       bool
	diffMode        bool
	warmup          bool
	poolConfig      connection.PoolConfig

	em *engineMetrics

	// Run-scoped state, valid only while runMu is held.
	runMu  sync.Mutex
	rt     *ffruntime.Context
	report *reportCollector
	pm     *parallel.Manager
}

var _ v1.EngineV1 = (*Engine)(nil)

// NewEngine creates an engine bound to an inventory. Options configure the
// dialer, bus, registry, providers, and execution defaults; a dialer must be
// supplied before the first run.
func NewEngine(inv *inventory.Inventory, log fflog.Logger, opts ...v1.EngineOption) (*Engine, error) {
	if inv == nil {
		return nil, fferrors.NewConfigError("engine requires a non-nil inventory", nil)
	}
	if log == nil {
		log = logger.NewDefaultLogger("info")
	}
	noopTracing, err := tracing.NewNoOpProvider()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		log:             log,
		inv:             inv,
		eval:            expr.NewGoEvaluator(),
		registry:        module.DefaultStaticRegistryGetter,
		metricsProvider: intmetrics.NewPrometheusRegistryProvider(),
		tracerProvider:  noopTracing,
		forks:           stdruntime.NumCPU(),
		poolConfig:      connection.DefaultPoolConfig(),
	}
	e.em = newEngineMetrics(e.metricsProvider.Registry(), e.log)

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// MetricsRegistryProvider returns the engine's metrics provider.
func (e *Engine) MetricsRegistryProvider() pkgmetrics.RegistryProvider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metricsProvider
}

// TracerProvider returns the engine's tracing provider.
func (e *Engine) TracerProvider() pkgtracing.TracerProvider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracerProvider
}

func (e *Engine) SetDialer(dialer transport.Dialer) error {
	if dialer == nil {
		return fferrors.NewConfigError("dialer cannot be nil", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dialer = dialer
	return nil
}

func (e *Engine) SetEventBus(bus events.Bus) error {
	if bus == nil {
		return fferrors.NewConfigError("event bus cannot be nil", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bus = bus
	return nil
}

func (e *Engine) SetPluginRegistry(registry plugin.Registry) error {
	if registry == nil {
		return fferrors.NewConfigError("plugin registry cannot be nil", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registry = registry
	return nil
}

// SetMetricsRegistryProvider swaps the metrics provider and re-registers the
// engine's collectors on the new registry.
func (e *Engine) SetMetricsRegistryProvider(provider pkgmetrics.RegistryProvider) error {
	if provider == nil {
		return fferrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metricsProvider = provider
	e.em = newEngineMetrics(provider.Registry(), e.log)
	return nil
}

func (e *Engine) SetTracerProvider(provider pkgtracing.TracerProvider) error {
	if provider == nil {
		return fferrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracerProvider = provider
	return nil
}

func (e *Engine) SetForks(forks int) error {
	if forks <= 0 {
		return fferrors.NewConfigError("forks must be positive", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forks = forks
	return nil
}

func (e *Engine) SetDefaultTaskTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return fferrors.NewConfigError("default task timeout cannot be negative", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultTimeout = timeout
	return nil
}

func (e *Engine) SetExtraVars(vars map[string]interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.extraVars = vars
	return nil
}

func (e *Engine) SetCheckMode(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkMode = enabled
	return nil
}

func (e *Engine) SetDiffMode(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.diffMode = enabled
	return nil
}

func (e *Engine) SetConnectionWarmup(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warmup = enabled
	return nil
}

// SetPoolConfig tunes the per-run connection pool. Zero-valued fields fall
// back to the pool defaults.
func (e *Engine) SetPoolConfig(cfg connection.PoolConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.poolConfig = cfg
	return nil
}

// RunPlaybook parses, validates, and executes a playbook, returning the
// execution report. A non-nil report is returned alongside the error when
// the run started but did not succeed.
func (e *Engine) RunPlaybook(ctx context.Context, playbookYAML []byte) (*v1.ExecutionReport, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	dialer := e.dialer
	e.mu.Unlock()
	if dialer == nil {
		return nil, fferrors.NewConfigError("no transport dialer configured", nil)
	}

	playbook, err := config.LoadPlaybook(playbookYAML, "")
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cleanupBus := e.ensureBus(runCtx)
	defer cleanupBus()

	e.report = newReportCollector(playbook.Name)
	e.rt = ffruntime.NewContext(e.log)
	for _, name := range e.inv.HostNames() {
		host := e.inv.Host(name)
		e.rt.AddHost(name, e.inv.GroupVars(name), host.Vars, e.inv.GroupNames(name))
	}
	e.rt.SetPlaybookVars(playbook.Vars)
	if len(e.extraVars) > 0 {
		e.rt.SetExtraVars(e.extraVars)
	}
	defer func() {
		e.rt = nil
		e.pm = nil
	}()

	breakers := connection.NewBreakerRegistry(connection.DefaultBreakerConfig(), e.log)
	breakers.SetTransitionFunc(e.breakerTransitions(playbook.Name))
	health := connection.NewHealthTracker(connection.DefaultHealthConfig(), breakers, e.log)
	pool := connection.NewPool(e.poolConfig, dialer, health, retry.NewHelper(e.log), e.log, e.em.pool)
	defer pool.Close()
	evictionInterval := e.poolConfig.IdleTimeout
	if evictionInterval <= 0 {
		evictionInterval = connection.DefaultIdleTimeout
	}
	pool.StartEviction(runCtx, evictionInterval)

	e.bus.Emit(events.Event{
		Type:         events.PlaybookStart,
		Timestamp:    time.Now(),
		PlaybookName: playbook.Name,
		Payload:      map[string]interface{}{"plays": len(playbook.Plays)},
	})

	var runErr error
	for i := range playbook.Plays {
		if runCtx.Err() != nil {
			runErr = runCtx.Err()
			break
		}
		if err := e.runPlay(runCtx, playbook, &playbook.Plays[i], pool); err != nil {
			runErr = err
			break
		}
	}

	overall := runSucceeded
	switch {
	case isPlayAborted(runErr):
		overall = runAborted
	case runErr != nil:
		overall = runFailed
	case e.report.anyFailures():
		overall = runFailed
	}

	report := e.report.finish(overall, runErr)
	e.report = nil

	if e.log.IsEnabled(slog.LevelDebug) {
		poolStats := pool.Stats()
		e.log.Debugf("run stats: idle_sessions=%d hosts_tracked=%d",
			poolStats.IdleSessions, len(health.Stats()))
		for hostName, bs := range breakers.Stats() {
			e.log.Debugf("breaker stats: host=%s state=%s failure_rate=%.2f",
				hostName, bs.State, bs.FailureRate())
		}
	}

	e.bus.Emit(events.Event{
		Type:         events.PlaybookEnd,
		Timestamp:    time.Now(),
		PlaybookName: playbook.Name,
		Payload: map[string]interface{}{
			"status":      overall,
			"duration_ms": report.Duration.Milliseconds(),
		},
	})
	return report, runErr
}

// runPlay executes one play: host selection and ordering, dependency
// ordering of tasks, serial batching, and the max_fail_percentage gate.
func (e *Engine) runPlay(ctx context.Context, playbook *config.Playbook, play *config.Play, pool *connection.Pool) (err error) {
	defer func() {
		status := statusOk
		if err != nil {
			status = statusFailed
		}
		e.em.observePlay(status)
	}()

	hosts, err := e.inv.HostsForPattern(play.Hosts)
	if err != nil {
		return err
	}
	alive := hosts[:0:0]
	for _, h := range hosts {
		if !e.report.hostFailed(h.Name) {
			alive = append(alive, h)
		}
	}
	inventory.Order(play.GetOrder()).Apply(alive)

	tasks, err := orderTasks(play.Tasks)
	if err != nil {
		return err
	}

	e.rt.BeginPlay(play.Vars)
	e.pm = parallel.NewManager(play.GetForks(e.forks), e.log)
	e.pm.SetMetrics(e.em.permits)

	checkMode, diffMode := e.checkMode, e.diffMode
	if play.CheckMode != nil {
		checkMode = *play.CheckMode
	}
	if play.DiffMode != nil {
		diffMode = *play.DiffMode
	}
	runner := &taskRunner{
		eng:            e,
		play:           play,
		playbookName:   playbook.Name,
		pool:           pool,
		checkMode:      checkMode,
		diffMode:       diffMode,
		defaultTimeout: e.defaultTimeout,
		retries:        retry.NewHelper(e.log),
	}

	ctx, span := tracing.GetTracer().Start(ctx, "play.run",
		trace.WithAttributes(tracing.PlayAttributes(play.Name, play.GetStrategy(), len(alive))...))
	defer span.End()

	e.bus.Emit(events.Event{
		Type:         events.PlayStart,
		Timestamp:    time.Now(),
		PlaybookName: playbook.Name,
		PlayName:     play.Name,
		Payload:      map[string]interface{}{"hosts": len(alive), "strategy": play.GetStrategy()},
	})
	for _, h := range alive {
		e.report.touchHost(h.Name)
	}

	if len(alive) == 0 {
		e.log.Warnf("Play '%s' matched no runnable hosts, skipping", play.Name)
		e.emitPlayEnd(playbook.Name, play.Name)
		return nil
	}

	if e.warmup {
		specs := make([]transport.HostSpec, len(alive))
		for i, h := range alive {
			specs[i] = h.Spec()
		}
		pool.Warmup(ctx, specs, e.pm.ForkLimit())
	}

	limit := play.GetMaxFailPercentage()
	batches := computeBatches(play.Serial, alive)
	for index, batch := range batches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.bus.Emit(events.Event{
			Type:         events.BatchStart,
			Timestamp:    time.Now(),
			PlaybookName: playbook.Name,
			PlayName:     play.Name,
			Payload:      map[string]interface{}{"batch": index, "size": len(batch)},
		})

		runner.runBatch(ctx, tasks, batch)

		failed := 0
		for _, h := range batch {
			if e.report.hostFailed(h.Name) {
				failed++
			}
		}
		pct := float64(failed) / float64(len(batch)) * 100.0
		e.bus.Emit(events.Event{
			Type:         events.BatchEnd,
			Timestamp:    time.Now(),
			PlaybookName: playbook.Name,
			PlayName:     play.Name,
			Payload:      map[string]interface{}{"batch": index, "failed": failed},
		})

		if pct > limit {
			abort := &playAbortedError{play: play.Name, batch: index, pct: pct, limit: limit}
			e.bus.Emit(events.Event{
				Type:         events.PlayAborted,
				Timestamp:    time.Now(),
				PlaybookName: playbook.Name,
				PlayName:     play.Name,
				Payload:      map[string]interface{}{"batch": index, "failed_percentage": pct, "limit": limit},
			})
			tracing.RecordError(span, abort)
			return abort
		}
	}

	e.emitPlayEnd(playbook.Name, play.Name)
	return nil
}

func (e *Engine) emitPlayEnd(playbookName, playName string) {
	e.bus.Emit(events.Event{
		Type:         events.PlayEnd,
		Timestamp:    time.Now(),
		PlaybookName: playbookName,
		PlayName:     playName,
	})
}

// ensureBus installs a run-owned channel bus with the metrics listener when
// the caller supplied none. The returned cleanup closes the owned bus and
// restores the nil default.
func (e *Engine) ensureBus(ctx context.Context) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus != nil {
		return func() {}
	}

	bus := intevents.NewChannelEventBus(defaultEventBufferSize, e.log)
	listener := intevents.NewMetricsEventListener(bus, e.em.unreachableHosts, e.em.handlerRuns, e.em.breakerTrips, e.log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Start(ctx)
	}()
	e.bus = bus
	return func() {
		e.mu.Lock()
		e.bus = nil
		e.mu.Unlock()
		bus.Close()
		<-done
	}
}

// breakerTransitions bridges circuit state changes onto the event bus.
func (e *Engine) breakerTransitions(playbookName string) connection.TransitionFunc {
	return func(host string, from, to connection.CircuitState) {
		payload := map[string]interface{}{"from": from.String(), "to": to.String()}
		switch {
		case to == connection.CircuitOpen:
			e.bus.Emit(events.Event{
				Type:         events.CircuitTripped,
				Timestamp:    time.Now(),
				PlaybookName: playbookName,
				HostName:     host,
				Payload:      payload,
			})
		case to == connection.CircuitClosed && from != connection.CircuitClosed:
			e.bus.Emit(events.Event{
				Type:         events.CircuitReset,
				Timestamp:    time.Now(),
				PlaybookName: playbookName,
				HostName:     host,
				Payload:      payload,
			})
		}
	}
}

// observeTask updates the per-task metrics.
func (e *Engine) observeTask(out taskOutcome) {
	e.em.observeTask(out)
}

// playAbortedError marks a play stopped by its max_fail_percentage gate.
type playAbortedError struct {
	play  string
	batch int
	pct   float64
	limit float64
}

func (e *playAbortedError) Error() string {
	return fmt.Sprintf("play '%s' aborted: %.1f%% of batch %d failed (limit %.1f%%)",
		e.play, e.pct, e.batch, e.limit)
}

func isPlayAborted(err error) bool {
	if err == nil {
		return false
	}
	var abort *playAbortedError
	return errors.As(err, &abort)
}

// engineMetrics bundles every Prometheus collector the engine maintains.
type engineMetrics struct {
	playsTotal       *prometheus.CounterVec
	tasksTotal       *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	unreachableHosts *prometheus.CounterVec
	handlerRuns      prometheus.Counter
	breakerTrips     *prometheus.CounterVec
	pool             *connection.PoolMetrics
	permits          *parallel.Metrics
}

func newEngineMetrics(reg *prometheus.Registry, log fflog.Logger) *engineMetrics {
	m := &engineMetrics{
		playsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_plays_total",
			Help: "Plays finished, labeled by final status.",
		}, []string{"status"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_tasks_total",
			Help: "Per-host task outcomes, labeled by status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetforge_task_duration_seconds",
			Help:    "Wall time of individual task executions per host.",
			Buckets: prometheus.DefBuckets,
		}),
		unreachableHosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_hosts_unreachable_total",
			Help: "Hosts declared unreachable, labeled by reason.",
		}, []string{"reason"}),
		handlerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetforge_handler_runs_total",
			Help: "Handler executions triggered by notifications.",
		}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetforge_breaker_trips_total",
			Help: "Circuit breaker trips, labeled by host.",
		}, []string{"host"}),
		pool: &connection.PoolMetrics{
			CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fleetforge_pool_cache_hits_total",
				Help: "Session acquisitions served from the idle pool.",
			}),
			Dials: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fleetforge_pool_dials_total",
				Help: "New sessions dialed.",
			}),
			DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fleetforge_pool_dial_failures_total",
				Help: "Dial attempts that failed after retries.",
			}),
			Exhaustions: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "fleetforge_pool_exhaustions_total",
				Help: "Acquisitions refused because pool capacity was saturated.",
			}),
			LeasedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "fleetforge_pool_leased_sessions",
				Help: "Sessions currently leased to running tasks.",
			}),
		},
	}
	permitWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetforge_permit_wait_seconds",
		Help:    "Time spent waiting for fork and constraint permits.",
		Buckets: prometheus.DefBuckets,
	})
	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetforge_active_workers",
		Help: "Task executions currently holding a fork permit.",
	})
	m.permits = &parallel.Metrics{ActiveWorkers: activeWorkers, PermitWait: permitWait}

	collectors := []prometheus.Collector{
		m.playsTotal, m.tasksTotal, m.taskDuration,
		m.unreachableHosts, m.handlerRuns, m.breakerTrips,
		m.pool.CacheHits, m.pool.Dials, m.pool.DialFailures,
		m.pool.Exhaustions, m.pool.LeasedSessions,
		activeWorkers, permitWait,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warnf("Metrics collector registration failed: %v", err)
		}
	}
	return m
}

func (m *engineMetrics) observePlay(status string) {
	m.playsTotal.WithLabelValues(status).Inc()
}

func (m *engineMetrics) observeTask(out taskOutcome) {
	m.tasksTotal.WithLabelValues(out.status).Inc()
	m.taskDuration.Observe(out.end.Sub(out.start).Seconds())
}
