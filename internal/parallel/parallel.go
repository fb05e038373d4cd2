// Package parallel enforces the parallelization contracts modules declare.
// The scheduler asks for a permit before every dispatch; the manager blocks
// until the declared constraint and the global fork limit both allow it.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/plugin"
)

// Metrics holds the Prometheus collectors the manager updates. Any field may
// be nil; the manager skips missing collectors.
type Metrics struct {
	ActiveWorkers prometheus.Gauge
	PermitWait    prometheus.Observer
}

func (m *Metrics) addActive(delta float64) {
	if m != nil && m.ActiveWorkers != nil {
		m.ActiveWorkers.Add(delta)
	}
}

func (m *Metrics) observeWait(d time.Duration) {
	if m != nil && m.PermitWait != nil {
		m.PermitWait.Observe(d.Seconds())
	}
}

// Manager hands out execution permits according to module hints. A permit
// always includes one fork slot; the hint adds the per-host, per-resource,
// or global constraint on top. All methods are safe for concurrent use.
type Manager struct {
	forks  *semaphore.Weighted
	serial *semaphore.Weighted

	mu        sync.Mutex
	perHost   map[string]*semaphore.Weighted
	resources map[string]*resourceSemaphore

	forkLimit int
	inFlight  int
	highWater int
	metrics   *Metrics
	log       fflog.Logger
}

// resourceSemaphore pins the limit a resource key was first registered with.
type resourceSemaphore struct {
	sem   *semaphore.Weighted
	limit int
}

// NewManager creates a manager with the given fork limit. A non-positive
// limit defaults to the number of CPUs.
func NewManager(forks int, log fflog.Logger) *Manager {
	if forks <= 0 {
		forks = runtime.NumCPU()
	}
	if log == nil {
		panic("parallel.NewManager requires a non-nil logger")
	}
	return &Manager{
		forks:     semaphore.NewWeighted(int64(forks)),
		serial:    semaphore.NewWeighted(1),
		perHost:   make(map[string]*semaphore.Weighted),
		resources: make(map[string]*resourceSemaphore),
		forkLimit: forks,
		log:       log.With("component", "ParallelManager"),
	}
}

// ForkLimit returns the configured fork limit.
func (m *Manager) ForkLimit() int { return m.forkLimit }

// SetMetrics attaches Prometheus collectors. Call before the first Acquire.
func (m *Manager) SetMetrics(metrics *Metrics) { m.metrics = metrics }

// Acquire blocks until a fork slot and the hint's constraint are both held,
// then returns a guard that must be released exactly once. The fork slot is
// always taken first and the constraint second; every call site goes through
// this method so the lock order is identical everywhere. On error (context
// cancellation) nothing is held.
func (m *Manager) Acquire(ctx context.Context, hint plugin.Hint, host, moduleName string) (*Guard, error) {
	started := time.Now()
	if err := m.forks.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	constraint, err := m.acquireConstraint(ctx, hint, host, moduleName)
	if err != nil {
		m.forks.Release(1)
		return nil, err
	}
	m.metrics.observeWait(time.Since(started))
	m.metrics.addActive(1)

	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.highWater {
		m.highWater = m.inFlight
	}
	m.mu.Unlock()

	return &Guard{manager: m, constraint: constraint}, nil
}

func (m *Manager) acquireConstraint(ctx context.Context, hint plugin.Hint, host, moduleName string) (func(), error) {
	switch hint.Kind {
	case plugin.KindFullyParallel:
		return nil, nil

	case plugin.KindHostExclusive:
		sem := m.hostSemaphore(host)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		m.log.Debugf("Module '%s' on host '%s': host-exclusive permit acquired", moduleName, host)
		return func() { sem.Release(1) }, nil

	case plugin.KindResourceBounded:
		sem := m.resourceSemaphore(hint)
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		m.log.Debugf("Module '%s' on host '%s': resource permit acquired (key '%s')", moduleName, host, hint.Key)
		return func() { sem.Release(1) }, nil

	case plugin.KindGloballySerial:
		if err := m.serial.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		m.log.Debugf("Module '%s' on host '%s': global serial permit acquired", moduleName, host)
		return func() { m.serial.Release(1) }, nil

	default:
		return nil, nil
	}
}

func (m *Manager) hostSemaphore(host string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.perHost[host]
	if !ok {
		sem = semaphore.NewWeighted(1)
		m.perHost[host] = sem
	}
	return sem
}

// resourceSemaphore returns the semaphore for the hint's resource key. The
// first registration of a key fixes its limit; later hints with a different
// limit reuse the existing semaphore and are logged.
func (m *Manager) resourceSemaphore(hint plugin.Hint) *semaphore.Weighted {
	limit := hint.Limit
	if limit <= 0 {
		limit = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.resources[hint.Key]
	if !ok {
		rs = &resourceSemaphore{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
		m.resources[hint.Key] = rs
	} else if rs.limit != limit {
		m.log.Warnf("Resource key '%s' already bounded at %d; ignoring limit %d", hint.Key, rs.limit, limit)
	}
	return rs.sem
}

// Stats is a point-in-time snapshot of permit occupancy.
type Stats struct {
	// ForkLimit is the configured global bound.
	ForkLimit int
	// InFlight is the number of permits currently held.
	InFlight int
	// HighWater is the maximum of InFlight observed since creation.
	HighWater int
}

// Stats returns a snapshot of permit occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{ForkLimit: m.forkLimit, InFlight: m.inFlight, HighWater: m.highWater}
}

// Guard holds an execution permit. Release is idempotent and frees the hint
// constraint and the fork slot in the reverse of acquisition order.
type Guard struct {
	manager    *Manager
	constraint func()
	once       sync.Once
}

// Release frees the permit. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.manager.mu.Lock()
		g.manager.inFlight--
		g.manager.mu.Unlock()
		g.manager.metrics.addActive(-1)
		if g.constraint != nil {
			g.constraint()
		}
		g.manager.forks.Release(1)
	})
}
