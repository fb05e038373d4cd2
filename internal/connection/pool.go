package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fleetforge-labs/fleetforge/internal/retry"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// errCircuitOpen aborts an in-progress dial retry loop when the breaker
// trips between attempts.
var errCircuitOpen = errors.New("circuit open")

// Pool defaults. Capacity is deliberately small: the pool is backpressure
// for the scheduler, not a cache of unbounded connections.
const (
	DefaultMaxPerHost     = 5
	DefaultMaxTotal       = 50
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultAcquireTimeout = 30 * time.Second
)

// PoolConfig tunes the session pool.
type PoolConfig struct {
	// MaxPerHost bounds concurrently leased sessions per host.
	MaxPerHost int
	// MaxTotal bounds concurrently leased sessions across all hosts.
	MaxTotal int
	// IdleTimeout is the TTL after which idle sessions are evicted.
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long Acquire blocks waiting for capacity
	// before failing with a pool-exhausted verdict.
	AcquireTimeout time.Duration
	// RetryPolicy wraps the dial operation.
	RetryPolicy retry.Policy
}

// DefaultPoolConfig returns the standard pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPerHost:     DefaultMaxPerHost,
		MaxTotal:       DefaultMaxTotal,
		IdleTimeout:    DefaultIdleTimeout,
		AcquireTimeout: DefaultAcquireTimeout,
		RetryPolicy:    retry.DefaultPolicy(),
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = DefaultMaxPerHost
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = DefaultMaxTotal
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.RetryPolicy.MaxAttempts <= 0 {
		c.RetryPolicy = retry.DefaultPolicy()
	}
	return c
}

// PoolMetrics holds the Prometheus collectors the pool updates. Any field
// may be nil; the pool skips missing collectors.
type PoolMetrics struct {
	CacheHits      prometheus.Counter
	Dials          prometheus.Counter
	DialFailures   prometheus.Counter
	Exhaustions    prometheus.Counter
	LeasedSessions prometheus.Gauge
}

func (m *PoolMetrics) hit() {
	if m != nil && m.CacheHits != nil {
		m.CacheHits.Inc()
	}
}

func (m *PoolMetrics) dialAttempt() {
	if m != nil && m.Dials != nil {
		m.Dials.Inc()
	}
}

func (m *PoolMetrics) dialFailure() {
	if m != nil && m.DialFailures != nil {
		m.DialFailures.Inc()
	}
}

func (m *PoolMetrics) exhaustion() {
	if m != nil && m.Exhaustions != nil {
		m.Exhaustions.Inc()
	}
}

func (m *PoolMetrics) addLive(delta float64) {
	if m != nil && m.LeasedSessions != nil {
		m.LeasedSessions.Add(delta)
	}
}

// pooledSession is a live dialed session plus its pool bookkeeping.
type pooledSession struct {
	session   transport.Session
	host      transport.HostSpec
	dialedAt  time.Time
	lastUsed  time.Time
	prewarmed bool
}

// Lease is an exclusive claim on one session. The holder must end the lease
// exactly once, with Release to return the session for reuse or Discard to
// close it. Both are safe to call on all exit paths; later calls are no-ops.
type Lease struct {
	pool  *Pool
	entry *pooledSession
	once  sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() transport.Session { return l.entry.session }

// Host returns the host spec the session is connected to.
func (l *Lease) Host() transport.HostSpec { return l.entry.host }

// Release returns the session to the pool for reuse and frees the lease
// slot, unblocking a waiter if one is queued.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.put(l.entry)
		l.pool.releaseCapacity(l.entry.host.Name)
	})
}

// Discard closes the session instead of returning it, freeing the lease
// slot. Use after a transport-level failure left the session in an unknown
// state.
func (l *Lease) Discard() {
	l.once.Do(func() {
		l.pool.closeEntry(l.entry)
		l.pool.releaseCapacity(l.entry.host.Name)
	})
}

// Pool caches and creates sessions per host under bounded capacity. Every
// acquisition consults the host's circuit breaker first and reports dial
// outcomes into the health tracker. Sessions are never shared: an Acquire
// yields exclusive use until the lease ends.
type Pool struct {
	config  PoolConfig
	dialer  transport.Dialer
	health  *HealthTracker
	retries *retry.Helper
	log     fflog.Logger
	metrics *PoolMetrics

	total *semaphore.Weighted

	mu      sync.Mutex
	idle    map[string][]*pooledSession
	perHost map[string]*semaphore.Weighted
	closed  bool
}

// NewPool creates a session pool. dialer, health, retries, and log are
// required; metrics may be nil.
func NewPool(config PoolConfig, dialer transport.Dialer, health *HealthTracker, retries *retry.Helper, log fflog.Logger, metrics *PoolMetrics) *Pool {
	if dialer == nil || health == nil || retries == nil || log == nil {
		panic("connection.NewPool requires non-nil dialer, health tracker, retry helper, and logger")
	}
	cfg := config.withDefaults()
	return &Pool{
		config:  cfg,
		dialer:  dialer,
		health:  health,
		retries: retries,
		log:     log.With("component", "ConnectionPool"),
		metrics: metrics,
		total:   semaphore.NewWeighted(int64(cfg.MaxTotal)),
		idle:    make(map[string][]*pooledSession),
		perHost: make(map[string]*semaphore.Weighted),
	}
}

// Health returns the pool's health tracker.
func (p *Pool) Health() *HealthTracker { return p.health }

// Acquire yields an exclusive session lease for host. The order of checks:
// an open circuit fails immediately with no dial; then a lease slot is
// claimed; then a cached idle session is reused or a new one is dialed
// under the retry policy, with every attempt outcome reported into the
// health tracker. Slot waits block up to AcquireTimeout and then fail as
// pool exhaustion. Both exhaustion and an open circuit surface as
// UnreachableError, a distinct verdict from task failure because no remote
// attempt ran.
func (p *Pool) Acquire(ctx context.Context, host transport.HostSpec) (*Lease, error) {
	monitor := p.health.GetOrCreate(host.Name)
	// Non-reserving gate: if a cached session satisfies this acquire, no
	// dial probe is spent. Dial attempts reserve inside the retry loop.
	if !monitor.Allows() {
		return nil, fferrors.NewUnreachableError(host.Name, fferrors.ReasonCircuitOpen, nil)
	}

	if err := p.acquireCapacity(ctx, host.Name); err != nil {
		return nil, err
	}

	if entry := p.takeValidIdle(ctx, host.Name, monitor); entry != nil {
		p.metrics.hit()
		p.log.Debugf("Reusing pooled session for host '%s'", host.Name)
		return &Lease{pool: p, entry: entry}, nil
	}

	entry, err := p.dial(ctx, host, monitor, false)
	if err != nil {
		p.releaseCapacity(host.Name)
		return nil, err
	}
	return &Lease{pool: p, entry: entry}, nil
}

// acquireCapacity takes one per-host slot then one aggregate slot, blocking
// up to AcquireTimeout for each. The per-host slot is surrendered if the
// aggregate wait fails. Acquisition order is fixed to avoid deadlock.
func (p *Pool) acquireCapacity(ctx context.Context, hostName string) error {
	waitCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	hostSem := p.hostSemaphore(hostName)
	if err := hostSem.Acquire(waitCtx, 1); err != nil {
		return p.exhausted(ctx, hostName, err)
	}
	if err := p.total.Acquire(waitCtx, 1); err != nil {
		hostSem.Release(1)
		return p.exhausted(ctx, hostName, err)
	}
	p.metrics.addLive(1)
	return nil
}

func (p *Pool) releaseCapacity(hostName string) {
	p.total.Release(1)
	p.hostSemaphore(hostName).Release(1)
	p.metrics.addLive(-1)
}

// exhausted maps a capacity-wait failure to its verdict: cancellation of the
// caller's context propagates as-is, a timeout is pool exhaustion.
func (p *Pool) exhausted(ctx context.Context, hostName string, waitErr error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.metrics.exhaustion()
	p.log.Warnf("Pool capacity wait timed out for host '%s'", hostName)
	return fferrors.NewUnreachableError(hostName, fferrors.ReasonPoolExhausted, waitErr)
}

func (p *Pool) hostSemaphore(hostName string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.perHost[hostName]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.config.MaxPerHost))
		p.perHost[hostName] = sem
	}
	return sem
}

// dial establishes a new session under the retry policy. Each attempt's
// outcome and latency feed the health monitor, so repeated dial failures
// trip the breaker even before retries are exhausted.
func (p *Pool) dial(ctx context.Context, host transport.HostSpec, monitor *Monitor, prewarmed bool) (*pooledSession, error) {
	var session transport.Session
	err := p.retries.Do(ctx, p.config.RetryPolicy, func(ctx context.Context) error {
		// The breaker may have tripped on an earlier attempt of this very
		// loop; stop retrying instead of hammering a tripped host.
		if !monitor.CanAttempt() {
			return retry.MarkPermanent(errCircuitOpen)
		}
		start := time.Now()
		s, dialErr := p.dialer.Dial(ctx, host)
		latency := time.Since(start)
		p.metrics.dialAttempt()
		if dialErr != nil {
			p.metrics.dialFailure()
			monitor.RecordFailure(latency)
			return dialErr
		}
		monitor.RecordSuccess(latency)
		session = s
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, errCircuitOpen) {
			return nil, fferrors.NewUnreachableError(host.Name, fferrors.ReasonCircuitOpen, nil)
		}
		return nil, fferrors.NewUnreachableError(host.Name, fferrors.ReasonRetriesExhausted, err)
	}

	now := time.Now()
	return &pooledSession{
		session:   session,
		host:      host,
		dialedAt:  now,
		lastUsed:  now,
		prewarmed: prewarmed,
	}, nil
}

// takeValidIdle pops idle sessions for host until one passes validation: it
// must be within the idle TTL and still answer a Ping. Expired sessions are
// closed silently; a failed ping is a real host outcome and feeds the health
// monitor, so a host recovering in half-open can close its circuit on cache
// hits alone.
func (p *Pool) takeValidIdle(ctx context.Context, hostName string, monitor *Monitor) *pooledSession {
	for {
		entry := p.takeIdle(hostName)
		if entry == nil {
			return nil
		}
		if time.Since(entry.lastUsed) > p.config.IdleTimeout {
			p.closeEntry(entry)
			continue
		}
		start := time.Now()
		if err := entry.session.Ping(ctx); err != nil {
			p.closeEntry(entry)
			if ctx.Err() != nil {
				return nil
			}
			monitor.RecordFailure(time.Since(start))
			p.log.Debugf("Pooled session for host '%s' failed ping, discarded: %v", hostName, err)
			continue
		}
		monitor.RecordSuccess(time.Since(start))
		return entry
	}
}

// takeIdle pops the most recently used idle session for host, if any.
func (p *Pool) takeIdle(hostName string) *pooledSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.idle[hostName]
	if len(list) == 0 {
		return nil
	}
	entry := list[len(list)-1]
	p.idle[hostName] = list[:len(list)-1]
	return entry
}

// put returns a leased session to the idle set.
func (p *Pool) put(entry *pooledSession) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeEntry(entry)
		return
	}
	entry.lastUsed = time.Now()
	p.idle[entry.host.Name] = append(p.idle[entry.host.Name], entry)
	p.mu.Unlock()
}

// closeEntry closes a session. Idle sessions hold no lease slot, so no
// capacity changes hands here.
func (p *Pool) closeEntry(entry *pooledSession) {
	if err := entry.session.Close(); err != nil {
		p.log.Debugf("Error closing session for host '%s': %v", entry.host.Name, err)
	}
}

// WarmupResult reports the outcome of pre-dialing a set of hosts.
type WarmupResult struct {
	Dialed int
	Failed map[string]error
}

// Warmup pre-dials one session per host so connection setup happens before
// task execution begins. Hosts whose circuit is open are skipped. Failures
// are collected, not fatal: the play decides what an unreachable host means.
func (p *Pool) Warmup(ctx context.Context, hosts []transport.HostSpec, concurrency int) WarmupResult {
	if concurrency <= 0 {
		concurrency = len(hosts)
	}
	result := WarmupResult{Failed: make(map[string]error)}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, concurrency)
	)
	for _, host := range hosts {
		wg.Add(1)
		go func(host transport.HostSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			lease, err := p.Acquire(ctx, host)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[host.Name] = err
				return
			}
			lease.entry.prewarmed = true
			lease.Release()
			result.Dialed++
		}(host)
	}
	wg.Wait()

	p.log.Infof("Pool warmup complete: %d dialed, %d failed", result.Dialed, len(result.Failed))
	return result
}

// EvictExpired closes idle sessions whose last use is older than the idle
// TTL. Returns the number of sessions evicted.
func (p *Pool) EvictExpired() int {
	cutoff := time.Now().Add(-p.config.IdleTimeout)

	p.mu.Lock()
	var expired []*pooledSession
	for host, list := range p.idle {
		kept := list[:0]
		for _, entry := range list {
			if entry.lastUsed.Before(cutoff) {
				expired = append(expired, entry)
			} else {
				kept = append(kept, entry)
			}
		}
		p.idle[host] = kept
	}
	p.mu.Unlock()

	for _, entry := range expired {
		p.closeEntry(entry)
	}
	if len(expired) > 0 {
		p.log.Debugf("Evicted %d idle sessions", len(expired))
	}
	return len(expired)
}

// StartEviction runs periodic TTL eviction until ctx is cancelled.
func (p *Pool) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = p.config.IdleTimeout / 2
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.EvictExpired()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	IdleSessions int
	IdleByHost   map[string]int
}

// Stats returns a snapshot of the idle set. Leased sessions are accounted
// by the capacity semaphores, not listed here.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{IdleByHost: make(map[string]int, len(p.idle))}
	for host, list := range p.idle {
		if len(list) == 0 {
			continue
		}
		stats.IdleByHost[host] = len(list)
		stats.IdleSessions += len(list)
	}
	return stats
}

// Close evicts every idle session and refuses returns from then on. Leased
// sessions are closed as their leases end.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var all []*pooledSession
	for _, list := range p.idle {
		all = append(all, list...)
	}
	p.idle = make(map[string][]*pooledSession)
	p.mu.Unlock()

	for _, entry := range all {
		p.closeEntry(entry)
	}
	p.log.Debugf("Connection pool closed, %d idle sessions torn down", len(all))
}
