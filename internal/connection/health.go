package connection

import (
	"sort"
	"sync"
	"time"

	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
)

// HealthStatus classifies a host's recent connection behavior.
type HealthStatus int

const (
	// HealthUnknown means there is no recent data to judge by.
	HealthUnknown HealthStatus = iota
	// HealthHealthy means the host is performing well.
	HealthHealthy
	// HealthDegraded means the host is functional but struggling.
	HealthDegraded
	// HealthUnhealthy means the host should not be used.
	HealthUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Health monitor defaults. A host is healthy at a 95% success rate with p95
// latency under two seconds, degraded down to 80%, unhealthy below that.
const (
	DefaultSampleSize        = 100
	DefaultHealthyThreshold  = 0.95
	DefaultDegradedThreshold = 0.80
	DefaultLatencyThreshold  = 2 * time.Second
	DefaultStaleThreshold    = 60 * time.Second
)

// HealthConfig tunes health classification.
type HealthConfig struct {
	// SampleSize bounds the rolling window of outcome samples per host.
	SampleSize int
	// HealthyThreshold is the minimum success rate for Healthy.
	HealthyThreshold float64
	// DegradedThreshold is the minimum success rate for Degraded; below it
	// the host is Unhealthy.
	DegradedThreshold float64
	// LatencyThreshold is the p95 latency above which a host with a healthy
	// success rate is still only Degraded.
	LatencyThreshold time.Duration
	// StaleThreshold is the age past which the newest sample no longer
	// supports a verdict and the status reverts to Unknown.
	StaleThreshold time.Duration
}

// DefaultHealthConfig returns the standard health tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		SampleSize:        DefaultSampleSize,
		HealthyThreshold:  DefaultHealthyThreshold,
		DegradedThreshold: DefaultDegradedThreshold,
		LatencyThreshold:  DefaultLatencyThreshold,
		StaleThreshold:    DefaultStaleThreshold,
	}
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.HealthyThreshold <= 0 {
		c.HealthyThreshold = DefaultHealthyThreshold
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = DefaultDegradedThreshold
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = DefaultLatencyThreshold
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	return c
}

type sample struct {
	latency time.Duration
	at      time.Time
	success bool
}

// Monitor tracks rolling health statistics for one host and composes that
// host's circuit breaker, so one recorded outcome updates both as a single
// logical operation.
type Monitor struct {
	host    string
	config  HealthConfig
	breaker *Breaker

	mu             sync.Mutex
	samples        []sample
	totalSuccesses uint64
	totalFailures  uint64
	lastSuccess    time.Time

	now func() time.Time
}

// NewMonitor creates a health monitor wrapping the given breaker.
func NewMonitor(host string, config HealthConfig, breaker *Breaker) *Monitor {
	return &Monitor{
		host:    host,
		config:  config.withDefaults(),
		breaker: breaker,
		now:     time.Now,
	}
}

// Host returns the monitored host identifier.
func (m *Monitor) Host() string { return m.host }

// Breaker returns the composed circuit breaker.
func (m *Monitor) Breaker() *Breaker { return m.breaker }

// Allows reports whether the breaker admits operations, without reserving a
// probe slot.
func (m *Monitor) Allows() bool {
	return m.breaker.Allows()
}

// CanAttempt reports whether the breaker admits a dial attempt, reserving a
// half-open probe slot when it does.
func (m *Monitor) CanAttempt() bool {
	return m.breaker.CanAttempt()
}

// RecordSuccess records a successful operation and its latency. The sample
// window and the breaker are updated together.
func (m *Monitor) RecordSuccess(latency time.Duration) {
	m.mu.Lock()
	m.totalSuccesses++
	m.lastSuccess = m.now()
	m.addSampleLocked(sample{latency: latency, at: m.now(), success: true})
	m.mu.Unlock()
	m.breaker.RecordSuccess()
}

// RecordFailure records a failed operation and its latency.
func (m *Monitor) RecordFailure(latency time.Duration) {
	m.mu.Lock()
	m.totalFailures++
	m.addSampleLocked(sample{latency: latency, at: m.now(), success: false})
	m.mu.Unlock()
	m.breaker.RecordFailure()
}

func (m *Monitor) addSampleLocked(s sample) {
	if len(m.samples) >= m.config.SampleSize {
		copy(m.samples, m.samples[1:])
		m.samples = m.samples[:len(m.samples)-1]
	}
	m.samples = append(m.samples, s)
}

// Status derives the current health verdict. An open breaker is Unhealthy
// and a half-open one Degraded regardless of the sample window; otherwise
// the verdict follows recent success rate and p95 latency, or Unknown when
// the window is empty or stale.
func (m *Monitor) Status() HealthStatus {
	switch m.breaker.State() {
	case CircuitOpen:
		return HealthUnhealthy
	case CircuitHalfOpen:
		return HealthDegraded
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) == 0 {
		return HealthUnknown
	}
	newest := m.samples[len(m.samples)-1]
	if m.now().Sub(newest.at) > m.config.StaleThreshold {
		return HealthUnknown
	}

	rate := m.successRateLocked()
	p95 := m.percentileLocked(95)

	switch {
	case rate >= m.config.HealthyThreshold && p95 < m.config.LatencyThreshold:
		return HealthHealthy
	case rate >= m.config.DegradedThreshold:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

func (m *Monitor) successRateLocked() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var ok int
	for _, s := range m.samples {
		if s.success {
			ok++
		}
	}
	return float64(ok) / float64(len(m.samples))
}

func (m *Monitor) percentileLocked(percentile int) time.Duration {
	if len(m.samples) == 0 {
		return 0
	}
	latencies := make([]time.Duration, len(m.samples))
	for i, s := range m.samples {
		latencies[i] = s.latency
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := int(float64(percentile)/100.0*float64(len(latencies)-1) + 0.5)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return latencies[idx]
}

// HealthStats is a point-in-time snapshot of a monitor.
type HealthStats struct {
	Host              string
	Status            HealthStatus
	TotalSuccesses    uint64
	TotalFailures     uint64
	RecentSuccessRate float64
	AverageLatency    time.Duration
	P50Latency        time.Duration
	P95Latency        time.Duration
	P99Latency        time.Duration
	SampleCount       int
	LastSuccess       time.Time
	CircuitState      CircuitState
}

// Stats returns a snapshot of the monitor's rolling statistics.
func (m *Monitor) Stats() HealthStats {
	status := m.Status()
	circuitState := m.breaker.State()

	m.mu.Lock()
	defer m.mu.Unlock()

	var avg time.Duration
	if len(m.samples) > 0 {
		var total time.Duration
		for _, s := range m.samples {
			total += s.latency
		}
		avg = total / time.Duration(len(m.samples))
	}

	return HealthStats{
		Host:              m.host,
		Status:            status,
		TotalSuccesses:    m.totalSuccesses,
		TotalFailures:     m.totalFailures,
		RecentSuccessRate: m.successRateLocked(),
		AverageLatency:    avg,
		P50Latency:        m.percentileLocked(50),
		P95Latency:        m.percentileLocked(95),
		P99Latency:        m.percentileLocked(99),
		SampleCount:       len(m.samples),
		LastSuccess:       m.lastSuccess,
		CircuitState:      circuitState,
	}
}

// HealthTracker lazily creates one Monitor per host, pairing each with its
// breaker from the shared registry.
type HealthTracker struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
	config   HealthConfig
	breakers *BreakerRegistry
	log      fflog.Logger
}

// NewHealthTracker creates a tracker producing monitors with config, backed
// by the given breaker registry.
func NewHealthTracker(config HealthConfig, breakers *BreakerRegistry, log fflog.Logger) *HealthTracker {
	return &HealthTracker{
		monitors: make(map[string]*Monitor),
		config:   config.withDefaults(),
		breakers: breakers,
		log:      log,
	}
}

// Breakers returns the underlying breaker registry.
func (t *HealthTracker) Breakers() *BreakerRegistry { return t.breakers }

// GetOrCreate returns the monitor for host, creating it on first use.
func (t *HealthTracker) GetOrCreate(host string) *Monitor {
	t.mu.RLock()
	m, ok := t.monitors[host]
	t.mu.RUnlock()
	if ok {
		return m
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.monitors[host]; ok {
		return m
	}
	m = NewMonitor(host, t.config, t.breakers.GetOrCreate(host))
	t.monitors[host] = m
	if t.log != nil {
		t.log.Debugf("Created health monitor for host '%s'", host)
	}
	return m
}

// Stats returns snapshots for every monitored host.
func (t *HealthTracker) Stats() map[string]HealthStats {
	t.mu.RLock()
	monitors := make([]*Monitor, 0, len(t.monitors))
	for _, m := range t.monitors {
		monitors = append(monitors, m)
	}
	t.mu.RUnlock()

	out := make(map[string]HealthStats, len(monitors))
	for _, m := range monitors {
		out[m.Host()] = m.Stats()
	}
	return out
}
