package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge-labs/fleetforge/internal/logger"
)

func newTestMonitor(t *testing.T, config HealthConfig) (*Monitor, *testClock) {
	t.Helper()
	clock := newTestClock()
	breaker := NewBreaker("web-01", DefaultBreakerConfig())
	breaker.now = clock.Now
	m := NewMonitor("web-01", config, breaker)
	m.now = clock.Now
	return m, clock
}

func TestMonitorUnknownWithoutSamples(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultHealthConfig())
	assert.Equal(t, HealthUnknown, m.Status())
}

func TestMonitorHealthyOnGoodWindow(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultHealthConfig())

	for i := 0; i < 20; i++ {
		m.RecordSuccess(50 * time.Millisecond)
	}

	assert.Equal(t, HealthHealthy, m.Status())
}

func TestMonitorDegradedOnSuccessRate(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultHealthConfig())

	// 90% success rate: below the 95% healthy bar, above the 80% floor.
	for i := 0; i < 18; i++ {
		m.RecordSuccess(50 * time.Millisecond)
	}
	m.RecordFailure(50 * time.Millisecond)
	m.RecordFailure(50 * time.Millisecond)

	assert.Equal(t, HealthDegraded, m.Status())
}

func TestMonitorDegradedOnSlowTail(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultHealthConfig())

	// Every request succeeds, but the p95 latency breaches the threshold.
	for i := 0; i < 20; i++ {
		m.RecordSuccess(3 * time.Second)
	}

	assert.Equal(t, HealthDegraded, m.Status())
}

func TestMonitorUnhealthyOnLowSuccessRate(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultHealthConfig())

	for i := 0; i < 10; i++ {
		m.RecordSuccess(50 * time.Millisecond)
		m.RecordFailure(50 * time.Millisecond)
	}

	assert.Equal(t, HealthUnhealthy, m.Status())
}

func TestMonitorFollowsBreakerState(t *testing.T) {
	m, clock := newTestMonitor(t, DefaultHealthConfig())

	for i := 0; i < 20; i++ {
		m.RecordSuccess(50 * time.Millisecond)
	}
	require.Equal(t, HealthHealthy, m.Status())

	m.Breaker().Trip()
	assert.Equal(t, HealthUnhealthy, m.Status(), "an open breaker overrides the sample window")

	clock.Advance(DefaultResetTimeout + time.Second)
	assert.Equal(t, HealthDegraded, m.Status(), "a half-open breaker is degraded at best")
}

func TestMonitorStatusGoesStale(t *testing.T) {
	m, clock := newTestMonitor(t, DefaultHealthConfig())

	for i := 0; i < 20; i++ {
		m.RecordSuccess(50 * time.Millisecond)
	}
	require.Equal(t, HealthHealthy, m.Status())

	clock.Advance(DefaultStaleThreshold + time.Second)
	assert.Equal(t, HealthUnknown, m.Status())
}

func TestMonitorWindowIsBounded(t *testing.T) {
	config := DefaultHealthConfig()
	config.SampleSize = 10
	m, _ := newTestMonitor(t, config)

	// An old run of failures must roll out of the window.
	for i := 0; i < 10; i++ {
		m.RecordFailure(50 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		m.RecordSuccess(50 * time.Millisecond)
	}

	stats := m.Stats()
	assert.Equal(t, 10, stats.SampleCount)
	assert.Equal(t, 1.0, stats.RecentSuccessRate)
	assert.Equal(t, uint64(10), stats.TotalSuccesses, "lifetime totals are not windowed")
	assert.Equal(t, uint64(10), stats.TotalFailures)
}

func TestMonitorLatencyPercentiles(t *testing.T) {
	m, _ := newTestMonitor(t, DefaultHealthConfig())

	// 1ms through 100ms: percentiles land on predictable samples.
	for i := 1; i <= 100; i++ {
		m.RecordSuccess(time.Duration(i) * time.Millisecond)
	}

	stats := m.Stats()
	assert.Equal(t, 51*time.Millisecond, stats.P50Latency)
	assert.Equal(t, 95*time.Millisecond, stats.P95Latency)
	assert.Equal(t, 99*time.Millisecond, stats.P99Latency)
	assert.Equal(t, 50500*time.Microsecond, stats.AverageLatency)
}

func TestHealthTrackerSharesBreakerRegistry(t *testing.T) {
	log := logger.NewDefaultLogger("error")
	breakers := NewBreakerRegistry(DefaultBreakerConfig(), log)
	tracker := NewHealthTracker(DefaultHealthConfig(), breakers, log)

	m := tracker.GetOrCreate("web-01")
	assert.Same(t, m, tracker.GetOrCreate("web-01"))
	assert.Same(t, breakers.GetOrCreate("web-01"), m.Breaker())

	breakers.GetOrCreate("web-01").Trip()
	assert.False(t, m.CanAttempt(), "tripping via the registry must gate the monitor")
}

func TestHealthTrackerStats(t *testing.T) {
	log := logger.NewDefaultLogger("error")
	tracker := NewHealthTracker(DefaultHealthConfig(), NewBreakerRegistry(DefaultBreakerConfig(), log), log)

	tracker.GetOrCreate("web-01").RecordSuccess(10 * time.Millisecond)
	tracker.GetOrCreate("web-02").RecordFailure(20 * time.Millisecond)

	stats := tracker.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, uint64(1), stats["web-01"].TotalSuccesses)
	assert.Equal(t, uint64(1), stats["web-02"].TotalFailures)
}
