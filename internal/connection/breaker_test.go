package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge-labs/fleetforge/internal/logger"
)

// testClock is a manually advanced clock for driving breaker timeouts.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, config BreakerConfig) (*Breaker, *testClock) {
	t.Helper()
	clock := newTestClock()
	b := NewBreaker("web-01", config)
	b.now = clock.Now
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultBreakerConfig())
	assert.Equal(t, CircuitClosed, b.State())
	assert.True(t, b.CanAttempt())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultBreakerConfig())

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure()
		assert.Equal(t, CircuitClosed, b.State(), "failure %d must not trip the circuit", i+1)
	}
	b.RecordFailure()

	assert.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.CanAttempt(), "an open circuit must short-circuit attempts")
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultBreakerConfig())

	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < DefaultFailureThreshold-1; i++ {
		b.RecordFailure()
	}

	assert.Equal(t, CircuitClosed, b.State(), "the consecutive counter must reset on success")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultBreakerConfig())

	b.Trip()
	require.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.CanAttempt())

	clock.Advance(DefaultResetTimeout - time.Second)
	assert.False(t, b.CanAttempt(), "the cool-down has not elapsed yet")

	clock.Advance(2 * time.Second)
	assert.True(t, b.CanAttempt())
	assert.Equal(t, CircuitHalfOpen, b.State())
}

func TestBreakerHalfOpenLimitsProbes(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultBreakerConfig())
	b.Trip()
	clock.Advance(DefaultResetTimeout + time.Second)

	for i := 0; i < DefaultHalfOpenMaxProbes; i++ {
		assert.True(t, b.CanAttempt(), "probe slot %d must be granted", i+1)
	}
	assert.False(t, b.CanAttempt(), "probes beyond the limit must be refused")
}

func TestBreakerAllowsDoesNotReserveProbes(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultBreakerConfig())
	b.Trip()
	assert.False(t, b.Allows())

	clock.Advance(DefaultResetTimeout + time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, b.Allows(), "read %d must not consume a probe slot", i+1)
	}
	for i := 0; i < DefaultHalfOpenMaxProbes; i++ {
		assert.True(t, b.CanAttempt(), "the full probe budget must still be available")
	}
	assert.False(t, b.CanAttempt())
	assert.True(t, b.Allows(), "half-open admits non-dial operations even with probes spent")
}

func TestBreakerProbeBudgetCoversSuccessThreshold(t *testing.T) {
	config := DefaultBreakerConfig()
	config.SuccessThreshold = 5
	config.HalfOpenMaxProbes = 2
	b, clock := newTestBreaker(t, config)

	b.Trip()
	clock.Advance(DefaultResetTimeout + time.Second)

	for i := 0; i < 5; i++ {
		require.True(t, b.CanAttempt(), "probe %d must be admitted", i+1)
		b.RecordSuccess()
	}
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultBreakerConfig())
	b.Trip()
	clock.Advance(DefaultResetTimeout + time.Second)

	for i := 0; i < DefaultSuccessThreshold; i++ {
		require.True(t, b.CanAttempt())
		b.RecordSuccess()
	}

	assert.Equal(t, CircuitClosed, b.State())
	assert.True(t, b.CanAttempt())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultBreakerConfig())
	b.Trip()
	clock.Advance(DefaultResetTimeout + time.Second)

	require.True(t, b.CanAttempt())
	b.RecordSuccess()
	require.True(t, b.CanAttempt())
	b.RecordFailure()

	assert.Equal(t, CircuitOpen, b.State(), "any probe failure reopens the circuit")
	assert.False(t, b.CanAttempt())

	// The cool-down restarts from the reopening.
	clock.Advance(DefaultResetTimeout + time.Second)
	assert.True(t, b.CanAttempt())
}

func TestBreakerFailureRateTrip(t *testing.T) {
	config := DefaultBreakerConfig()
	config.FailureThreshold = 100 // keep the consecutive path out of the way
	config.FailureRateThreshold = 0.5
	config.MinRequestsForRate = 10
	b, _ := newTestBreaker(t, config)

	// Alternate outcomes: the consecutive counter never accumulates, but
	// the failure rate holds at 50%.
	for i := 0; i < 4; i++ {
		b.RecordSuccess()
		b.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, b.State(), "rate is not evaluated before the minimum sample")

	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, CircuitOpen, b.State())
}

func TestBreakerManualTripAndReset(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultBreakerConfig())

	b.Trip()
	assert.Equal(t, CircuitOpen, b.State())

	b.Reset()
	assert.Equal(t, CircuitClosed, b.State())
	assert.True(t, b.CanAttempt())
}

func TestBreakerTransitionCallback(t *testing.T) {
	b, clock := newTestBreaker(t, DefaultBreakerConfig())

	type change struct{ from, to CircuitState }
	var mu sync.Mutex
	var seen []change
	b.onTransition = func(host string, from, to CircuitState) {
		assert.Equal(t, "web-01", host)
		mu.Lock()
		seen = append(seen, change{from, to})
		mu.Unlock()
	}

	for i := 0; i < DefaultFailureThreshold; i++ {
		b.RecordFailure()
	}
	clock.Advance(DefaultResetTimeout + time.Second)
	require.True(t, b.CanAttempt())
	for i := 0; i < DefaultSuccessThreshold; i++ {
		b.RecordSuccess()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, change{CircuitClosed, CircuitOpen}, seen[0])
	assert.Equal(t, change{CircuitOpen, CircuitHalfOpen}, seen[1])
	assert.Equal(t, change{CircuitHalfOpen, CircuitClosed}, seen[2])
}

func TestBreakerStats(t *testing.T) {
	b, _ := newTestBreaker(t, DefaultBreakerConfig())

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()

	stats := b.Stats()
	assert.Equal(t, "web-01", stats.Host)
	assert.Equal(t, CircuitClosed, stats.State)
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 1, stats.FailedRequests)
	assert.InDelta(t, 1.0/3.0, stats.FailureRate(), 1e-9)
}

func TestBreakerRegistrySharesBreakerPerHost(t *testing.T) {
	log := logger.NewDefaultLogger("error")
	registry := NewBreakerRegistry(DefaultBreakerConfig(), log)

	a := registry.GetOrCreate("web-01")
	b := registry.GetOrCreate("web-01")
	c := registry.GetOrCreate("web-02")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Nil(t, registry.Get("db-01"))
	assert.NotNil(t, registry.Get("web-02"))
}

func TestBreakerRegistryConcurrentGetOrCreate(t *testing.T) {
	log := logger.NewDefaultLogger("error")
	registry := NewBreakerRegistry(DefaultBreakerConfig(), log)

	var wg sync.WaitGroup
	results := make([]*Breaker, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = registry.GetOrCreate("web-01")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		assert.Same(t, results[0], results[i])
	}
}
