package connection

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetforge-labs/fleetforge/internal/logger"
	"github.com/fleetforge-labs/fleetforge/internal/retry"
	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

type fakeSession struct {
	host    transport.HostSpec
	pingErr error
	closed  atomic.Bool
}

func (s *fakeSession) Host() transport.HostSpec { return s.host }

func (s *fakeSession) Exec(ctx context.Context, command string) (*transport.ExecResult, error) {
	return &transport.ExecResult{Stdout: "ok"}, nil
}

func (s *fakeSession) Upload(ctx context.Context, src io.Reader, remotePath string, perm uint32) error {
	return nil
}

func (s *fakeSession) Ping(ctx context.Context) error { return s.pingErr }

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeDialer counts dials and fails a configurable number of leading
// attempts per host with a transient error.
type fakeDialer struct {
	mu          sync.Mutex
	dials       int
	failLeading int
	sessions    []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, host transport.HostSpec) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failLeading {
		return nil, syscall.ECONNREFUSED
	}
	s := &fakeSession{host: host}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func fastRetryPolicy(attempts int) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = attempts
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	policy.Jitter = 0
	return policy
}

func newTestPool(t *testing.T, dialer transport.Dialer, config PoolConfig) *Pool {
	t.Helper()
	log := logger.NewDefaultLogger("error")
	breakers := NewBreakerRegistry(DefaultBreakerConfig(), log)
	health := NewHealthTracker(DefaultHealthConfig(), breakers, log)
	pool := NewPool(config, dialer, health, retry.NewHelper(log), log, nil)
	t.Cleanup(pool.Close)
	return pool
}

func testHost(name string) transport.HostSpec {
	return transport.HostSpec{Name: name, Address: "10.0.0.1", Port: 22}
}

func TestPoolDialsThenReuses(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	first := lease.Session()
	lease.Release()

	lease, err = pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	assert.Same(t, first, lease.Session(), "a released session must be reused")
	assert.Equal(t, 1, dialer.dialCount())
	lease.Release()

	assert.Equal(t, 1, pool.Stats().IdleSessions)
}

func TestPoolDiscardForcesRedial(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	first := lease.Session().(*fakeSession)
	lease.Discard()
	assert.True(t, first.closed.Load(), "a discarded session must be closed")

	lease, err = pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	defer lease.Release()
	assert.NotSame(t, first, lease.Session())
	assert.Equal(t, 2, dialer.dialCount())
}

func TestPoolReuseValidatesWithPing(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	first := lease.Session().(*fakeSession)
	lease.Release()

	// The cached session dies while idle; the next acquire must detect that
	// and dial a replacement rather than handing out a dead session.
	first.pingErr = syscall.EPIPE
	lease, err = pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	defer lease.Release()
	assert.NotSame(t, first, lease.Session())
	assert.True(t, first.closed.Load(), "a session failing validation must be closed")
	assert.Equal(t, 2, dialer.dialCount())

	stats := pool.Health().GetOrCreate("web-01").Stats()
	assert.Equal(t, uint64(1), stats.TotalFailures, "a failed ping is a recorded host outcome")
}

func TestPoolHalfOpenRecoversThroughCachedSessions(t *testing.T) {
	dialer := &fakeDialer{failLeading: 2}
	log := logger.NewDefaultLogger("error")
	breakerConfig := DefaultBreakerConfig()
	breakerConfig.FailureThreshold = 2
	breakerConfig.SuccessThreshold = 1
	breakerConfig.ResetTimeout = 30 * time.Millisecond
	breakers := NewBreakerRegistry(breakerConfig, log)
	health := NewHealthTracker(DefaultHealthConfig(), breakers, log)
	config := DefaultPoolConfig()
	config.RetryPolicy = fastRetryPolicy(1)
	pool := NewPool(config, dialer, health, retry.NewHelper(log), log, nil)
	t.Cleanup(pool.Close)

	// Two failed dials trip the breaker.
	_, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.Error(t, err)
	_, err = pool.Acquire(context.Background(), testHost("web-01"))
	require.Error(t, err)
	require.Equal(t, CircuitOpen, breakers.Get("web-01").State())

	// A healthy session sits in the idle set, returned before the trip.
	seeded := &fakeSession{host: testHost("web-01")}
	pool.put(&pooledSession{session: seeded, host: testHost("web-01"), dialedAt: time.Now(), lastUsed: time.Now()})

	time.Sleep(50 * time.Millisecond)

	// Cache-hit acquires during half-open report their ping outcome into the
	// breaker instead of draining the probe budget, so the circuit closes
	// and stays serviceable.
	for i := 0; i < 4; i++ {
		lease, err := pool.Acquire(context.Background(), testHost("web-01"))
		require.NoError(t, err, "acquire %d must not see an open circuit", i+1)
		assert.Same(t, seeded, lease.Session())
		lease.Release()
	}
	assert.Equal(t, CircuitClosed, breakers.Get("web-01").State())
	assert.Equal(t, 2, dialer.dialCount(), "recovery through cached sessions must not dial")
}

func TestPoolNilMetricsDoesNotPanic(t *testing.T) {
	dialer := &fakeDialer{}
	config := DefaultPoolConfig()
	config.MaxPerHost = 1
	config.AcquireTimeout = 20 * time.Millisecond
	pool := newTestPool(t, dialer, config)

	assert.NotPanics(t, func() {
		lease, err := pool.Acquire(context.Background(), testHost("web-01"))
		require.NoError(t, err)

		// Exhaustion path.
		_, err = pool.Acquire(context.Background(), testHost("web-01"))
		require.Error(t, err)
		lease.Release()

		// Cache-hit path.
		lease, err = pool.Acquire(context.Background(), testHost("web-01"))
		require.NoError(t, err)
		lease.Release()
	})
}

func TestPoolOpenCircuitFailsWithoutDialing(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	pool.Health().Breakers().GetOrCreate("web-01").Trip()

	_, err := pool.Acquire(context.Background(), testHost("web-01"))
	var unreachable *fferrors.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, fferrors.ReasonCircuitOpen, unreachable.Reason)
	assert.Equal(t, "web-01", unreachable.HostName)
	assert.Equal(t, 0, dialer.dialCount(), "an open circuit must not dial")
}

func TestPoolRetriesTransientDialFailures(t *testing.T) {
	dialer := &fakeDialer{failLeading: 2}
	config := DefaultPoolConfig()
	config.RetryPolicy = fastRetryPolicy(3)
	pool := newTestPool(t, dialer, config)

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	defer lease.Release()
	assert.Equal(t, 3, dialer.dialCount())
}

func TestPoolRetriesExhausted(t *testing.T) {
	dialer := &fakeDialer{failLeading: 100}
	config := DefaultPoolConfig()
	config.RetryPolicy = fastRetryPolicy(2)
	pool := newTestPool(t, dialer, config)

	_, err := pool.Acquire(context.Background(), testHost("web-01"))
	var unreachable *fferrors.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, fferrors.ReasonRetriesExhausted, unreachable.Reason)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED, "the final dial error must be wrapped")
	assert.Equal(t, 2, dialer.dialCount())

	stats := pool.Health().GetOrCreate("web-01").Stats()
	assert.Equal(t, uint64(2), stats.TotalFailures, "every attempt feeds the health monitor")
}

func TestPoolRepeatedDialFailuresTripBreaker(t *testing.T) {
	dialer := &fakeDialer{failLeading: 100}
	config := DefaultPoolConfig()
	config.RetryPolicy = fastRetryPolicy(3)
	pool := newTestPool(t, dialer, config)

	// Two acquisitions of three attempts each cross the five-failure trip
	// threshold mid-loop, so the second stops dialing early.
	_, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.Error(t, err)
	_, err = pool.Acquire(context.Background(), testHost("web-01"))
	require.Error(t, err)

	assert.Equal(t, CircuitOpen, pool.Health().Breakers().Get("web-01").State())
	assert.Equal(t, 5, dialer.dialCount(), "dialing must stop once the breaker trips")

	_, err = pool.Acquire(context.Background(), testHost("web-01"))
	var unreachable *fferrors.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, fferrors.ReasonCircuitOpen, unreachable.Reason)
	assert.Equal(t, 5, dialer.dialCount())
}

func TestPoolExhaustionTimesOut(t *testing.T) {
	dialer := &fakeDialer{}
	config := DefaultPoolConfig()
	config.MaxPerHost = 1
	config.AcquireTimeout = 50 * time.Millisecond
	pool := newTestPool(t, dialer, config)

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	defer lease.Release()

	start := time.Now()
	_, err = pool.Acquire(context.Background(), testHost("web-01"))
	var unreachable *fferrors.UnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, fferrors.ReasonPoolExhausted, unreachable.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestPoolCancelledWaiterGetsContextError(t *testing.T) {
	dialer := &fakeDialer{}
	config := DefaultPoolConfig()
	config.MaxPerHost = 1
	config.AcquireTimeout = 10 * time.Second
	pool := newTestPool(t, dialer, config)

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = pool.Acquire(ctx, testHost("web-01"))
	assert.ErrorIs(t, err, context.Canceled, "caller cancellation is not pool exhaustion")
}

func TestPoolReleaseUnblocksWaiter(t *testing.T) {
	dialer := &fakeDialer{}
	config := DefaultPoolConfig()
	config.MaxPerHost = 1
	config.AcquireTimeout = 5 * time.Second
	pool := newTestPool(t, dialer, config)

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		second, err := pool.Acquire(context.Background(), testHost("web-01"))
		require.NoError(t, err)
		acquired <- second
	}()

	time.Sleep(20 * time.Millisecond)
	lease.Release()

	select {
	case second := <-acquired:
		assert.Same(t, lease.Session(), second.Session(), "the waiter must pick up the released session")
		second.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not unblocked by the release")
	}
}

func TestPoolLeaseEndIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)

	lease.Release()
	lease.Release()
	lease.Discard()

	assert.Equal(t, 1, pool.Stats().IdleSessions, "only the first lease end takes effect")
}

func TestPoolWarmup(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	pool.Health().Breakers().GetOrCreate("web-03").Trip()

	hosts := []transport.HostSpec{testHost("web-01"), testHost("web-02"), testHost("web-03")}
	result := pool.Warmup(context.Background(), hosts, 2)

	assert.Equal(t, 2, result.Dialed)
	require.Len(t, result.Failed, 1)
	assert.True(t, fferrors.IsUnreachable(result.Failed["web-03"]))
	assert.Equal(t, 2, pool.Stats().IdleSessions, "warmed sessions wait in the idle set")
}

func TestPoolEvictsExpiredIdleSessions(t *testing.T) {
	dialer := &fakeDialer{}
	config := DefaultPoolConfig()
	config.IdleTimeout = 10 * time.Millisecond
	pool := newTestPool(t, dialer, config)

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	session := lease.Session().(*fakeSession)
	lease.Release()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, pool.EvictExpired())
	assert.True(t, session.closed.Load())
	assert.Equal(t, 0, pool.Stats().IdleSessions)

	// The next acquisition dials fresh.
	lease, err = pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 2, dialer.dialCount())
}

func TestPoolCloseShutsDownIdleSessions(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, DefaultPoolConfig())

	lease, err := pool.Acquire(context.Background(), testHost("web-01"))
	require.NoError(t, err)
	session := lease.Session().(*fakeSession)
	lease.Release()

	pool.Close()
	assert.True(t, session.closed.Load())
	assert.Equal(t, 0, pool.Stats().IdleSessions)
}
