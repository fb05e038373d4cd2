package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
	"time"

	"github.com/fleetforge-labs/fleetforge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	p := DefaultPolicy()
	p.BaseDelay = 100 * time.Millisecond
	p.Jitter = 0
	p.Classify = func(error) bool { return true }
	return p
}

func TestDelayForExponentialWindows(t *testing.T) {
	p := testPolicy()

	assert.Equal(t, 100*time.Millisecond, p.DelayFor(0))
	assert.Equal(t, 200*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 400*time.Millisecond, p.DelayFor(2))
}

func TestDelayForCappedAtMax(t *testing.T) {
	p := testPolicy()
	p.MaxDelay = 250 * time.Millisecond

	assert.Equal(t, 100*time.Millisecond, p.DelayFor(0))
	assert.Equal(t, 200*time.Millisecond, p.DelayFor(1))
	assert.Equal(t, 250*time.Millisecond, p.DelayFor(2))
	assert.Equal(t, 250*time.Millisecond, p.DelayFor(10))
}

func TestJitterStaysWithinFraction(t *testing.T) {
	h := NewHelper(logger.NewDefaultLogger("error"))
	p := testPolicy()
	p.Jitter = 0.25

	base := 400 * time.Millisecond
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)
	for i := 0; i < 200; i++ {
		d := h.jittered(p, base)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	h := NewHelper(logger.NewDefaultLogger("error"))
	p := testPolicy()
	p.MaxAttempts = 4
	p.BaseDelay = time.Millisecond
	p.Classify = nil

	calls := 0
	err := h.Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return syscall.ECONNREFUSED
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	h := NewHelper(logger.NewDefaultLogger("error"))
	p := testPolicy()
	p.MaxAttempts = 5
	p.BaseDelay = time.Millisecond
	p.Classify = nil

	authErr := errors.New("permission denied (publickey)")
	calls := 0
	err := h.Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return authErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, authErr)
	assert.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestDoExhaustsAttempts(t *testing.T) {
	h := NewHelper(logger.NewDefaultLogger("error"))
	p := testPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = time.Millisecond

	calls := 0
	dialErr := fmt.Errorf("dial tcp: %w", syscall.ETIMEDOUT)
	err := h.Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return dialErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ETIMEDOUT)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	h := NewHelper(logger.NewDefaultLogger("error"))
	p := testPolicy()
	p.MaxAttempts = 10
	p.BaseDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- h.Do(ctx, p, func(ctx context.Context) error {
			calls++
			return syscall.ECONNRESET
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, 1, calls, "cancellation during backoff must stop further attempts")
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestDoWithReportObservesEachFailure(t *testing.T) {
	h := NewHelper(logger.NewDefaultLogger("error"))
	p := testPolicy()
	p.MaxAttempts = 3
	p.BaseDelay = time.Millisecond

	var observed []int
	err := h.DoWithReport(context.Background(), p, func(ctx context.Context) error {
		return syscall.ECONNREFUSED
	}, func(attempt int, err error, delay time.Duration) {
		observed = append(observed, attempt)
	})
	require.Error(t, err)
	assert.Equal(t, []int{0, 1, 2}, observed)
}

func TestClassification(t *testing.T) {
	assert.True(t, IsTransient(syscall.ECONNREFUSED))
	assert.True(t, IsTransient(syscall.ECONNRESET))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", syscall.ETIMEDOUT)))
	assert.True(t, IsTransient(MarkTransient(errors.New("banner exchange failed"))))

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(io.EOF))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(MarkPermanent(syscall.ECONNREFUSED)))
	assert.False(t, IsTransient(errors.New("ssh: unable to authenticate")))
}
