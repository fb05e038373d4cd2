// Package retry implements the backoff/jitter calculator and retryable-error
// classifier used around transient operations, primarily connection dialing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sync"
	"syscall"
	"time"

	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
)

// Default policy values. Tuned for fleet-scale dialing: a small number of
// attempts, exponential backoff, and enough jitter to spread retry storms
// when many hosts fail simultaneously.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.25
)

// Classifier reports whether an error is transient and therefore retryable.
type Classifier func(error) bool

// Policy is a stateless description of how an operation is retried.
// The zero value is not usable; construct with DefaultPolicy and override.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the pre-jitter backoff delay.
	MaxDelay time.Duration
	// Multiplier scales the delay for each subsequent retry.
	Multiplier float64
	// Jitter is the fraction of the delay perturbed uniformly in both
	// directions (0.25 means the final delay lands within ±25%).
	Jitter float64
	// Classify decides retryability. Nil means IsTransient.
	Classify Classifier
}

// DefaultPolicy returns a policy with the standard dialing defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      DefaultJitter,
	}
}

// DelayFor returns the pre-jitter backoff delay for the given zero-based
// attempt index: BaseDelay * Multiplier^attempt, capped at MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := p.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after the given
// zero-based attempt index failed with err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	classify := p.Classify
	if classify == nil {
		classify = IsTransient
	}
	return classify(err)
}

// transientError marks a wrapped error as explicitly retryable.
type transientError struct{ err error }

func (t *transientError) Error() string { return t.err.Error() }
func (t *transientError) Unwrap() error { return t.err }

// permanentError marks a wrapped error as explicitly non-retryable,
// overriding any classification of the underlying error.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// MarkPermanent wraps err so IsTransient reports false for it.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient is the default classifier. Timeouts, refused and reset
// connections, and unreachable networks are transient. Authentication and
// protocol errors are not, and neither is context cancellation: retrying a
// cancelled operation only delays shutdown.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return true
	}
	return false
}

// Operation is the unit of work driven by the helper.
type Operation func(ctx context.Context) error

// AttemptObserver is invoked after every failed attempt, before any backoff
// delay. The pool uses it to report each dial failure into the health tracker.
type AttemptObserver func(attempt int, err error, delay time.Duration)

// Helper drives operations under a Policy with context cancellation.
type Helper struct {
	log fflog.Logger

	mu         sync.Mutex
	randSource *rand.Rand
}

// NewHelper creates a retry helper. Panics if log is nil.
func NewHelper(log fflog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op under the policy. See DoWithReport.
func (h *Helper) Do(ctx context.Context, policy Policy, op Operation) error {
	return h.DoWithReport(ctx, policy, op, nil)
}

// DoWithReport runs op up to policy.MaxAttempts times, backing off between
// attempts. A non-retryable error, exhausted attempts, or context
// cancellation ends the loop; the last operation error is returned. observe,
// when non-nil, is called once per failed attempt.
func (h *Helper) DoWithReport(ctx context.Context, policy Policy, op Operation, observe AttemptObserver) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				return ctx.Err()
			}
			return fmt.Errorf("retry cancelled after %d attempts: %w (context: %v)", attempt, lastErr, ctx.Err())
		default:
		}

		err := op(ctx)
		if err == nil {
			if attempt > 0 {
				h.log.Infof("Operation succeeded on attempt %d/%d", attempt+1, policy.MaxAttempts)
			}
			return nil
		}
		lastErr = err

		if !policy.ShouldRetry(attempt, err) {
			if observe != nil {
				observe(attempt, err, 0)
			}
			break
		}

		delay := h.jittered(policy, policy.DelayFor(attempt))
		if observe != nil {
			observe(attempt, err, delay)
		}
		h.log.Warnf("Operation failed on attempt %d/%d (retrying in %v): %v",
			attempt+1, policy.MaxAttempts, delay.Truncate(time.Millisecond), err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("retry delay cancelled after attempt %d: %w (context: %v)", attempt+1, lastErr, ctx.Err())
		}
	}

	h.log.Errorf("Operation failed definitively after %d attempts: %v", policy.MaxAttempts, lastErr)
	return lastErr
}

// jittered perturbs delay by ±policy.Jitter, uniformly.
func (h *Helper) jittered(policy Policy, delay time.Duration) time.Duration {
	if policy.Jitter <= 0 || delay <= 0 {
		return delay
	}
	jitter := policy.Jitter
	if jitter > 1.0 {
		jitter = 1.0
	}
	h.mu.Lock()
	factor := 1.0 + jitter*(h.randSource.Float64()*2.0-1.0)
	h.mu.Unlock()
	d := time.Duration(float64(delay) * factor)
	if d < 0 {
		d = 0
	}
	return d
}
