// Package connection implements the connection-resilience layer: per-host
// circuit breakers, rolling health statistics, and the bounded session pool
// that the scheduler acquires sessions through.
package connection

import (
	"sync"
	"time"

	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
)

// CircuitState is the current state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means requests flow through normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means requests fail immediately without attempting.
	CircuitOpen
	// CircuitHalfOpen means a limited number of probes test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults. A breaker trips after five consecutive failures, cools
// down for thirty seconds, and requires three probe successes to close.
const (
	DefaultFailureThreshold   = 5
	DefaultSuccessThreshold   = 3
	DefaultResetTimeout       = 30 * time.Second
	DefaultHalfOpenMaxProbes  = 3
	DefaultMinRequestsForRate = 10
)

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// circuit from closed to open.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive probe successes required
	// to close the circuit from half-open.
	SuccessThreshold int
	// ResetTimeout is the cool-down before an open circuit admits probes.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes bounds concurrent probe attempts in half-open.
	HalfOpenMaxProbes int
	// FailureRateThreshold, when positive, trips the circuit once the
	// failure rate over the current window reaches it, independent of the
	// consecutive counter. Evaluated only after MinRequestsForRate requests.
	FailureRateThreshold float64
	// MinRequestsForRate is the minimum sample before rate evaluation.
	MinRequestsForRate int
}

// DefaultBreakerConfig returns the standard breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   DefaultFailureThreshold,
		SuccessThreshold:   DefaultSuccessThreshold,
		ResetTimeout:       DefaultResetTimeout,
		HalfOpenMaxProbes:  DefaultHalfOpenMaxProbes,
		MinRequestsForRate: DefaultMinRequestsForRate,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = DefaultHalfOpenMaxProbes
	}
	// A full probe budget must be able to close the circuit, or half-open
	// could run out of slots before reaching the success threshold.
	if c.HalfOpenMaxProbes < c.SuccessThreshold {
		c.HalfOpenMaxProbes = c.SuccessThreshold
	}
	if c.MinRequestsForRate <= 0 {
		c.MinRequestsForRate = DefaultMinRequestsForRate
	}
	return c
}

// TransitionFunc observes breaker state changes. Called outside the breaker
// lock with the host identifier, the old state, and the new state.
type TransitionFunc func(host string, from, to CircuitState)

// Breaker is a circuit breaker for a single host. All methods are safe for
// concurrent use. State reads resolve the open-to-half-open transition
// lazily, so no background timer is needed.
type Breaker struct {
	host   string
	config BreakerConfig

	mu             sync.Mutex
	state          CircuitState
	failureCount   int
	successCount   int
	totalRequests  int
	failedRequests int
	halfOpenProbes int
	openedAt       time.Time

	// now is the clock, overridable in tests.
	now func() time.Time
	// onTransition, when set, is notified after every state change.
	onTransition TransitionFunc
}

// NewBreaker creates a circuit breaker for the given host identifier.
func NewBreaker(host string, config BreakerConfig) *Breaker {
	return &Breaker{
		host:   host,
		config: config.withDefaults(),
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// Host returns the identifier this breaker guards.
func (b *Breaker) Host() string { return b.host }

// State returns the current state, resolving the cool-down transition from
// open to half-open if the reset timeout has elapsed.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	state, notify := b.resolveStateLocked()
	b.mu.Unlock()
	b.fire(notify)
	return state
}

// Allows reports whether the breaker admits operations at all, without
// touching the probe budget. Gates that may be satisfied from a cached
// session use this; a dial attempt reserves through CanAttempt instead.
func (b *Breaker) Allows() bool {
	b.mu.Lock()
	state, notify := b.resolveStateLocked()
	b.mu.Unlock()
	b.fire(notify)
	return state != CircuitOpen
}

// CanAttempt reports whether a dial attempt may proceed. In half-open state
// it also reserves one of the limited probe slots; every reservation must be
// settled by the RecordSuccess or RecordFailure of the attempt that follows,
// or the budget drains and the circuit never leaves half-open.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	state, notify := b.resolveStateLocked()
	var allowed bool
	switch state {
	case CircuitClosed:
		allowed = true
	case CircuitOpen:
		allowed = false
	case CircuitHalfOpen:
		if b.halfOpenProbes < b.config.HalfOpenMaxProbes {
			b.halfOpenProbes++
			allowed = true
		}
	}
	b.mu.Unlock()
	b.fire(notify)
	return allowed
}

// RecordSuccess records a successful operation. In half-open state enough
// consecutive successes close the circuit and reset all counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	state, notify := b.resolveStateLocked()
	b.totalRequests++
	switch state {
	case CircuitClosed:
		b.failureCount = 0
	case CircuitHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			notify = append(notify, b.transitionLocked(CircuitClosed))
		}
	case CircuitOpen:
		// Stale result from an attempt admitted before the trip. Ignore.
	}
	b.mu.Unlock()
	b.fire(notify)
}

// RecordFailure records a failed operation. In closed state it trips the
// circuit once the consecutive threshold (or the optional failure rate) is
// reached; in half-open state any failure reopens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	state, notify := b.resolveStateLocked()
	b.totalRequests++
	b.failedRequests++
	switch state {
	case CircuitClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			notify = append(notify, b.transitionLocked(CircuitOpen))
			break
		}
		if b.config.FailureRateThreshold > 0 && b.totalRequests >= b.config.MinRequestsForRate {
			rate := float64(b.failedRequests) / float64(b.totalRequests)
			if rate >= b.config.FailureRateThreshold {
				notify = append(notify, b.transitionLocked(CircuitOpen))
			}
		}
	case CircuitHalfOpen:
		notify = append(notify, b.transitionLocked(CircuitOpen))
	case CircuitOpen:
	}
	b.mu.Unlock()
	b.fire(notify)
}

// Trip forces the circuit open.
func (b *Breaker) Trip() {
	b.mu.Lock()
	notify := []transition{b.transitionLocked(CircuitOpen)}
	b.mu.Unlock()
	b.fire(notify)
}

// Reset forces the circuit closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := []transition{b.transitionLocked(CircuitClosed)}
	b.mu.Unlock()
	b.fire(notify)
}

// BreakerStats is a point-in-time snapshot of a breaker.
type BreakerStats struct {
	Host           string
	State          CircuitState
	FailureCount   int
	SuccessCount   int
	TotalRequests  int
	FailedRequests int
}

// FailureRate returns the failure rate over the current window.
func (s BreakerStats) FailureRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.FailedRequests) / float64(s.TotalRequests)
}

// Stats returns a snapshot of the breaker's counters and state.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	state, notify := b.resolveStateLocked()
	stats := BreakerStats{
		Host:           b.host,
		State:          state,
		FailureCount:   b.failureCount,
		SuccessCount:   b.successCount,
		TotalRequests:  b.totalRequests,
		FailedRequests: b.failedRequests,
	}
	b.mu.Unlock()
	b.fire(notify)
	return stats
}

type transition struct {
	from, to CircuitState
	valid    bool
}

// resolveStateLocked applies the lazy open-to-half-open transition.
// Caller must hold b.mu.
func (b *Breaker) resolveStateLocked() (CircuitState, []transition) {
	if b.state != CircuitOpen {
		return b.state, nil
	}
	if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
		return CircuitOpen, nil
	}
	t := b.transitionLocked(CircuitHalfOpen)
	return b.state, []transition{t}
}

// transitionLocked moves to the target state and resets the counters that
// state invalidates. Caller must hold b.mu.
func (b *Breaker) transitionLocked(to CircuitState) transition {
	from := b.state
	if from == to {
		return transition{}
	}
	b.state = to
	switch to {
	case CircuitOpen:
		b.openedAt = b.now()
		b.successCount = 0
		b.halfOpenProbes = 0
	case CircuitHalfOpen:
		b.halfOpenProbes = 0
		b.successCount = 0
	case CircuitClosed:
		b.failureCount = 0
		b.successCount = 0
		b.totalRequests = 0
		b.failedRequests = 0
		b.halfOpenProbes = 0
	}
	return transition{from: from, to: to, valid: true}
}

func (b *Breaker) fire(transitions []transition) {
	if b.onTransition == nil {
		return
	}
	for _, t := range transitions {
		if t.valid {
			b.onTransition(b.host, t.from, t.to)
		}
	}
}

// BreakerRegistry lazily creates one breaker per host, sharing a default
// configuration. All methods are safe for concurrent use.
type BreakerRegistry struct {
	mu            sync.RWMutex
	breakers      map[string]*Breaker
	defaultConfig BreakerConfig
	onTransition  TransitionFunc
	log           fflog.Logger
}

// NewBreakerRegistry creates a registry producing breakers with config.
func NewBreakerRegistry(config BreakerConfig, log fflog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:      make(map[string]*Breaker),
		defaultConfig: config.withDefaults(),
		log:           log,
	}
}

// SetTransitionFunc installs a state-change observer applied to all breakers,
// existing and future. Must be called before concurrent use begins.
func (r *BreakerRegistry) SetTransitionFunc(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
	for _, b := range r.breakers {
		b.onTransition = fn
	}
}

// GetOrCreate returns the breaker for host, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(host string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[host]; ok {
		return b
	}
	b = NewBreaker(host, r.defaultConfig)
	b.onTransition = r.onTransition
	r.breakers[host] = b
	if r.log != nil {
		r.log.Debugf("Created circuit breaker for host '%s'", host)
	}
	return b
}

// Get returns the breaker for host, or nil if none exists yet.
func (r *BreakerRegistry) Get(host string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[host]
}

// Stats returns snapshots for every breaker in the registry.
func (r *BreakerRegistry) Stats() map[string]BreakerStats {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]BreakerStats, len(breakers))
	for _, b := range breakers {
		out[b.Host()] = b.Stats()
	}
	return out
}
