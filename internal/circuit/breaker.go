// Package circuit implements the per-account execution circuit breaker.
// Consecutive execution failures open the breaker; a cool-off admits a
// half-open probe before closing again.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"deriv-trading-core/internal/events"
	"deriv-trading-core/internal/metrics"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Execution halted
	StateHalfOpen BreakerState = "half_open" // Probing recovery
)

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Enabled        bool          `json:"enabled"`
	MaxFailures    int           `json:"max_failures"`     // Consecutive failures before opening
	Cooldown       time.Duration `json:"cooldown"`         // Open duration before half-open
	HalfOpenProbes int           `json:"half_open_probes"` // Probes admitted while half-open
}

// DefaultBreakerConfig returns safe defaults
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		Enabled:        true,
		MaxFailures:    5,
		Cooldown:       time.Minute,
		HalfOpenProbes: 1,
	}
}

// CheckResult is the breaker's admission decision
type CheckResult struct {
	Allowed      bool         `json:"allowed"`
	Reason       string       `json:"reason,omitempty"`
	RetryAfterMS int64        `json:"retry_after_ms,omitempty"`
	State        BreakerState `json:"state"`
}

// Breaker guards execution for a single account
type Breaker struct {
	accountID string
	config    *BreakerConfig

	mu                  sync.RWMutex
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	probesInFlight      int
	lastFailureReason   string

	onTrip  func(reason string)
	onReset func()
}

// NewBreaker creates a breaker for one account
func NewBreaker(accountID string, config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		accountID: accountID,
		config:    config,
		state:     StateClosed,
	}
}

// OnTrip sets the callback invoked when the breaker opens
func (b *Breaker) OnTrip(handler func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnReset sets the callback invoked when the breaker closes again
func (b *Breaker) OnReset(handler func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReset = handler
}

// Check reports whether an execution attempt may proceed. While open it
// carries the remaining cool-off as a retry hint; after the cool-off the
// breaker moves to half-open and admits a bounded number of probes.
func (b *Breaker) Check() CheckResult {
	if !b.config.Enabled {
		return CheckResult{Allowed: true, State: StateClosed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return CheckResult{Allowed: true, State: StateClosed}

	case StateOpen:
		elapsed := time.Since(b.openedAt)
		if elapsed < b.config.Cooldown {
			remaining := b.config.Cooldown - elapsed
			return CheckResult{
				Allowed:      false,
				Reason:       fmt.Sprintf("circuit breaker open: %s", b.lastFailureReason),
				RetryAfterMS: remaining.Milliseconds(),
				State:        StateOpen,
			}
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		fallthrough

	case StateHalfOpen:
		maxProbes := b.config.HalfOpenProbes
		if maxProbes <= 0 {
			maxProbes = 1
		}
		if b.probesInFlight >= maxProbes {
			return CheckResult{
				Allowed:      false,
				Reason:       "circuit breaker half-open, probe in flight",
				RetryAfterMS: b.config.Cooldown.Milliseconds(),
				State:        StateHalfOpen,
			}
		}
		b.probesInFlight++
		return CheckResult{Allowed: true, State: StateHalfOpen}
	}

	return CheckResult{Allowed: true, State: b.state}
}

// RecordSuccess notes a completed execution. A half-open success closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	wasOpen := b.state != StateClosed
	b.state = StateClosed
	b.probesInFlight = 0
	onReset := b.onReset
	b.mu.Unlock()

	if wasOpen {
		events.BroadcastCircuitBreaker(b.accountID, map[string]interface{}{
			"state": string(StateClosed),
		})
		if onReset != nil {
			go onReset()
		}
	}
}

// RecordFailure notes a failed execution. Throttle-class failures must not
// be recorded here; the caller filters them out.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	b.consecutiveFailures++
	b.lastFailureReason = reason

	tripped := false
	if b.state == StateHalfOpen || b.consecutiveFailures >= b.config.MaxFailures {
		if b.state != StateOpen {
			tripped = true
		}
		b.state = StateOpen
		b.openedAt = time.Now()
		b.probesInFlight = 0
	}
	onTrip := b.onTrip
	b.mu.Unlock()

	if tripped {
		metrics.CircuitBreakerTrips.Inc()
		events.BroadcastCircuitBreaker(b.accountID, map[string]interface{}{
			"state":  string(StateOpen),
			"reason": reason,
		})
		if onTrip != nil {
			go onTrip(reason)
		}
	}
}

// State returns the current breaker state
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// GetStats returns breaker counters for diagnostics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return map[string]interface{}{
		"account_id":           b.accountID,
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"last_failure_reason":  b.lastFailureReason,
		"opened_at":            b.openedAt,
	}
}

// Registry holds one breaker per account
type Registry struct {
	config *BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry sharing one config
func NewRegistry(config *BreakerConfig) *Registry {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// ForAccount returns the breaker for an account, creating it on first use
func (r *Registry) ForAccount(accountID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[accountID]
	if !ok {
		b = NewBreaker(accountID, r.config)
		r.breakers[accountID] = b
	}
	return b
}

// GetStats returns stats for every known breaker
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make(map[string]interface{}, len(r.breakers))
	for id, b := range r.breakers {
		stats[id] = b.GetStats()
	}
	return stats
}
