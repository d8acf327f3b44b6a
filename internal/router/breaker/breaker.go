// Package breaker provides per-target circuit breakers for mediation calls.
// Each callback URL gets its own breaker so one failing downstream cannot
// stop delivery to healthy ones.
package breaker

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"go.routeflow.tech/internal/common/metrics"
)

// State names reported by the registry
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
	StateUnknown  = "UNKNOWN"
)

// Config holds the tuning applied to every target's breaker
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker
	FailureThreshold uint32

	// HalfOpenProbes is the number of trial requests allowed while half-open
	HalfOpenProbes uint32

	// OpenDuration is how long the breaker stays open before allowing probes
	OpenDuration time.Duration

	// OnStateChange is invoked after a target's breaker changes state
	OnStateChange func(target string, from, to string)
}

// DefaultConfig returns the default breaker tuning
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		HalfOpenProbes:   3,
		OpenDuration:     30 * time.Second,
	}
}

// Stats is a point-in-time snapshot of one target's breaker.
// The call counters are cumulative for the life of the registry entry and
// survive the state-transition resets inside gobreaker.
type Stats struct {
	Target              string `json:"target"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
	TotalSuccesses      uint64 `json:"totalSuccesses"`
	TotalFailures       uint64 `json:"totalFailures"`
	RejectedCalls       uint64 `json:"rejectedCalls"`
	Trips               uint64 `json:"trips"`
}

// targetBreaker pairs a gobreaker instance with cumulative counters
type targetBreaker struct {
	cb        *gobreaker.CircuitBreaker
	successes atomic.Uint64
	failures  atomic.Uint64
	rejected  atomic.Uint64
	trips     atomic.Uint64
}

// Registry creates and caches one circuit breaker per mediation target
type Registry struct {
	mu       sync.RWMutex
	config   *Config
	breakers map[string]*targetBreaker
}

// NewRegistry creates a breaker registry with the given config.
// A nil config uses DefaultConfig.
func NewRegistry(cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 3
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 30 * time.Second
	}
	return &Registry{
		config:   cfg,
		breakers: make(map[string]*targetBreaker),
	}
}

// Execute runs fn under the breaker for target. When the breaker is open
// (or half-open and saturated with probes) fn is not invoked and the
// returned error is gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests.
func (r *Registry) Execute(target string, fn func() (any, error)) (any, error) {
	tb := r.getOrCreate(target)

	result, err := tb.cb.Execute(fn)
	switch {
	case err == nil:
		tb.successes.Add(1)
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		tb.rejected.Add(1)
		metrics.BreakerOpenRejections.WithLabelValues(target).Inc()
	default:
		tb.failures.Add(1)
	}
	return result, err
}

// IsRejection reports whether err means the breaker short-circuited the call
func IsRejection(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}

// State returns the current state name for target, or StateUnknown when no
// breaker exists yet
func (r *Registry) State(target string) string {
	r.mu.RLock()
	tb, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return StateUnknown
	}
	return stateName(tb.cb.State())
}

// Reset replaces the breaker for target with a fresh closed one.
// Returns false when the target has no breaker.
func (r *Registry) Reset(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.breakers[target]; !ok {
		return false
	}
	r.breakers[target] = r.newTargetBreaker(target)
	metrics.BreakerState.WithLabelValues(target).Set(metrics.CircuitBreakerClosed)
	slog.Info("Circuit breaker reset", "target", target)
	return true
}

// ResetAll replaces every breaker with a fresh closed one
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for target := range r.breakers {
		r.breakers[target] = r.newTargetBreaker(target)
		metrics.BreakerState.WithLabelValues(target).Set(metrics.CircuitBreakerClosed)
	}
	slog.Info("All circuit breakers reset", "count", len(r.breakers))
}

// Stats returns a snapshot of every target's breaker
func (r *Registry) Stats() map[string]*Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Stats, len(r.breakers))
	for target, tb := range r.breakers {
		result[target] = tb.snapshot(target)
	}
	return result
}

// StatsFor returns the snapshot for one target, or nil when absent
func (r *Registry) StatsFor(target string) *Stats {
	r.mu.RLock()
	tb, ok := r.breakers[target]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return tb.snapshot(target)
}

// OpenCount returns how many breakers are currently open
func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, tb := range r.breakers {
		if tb.cb.State() == gobreaker.StateOpen {
			count++
		}
	}
	return count
}

// Len returns the number of tracked targets
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

func (r *Registry) getOrCreate(target string) *targetBreaker {
	r.mu.RLock()
	tb, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return tb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if tb, ok := r.breakers[target]; ok {
		return tb
	}

	tb = r.newTargetBreaker(target)
	r.breakers[target] = tb
	return tb
}

func (r *Registry) newTargetBreaker(target string) *targetBreaker {
	tb := &targetBreaker{}
	threshold := r.config.FailureThreshold

	tb.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: r.config.HalfOpenProbes,
		Timeout:     r.config.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(gaugeValue(to))
			if to == gobreaker.StateOpen {
				tb.trips.Add(1)
				metrics.BreakerTrips.WithLabelValues(name).Inc()
				slog.Warn("Circuit breaker opened",
					"target", name,
					"openDuration", r.config.OpenDuration)
			} else {
				slog.Info("Circuit breaker state changed",
					"target", name,
					"from", stateName(from),
					"to", stateName(to))
			}
			if r.config.OnStateChange != nil {
				r.config.OnStateChange(name, stateName(from), stateName(to))
			}
		},
	})
	return tb
}

func (tb *targetBreaker) snapshot(target string) *Stats {
	counts := tb.cb.Counts()
	return &Stats{
		Target:              target,
		State:               stateName(tb.cb.State()),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalSuccesses:      tb.successes.Load(),
		TotalFailures:       tb.failures.Load(),
		RejectedCalls:       tb.rejected.Load(),
		Trips:               tb.trips.Load(),
	}
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateClosed:
		return StateClosed
	default:
		return StateUnknown
	}
}

func gaugeValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitBreakerOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitBreakerHalfOpen
	default:
		return metrics.CircuitBreakerClosed
	}
}
