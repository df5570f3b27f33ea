package recorder

import (
	"sync"
	"time"

	"github.com/rendis/ruleflow/pkg/schema"
)

// CircuitState is the state of a sink circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // writes flow
	CircuitOpen                         // writes skipped until cooldown ends
	CircuitHalfOpen                     // probing with a limited number of writes
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures when a sink operation is considered down.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of probe writes allowed while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultBreakerConfig returns 5 failures, 30s cooldown, 1 probe.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = d.HalfOpenMax
	}
	return c
}

type breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	lastFailure time.Time
	probes      int
}

// Breakers tracks one circuit per sink operation ("persist", "stats").
// A dead audit table should not stop stats updates and vice versa.
type Breakers struct {
	mu       sync.Mutex
	circuits map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry. Zero config fields take the defaults.
func NewBreakers(config BreakerConfig) *Breakers {
	return &Breakers{
		circuits: make(map[string]*breaker),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// Allow reports whether a write for op may proceed. A rejected write gets a
// CIRCUIT_OPEN error describing the remaining cooldown.
func (b *Breakers) Allow(op string) error {
	cb := b.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := b.now().Sub(cb.lastFailure)
		if elapsed >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s circuit open after %d consecutive failures", op, cb.failures).
			WithDetails(map[string]any{
				"operation":            op,
				"consecutive_failures": cb.failures,
				"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s circuit half-open: probe already in flight", op)
		}
		cb.probes++
	}
	return nil
}

// Success closes the circuit for op.
func (b *Breakers) Success(op string) {
	cb := b.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probes = 0
	cb.state = CircuitClosed
}

// Failure counts a failed write and returns the resulting state.
// A failed probe reopens the circuit immediately.
func (b *Breakers) Failure(op string) CircuitState {
	cb := b.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = b.now()
	if cb.state == CircuitHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state for op, moving open circuits whose
// cooldown has passed to half-open.
func (b *Breakers) State(op string) CircuitState {
	cb := b.get(op)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.probes = 0
	}
	return cb.state
}

func (b *Breakers) get(op string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.circuits[op]
	if !ok {
		cb = &breaker{state: CircuitClosed}
		b.circuits[op] = cb
	}
	return cb
}
