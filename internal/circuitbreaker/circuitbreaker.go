// Package circuitbreaker fails outbound delivery fast while a provider is down.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
//
//	closed -> open:      consecutive failures reach MaxFailures
//	open -> half-open:   RecoveryTimeout elapsed since the last failure
//	half-open -> closed: a probe succeeds
//	half-open -> open:   a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while requests are being rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a CircuitBreaker.
type Config struct {
	Name                string
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
	// IsFailure decides which errors count against the breaker; nil counts all.
	IsFailure func(error) bool
	Now       func() time.Time
}

// DefaultConfig returns the defaults used for provider senders.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive failures of one downstream dependency.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger

	state           State
	failures        int
	probes          int
	lastFailure     time.Time
	lastStateChange time.Time

	rejected int64
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &CircuitBreaker{
		cfg:             cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: cfg.Now(),
	}
}

// Name is the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// Allow reports whether a request may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.cfg.Now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.probes = 1
			return true
		}

	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}

	cb.rejected++
	return false
}

// Record feeds a request outcome back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	if err != nil && cb.cfg.IsFailure(err) {
		cb.recordFailure()
		return
	}
	cb.recordSuccess()
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed", zap.String("name", cb.cfg.Name))
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.cfg.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened",
				zap.String("name", cb.cfg.Name),
				zap.Int("failures", cb.failures),
			)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker probe failed, reopening", zap.String("name", cb.cfg.Name))
	}
}

// Current returns the breaker state.
func (cb *CircuitBreaker) Current() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a monitoring snapshot.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Rejected        int64  `json:"rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns the current counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Rejected:        cb.rejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.failures = 0
}

// Must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.lastStateChange = cb.cfg.Now()
	cb.probes = 0

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.cfg.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.cfg.Name, cb.state, cb.failures, cb.cfg.MaxFailures)
}
