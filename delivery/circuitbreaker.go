package delivery

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by BreakerManager.Do and other Allow-gated callers when a
// per-endpoint breaker is rejecting calls.
var ErrCircuitOpen = errors.New("Circuit breaker is open")

// BreakerState is one of the three states a per-endpoint circuit can be in.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig holds the thresholds for one circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

type circuit struct {
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	halfOpenInFlight int
}

// BreakerManager owns one circuit breaker per endpoint URL, per component C7.
type BreakerManager struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*circuit

	onOpen   func(endpoint string)
	onClosed func(endpoint string)
}

// NewBreakerManager builds a manager with the given defaults. onOpen/onClosed
// may be nil; they fire on closed->open and ->closed transitions.
func NewBreakerManager(cfg BreakerConfig, onOpen, onClosed func(endpoint string)) *BreakerManager {
	return &BreakerManager{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*circuit),
		onOpen:   onOpen,
		onClosed: onClosed,
	}
}

func (m *BreakerManager) getOrCreate(endpoint string) *circuit {
	c, ok := m.breakers[endpoint]
	if !ok {
		c = &circuit{state: StateClosed}
		m.breakers[endpoint] = c
	}
	return c
}

// Allow reports whether a call to endpoint may proceed right now, and
// transitions open->half-open once resetTimeout has elapsed.
func (m *BreakerManager) Allow(endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreate(endpoint)
	now := time.Now()

	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) < m.cfg.ResetTimeout {
			return false
		}
		c.state = StateHalfOpen
		c.halfOpenInFlight = 0
		fallthrough
	case StateHalfOpen:
		if c.halfOpenInFlight >= m.cfg.HalfOpenMax {
			return false
		}
		c.halfOpenInFlight++
		return true
	default: // closed
		return true
	}
}

// Report records the outcome of a call admitted by Allow.
func (m *BreakerManager) Report(endpoint string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreate(endpoint)

	switch c.state {
	case StateHalfOpen:
		if success {
			c.state = StateClosed
			c.consecutiveFail = 0
			c.halfOpenInFlight = 0
			m.fireClosed(endpoint)
			return
		}
		c.state = StateOpen
		c.openedAt = time.Now()
		c.halfOpenInFlight = 0
	default: // closed (Report should not be called while Open, but stay safe)
		if success {
			c.consecutiveFail = 0
			return
		}
		c.consecutiveFail++
		if c.consecutiveFail >= m.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = time.Now()
			m.fireOpen(endpoint)
		}
	}
}

func (m *BreakerManager) fireOpen(endpoint string) {
	if m.onOpen != nil {
		m.onOpen(endpoint)
	}
}

func (m *BreakerManager) fireClosed(endpoint string) {
	if m.onClosed != nil {
		m.onClosed(endpoint)
	}
}

// State returns the current state of endpoint's breaker (closed if unseen).
func (m *BreakerManager) State(endpoint string) BreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.breakers[endpoint]
	if !ok {
		return StateClosed
	}
	return c.state
}

// Do runs fn through the breaker for endpoint, reporting its outcome.
func (m *BreakerManager) Do(endpoint string, fn func() error) error {
	if !m.Allow(endpoint) {
		return ErrCircuitOpen
	}
	err := fn()
	m.Report(endpoint, err == nil)
	return err
}
