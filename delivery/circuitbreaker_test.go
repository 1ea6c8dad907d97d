package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	m := NewBreakerManager(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour, HalfOpenMax: 1}, nil, nil)

	for i := 0; i < 2; i++ {
		assert.True(t, m.Allow("e1"))
		m.Report("e1", false)
	}
	assert.Equal(t, StateClosed, m.State("e1"))

	assert.True(t, m.Allow("e1"))
	m.Report("e1", false)
	assert.Equal(t, StateOpen, m.State("e1"))
	assert.False(t, m.Allow("e1"))
}

func TestDoReturnsCircuitBreakerIsOpenOnceOpen(t *testing.T) {
	m := NewBreakerManager(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour, HalfOpenMax: 1}, nil, nil)

	err := m.Do("e1", func() error { return assert.AnError })
	require.Error(t, err)

	err = m.Do("e1", func() error {
		t.Fatal("fn must not run once the breaker is open")
		return nil
	})
	require.EqualError(t, err, "Circuit breaker is open")
}

func TestBreakerHalfOpenAfterResetTimeout(t *testing.T) {
	m := NewBreakerManager(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1}, nil, nil)

	require.True(t, m.Allow("e1"))
	m.Report("e1", false)
	require.Equal(t, StateOpen, m.State("e1"))

	time.Sleep(5 * time.Millisecond)
	assert.True(t, m.Allow("e1"))
	assert.Equal(t, StateHalfOpen, m.State("e1"))
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	var closedFired bool
	m := NewBreakerManager(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1}, nil, func(string) { closedFired = true })

	m.Allow("e1")
	m.Report("e1", false)
	time.Sleep(5 * time.Millisecond)

	require.True(t, m.Allow("e1"))
	m.Report("e1", true)
	assert.Equal(t, StateClosed, m.State("e1"))
	assert.True(t, closedFired)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	m := NewBreakerManager(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1}, nil, nil)

	m.Allow("e1")
	m.Report("e1", false)
	time.Sleep(5 * time.Millisecond)

	require.True(t, m.Allow("e1"))
	m.Report("e1", false)
	assert.Equal(t, StateOpen, m.State("e1"))
}

func TestBreakerHalfOpenLimitsInflight(t *testing.T) {
	m := NewBreakerManager(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1}, nil, nil)

	m.Allow("e1")
	m.Report("e1", false)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, m.Allow("e1"))
	assert.False(t, m.Allow("e1"), "only halfOpenMax probes may be admitted")
}
