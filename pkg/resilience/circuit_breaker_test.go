package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Minute,
	})

	assert.Equal(t, StateClosed, cb.State())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanRequest())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanRequest())
}

func TestCircuitBreakerSuccessResetsWindow(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     time.Minute,
	})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "count restarts after a success")
}

func TestCircuitBreakerFailureWindowExpiry(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 2,
		FailureWindow:    20 * time.Millisecond,
		ResetTimeout:     time.Minute,
	})

	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "stale failures restart the count")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerHalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanRequest())

	time.Sleep(20 * time.Millisecond)

	assert.True(t, cb.CanRequest(), "first caller after reset timeout is the probe")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.CanRequest(), "only one probe is admitted")

	t.Run("probe success closes", func(t *testing.T) {
		cb.RecordSuccess()
		assert.Equal(t, StateClosed, cb.State())
		assert.True(t, cb.CanRequest())
	})
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.CanRequest())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.CanRequest(), "reset clock restarts on probe failure")
}

func TestCircuitBreakerProbeAbortedReleasesAdmission(t *testing.T) {
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		ResetTimeout:     10 * time.Millisecond,
	})

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	require.True(t, cb.CanRequest())
	require.False(t, cb.CanRequest(), "probe slot is held")

	cb.ProbeAborted()
	assert.Equal(t, StateHalfOpen, cb.State(), "an aborted probe is not a transition")
	assert.True(t, cb.CanRequest(), "the slot is free for the next probe")

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerProbeAbortedClosedIsNoop(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig())
	cb.ProbeAborted()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.CanRequest())
}

func TestCircuitBreakerConcurrentClosedPath(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if cb.CanRequest() {
					cb.RecordSuccess()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestManagerReturnsSameBreaker(t *testing.T) {
	m := NewManager(DefaultConfig())

	a := m.Get("bedrock")
	b := m.Get("bedrock")
	assert.Same(t, a, b)

	c := m.Get("postgres")
	assert.NotSame(t, a, c)

	statuses := m.Statuses()
	assert.Len(t, statuses, 2)
}
