package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiveFailuresConfig_TripsAfterFiveConsecutiveFailures(t *testing.T) {
	cb := New(FiveFailuresConfig("test-pool"))
	assert.Equal(t, StateClosed, cb.State())

	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 4; i++ {
		_, err := cb.Execute(failing)
		require.Error(t, err)
		assert.Equal(t, StateClosed, cb.State(), "breaker should stay closed before the 5th failure")
	}

	_, err := cb.Execute(failing)
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State(), "5th consecutive failure should trip the breaker")
}

func TestFiveFailuresConfig_OpenBreakerRejectsImmediately(t *testing.T) {
	cb := New(FiveFailuresConfig("test-pool"))
	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 5; i++ {
		cb.Execute(failing)
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "should not run", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestFiveFailuresConfig_HalfOpenClosesOnSingleSuccess(t *testing.T) {
	cfg := FiveFailuresConfig("test-pool")
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 5; i++ {
		cb.Execute(failing)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecuteWithFallback_InvokesFallbackWhenOpen(t *testing.T) {
	cb := New(FiveFailuresConfig("test-pool"))
	for i := 0; i < 5; i++ {
		cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, StateOpen, cb.State())

	result, err := ExecuteWithFallback(cb,
		func() (string, error) { return "primary", nil },
		func(error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}
