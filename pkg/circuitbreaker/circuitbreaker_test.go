package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream failed")

func failing() error    { return errDownstream }
func succeeding() error { return nil }

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		OpenTimeout:         20 * time.Millisecond,
		MaxRequestsHalfOpen: 2,
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, cb.State())
		err := cb.Execute(failing)
		assert.ErrorIs(t, err, errDownstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(succeeding)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := New(testConfig())

	require.Error(t, cb.Execute(failing))
	require.Error(t, cb.Execute(failing))
	require.NoError(t, cb.Execute(succeeding))
	require.Error(t, cb.Execute(failing))
	require.Error(t, cb.Execute(failing))

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerProbesAfterOpenTimeout(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(25 * time.Millisecond)

	// The first probe half-opens the breaker; two successes close it.
	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(succeeding))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	time.Sleep(25 * time.Millisecond)

	require.Error(t, cb.Execute(failing))
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(succeeding), ErrOpen)
}

func TestBreakerLimitsHalfOpenProbes(t *testing.T) {
	cfg := testConfig()
	cfg.SuccessThreshold = 5
	cb := New(cfg)
	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	time.Sleep(25 * time.Millisecond)

	require.NoError(t, cb.Execute(succeeding))
	require.NoError(t, cb.Execute(succeeding))
	assert.ErrorIs(t, cb.Execute(succeeding), ErrOpen)
}

func TestBreakerReset(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(succeeding))
}

func TestBreakerStateChangeCallback(t *testing.T) {
	cb := New(testConfig())
	transitions := make(chan State, 4)
	cb.OnStateChange(func(from, to State) { transitions <- to })

	for i := 0; i < 3; i++ {
		cb.Execute(failing)
	}

	select {
	case to := <-transitions:
		assert.Equal(t, StateOpen, to)
	case <-time.After(time.Second):
		t.Fatal("no transition observed")
	}
}
