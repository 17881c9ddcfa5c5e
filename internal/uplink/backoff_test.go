package uplink

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFullJitterCeilings(t *testing.T) {
	f := NewFullJitter(BackoffConfig{Base: 100 * time.Millisecond, Factor: 2, Cap: time.Second})
	f.random = func() float64 { return 0.5 }

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, ceiling := range want {
		delay := f.NextBackOff()
		assert.Equal(t, ceiling, f.Ceiling(), "attempt %d", i+1)
		assert.Equal(t, ceiling/2, delay, "attempt %d", i+1)
	}

	f.Reset()
	f.NextBackOff()
	assert.Equal(t, 100*time.Millisecond, f.Ceiling())
}

func TestFullJitterNeverExceedsCap(t *testing.T) {
	const limit = 300 * time.Millisecond
	f := NewFullJitter(BackoffConfig{Base: 10 * time.Millisecond, Factor: 3, Cap: limit})

	var last time.Duration
	for i := 0; i < 200; i++ {
		delay := f.NextBackOff()
		ceiling := f.Ceiling()

		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, ceiling)
		require.LessOrEqual(t, ceiling, limit)
		require.GreaterOrEqual(t, ceiling, last, "ceilings must be non-decreasing")
		last = ceiling
	}
	assert.Equal(t, limit, last)
}

func TestFullJitterDefaults(t *testing.T) {
	f := NewFullJitter(BackoffConfig{})
	f.random = func() float64 { return 0 }

	assert.Equal(t, time.Duration(0), f.NextBackOff())
	assert.Equal(t, DefaultBackoffConfig().Base, f.Ceiling())
}

func TestRetryPolicyStopsAtMaxRetries(t *testing.T) {
	policy, _ := newRetryPolicy(BackoffConfig{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxRetries: 3})

	for i := 0; i < 3; i++ {
		assert.NotEqual(t, backoff.Stop, policy.NextBackOff(), "retry %d", i+1)
	}
	assert.Equal(t, backoff.Stop, policy.NextBackOff())

	policy.Reset()
	assert.NotEqual(t, backoff.Stop, policy.NextBackOff())
}

func TestRetryPolicyUnlimited(t *testing.T) {
	policy, _ := newRetryPolicy(BackoffConfig{Base: time.Millisecond, Factor: 2, Cap: 2 * time.Millisecond})
	for i := 0; i < 1000; i++ {
		require.NotEqual(t, backoff.Stop, policy.NextBackOff())
	}
}
