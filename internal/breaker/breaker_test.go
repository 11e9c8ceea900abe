package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThresholdWithMinRequests(t *testing.T) {
	b := New(Config{FailureThreshold: 3, MinRequests: 2, OpenTimeout: 5 * time.Second, TestRequests: 2})

	require.True(t, b.AllowRequest())
	b.RecordSuccess()
	require.True(t, b.AllowRequest())
	b.RecordSuccess()
	require.True(t, b.AllowRequest())
	b.RecordFailure()
	require.True(t, b.AllowRequest())
	b.RecordFailure()
	require.True(t, b.AllowRequest())
	b.RecordFailure()

	assert.Equal(t, Open, b.State())
	assert.False(t, b.AllowRequest())
}

func TestBreaker_StaysClosedBelowMinRequests(t *testing.T) {
	b := New(Config{FailureThreshold: 1, MinRequests: 5, OpenTimeout: time.Second, TestRequests: 1})

	require.True(t, b.AllowRequest())
	b.RecordFailure()

	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenAfterTimeoutThenCloses(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, MinRequests: 1, OpenTimeout: 5 * time.Second, TestRequests: 2})
	b.now = func() time.Time { return now }

	b.AllowRequest()
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	now = now.Add(5 * time.Second)
	assert.True(t, b.AllowRequest())
	assert.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())

	b.AllowRequest()
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, MinRequests: 1, OpenTimeout: time.Second, TestRequests: 2})
	b.now = func() time.Time { return now }

	b.AllowRequest()
	b.RecordFailure()

	now = now.Add(time.Second)
	require.True(t, b.AllowRequest())
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	now := time.Now()
	b := New(Config{FailureThreshold: 1, MinRequests: 1, OpenTimeout: time.Second, TestRequests: 2})
	b.now = func() time.Time { return now }

	b.AllowRequest()
	b.RecordFailure()

	now = now.Add(time.Second)
	assert.True(t, b.AllowRequest())  // probe 1
	assert.True(t, b.AllowRequest())  // probe 2
	assert.False(t, b.AllowRequest()) // budget exhausted
}

func TestBreaker_Disabled_AlwaysAllows(t *testing.T) {
	b := New(Config{Disabled: true, FailureThreshold: 1, MinRequests: 1})
	for i := 0; i < 10; i++ {
		assert.True(t, b.AllowRequest())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State())
}

func TestRegistry_ReturnsSameBreakerPerURL(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("http://a")
	b := r.Get("http://a")
	assert.Same(t, a, b)
}
