package adapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRPCProvider(t *testing.T) {
	_, err := NewRPCProvider("", "http://secondary")
	assert.Error(t, err)

	p, err := NewRPCProvider("http://primary", "")
	require.NoError(t, err)
	assert.Equal(t, "http://primary", p.CurrentURL())
	assert.True(t, p.IsHealthy())
}

func TestRPCProviderFailover(t *testing.T) {
	p, err := NewRPCProvider("http://primary", "http://secondary")
	require.NoError(t, err)

	assert.False(t, p.RecordFailure())
	assert.False(t, p.RecordFailure())
	assert.True(t, p.RecordFailure(), "third consecutive failure marks the endpoint unhealthy")
	assert.False(t, p.IsHealthy())

	require.NoError(t, p.Failover())
	assert.Equal(t, "http://secondary", p.CurrentURL())
	assert.True(t, p.IsHealthy())

	require.NoError(t, p.Failover())
	assert.Equal(t, "http://primary", p.CurrentURL())
}

func TestRPCProviderFailoverWithoutSecondary(t *testing.T) {
	p, err := NewRPCProvider("http://primary", "")
	require.NoError(t, err)

	assert.Error(t, p.Failover())
	assert.Equal(t, "http://primary", p.CurrentURL())
}

func TestRPCProviderHealth(t *testing.T) {
	p, err := NewRPCProvider("http://primary", "http://secondary")
	require.NoError(t, err)

	p.RecordSuccess(10 * time.Millisecond)
	p.RecordSuccess(30 * time.Millisecond)
	p.RecordFailure()

	h := p.Health()
	assert.Equal(t, int64(3), h.TotalRequests)
	assert.Equal(t, int64(2), h.SuccessfulReqs)
	assert.Equal(t, int64(1), h.FailedReqs)
	assert.InDelta(t, 2.0/3.0, h.SuccessRate, 0.0001)
	assert.Equal(t, 20*time.Millisecond, h.AverageLatency)
	assert.Equal(t, 1, h.ConsecutiveFails)
	assert.True(t, h.IsHealthy)

	// a success clears the streak
	p.RecordSuccess(time.Millisecond)
	assert.Equal(t, 0, p.Health().ConsecutiveFails)
}

func TestRPCProviderReset(t *testing.T) {
	p, err := NewRPCProvider("http://primary", "http://secondary")
	require.NoError(t, err)

	require.NoError(t, p.Failover())
	p.RecordFailure()
	p.Reset()

	assert.Equal(t, "http://primary", p.CurrentURL())
	assert.Equal(t, 0, p.Health().ConsecutiveFails)
}
