package pgq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := newConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultPrefetch, cfg.Prefetch)
	assert.Equal(t, time.Second, cfg.ConsumerTimeout)
	assert.Equal(t, 60*time.Second, cfg.ChannelExpiry)
	assert.Equal(t, 86400*time.Second, cfg.GroupExpiry)
	assert.EqualValues(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.DeadLetter)
	assert.True(t, cfg.Migrate)
	assert.NotNil(t, cfg.Metrics)
}

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg, err := newConfig(
		WithPrefetch(2),
		WithConsumerTimeout(50*time.Millisecond),
		WithDeadLetter(false),
		WithEnqueueRetries(5, time.Millisecond),
		WithListenerReconnect(time.Millisecond, time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Prefetch)
	assert.Equal(t, 50*time.Millisecond, cfg.ConsumerTimeout)
	assert.False(t, cfg.DeadLetter)
	assert.EqualValues(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Millisecond, cfg.RetryInitialInterval)
}

func TestNewConfigAggregatesErrors(t *testing.T) {
	_, err := newConfig(
		WithPrefetch(0),
		WithChannelExpiry(-time.Second),
		WithListenerReconnect(time.Second, time.Millisecond),
		WithMetrics(nil),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefetch")
	assert.Contains(t, err.Error(), "channel expiry")
	assert.Contains(t, err.Error(), "listener max reconnect")
	assert.Contains(t, err.Error(), "metrics service")
}
