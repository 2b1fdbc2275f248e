package recommend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepper_Next(t *testing.T) {
	s := Stepper{Key: "ti", Delta: 1.5, MaxCount: 3}

	v, stop, err := s.Next(map[string]any{"batch_count": 0.0, "ti": 40.0})
	require.NoError(t, err)
	assert.False(t, stop)
	assert.Equal(t, 41.5, v)

	_, stop, err = s.Next(map[string]any{"batch_count": 2.0, "ti": 43.0})
	require.NoError(t, err)
	assert.True(t, stop)

	_, _, err = s.Next(map[string]any{"ti": 40.0})
	assert.Error(t, err)
	_, _, err = s.Next(map[string]any{"batch_count": 0.0, "ti": "high"})
	assert.Error(t, err)
}

func TestStepper_Follow(t *testing.T) {
	feed, q, client := startFeed(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The first measurement lands before the stepper connects.
	require.NoError(t, feed.Publish(map[string]any{"batch_count": 0, "ti": 40.0}))

	done := make(chan error, 1)
	go func() { done <- Stepper{Key: "ti", Delta: 2, MaxCount: 2}.Follow(ctx, client) }()

	r, err := q.Get(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"ti": 42}, r.Values)

	require.NoError(t, feed.Publish(map[string]any{"batch_count": 1, "ti": 42.0}))
	r, err = q.Get(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, r.IsTerminate())

	require.NoError(t, <-done)
}
