package recommend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/adaptive.scan/internal/timeutil"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Put(New(map[string]float64{"x": 1})))
	require.NoError(t, q.Put(New(map[string]float64{"x": 2})))
	require.NoError(t, q.Put(Terminate()))
	assert.Equal(t, 3, q.Len())

	ctx := context.Background()
	for _, want := range []float64{1, 2} {
		r, err := q.Get(ctx, time.Second)
		require.NoError(t, err)
		assert.False(t, r.IsTerminate())
		assert.Equal(t, want, r.Values["x"])
	}
	r, err := q.Get(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, r.IsTerminate())
	assert.Equal(t, 0, q.Len())
}

func TestQueue_TryGetEmpty(t *testing.T) {
	q := NewQueue(nil)
	_, err := q.TryGet()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_GetTimeoutWallClock(t *testing.T) {
	q := NewQueue(nil)
	start := time.Now()
	_, err := q.Get(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueue_GetTimeoutMockClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewQueue(clock)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background(), 30*time.Second)
		errCh <- err
	}()

	clock.BlockUntil(1)
	clock.Advance(29 * time.Second)
	select {
	case err := <-errCh:
		t.Fatalf("Get returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("Get did not time out")
	}
	assert.Equal(t, 0, clock.Pending(), "Get should release its timer")
}

func TestQueue_GetWakesOnPut(t *testing.T) {
	clock := timeutil.NewMockClock(time.Time{})
	q := NewQueue(clock)

	got := make(chan Recommendation, 1)
	go func() {
		r, err := q.Get(context.Background(), time.Minute)
		if err == nil {
			got <- r
		}
		close(got)
	}()

	clock.BlockUntil(1)
	require.NoError(t, q.Put(New(map[string]float64{"ti": 42})))

	select {
	case r, ok := <-got:
		require.True(t, ok, "Get failed")
		assert.Equal(t, 42.0, r.Values["ti"])
	case <-time.After(time.Second):
		t.Fatal("Get did not wake up")
	}
}

func TestQueue_AbandonedGetKeepsItems(t *testing.T) {
	q := NewQueue(timeutil.NewMockClock(time.Time{}))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx, time.Minute)
		errCh <- err
	}()
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	require.NoError(t, q.Put(New(map[string]float64{"x": 7})))
	r, err := q.TryGet()
	require.NoError(t, err)
	assert.Equal(t, 7.0, r.Values["x"])
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue(nil)
	assert.Equal(t, 0, q.Drain())

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Put(New(map[string]float64{"x": float64(i)})))
	}
	assert.Equal(t, 3, q.Drain())
	assert.Equal(t, 0, q.Len())

	// A wake-up left over from the drained items must not produce a value.
	_, err := q.Get(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(nil)
	require.NoError(t, q.Put(Terminate()))
	q.Close()

	assert.ErrorIs(t, q.Put(Terminate()), ErrClosed)

	r, err := q.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, r.IsTerminate())

	_, err = q.Get(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.TryGet()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_CloseWakesGet(t *testing.T) {
	q := NewQueue(timeutil.NewMockClock(time.Time{}))
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background(), time.Hour)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Get")
	}
}

func TestRecommendation_String(t *testing.T) {
	assert.Equal(t, "<terminate>", Terminate().String())
	assert.Equal(t, "{temperature=400, ti=41}", New(map[string]float64{"ti": 41, "temperature": 400}).String())
}

func TestNew_CopiesValues(t *testing.T) {
	values := map[string]float64{"x": 1}
	r := New(values)
	values["x"] = 2
	assert.Equal(t, 1.0, r.Values["x"])
}
