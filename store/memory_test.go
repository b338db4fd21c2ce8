package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_AdmitCountsWithinWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	window := 10 * time.Second

	for i := 0; i < 3; i++ {
		res, err := s.Admit(ctx, "k", base.Add(time.Duration(i)*time.Second), window)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), res.Count)
	}
}

func TestMemoryStore_WindowBoundary(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)
	window := time.Minute

	_, err := s.Admit(ctx, "k", t0, window)
	require.NoError(t, err)

	// Just inside the window the entry still counts.
	count, err := s.Cardinality(ctx, "k", t0.Add(window-time.Millisecond), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Just past the window it is gone.
	count, err = s.Cardinality(ctx, "k", t0.Add(window+time.Millisecond), window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStore_RevokeRemovesEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	window := time.Minute

	res, err := s.Admit(ctx, "k", now, window)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Count)

	require.NoError(t, s.Revoke(ctx, "k", res.Member))

	count, err := s.Cardinality(ctx, "k", now, window)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestMemoryStore_AdmitReportsOldest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)
	window := 10 * time.Second

	_, err := s.Admit(ctx, "k", t0, window)
	require.NoError(t, err)
	res, err := s.Admit(ctx, "k", t0.Add(3*time.Second), window)
	require.NoError(t, err)

	assert.Equal(t, t0.UnixMilli(), res.Oldest.UnixMilli())
}

func TestMemoryStore_ObserveIsSetSemantics(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	window := time.Minute

	card, err := s.Observe(ctx, "k", "/a", now, window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	// Same member again does not grow the set.
	card, err = s.Observe(ctx, "k", "/a", now.Add(time.Second), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	card, err = s.Observe(ctx, "k", "/b", now.Add(2*time.Second), window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)
}

func TestMemoryStore_FlagLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	current := time.UnixMilli(1_700_000_000_000)
	s.SetClock(func() time.Time { return current })

	_, ok, err := s.FlagTTL(ctx, "block:x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetFlag(ctx, "block:x", time.Minute))

	ttl, ok, err := s.FlagTTL(ctx, "block:x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, ttl)

	// Flag expires with the clock.
	current = current.Add(61 * time.Second)
	_, ok, err = s.FlagTTL(ctx, "block:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ClearFlag(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SetFlag(ctx, "block:x", time.Hour))
	require.NoError(t, s.ClearFlag(ctx, "block:x"))

	_, ok, err := s.FlagTTL(ctx, "block:x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_ValueTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	current := time.UnixMilli(1_700_000_000_000)
	s.SetClock(func() time.Time { return current })

	require.NoError(t, s.SetValue(ctx, "profile:x", []byte(`{"a":1}`), time.Hour))

	data, err := s.GetValue(ctx, "profile:x")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(data))

	current = current.Add(2 * time.Hour)
	data, err = s.GetValue(ctx, "profile:x")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestMemoryStore_ConcurrentAdmits(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	window := time.Minute

	const workers = 64
	done := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		go func() {
			res, err := s.Admit(ctx, "k", now, window)
			if err != nil {
				done <- -1
				return
			}
			done <- res.Count
		}()
	}

	seen := make(map[int64]bool)
	for i := 0; i < workers; i++ {
		count := <-done
		require.Positive(t, count)
		// Counts are linearizable: no two admits observe the same one.
		assert.False(t, seen[count], "duplicate count %d", count)
		seen[count] = true
	}

	final, err := s.Cardinality(ctx, "k", now, window)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), final)
}
