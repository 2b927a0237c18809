package timedmutex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock(context.Background(), time.Second))
	assert.False(t, m.TryIdle())
	m.Unlock()
	assert.True(t, m.TryIdle())
}

func TestLockTimesOutWhenHeld(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock(context.Background(), time.Second))
	defer m.Unlock()

	err := m.Lock(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLockRespectsContextCancellation(t *testing.T) {
	m := New()
	require.NoError(t, m.Lock(context.Background(), time.Second))
	defer m.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Lock(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnlockOfUnlockedPanics(t *testing.T) {
	m := New()
	assert.Panics(t, func() { m.Unlock() })
}
