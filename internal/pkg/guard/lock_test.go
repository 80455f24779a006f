package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minicart/storefront/internal/pkg/clock"
)

func testClock() *clock.Fake {
	return clock.NewFake(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
}

func TestLockUnlockIsLocked(t *testing.T) {
	m := NewLockManager(testClock(), nil)

	assert.False(t, m.IsLocked("k"))
	m.Lock("k", time.Second)
	assert.True(t, m.IsLocked("k"))
	m.Unlock("k")
	assert.False(t, m.IsLocked("k"))

	// Unlock without a hold is a no-op.
	m.Unlock("k")
	assert.False(t, m.IsLocked("k"))
}

func TestLockTimeoutAutoRelease(t *testing.T) {
	clk := testClock()
	m := NewLockManager(clk, nil)

	m.Lock("k", 500*time.Millisecond)
	clk.Advance(499 * time.Millisecond)
	assert.True(t, m.IsLocked("k"))

	clk.Advance(time.Millisecond)
	assert.False(t, m.IsLocked("k"))
}

func TestExecuteSuppressesDuplicate(t *testing.T) {
	m := NewLockManager(testClock(), nil)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	runs := 0
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ran, err := m.Execute(ctx, "k", time.Second, func(context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			close(started)
			<-release
			return nil
		})
		assert.True(t, ran)
		assert.NoError(t, err)
	}()

	<-started
	ran, err := m.Execute(ctx, "k", time.Second, func(context.Context) error {
		mu.Lock()
		runs++
		mu.Unlock()
		return nil
	})
	assert.False(t, ran)
	assert.NoError(t, err)

	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs)
	assert.False(t, m.IsLocked("k"))
}

func TestExecuteReleasesOnError(t *testing.T) {
	m := NewLockManager(testClock(), nil)

	ran, err := m.Execute(context.Background(), "k", time.Second, func(context.Context) error {
		return assert.AnError
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, m.IsLocked("k"))
}

func TestLateCompletionDoesNotReleaseNewerLock(t *testing.T) {
	clk := testClock()
	m := NewLockManager(clk, nil)
	ctx := context.Background()

	firstRunning := make(chan struct{})
	firstRelease := make(chan struct{})

	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		ran, err := m.Execute(ctx, "k", 100*time.Millisecond, func(context.Context) error {
			close(firstRunning)
			<-firstRelease
			return nil
		})
		assert.True(t, ran)
		assert.NoError(t, err)
	}()

	<-firstRunning
	// The backstop fires while fn is still running.
	clk.Advance(100 * time.Millisecond)
	assert.False(t, m.IsLocked("k"))

	// A newer hold for the same key.
	secondRunning := make(chan struct{})
	secondRelease := make(chan struct{})
	var second sync.WaitGroup
	second.Add(1)
	go func() {
		defer second.Done()
		ran, err := m.Execute(ctx, "k", time.Hour, func(context.Context) error {
			close(secondRunning)
			<-secondRelease
			return nil
		})
		assert.True(t, ran)
		assert.NoError(t, err)
	}()

	<-secondRunning
	// The first execution finally finishes; its deferred unlock must not
	// touch the newer hold.
	close(firstRelease)
	first.Wait()
	require.True(t, m.IsLocked("k"))

	close(secondRelease)
	second.Wait()
	assert.False(t, m.IsLocked("k"))
}

func TestRelockRestartsTimeout(t *testing.T) {
	clk := testClock()
	m := NewLockManager(clk, nil)

	m.Lock("k", 100*time.Millisecond)
	clk.Advance(50 * time.Millisecond)
	m.Lock("k", 100*time.Millisecond)

	clk.Advance(60 * time.Millisecond)
	assert.True(t, m.IsLocked("k"))

	clk.Advance(40 * time.Millisecond)
	assert.False(t, m.IsLocked("k"))
}
