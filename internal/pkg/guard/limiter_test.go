package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	clk := testClock()
	runs := 0
	d := NewDebouncer(clk, 100*time.Millisecond, func() { runs++ })

	d.Trigger()
	clk.Advance(50 * time.Millisecond)
	d.Trigger()
	clk.Advance(50 * time.Millisecond)
	d.Trigger()

	// Each trigger reset the quiet period; nothing has run yet.
	assert.Equal(t, 0, runs)

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, 1, runs)

	// No trailing execution without a new trigger.
	clk.Advance(time.Second)
	assert.Equal(t, 1, runs)
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	clk := testClock()
	runs := 0
	d := NewDebouncer(clk, 100*time.Millisecond, func() { runs++ })

	d.Trigger()
	d.Stop()
	clk.Advance(time.Second)
	assert.Equal(t, 0, runs)
}

func TestThrottlerLeadingEdge(t *testing.T) {
	clk := testClock()
	runs := 0
	th := NewThrottler(clk, 100*time.Millisecond, func() { runs++ })

	assert.True(t, th.Trigger())
	assert.Equal(t, 1, runs)

	// Suppressed calls are dropped, not queued.
	clk.Advance(40 * time.Millisecond)
	assert.False(t, th.Trigger())
	clk.Advance(40 * time.Millisecond)
	assert.False(t, th.Trigger())
	assert.Equal(t, 1, runs)

	clk.Advance(20 * time.Millisecond)
	assert.True(t, th.Trigger())
	assert.Equal(t, 2, runs)
}
