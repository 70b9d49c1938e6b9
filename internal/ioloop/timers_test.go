package ioloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newQueue() (*TimerQueue, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	return NewTimerQueueWithClock(clock.Now), clock
}

func TestTimerQueueOrder(t *testing.T) {
	q, clock := newQueue()
	var fired []string

	q.Add(3*time.Second, func() { fired = append(fired, "c") })
	q.Add(1*time.Second, func() { fired = append(fired, "a") })
	q.Add(1*time.Second, func() { fired = append(fired, "b") })

	delay, ok := q.NextDelay()
	require.True(t, ok)
	assert.Equal(t, time.Second, delay)

	assert.Zero(t, q.RunExpired())

	clock.Advance(time.Second)
	assert.Equal(t, 2, q.RunExpired())
	assert.Equal(t, []string{"a", "b"}, fired)

	clock.Advance(5 * time.Second)
	delay, ok = q.NextDelay()
	require.True(t, ok)
	assert.Zero(t, delay, "overdue timers clamp to zero")

	assert.Equal(t, 1, q.RunExpired())
	assert.Equal(t, []string{"a", "b", "c"}, fired)

	_, ok = q.NextDelay()
	assert.False(t, ok)
}

func TestTimerQueueRemove(t *testing.T) {
	q, clock := newQueue()
	fired := false

	timer := q.Add(time.Second, func() { fired = true })
	keep := q.Add(2*time.Second, func() {})
	assert.True(t, timer.Pending())

	q.Remove(timer)
	assert.False(t, timer.Pending())
	q.Remove(timer)
	assert.Equal(t, 1, q.Len())

	clock.Advance(time.Hour)
	q.RunExpired()
	assert.False(t, fired)
	assert.False(t, keep.Pending())

	// Removing after firing is harmless.
	q.Remove(keep)
	assert.Zero(t, q.Len())
}

// TestTimerRescheduleFromCallback tests that a timer added while running waits for the next pass
func TestTimerRescheduleFromCallback(t *testing.T) {
	q, clock := newQueue()
	ticks := 0

	var tick func()
	tick = func() {
		ticks++
		q.Add(0, tick)
	}
	q.Add(0, tick)

	assert.Equal(t, 1, q.RunExpired())
	assert.Equal(t, 1, q.RunExpired())
	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, q.RunExpired())
	assert.Equal(t, 3, ticks)
}

func TestTimerRemovedByEarlierCallbackDoesNotFire(t *testing.T) {
	q, clock := newQueue()
	fired := false

	var second *Timer
	q.Add(time.Second, func() { q.Remove(second) })
	second = q.Add(time.Second, func() { fired = true })

	clock.Advance(time.Second)
	assert.Equal(t, 1, q.RunExpired())
	assert.False(t, fired)
	assert.Zero(t, q.Len())
}
