// Package ioloop provides the timer queue and poll(2) event loop that the
// client adapters run on.
package ioloop

import (
	"container/heap"
	"time"
)

// Timer is a scheduled callback. It is the handle passed to Remove.
type Timer struct {
	deadline time.Time
	fn       func()
	seq      uint64
	index    int // heap position, -1 when not queued
}

// Deadline returns when the timer fires.
func (t *Timer) Deadline() time.Time {
	return t.deadline
}

// Pending reports whether the timer is still queued.
func (t *Timer) Pending() bool {
	return t != nil && t.index >= 0
}

type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimerQueue orders callbacks by deadline. Timers with equal deadlines fire
// in the order they were added. It is not safe for concurrent use.
type TimerQueue struct {
	timers timerHeap
	seq    uint64
	now    func() time.Time
}

// NewTimerQueue creates a queue on the wall clock.
func NewTimerQueue() *TimerQueue {
	return NewTimerQueueWithClock(time.Now)
}

// NewTimerQueueWithClock creates a queue that reads time from now.
func NewTimerQueueWithClock(now func() time.Time) *TimerQueue {
	return &TimerQueue{now: now}
}

// Add schedules fn to run after delay.
func (q *TimerQueue) Add(delay time.Duration, fn func()) *Timer {
	q.seq++
	t := &Timer{deadline: q.now().Add(delay), fn: fn, seq: q.seq}
	heap.Push(&q.timers, t)
	return t
}

// Remove cancels t. Removing a fired or removed timer is a no-op.
func (q *TimerQueue) Remove(t *Timer) {
	if !t.Pending() || t.index >= len(q.timers) || q.timers[t.index] != t {
		return
	}
	heap.Remove(&q.timers, t.index)
}

// Len returns the number of queued timers.
func (q *TimerQueue) Len() int {
	return len(q.timers)
}

// NextDelay returns the time until the earliest timer, clamped at zero.
// ok is false when the queue is empty.
func (q *TimerQueue) NextDelay() (delay time.Duration, ok bool) {
	if len(q.timers) == 0 {
		return 0, false
	}
	delay = q.timers[0].deadline.Sub(q.now())
	if delay < 0 {
		delay = 0
	}
	return delay, true
}

// RunExpired fires every timer whose deadline has passed and returns how many
// ran. Timers added by a callback wait for the next call; timers removed by
// a callback do not fire.
func (q *TimerQueue) RunExpired() int {
	now := q.now()
	last := q.seq
	ran := 0
	for len(q.timers) > 0 {
		t := q.timers[0]
		if t.deadline.After(now) || t.seq > last {
			break
		}
		heap.Pop(&q.timers)
		t.fn()
		ran++
	}
	return ran
}
