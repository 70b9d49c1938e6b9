package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-engine/internal/ioloop"
)

type fakeHeartbeatHost struct {
	clock    *fakeClock
	timers   *ioloop.TimerQueue
	received uint64
	sent     int
	timedOut []time.Duration
}

func newFakeHeartbeatHost() *fakeHeartbeatHost {
	clock := &fakeClock{now: time.Unix(0, 0)}
	return &fakeHeartbeatHost{clock: clock, timers: ioloop.NewTimerQueueWithClock(clock.Now)}
}

func (f *fakeHeartbeatHost) bytesReceivedTotal() uint64 { return f.received }
func (f *fakeHeartbeatHost) sendHeartbeat()             { f.sent++ }
func (f *fakeHeartbeatHost) heartbeatTimeout(idle time.Duration) {
	f.timedOut = append(f.timedOut, idle)
}

func (f *fakeHeartbeatHost) addTimeout(delay time.Duration, fn func()) TimerHandle {
	return f.timers.Add(delay, fn)
}

func (f *fakeHeartbeatHost) removeTimeout(h TimerHandle) { f.timers.Remove(h) }

func (f *fakeHeartbeatHost) tick(interval time.Duration) {
	f.clock.now = f.clock.now.Add(interval)
	f.timers.RunExpired()
}

func TestHeartbeatCheckerSendsEveryInterval(t *testing.T) {
	host := newFakeHeartbeatHost()
	hb := newHeartbeatChecker(host, 10*time.Second)
	require.Equal(t, 1, host.timers.Len())

	for range 5 {
		host.received += 100
		host.tick(10 * time.Second)
	}
	assert.Equal(t, 5, host.sent)
	assert.Equal(t, uint64(5), hb.framesSent)
	assert.Empty(t, host.timedOut)
	assert.Zero(t, hb.idleCount)
}

func TestHeartbeatCheckerTimesOutAfterIdleIntervals(t *testing.T) {
	host := newFakeHeartbeatHost()
	hb := newHeartbeatChecker(host, time.Second)

	host.tick(time.Second)
	host.tick(time.Second)
	assert.Equal(t, 2, hb.idleCount)
	assert.Empty(t, host.timedOut)

	host.tick(time.Second)
	require.Equal(t, []time.Duration{2 * time.Second}, host.timedOut)
	assert.Equal(t, 2, host.sent, "no heartbeat is sent on the failing tick")
	assert.Zero(t, host.timers.Len(), "checker stops rescheduling")
}

func TestHeartbeatCheckerResetsOnTraffic(t *testing.T) {
	host := newFakeHeartbeatHost()
	hb := newHeartbeatChecker(host, time.Second)

	host.tick(time.Second)
	assert.Equal(t, 1, hb.idleCount)
	host.received++
	host.tick(time.Second)
	assert.Zero(t, hb.idleCount)

	hb.received()
	assert.Equal(t, uint64(1), hb.framesReceived)
}

func TestHeartbeatCheckerStop(t *testing.T) {
	host := newFakeHeartbeatHost()
	hb := newHeartbeatChecker(host, time.Second)
	hb.stop()
	hb.stop()
	assert.Zero(t, host.timers.Len())

	host.tick(5 * time.Second)
	assert.Zero(t, host.sent)
}

func TestHeartbeatCheckerStoppedInSameBatch(t *testing.T) {
	host := newFakeHeartbeatHost()
	var hb *heartbeatChecker
	// due together with the first tick and queued ahead of it
	host.timers.Add(0, func() { hb.stop() })
	hb = newHeartbeatChecker(host, 0)

	host.tick(0)
	assert.Zero(t, host.sent)
	assert.Zero(t, host.timers.Len(), "no tick left behind after stop")

	// a tick that fires despite stop does nothing
	hb.tick()
	assert.Zero(t, host.sent)
	assert.Zero(t, host.timers.Len())
}
