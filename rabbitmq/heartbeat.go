package rabbitmq

import "time"

const defaultMaxIdleCount = 2

type heartbeatHost interface {
	bytesReceivedTotal() uint64
	sendHeartbeat()
	heartbeatTimeout(idle time.Duration)
	addTimeout(delay time.Duration, fn func()) TimerHandle
	removeTimeout(h TimerHandle)
}

// heartbeatChecker sends a heartbeat every interval and closes the
// connection once maxIdleCount intervals pass without inbound bytes.
type heartbeatChecker struct {
	host         heartbeatHost
	interval     time.Duration
	maxIdleCount int

	idleCount      int
	lastBytes      uint64
	framesReceived uint64
	framesSent     uint64
	timer          TimerHandle
	stopped        bool
}

func newHeartbeatChecker(host heartbeatHost, interval time.Duration) *heartbeatChecker {
	hb := &heartbeatChecker{
		host:         host,
		interval:     interval,
		maxIdleCount: defaultMaxIdleCount,
		lastBytes:    host.bytesReceivedTotal(),
	}
	hb.schedule()
	return hb
}

// received records an inbound heartbeat frame.
func (hb *heartbeatChecker) received() {
	hb.framesReceived++
}

func (hb *heartbeatChecker) tick() {
	hb.timer = nil
	if hb.stopped {
		return
	}

	if hb.idleCount >= hb.maxIdleCount {
		hb.host.heartbeatTimeout(time.Duration(hb.idleCount) * hb.interval)
		return
	}

	if b := hb.host.bytesReceivedTotal(); b == hb.lastBytes {
		hb.idleCount++
	} else {
		hb.idleCount = 0
		hb.lastBytes = b
	}

	hb.host.sendHeartbeat()
	hb.framesSent++
	hb.schedule()
}

func (hb *heartbeatChecker) schedule() {
	hb.timer = hb.host.addTimeout(hb.interval, hb.tick)
}

func (hb *heartbeatChecker) stop() {
	hb.stopped = true
	if hb.timer != nil {
		hb.host.removeTimeout(hb.timer)
		hb.timer = nil
	}
}
