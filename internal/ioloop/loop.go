//go:build linux || darwin || freebsd || netbsd || openbsd

package ioloop

import (
	"slices"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handler receives the readiness events of one descriptor.
type Handler func(fd int, events Event)

type registration struct {
	events  Event
	handler Handler
}

// IOLoop is a level-triggered poll(2) reactor with a timer queue. All
// callbacks run on the goroutine that calls Start or Poll.
type IOLoop struct {
	timers   *TimerQueue
	fds      map[int]*registration
	stopping bool
}

// New creates an empty loop.
func New() *IOLoop {
	return &IOLoop{
		timers: NewTimerQueue(),
		fds:    make(map[int]*registration),
	}
}

// AddTimeout schedules fn to run on the loop after delay.
func (l *IOLoop) AddTimeout(delay time.Duration, fn func()) *Timer {
	return l.timers.Add(delay, fn)
}

// RemoveTimeout cancels a timer returned by AddTimeout.
func (l *IOLoop) RemoveTimeout(t *Timer) {
	l.timers.Remove(t)
}

// Register watches fd for events. Errors are always reported.
func (l *IOLoop) Register(fd int, events Event, handler Handler) error {
	if _, ok := l.fds[fd]; ok {
		return errors.Errorf("fd %d already registered", fd)
	}
	l.fds[fd] = &registration{events: events, handler: handler}
	return nil
}

// Update changes the events watched on fd.
func (l *IOLoop) Update(fd int, events Event) error {
	reg, ok := l.fds[fd]
	if !ok {
		return errors.Errorf("fd %d not registered", fd)
	}
	reg.events = events
	return nil
}

// Unregister stops watching fd.
func (l *IOLoop) Unregister(fd int) {
	delete(l.fds, fd)
}

// Start runs the loop until Stop is called or nothing is left to wait for.
func (l *IOLoop) Start() error {
	l.stopping = false
	for !l.stopping {
		if len(l.fds) == 0 && l.timers.Len() == 0 {
			return nil
		}
		if err := l.Poll(-1); err != nil {
			return err
		}
	}
	return nil
}

// Stop makes Start return after the current iteration.
func (l *IOLoop) Stop() {
	l.stopping = true
}

// Poll waits at most max (forever when negative, bounded by the next timer)
// for readiness, dispatches ready descriptors, then runs expired timers.
func (l *IOLoop) Poll(max time.Duration) error {
	timeout := max
	if delay, ok := l.timers.NextDelay(); ok && (timeout < 0 || delay < timeout) {
		timeout = delay
	}

	fds := make([]int, 0, len(l.fds))
	for fd := range l.fds {
		fds = append(fds, fd)
	}
	slices.Sort(fds)

	pollFds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pollFds[i] = unix.PollFd{Fd: int32(fd), Events: toPollEvents(l.fds[fd].events)}
	}

	if _, err := unix.Poll(pollFds, toMillis(timeout)); err != nil && err != unix.EINTR {
		return errors.Wrap(err, "poll")
	}

	for _, pfd := range pollFds {
		if pfd.Revents == 0 {
			continue
		}
		// A handler may unregister other descriptors.
		reg, ok := l.fds[int(pfd.Fd)]
		if !ok {
			continue
		}
		reg.handler(int(pfd.Fd), fromPollEvents(pfd.Revents))
	}

	l.timers.RunExpired()
	return nil
}

func toPollEvents(e Event) int16 {
	var events int16
	if e&EventRead != 0 {
		events |= unix.POLLIN
	}
	if e&EventWrite != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func fromPollEvents(revents int16) Event {
	var e Event
	if revents&(unix.POLLIN|unix.POLLHUP) != 0 {
		e |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		e |= EventWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		e |= EventError
	}
	return e
}

func toMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}
