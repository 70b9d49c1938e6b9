package rabbitmq

import (
	"io"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/ioloop"
)

// Event is a set of socket readiness conditions passed to HandleEvents.
type Event = ioloop.Event

const (
	EventRead  = ioloop.EventRead
	EventWrite = ioloop.EventWrite
	EventError = ioloop.EventError
)

// TimerHandle identifies a timer scheduled through an Adapter.
type TimerHandle = *ioloop.Timer

// IOLoop is the poll reactor that drives ReactorConnections.
type IOLoop = ioloop.IOLoop

// NewIOLoop creates an empty reactor loop.
func NewIOLoop() *IOLoop {
	return ioloop.New()
}

// Socket is the byte stream under a connection. Read and Write return
// ErrWouldBlock (or EAGAIN) when no progress can be made right now.
type Socket interface {
	io.Reader
	io.Writer
	io.Closer
}

// Adapter supplies the I/O and timer facilities a Connection runs on. All
// calls happen on the goroutine driving the connection.
type Adapter interface {
	AddTimeout(delay time.Duration, fn func()) TimerHandle
	RemoveTimeout(h TimerHandle)
	// FlushOutbound is called after frames are queued for sending.
	FlushOutbound()
	// Disconnect closes the socket. The connection has already moved to CLOSED.
	Disconnect()
}

func isWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}
