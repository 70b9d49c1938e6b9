package rabbitmq

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/ioloop"
)

const (
	// pollInterval bounds each blocking read so timers keep running.
	pollInterval = 250 * time.Millisecond
	minPollWait  = time.Millisecond
)

// BlockingConnection drives a Connection synchronously from the calling
// goroutine. Each call sends its request and then processes inbound data
// until the reply arrives or the connection closes.
//
// A BlockingConnection is not safe for concurrent use.
type BlockingConnection struct {
	conn    *Connection
	netConn net.Conn
	sock    *deadlineSocket
	timers  *ioloop.TimerQueue

	// consumer callbacks waiting for ProcessDataEvents, in arrival order
	events []func()
}

// NewBlockingConnection dials the broker and completes the handshake before
// returning.
func NewBlockingConnection(ctx context.Context, params *ConnectionParameters) (*BlockingConnection, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid connection parameters")
	}

	conn := newConnection(params)
	netConn, err := dial(ctx, conn.params, conn.log)
	if err != nil {
		return nil, err
	}

	b := &BlockingConnection{
		conn:    conn,
		netConn: netConn,
		sock:    &deadlineSocket{conn: netConn, writeTimeout: conn.params.SocketTimeout},
		timers:  ioloop.NewTimerQueue(),
	}

	opened := false
	var openErr error
	conn.AddOnOpenCallback(func(*Connection) { opened = true })
	conn.AddOnOpenErrorCallback(func(_ *Connection, err error) { openErr = err })
	conn.connect(b, b.sock)

	hsCtx, cancel := context.WithTimeout(ctx, conn.params.SocketTimeout)
	defer cancel()
	err = b.pump(hsCtx, func() bool { return opened || openErr != nil })
	switch {
	case openErr != nil:
		return nil, openErr
	case err != nil:
		conn.terminate(errors.Wrap(err, "handshake"))
		return nil, errors.Wrap(err, "handshake")
	}
	return b, nil
}

// Connection returns the underlying engine connection.
func (b *BlockingConnection) Connection() *Connection { return b.conn }

// IsOpen reports whether the connection is open
func (b *BlockingConnection) IsOpen() bool { return b.conn.IsOpen() }

// IsClosed reports whether the connection is closed
func (b *BlockingConnection) IsClosed() bool { return b.conn.IsClosed() }

// Channel opens a new channel and waits for the broker to confirm it.
func (b *BlockingConnection) Channel() (*BlockingChannel, error) {
	opened := false
	ch, err := b.conn.Channel(func(*Channel) { opened = true })
	if err != nil {
		return nil, err
	}
	if err := b.pumpUntil(func() bool { return opened || ch.IsClosed() }); err != nil {
		return nil, err
	}
	if !opened {
		return nil, ch.closedError()
	}
	return newBlockingChannel(b, ch), nil
}

// ProcessDataEvents processes inbound data for up to timeout and then runs
// queued consumer callbacks. It returns as soon as at least one callback
// ran. A zero timeout polls once without waiting.
func (b *BlockingConnection) ProcessDataEvents(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if b.dispatchEvents() > 0 {
			break
		}
		if b.conn.IsClosed() {
			return b.closedError()
		}
		b.poll(time.Until(deadline))
		if b.dispatchEvents() > 0 || !time.Now().Before(deadline) {
			break
		}
	}
	if b.conn.IsClosed() {
		return b.closedError()
	}
	return nil
}

// Sleep processes events, including consumer callbacks, for d.
func (b *BlockingConnection) Sleep(d time.Duration) error {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if err := b.ProcessDataEvents(time.Until(deadline)); err != nil {
			return err
		}
	}
	return nil
}

// CallLater runs fn on this goroutine after delay, during event processing.
func (b *BlockingConnection) CallLater(delay time.Duration, fn func()) TimerHandle {
	return b.AddTimeout(delay, fn)
}

// Close closes every channel and the connection, waiting at most
// SocketTimeout for the broker to confirm.
func (b *BlockingConnection) Close() error {
	if b.conn.IsClosed() {
		return b.closedError()
	}
	if err := b.conn.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.conn.params.SocketTimeout)
	defer cancel()
	if err := b.pump(ctx, b.conn.IsClosed); err != nil && !b.conn.IsClosed() {
		b.conn.terminate(errors.Wrap(err, "waiting for Connection.CloseOk"))
	}
	if reason := b.conn.CloseError(); reason != nil && !isNormalClose(reason) {
		return reason
	}
	return nil
}

// Adapter

func (b *BlockingConnection) AddTimeout(delay time.Duration, fn func()) TimerHandle {
	return b.timers.Add(delay, fn)
}

func (b *BlockingConnection) RemoveTimeout(h TimerHandle) {
	b.timers.Remove(h)
}

// FlushOutbound writes queued frames straight away; the socket blocks for
// at most SocketTimeout.
func (b *BlockingConnection) FlushOutbound() {
	b.conn.HandleEvents(EventWrite)
}

func (b *BlockingConnection) Disconnect() {
	if pending := b.conn.outbound.Bytes(); len(pending) > 0 {
		b.netConn.SetWriteDeadline(time.Now().Add(minPollWait * 100))
		b.netConn.Write(pending)
	}
	if err := b.netConn.Close(); err != nil {
		b.conn.log.Debug().Err(err).Msg("close socket")
	}
}

// pumping

func (b *BlockingConnection) pumpUntil(done func() bool) error {
	return b.pump(context.Background(), done)
}

// pump processes inbound data until done reports true. Consumer callbacks
// are queued, not run, so no user code executes inside a pending call.
func (b *BlockingConnection) pump(ctx context.Context, done func() bool) error {
	for !done() {
		if b.conn.IsClosed() {
			return b.closedError()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, time.Until(deadline))
		}
		b.poll(wait)
	}
	return nil
}

// poll performs one read, waiting at most wait or until the next timer is
// due, then fires expired timers.
func (b *BlockingConnection) poll(wait time.Duration) {
	if next, ok := b.timers.NextDelay(); ok && next < wait {
		wait = next
	}
	b.sock.readWait = max(wait, minPollWait)

	if b.conn.WantsWrite() {
		b.conn.HandleEvents(EventWrite)
	}
	b.conn.HandleEvents(EventRead)
	b.timers.RunExpired()
}

func (b *BlockingConnection) queueEvent(fn func()) {
	b.events = append(b.events, fn)
}

func (b *BlockingConnection) dispatchEvents() int {
	n := 0
	for len(b.events) > 0 {
		fn := b.events[0]
		b.events = b.events[1:]
		fn()
		n++
	}
	b.events = nil
	return n
}

func (b *BlockingConnection) closedError() error {
	return &ConnectionClosedError{Cause: b.conn.CloseError()}
}

// deadlineSocket turns a blocking net.Conn into a Socket. Reads wait at
// most readWait and report ErrWouldBlock when nothing arrived.
type deadlineSocket struct {
	conn         net.Conn
	readWait     time.Duration
	writeTimeout time.Duration
}

func (s *deadlineSocket) Read(p []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readWait)); err != nil {
		return 0, errors.Wrap(err, "set read deadline")
	}
	n, err := s.conn.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrWouldBlock
	}
	return n, err
}

func (s *deadlineSocket) Write(p []byte) (int, error) {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return 0, errors.Wrap(err, "set write deadline")
		}
	}
	return s.conn.Write(p)
}

func (s *deadlineSocket) Close() error {
	return s.conn.Close()
}
