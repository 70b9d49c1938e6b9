//go:build linux || darwin || freebsd || netbsd || openbsd

package rabbitmq

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReactorConnection runs a Connection on an IOLoop over a non-blocking
// socket. Every callback runs on the goroutine that runs the loop.
type ReactorConnection struct {
	*Connection

	// StopLoopOnClose stops the loop once the connection closes.
	StopLoopOnClose bool

	loop   *IOLoop
	sock   *fdSocket
	events Event
}

// NewReactorConnection dials the broker and registers the socket with loop.
// The handshake runs once the loop is started; register callbacks on the
// returned connection before that. TLS is not supported.
func NewReactorConnection(ctx context.Context, loop *IOLoop, params *ConnectionParameters) (*ReactorConnection, error) {
	if err := params.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid connection parameters")
	}
	if params.TLS {
		return nil, errors.New("the reactor adapter does not support TLS")
	}

	conn := newConnection(params)
	netConn, err := dial(ctx, conn.params, conn.log)
	if err != nil {
		return nil, err
	}
	sock, err := newFDSocket(netConn)
	if err != nil {
		return nil, err
	}

	r := &ReactorConnection{Connection: conn, loop: loop, sock: sock, events: EventRead}
	if err := loop.Register(sock.fd, r.events, r.handle); err != nil {
		sock.Close()
		return nil, err
	}
	conn.connect(r, sock)
	return r, nil
}

func (r *ReactorConnection) handle(_ int, events Event) {
	r.Connection.HandleEvents(events)
	r.updateInterest()
}

// updateInterest watches for writability only while output is pending.
func (r *ReactorConnection) updateInterest() {
	if r.IsClosed() {
		return
	}
	want := EventRead
	if r.WantsWrite() {
		want |= EventWrite
	}
	if want != r.events {
		r.events = want
		r.loop.Update(r.sock.fd, want)
	}
}

func (r *ReactorConnection) AddTimeout(delay time.Duration, fn func()) TimerHandle {
	return r.loop.AddTimeout(delay, fn)
}

func (r *ReactorConnection) RemoveTimeout(h TimerHandle) {
	r.loop.RemoveTimeout(h)
}

func (r *ReactorConnection) FlushOutbound() {
	r.updateInterest()
}

// Disconnect makes one attempt to write what is still queued, then closes.
func (r *ReactorConnection) Disconnect() {
	if pending := r.Connection.outbound.Bytes(); len(pending) > 0 {
		r.sock.Write(pending)
	}
	r.loop.Unregister(r.sock.fd)
	if err := r.sock.Close(); err != nil {
		r.log.Debug().Err(err).Msg("close socket")
	}
	if r.StopLoopOnClose {
		r.loop.Stop()
	}
}

// fdSocket does raw non-blocking reads and writes on a descriptor.
type fdSocket struct {
	file *os.File
	fd   int
}

func newFDSocket(conn net.Conn) (*fdSocket, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("unsupported transport %T", conn)
	}
	defer tcp.Close()

	file, err := tcp.File()
	if err != nil {
		return nil, errors.Wrap(err, "detach socket")
	}
	// Fd switches the file to blocking mode, so take it before SetNonblock.
	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "set non-blocking")
	}
	return &fdSocket{file: file, fd: fd}, nil
}

func (s *fdSocket) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return 0, ErrWouldBlock
		}
		return 0, errors.Wrap(err, "read")
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (s *fdSocket) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return n, ErrWouldBlock
		}
		return n, errors.Wrap(err, "write")
	}
	return n, nil
}

func (s *fdSocket) Close() error {
	return s.file.Close()
}
