package rabbitmq

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/ioloop"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// fakeSocket is an in-memory Socket. Reads drain in and report
// ErrWouldBlock when it is empty.
type fakeSocket struct {
	in          bytes.Buffer
	out         bytes.Buffer
	readErr     error
	blockWrites bool
	closed      bool
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	if s.in.Len() == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		return 0, ErrWouldBlock
	}
	return s.in.Read(p)
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.blockWrites {
		return 0, ErrWouldBlock
	}
	return s.out.Write(p)
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeAdapter writes on flush and runs timers on a manual clock.
type fakeAdapter struct {
	conn         *Connection
	sock         *fakeSocket
	timers       *ioloop.TimerQueue
	disconnected int
}

func (a *fakeAdapter) AddTimeout(delay time.Duration, fn func()) TimerHandle {
	return a.timers.Add(delay, fn)
}

func (a *fakeAdapter) RemoveTimeout(h TimerHandle) { a.timers.Remove(h) }

func (a *fakeAdapter) FlushOutbound() { a.conn.HandleEvents(EventWrite) }

func (a *fakeAdapter) Disconnect() {
	a.disconnected++
	a.sock.Close()
}

// harness plays the broker side of a Connection over a fakeSocket.
type harness struct {
	t       *testing.T
	conn    *Connection
	sock    *fakeSocket
	adapter *fakeAdapter
	clock   *fakeClock
	metrics *StandardMetricsCollector

	caps      Table
	tuneMax   uint16
	tuneFrame uint32
	tuneHB    uint16

	sent []frame.Frame

	openErr  error
	closeErr error
	closed   int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		sock:      &fakeSocket{},
		clock:     &fakeClock{now: time.Unix(1700000000, 0)},
		metrics:   NewStandardMetricsCollector(),
		caps:      Table{protocol.CapabilityPublisherConfirms: true, protocol.CapabilityBasicNack: true},
		tuneMax:   2047,
		tuneFrame: protocol.FrameMaxDefault,
	}
	params := NewConnectionParameters(append([]Option{WithMetrics(h.metrics)}, opts...)...)
	require.NoError(t, params.Validate())

	h.conn = newConnection(params)
	h.adapter = &fakeAdapter{conn: h.conn, sock: h.sock, timers: ioloop.NewTimerQueueWithClock(h.clock.Now)}
	h.conn.AddOnOpenErrorCallback(func(_ *Connection, err error) { h.openErr = err })
	h.conn.AddOnCloseCallback(func(_ *Connection, err error) {
		h.closeErr = err
		h.closed++
	})
	h.conn.connect(h.adapter, h.sock)
	return h
}

// serve feeds frames to the connection as if they came off the wire.
func (h *harness) serve(frames ...frame.Frame) {
	h.t.Helper()
	for _, f := range frames {
		data, err := f.Marshal()
		require.NoError(h.t, err)
		h.sock.in.Write(data)
	}
	h.pump()
}

// serveRaw feeds raw bytes to the connection.
func (h *harness) serveRaw(data []byte) {
	h.sock.in.Write(data)
	h.pump()
}

func (h *harness) pump() {
	for h.sock.in.Len() > 0 && !h.conn.IsClosed() {
		h.conn.HandleEvents(EventRead)
	}
}

func (h *harness) serveMethod(channel uint16, id protocol.MethodID, args protocol.Arguments) {
	h.t.Helper()
	h.serve(frame.NewMethodFrame(channel, id, args))
}

// serveContent sends a content method followed by its header and the body
// cut into the given fragment sizes.
func (h *harness) serveContent(channel uint16, id protocol.MethodID, args protocol.Arguments, props Properties, body []byte, fragment int) {
	h.t.Helper()
	frames := []frame.Frame{
		frame.NewMethodFrame(channel, id, args),
		frame.NewHeaderFrame(channel, uint64(len(body)), props),
	}
	for off := 0; off < len(body); off += fragment {
		frames = append(frames, frame.NewBodyFrame(channel, body[off:min(off+fragment, len(body))]))
	}
	h.serve(frames...)
}

// drain decodes everything the connection wrote since the last call.
func (h *harness) drain() []frame.Frame {
	h.t.Helper()
	var out []frame.Frame
	data := h.sock.out.Bytes()
	for len(data) > 0 {
		f, n, err := frame.Decode(data)
		require.NoError(h.t, err)
		require.NotNil(h.t, f, "partial frame in output")
		out = append(out, f)
		data = data[n:]
	}
	h.sock.out.Reset()
	h.sent = append(h.sent, out...)
	return out
}

// methods returns the methods sent since the last drain.
func (h *harness) methods() []*frame.MethodFrame {
	h.t.Helper()
	var out []*frame.MethodFrame
	for _, f := range h.drain() {
		if mf, ok := f.(*frame.MethodFrame); ok {
			out = append(out, mf)
		}
	}
	return out
}

// expect asserts that exactly the given methods were sent, in order.
func (h *harness) expect(ids ...protocol.MethodID) []*frame.MethodFrame {
	h.t.Helper()
	got := h.methods()
	names := make([]string, len(got))
	for i, mf := range got {
		names[i] = mf.Method.Name()
	}
	want := make([]string, len(ids))
	for i, id := range ids {
		want[i] = protocol.NewMethod(id, nil).Name()
	}
	require.Equal(h.t, want, names)
	return got
}

func (h *harness) start(mechanisms string, major, minor uint8) {
	h.serveMethod(0, protocol.ConnectionStart, protocol.Arguments{
		"version-major":     major,
		"version-minor":     minor,
		"server-properties": Table{"product": "test", "capabilities": h.caps},
		"mechanisms":        mechanisms,
		"locales":           "en_US",
	})
}

// open runs the whole handshake.
func (h *harness) open() {
	h.t.Helper()
	hdr := h.drain()
	require.Len(h.t, hdr, 1)
	require.IsType(h.t, &frame.ProtocolHeader{}, hdr[0])

	h.start("PLAIN AMQPLAIN", 0, 9)
	h.expect(protocol.ConnectionStartOk)
	h.serveMethod(0, protocol.ConnectionTune, protocol.Arguments{
		"channel-max": h.tuneMax,
		"frame-max":   h.tuneFrame,
		"heartbeat":   h.tuneHB,
	})
	h.expect(protocol.ConnectionTuneOk, protocol.ConnectionOpen)
	h.serveMethod(0, protocol.ConnectionOpenOk, protocol.Arguments{"known-hosts": ""})
	require.True(h.t, h.conn.IsOpen())
}

// openChannel opens a channel and answers Channel.Open.
func (h *harness) openChannel() *Channel {
	h.t.Helper()
	ch, err := h.conn.Channel(nil)
	require.NoError(h.t, err)
	h.expect(protocol.ChannelOpen)
	h.serveMethod(ch.Number(), protocol.ChannelOpenOk, protocol.Arguments{"channel-id": ""})
	require.True(h.t, ch.IsOpen())
	return ch
}

// advance moves the clock and fires due timers.
func (h *harness) advance(d time.Duration) {
	h.clock.now = h.clock.now.Add(d)
	h.adapter.timers.RunExpired()
}

// disconnect makes the next read fail as if the peer went away.
func (h *harness) disconnect() {
	h.sock.readErr = io.EOF
	h.conn.HandleEvents(EventRead)
}

// recordingConsumer collects deliveries and cancellations.
type recordingConsumer struct {
	deliveries []*Delivery
	cancelled  []string
	err        error
}

func (c *recordingConsumer) HandleDelivery(d *Delivery) error {
	c.deliveries = append(c.deliveries, d)
	return c.err
}

func (c *recordingConsumer) HandleCancel(tag string) {
	c.cancelled = append(c.cancelled, tag)
}

func (c *recordingConsumer) bodies() []string {
	out := make([]string, len(c.deliveries))
	for i, d := range c.deliveries {
		out[i] = string(d.Body)
	}
	return out
}

func deliver(tag string, deliveryTag uint64) protocol.Arguments {
	return protocol.Arguments{
		"consumer-tag": tag,
		"delivery-tag": deliveryTag,
		"redelivered":  false,
		"exchange":     "ex",
		"routing-key":  "rk",
	}
}
