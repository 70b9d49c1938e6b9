package rabbitmq

import (
	"bytes"
	"fmt"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-engine/internal/callback"
	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
	"github.com/israelio/rabbit-engine/internal/util"
)

// ConnectionState represents the current state of a connection
type ConnectionState int

const (
	StateInit     ConnectionState = iota
	StateProtocol                 // protocol header sent
	StateStart                    // Connection.StartOk sent
	StateTune                     // Connection.TuneOk and Connection.Open sent
	StateOpen
	StateClosing
	StateClosed
)

// String returns a string representation of the connection state
func (cs ConnectionState) String() string {
	switch cs {
	case StateInit:
		return "init"
	case StateProtocol:
		return "protocol"
	case StateStart:
		return "start"
	case StateTune:
		return "tune"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const readBufferSize = 64 * 1024

type methodRegistry = callback.Registry[*frame.MethodFrame]

// Connection is the AMQP connection state machine. It performs no I/O of
// its own: an adapter feeds it socket readiness through HandleEvents and
// supplies timers. A Connection and its channels must only be used from the
// goroutine that drives the adapter.
type Connection struct {
	params  *ConnectionParameters
	adapter Adapter
	sock    Socket
	state   ConnectionState

	callbacks  *methodRegistry
	channels   map[uint16]*Channel
	channelIDs *util.IntAllocator

	inbound  []byte
	outbound bytes.Buffer
	readBuf  []byte

	// negotiated
	channelMax uint16
	frameMax   uint32
	heartbeat  time.Duration
	checker    *heartbeatChecker

	serverProperties Table
	knownHosts       string
	blocked          bool

	closeReason error
	closeErr    error

	bytesSent      uint64
	bytesReceived  uint64
	framesSent     uint64
	framesReceived uint64

	onOpen         []func(*Connection)
	onOpenError    []func(*Connection, error)
	onClose        []func(*Connection, error)
	onBackpressure []func(*Connection)
	onBlocked      []func(*Connection, string)
	onUnblocked    []func(*Connection)

	log          zerolog.Logger
	metrics      MetricsCollector
	errorHandler ErrorHandler
}

func newConnection(params *ConnectionParameters) *Connection {
	params = params.clone()
	log := params.logger().With().Str("peer", params.Address()).Logger()

	c := &Connection{
		params:    params,
		state:     StateInit,
		callbacks: callback.NewRegistry[*frame.MethodFrame](),
		channels:  make(map[uint16]*Channel),
		readBuf:   make([]byte, readBufferSize),
		log:       log,
		metrics:   params.metrics(),
	}
	c.errorHandler = params.ErrorHandler
	if c.errorHandler == nil {
		c.errorHandler = &DefaultErrorHandler{Logger: log}
	}
	return c
}

// State returns the current state
func (c *Connection) State() ConnectionState { return c.state }

// IsOpen reports whether the handshake completed and no close started.
func (c *Connection) IsOpen() bool { return c.state == StateOpen }

// IsClosing reports whether a close handshake is in progress.
func (c *Connection) IsClosing() bool { return c.state == StateClosing }

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool { return c.state == StateClosed }

// IsBlocked reports whether the broker has blocked publishing.
func (c *Connection) IsBlocked() bool { return c.blocked }

// CloseError returns why the connection closed, or nil while it is not closed.
func (c *Connection) CloseError() error { return c.closeErr }

// GetChannelMax returns the negotiated channel limit
func (c *Connection) GetChannelMax() uint16 { return c.channelMax }

// GetFrameMax returns the negotiated frame size limit, 0 for none
func (c *Connection) GetFrameMax() uint32 { return c.frameMax }

// GetHeartbeat returns the negotiated heartbeat interval, 0 if disabled
func (c *Connection) GetHeartbeat() time.Duration { return c.heartbeat }

// GetChannelCount returns the number of channels that are not closed
func (c *Connection) GetChannelCount() int { return len(c.channels) }

// ServerProperties returns the properties the broker sent in Connection.Start
func (c *Connection) ServerProperties() Table { return c.serverProperties }

// KnownHosts returns the known-hosts value of Connection.OpenOk
func (c *Connection) KnownHosts() string { return c.knownHosts }

// HasCapability reports whether the broker advertised a capability
func (c *Connection) HasCapability(name string) bool {
	caps, _ := c.serverProperties["capabilities"].(Table)
	v, _ := caps[name].(bool)
	return v
}

// Stats returns traffic counters
func (c *Connection) Stats() (bytesSent, bytesReceived, framesSent, framesReceived uint64) {
	return c.bytesSent, c.bytesReceived, c.framesSent, c.framesReceived
}

// AddOnOpenCallback registers fn to run when the handshake completes
func (c *Connection) AddOnOpenCallback(fn func(*Connection)) {
	c.onOpen = append(c.onOpen, fn)
}

// AddOnOpenErrorCallback registers fn to run when the connection closes before opening
func (c *Connection) AddOnOpenErrorCallback(fn func(*Connection, error)) {
	c.onOpenError = append(c.onOpenError, fn)
}

// AddOnCloseCallback registers fn to run when an open connection closes
func (c *Connection) AddOnCloseCallback(fn func(*Connection, error)) {
	c.onClose = append(c.onClose, fn)
}

// AddBackpressureCallback registers fn to run when outbound data piles up
func (c *Connection) AddBackpressureCallback(fn func(*Connection)) {
	c.onBackpressure = append(c.onBackpressure, fn)
}

// AddOnBlockedCallback registers fn for Connection.Blocked
func (c *Connection) AddOnBlockedCallback(fn func(*Connection, string)) {
	c.onBlocked = append(c.onBlocked, fn)
}

// AddOnUnblockedCallback registers fn for Connection.Unblocked
func (c *Connection) AddOnUnblockedCallback(fn func(*Connection)) {
	c.onUnblocked = append(c.onUnblocked, fn)
}

// connect starts the handshake over a connected socket.
func (c *Connection) connect(adapter Adapter, sock Socket) {
	c.adapter = adapter
	c.sock = sock
	c.state = StateProtocol

	c.callbacks.Add(0, protocol.ConnectionStart.String(), callback.New(c.onConnectionStart), callback.OnlyCaller(c))
	c.callbacks.Add(0, protocol.ConnectionClose.String(), callback.New(c.onConnectionClose), callback.Persistent(), callback.OnlyCaller(c))

	c.log.Debug().Msg("sending protocol header")
	c.send(frame.NewProtocolHeader())
}

// HandleEvents processes socket readiness reported by the adapter.
func (c *Connection) HandleEvents(events Event) {
	if c.sock == nil || c.state == StateClosed {
		return
	}
	if events&EventError != 0 {
		c.onTransportError(errors.New("socket error"))
		return
	}
	if events&EventWrite != 0 {
		c.handleWrite()
	}
	if events&EventRead != 0 && c.state != StateClosed {
		c.handleRead()
	}
}

// WantsWrite reports whether outbound data is waiting for the socket.
func (c *Connection) WantsWrite() bool {
	return c.outbound.Len() > 0
}

func (c *Connection) handleRead() {
	n, err := c.sock.Read(c.readBuf)
	if n > 0 {
		c.onDataAvailable(c.readBuf[:n])
	}
	if err != nil && !isWouldBlock(err) && c.state != StateClosed {
		c.onTransportError(err)
	}
}

func (c *Connection) handleWrite() {
	for c.outbound.Len() > 0 {
		n, err := c.sock.Write(c.outbound.Bytes())
		c.outbound.Next(n)
		if err == nil {
			continue
		}
		if !isWouldBlock(err) {
			c.onTransportError(err)
		}
		return
	}
}

func (c *Connection) onDataAvailable(data []byte) {
	c.bytesReceived += uint64(len(data))
	c.metrics.BytesTransferred(0, len(data))
	c.inbound = append(c.inbound, data...)

	for c.state != StateClosed && len(c.inbound) > 0 {
		if err := c.checkFrameSize(); err != nil {
			c.abort(protocol.ReplyFrameError, err)
			return
		}
		f, n, err := frame.Decode(c.inbound)
		if err != nil {
			c.log.Error().Err(err).Msg("invalid frame")
			c.abort(protocol.ReplyFrameError, err)
			return
		}
		if f == nil {
			break
		}
		c.inbound = c.inbound[n:]
		c.framesReceived++
		c.deliverFrame(f)
	}
	if len(c.inbound) == 0 {
		c.inbound = nil
	}
}

// checkFrameSize rejects a frame whose declared payload exceeds the
// negotiated frame_max before it is buffered in full.
func (c *Connection) checkFrameSize() error {
	if c.frameMax == 0 || len(c.inbound) < protocol.FrameHeaderSize || c.inbound[0] == 'A' {
		return nil
	}
	size := uint32(c.inbound[3])<<24 | uint32(c.inbound[4])<<16 | uint32(c.inbound[5])<<8 | uint32(c.inbound[6])
	if uint64(size)+protocol.FrameOverhead > uint64(c.frameMax) {
		return errors.Wrapf(ErrInvalidFrameFormat, "frame of %d bytes exceeds frame_max %d", size, c.frameMax)
	}
	return nil
}

func (c *Connection) deliverFrame(f frame.Frame) {
	switch f := f.(type) {
	case *frame.ProtocolHeader:
		c.terminate(errors.Wrapf(ErrIncompatibleProtocolVersion, "server requested AMQP %d-%d-%d", f.Major, f.Minor, f.Revision))
	case *frame.HeartbeatFrame:
		if c.checker != nil {
			c.checker.received()
		}
	case *frame.MethodFrame:
		c.deliverMethod(f)
	case *frame.HeaderFrame, *frame.BodyFrame:
		ch := c.channels[f.Channel()]
		if ch == nil {
			c.log.Warn().Uint16("channel", f.Channel()).Str("frame", f.String()).Msg("content for unknown channel")
			return
		}
		if err := ch.handleContentFrame(f); err != nil {
			c.contentError(err)
		}
	}
}

func (c *Connection) deliverMethod(f *frame.MethodFrame) {
	num := f.ChannelID
	id := f.Method.ID

	var ch *Channel
	if num != 0 {
		ch = c.channels[num]
		if ch == nil {
			c.onUnknownChannelMethod(f)
			return
		}
		if protocol.HasContent(id) || ch.content.active() {
			if err := ch.handleContentFrame(f); err != nil {
				c.contentError(err)
			}
			return
		}
	}

	var caller any = c
	if ch != nil {
		caller = ch
	}
	if !c.callbacks.Process(num, id.String(), caller, f) {
		c.log.Debug().Uint16("channel", num).Str("method", id.String()).Msg("no handler for method")
	}
}

func (c *Connection) onUnknownChannelMethod(f *frame.MethodFrame) {
	if f.Method.ID != protocol.BasicDeliver {
		c.log.Warn().Uint16("channel", f.ChannelID).Str("method", f.Method.Name()).Msg("method for unknown channel")
		return
	}
	tag := f.Method.Args.Uint64("delivery-tag")
	c.log.Warn().Uint16("channel", f.ChannelID).Uint64("delivery_tag", tag).Msg("rejecting delivery for unknown channel")
	c.sendMethod(f.ChannelID, protocol.BasicReject, protocol.Arguments{
		"delivery-tag": tag,
		"requeue":      true,
	})
}

func (c *Connection) contentError(err error) {
	code := protocol.ReplyUnexpectedFrame
	if errors.Is(err, ErrBodyTooLong) {
		code = protocol.ReplyFrameError
	}
	c.log.Error().Err(err).Msg("content assembly failed")
	c.abort(code, err)
}

// handshake

func (c *Connection) onConnectionStart(f *frame.MethodFrame) {
	args := f.Method.Args
	major, minor := args.Uint8("version-major"), args.Uint8("version-minor")
	if major != protocol.ProtocolVersionMajor || minor != protocol.ProtocolVersionMinor {
		c.terminate(errors.Wrapf(ErrIncompatibleProtocolVersion, "server offered AMQP %d-%d", major, minor))
		return
	}

	c.state = StateStart
	c.serverProperties = args.Table("server-properties")

	mechanisms := args.Str("mechanisms")
	mechanism, response, ok := c.params.Credentials.ResponseFor(mechanisms)
	if !ok {
		c.terminate(errors.Wrapf(ErrAuthentication, "no acceptable mechanism for %s in %q", c.params.Credentials.Mechanism(), mechanisms))
		return
	}

	c.callbacks.Add(0, protocol.ConnectionSecure.String(), callback.New(c.onConnectionSecure), callback.Persistent(), callback.OnlyCaller(c))
	c.callbacks.Add(0, protocol.ConnectionTune.String(), callback.New(c.onConnectionTune), callback.OnlyCaller(c))

	c.log.Debug().Str("mechanism", mechanism).Msg("sending start-ok")
	c.sendMethod(0, protocol.ConnectionStartOk, protocol.Arguments{
		"client-properties": c.params.clientProperties(),
		"mechanism":         mechanism,
		"response":          response,
		"locale":            c.params.Locale,
	})
}

// onConnectionSecure answers a challenge with the initial response again.
func (c *Connection) onConnectionSecure(f *frame.MethodFrame) {
	_, response, _ := c.params.Credentials.ResponseFor(c.params.Credentials.Mechanism())
	c.sendMethod(0, protocol.ConnectionSecureOk, protocol.Arguments{"response": response})
}

func (c *Connection) onConnectionTune(f *frame.MethodFrame) {
	args := f.Method.Args
	c.callbacks.Remove(0, protocol.ConnectionSecure.String(), nil)
	c.state = StateTune

	c.channelMax = uint16(negotiate(uint64(c.params.ChannelMax), args.Uint64("channel-max")))
	if c.channelMax == 0 {
		c.channelMax = protocol.ChannelMaxDefault
	}
	c.frameMax = uint32(negotiate(uint64(c.params.FrameMax), args.Uint64("frame-max")))
	heartbeat := negotiate(uint64(c.params.Heartbeat/time.Second), args.Uint64("heartbeat"))
	c.heartbeat = time.Duration(heartbeat) * time.Second
	c.channelIDs = util.NewIntAllocator(1, int(c.channelMax))

	c.log.Debug().
		Uint16("channel_max", c.channelMax).
		Uint32("frame_max", c.frameMax).
		Dur("heartbeat", c.heartbeat).
		Msg("tuned")

	c.sendMethod(0, protocol.ConnectionTuneOk, protocol.Arguments{
		"channel-max": c.channelMax,
		"frame-max":   c.frameMax,
		"heartbeat":   uint16(heartbeat),
	})
	if c.state == StateClosed {
		return
	}
	if c.heartbeat > 0 {
		c.checker = newHeartbeatChecker(c, c.heartbeat)
	}

	c.callbacks.Add(0, protocol.ConnectionOpenOk.String(), callback.New(c.onConnectionOpenOk), callback.OnlyCaller(c))
	c.sendMethod(0, protocol.ConnectionOpen, protocol.Arguments{
		"virtual-host": c.params.VirtualHost,
	})
}

// negotiate picks the smaller of two limits where zero means unlimited.
func negotiate(client, server uint64) uint64 {
	if client == 0 || server == 0 {
		return max(client, server)
	}
	return min(client, server)
}

func (c *Connection) onConnectionOpenOk(f *frame.MethodFrame) {
	c.state = StateOpen
	c.knownHosts = f.Method.Args.Str("known-hosts")

	c.callbacks.Add(0, protocol.ConnectionBlocked.String(), callback.New(c.onConnectionBlocked), callback.Persistent(), callback.OnlyCaller(c))
	c.callbacks.Add(0, protocol.ConnectionUnblocked.String(), callback.New(c.onConnectionUnblocked), callback.Persistent(), callback.OnlyCaller(c))

	c.log.Info().Str("vhost", c.params.VirtualHost).Msg("connection open")
	c.metrics.ConnectionOpened()
	for _, fn := range slices.Clone(c.onOpen) {
		fn(c)
	}
}

func (c *Connection) onConnectionBlocked(f *frame.MethodFrame) {
	reason := f.Method.Args.Str("reason")
	c.blocked = true
	c.log.Warn().Str("reason", reason).Msg("connection blocked by broker")
	for _, fn := range slices.Clone(c.onBlocked) {
		fn(c, reason)
	}
}

func (c *Connection) onConnectionUnblocked(*frame.MethodFrame) {
	c.blocked = false
	c.log.Info().Msg("connection unblocked")
	for _, fn := range slices.Clone(c.onUnblocked) {
		fn(c)
	}
}

// channels

// Channel allocates the lowest free channel number and opens a channel on
// it. onOpen runs once the broker confirms.
func (c *Connection) Channel(onOpen func(*Channel)) (*Channel, error) {
	if c.state != StateOpen {
		return nil, &ConnectionClosedError{Cause: errors.Errorf("connection is %s", c.state)}
	}
	n, ok := c.channelIDs.Allocate()
	if !ok {
		return nil, errors.Wrapf(ErrNoFreeChannels, "all %d channels in use", c.channelMax)
	}

	ch := newChannel(c, uint16(n), onOpen)
	c.channels[ch.number] = ch
	if err := ch.open(); err != nil {
		delete(c.channels, ch.number)
		c.channelIDs.Free(n)
		return nil, err
	}
	return ch, nil
}

func (c *Connection) channelClosed(ch *Channel) {
	if c.channels[ch.number] != ch {
		return
	}
	delete(c.channels, ch.number)
	c.channelIDs.Free(int(ch.number))
	c.callbacks.Cleanup(ch.number)

	if c.state == StateClosing && len(c.channels) == 0 {
		c.sendConnectionClose()
	}
}

// closing

// Close closes the connection with reply code 200
func (c *Connection) Close() error {
	return c.CloseWithCode(protocol.ReplySuccess, "Normal shutdown")
}

// CloseWithCode closes every channel, then the connection. Closing during
// the handshake drops the socket at once.
func (c *Connection) CloseWithCode(code int, text string) error {
	switch c.state {
	case StateClosing, StateClosed:
		return &ConnectionClosedError{Cause: c.closeErr}
	case StateOpen:
	default:
		c.terminate(NewError(code, text, false))
		return nil
	}

	c.state = StateClosing
	c.closeReason = NewError(code, text, false)
	c.log.Info().Int("code", code).Str("text", text).Msg("closing connection")

	if len(c.channels) == 0 {
		c.sendConnectionClose()
		return nil
	}
	for _, ch := range c.channelList() {
		if err := ch.CloseWithCode(code, text); err != nil {
			c.log.Debug().Err(err).Uint16("channel", ch.number).Msg("channel already closing")
		}
	}
	return nil
}

func (c *Connection) sendConnectionClose() {
	code, text, _ := ReplyCode(c.closeReason)
	c.callbacks.Add(0, protocol.ConnectionCloseOk.String(), callback.New(c.onConnectionCloseOk), callback.OnlyCaller(c))
	c.sendMethod(0, protocol.ConnectionClose, protocol.Arguments{
		"reply-code": uint16(code),
		"reply-text": text,
	})
}

func (c *Connection) onConnectionCloseOk(*frame.MethodFrame) {
	c.terminate(c.closeReason)
}

// onConnectionClose handles a close initiated by the broker.
func (c *Connection) onConnectionClose(f *frame.MethodFrame) {
	args := f.Method.Args
	reason := NewError(int(args.Uint16("reply-code")), args.Str("reply-text"), true)
	c.log.Warn().Int("code", reason.Code).Str("text", reason.Reason).Msg("connection closed by broker")

	c.sendMethod(0, protocol.ConnectionCloseOk, nil)
	c.terminate(reason)
}

// abort best-effort notifies the broker of a fatal error and closes.
func (c *Connection) abort(code int, err error) {
	if c.state == StateClosed {
		return
	}
	c.sendMethod(0, protocol.ConnectionClose, protocol.Arguments{
		"reply-code": uint16(code),
		"reply-text": truncateShortString(err.Error()),
	})
	c.terminate(err)
}

func (c *Connection) onTransportError(err error) {
	var reason error
	switch c.state {
	case StateClosed:
		return
	case StateProtocol:
		reason = errors.WithMessage(ErrIncompatibleProtocolVersion, "connection lost during protocol negotiation: "+err.Error())
	case StateStart:
		reason = errors.WithMessage(ErrProbableAuthentication, "connection lost after start-ok: "+err.Error())
	case StateTune:
		reason = errors.WithMessage(ErrProbableAccessDenied, "connection lost after open: "+err.Error())
	case StateClosing:
		if len(c.channels) == 0 {
			// Connection.Close went out; the broker may drop the socket instead of replying.
			reason = c.closeReason
			break
		}
		reason = errors.Wrap(err, "connection lost")
	default:
		reason = errors.Wrap(err, "connection lost")
	}
	c.log.Error().Err(err).Str("state", c.state.String()).Msg("transport error")
	c.terminate(reason)
}

// terminate moves to CLOSED, releases every channel and notifies listeners.
func (c *Connection) terminate(reason error) {
	if c.state == StateClosed {
		return
	}
	prev := c.state
	c.state = StateClosed
	c.closeErr = reason

	if c.checker != nil {
		c.checker.stop()
		c.checker = nil
	}

	for _, ch := range c.channelList() {
		ch.connectionClosed(reason)
	}
	c.channels = make(map[uint16]*Channel)
	c.callbacks = callback.NewRegistry[*frame.MethodFrame]()
	c.inbound = nil

	if c.adapter != nil {
		c.adapter.Disconnect()
	}
	c.outbound.Reset()

	if prev < StateOpen {
		c.log.Error().Err(reason).Str("state", prev.String()).Msg("connection failed to open")
		c.metrics.ConnectionError(reason)
		for _, fn := range slices.Clone(c.onOpenError) {
			fn(c, reason)
		}
		return
	}

	if isNormalClose(reason) {
		c.log.Info().Msg("connection closed")
	} else {
		c.log.Warn().Err(reason).Msg("connection closed")
		c.errorHandler.HandleConnectionError(c, reason)
	}
	c.metrics.ConnectionClosed()
	for _, fn := range slices.Clone(c.onClose) {
		fn(c, reason)
	}
}

func (c *Connection) channelList() []*Channel {
	list := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		list = append(list, ch)
	}
	slices.SortFunc(list, func(a, b *Channel) int { return int(a.number) - int(b.number) })
	return list
}

// sending

func (c *Connection) sendMethod(channel uint16, id protocol.MethodID, args protocol.Arguments) error {
	return c.send(frame.NewMethodFrame(channel, id, args))
}

// send queues frames in order and asks the adapter to flush them.
func (c *Connection) send(frames ...frame.Frame) error {
	if c.state == StateClosed {
		return &ConnectionClosedError{Cause: c.closeErr}
	}

	encoded := make([][]byte, len(frames))
	for i, f := range frames {
		data, err := f.Marshal()
		if err != nil {
			return errors.Wrapf(err, "marshal %s", f)
		}
		encoded[i] = data
	}

	for i, data := range encoded {
		c.log.Trace().Str("frame", frames[i].String()).Msg("send")
		c.outbound.Write(data)
		c.framesSent++
		c.bytesSent += uint64(len(data))
		c.metrics.BytesTransferred(len(data), 0)
		c.checkBackpressure()
	}

	if c.adapter != nil {
		c.adapter.FlushOutbound()
	}
	return nil
}

// sendContent sends a content method, its header and the body split into
// frames no larger than the negotiated frame_max.
func (c *Connection) sendContent(channel uint16, method *protocol.Method, props Properties, body []byte) error {
	frames := []frame.Frame{
		&frame.MethodFrame{ChannelID: channel, Method: method},
		frame.NewHeaderFrame(channel, uint64(len(body)), props),
	}
	limit := c.bodyFrameMax()
	for offset := 0; offset < len(body); offset += limit {
		end := min(offset+limit, len(body))
		frames = append(frames, frame.NewBodyFrame(channel, body[offset:end]))
	}
	return c.send(frames...)
}

func (c *Connection) bodyFrameMax() int {
	frameMax := int(c.frameMax)
	if frameMax == 0 {
		frameMax = protocol.FrameMaxDefault
	}
	return frameMax - protocol.FrameOverhead
}

func (c *Connection) checkBackpressure() {
	multiplier := uint64(c.params.BackpressureMultiplier)
	if !c.params.BackpressureDetection || multiplier == 0 || c.framesSent%multiplier != 0 {
		return
	}
	avg := c.bytesSent / c.framesSent
	if uint64(c.outbound.Len()) <= avg*multiplier {
		return
	}
	c.log.Warn().
		Int("outbound_bytes", c.outbound.Len()).
		Uint64("avg_frame_bytes", avg).
		Msg("outbound buffer growing, possible backpressure")
	c.metrics.BackpressureDetected()
	for _, fn := range slices.Clone(c.onBackpressure) {
		fn(c)
	}
}

// heartbeatHost

func (c *Connection) bytesReceivedTotal() uint64 { return c.bytesReceived }

func (c *Connection) sendHeartbeat() {
	c.send(&frame.HeartbeatFrame{})
}

func (c *Connection) heartbeatTimeout(idle time.Duration) {
	c.metrics.HeartbeatTimeout()
	text := fmt.Sprintf("Too many missed heartbeats, no reply in %s", idle)
	c.abort(protocol.ReplyConnectionForced, NewError(protocol.ReplyConnectionForced, text, false))
}

func (c *Connection) addTimeout(delay time.Duration, fn func()) TimerHandle {
	return c.adapter.AddTimeout(delay, fn)
}

func (c *Connection) removeTimeout(h TimerHandle) {
	c.adapter.RemoveTimeout(h)
}

func truncateShortString(s string) string {
	if len(s) > 255 {
		return s[:255]
	}
	return s
}
