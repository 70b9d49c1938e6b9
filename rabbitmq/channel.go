package rabbitmq

import (
	"slices"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-engine/internal/callback"
	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// ChannelState represents the current state of a channel
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
	ChannelClosing
)

// String returns a string representation of the channel state
func (cs ChannelState) String() string {
	switch cs {
	case ChannelClosed:
		return "closed"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type methodCallback = callback.Callback[*frame.MethodFrame]

// rpcCall is one synchronous request waiting to be sent or answered.
type rpcCall struct {
	method  *protocol.Method
	onReply func(*frame.MethodFrame)
	filter  map[string]any
	handle  *methodCallback
	// onSend runs once the method is written, which for a queued call is
	// later than the call that issued it.
	onSend func()
}

// Channel multiplexes a logical session over its Connection. At most one
// synchronous request is outstanding per channel; later requests queue
// until its reply arrives.
type Channel struct {
	conn   *Connection
	number uint16
	state  ChannelState
	log    zerolog.Logger

	blocking *rpcCall
	blocked  []*rpcCall
	syncDone *methodCallback

	content contentAssembler

	consumers map[string]*consumer
	pending   map[string][]*Delivery
	cancelled map[string]bool // tag -> no-ack
	onGet     func(*Delivery)

	confirming  bool
	publishSeq  uint64
	unconfirmed []uint64

	flowActive  bool
	closeReason error

	onOpen    func(*Channel)
	onClose   []func(*Channel, error)
	onConfirm []func(Confirmation)
	onReturn  []func(Return)
	onFlow    []func(bool)
	onCancel  []func(string)
}

func newChannel(conn *Connection, number uint16, onOpen func(*Channel)) *Channel {
	ch := &Channel{
		conn:       conn,
		number:     number,
		log:        conn.log.With().Uint16("channel", number).Logger(),
		consumers:  make(map[string]*consumer),
		pending:    make(map[string][]*Delivery),
		cancelled:  make(map[string]bool),
		flowActive: true,
		onOpen:     onOpen,
	}
	ch.syncDone = callback.New(ch.onSynchronousComplete)
	return ch
}

// Number returns the channel number
func (ch *Channel) Number() uint16 { return ch.number }

// State returns the current state
func (ch *Channel) State() ChannelState { return ch.state }

// IsOpen reports whether the channel is open
func (ch *Channel) IsOpen() bool { return ch.state == ChannelOpen }

// IsClosing reports whether the channel is closing
func (ch *Channel) IsClosing() bool { return ch.state == ChannelClosing }

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool { return ch.state == ChannelClosed }

// Connection returns the owning connection
func (ch *Channel) Connection() *Connection { return ch.conn }

// CloseError returns why the channel closed, or nil while it is not closed.
func (ch *Channel) CloseError() error {
	if ch.state != ChannelClosed {
		return nil
	}
	return ch.closeReason
}

// FlowActive reports whether the broker currently allows content to flow.
func (ch *Channel) FlowActive() bool { return ch.flowActive }

// AddOnCloseCallback registers fn to run when the channel closes
func (ch *Channel) AddOnCloseCallback(fn func(*Channel, error)) {
	ch.onClose = append(ch.onClose, fn)
}

// AddOnFlowCallback registers fn for broker Channel.Flow requests
func (ch *Channel) AddOnFlowCallback(fn func(active bool)) {
	ch.onFlow = append(ch.onFlow, fn)
}

// AddOnCancelCallback registers fn for consumers cancelled by the broker
func (ch *Channel) AddOnCancelCallback(fn func(consumerTag string)) {
	ch.onCancel = append(ch.onCancel, fn)
}

func (ch *Channel) open() error {
	ch.state = ChannelOpening

	persistent := map[protocol.MethodID]func(*frame.MethodFrame){
		protocol.ChannelClose: ch.onRemoteClose,
		protocol.ChannelFlow:  ch.onFlowRequest,
		protocol.BasicCancel:  ch.onBrokerCancel,
	}
	for _, id := range []protocol.MethodID{protocol.ChannelClose, protocol.ChannelFlow, protocol.BasicCancel} {
		ch.conn.callbacks.Add(ch.number, id.String(), callback.New(persistent[id]), callback.Persistent(), callback.OnlyCaller(ch))
	}

	ch.log.Debug().Msg("opening channel")
	return ch.rpc(&rpcCall{
		method:  protocol.NewMethod(protocol.ChannelOpen, nil),
		onReply: ch.onOpenOk,
	})
}

func (ch *Channel) onOpenOk(*frame.MethodFrame) {
	if ch.state != ChannelOpening {
		return
	}
	ch.state = ChannelOpen
	ch.log.Debug().Msg("channel open")
	ch.conn.metrics.ChannelOpened()
	if ch.onOpen != nil {
		ch.onOpen(ch)
	}
}

// call issues a synchronous method, invoking onReply with the reply frame.
func (ch *Channel) call(id protocol.MethodID, args protocol.Arguments, filter map[string]any, onReply func(*frame.MethodFrame)) error {
	return ch.callWithSend(id, args, filter, onReply, nil)
}

// callWithSend is call with a hook that runs when the method hits the wire.
func (ch *Channel) callWithSend(id protocol.MethodID, args protocol.Arguments, filter map[string]any, onReply func(*frame.MethodFrame), onSend func()) error {
	if ch.state != ChannelOpen {
		return ch.closedError()
	}
	return ch.rpc(&rpcCall{
		method:  protocol.NewMethod(id, args),
		onReply: onReply,
		filter:  filter,
		onSend:  onSend,
	})
}

// rpc sends a synchronous method now, or queues it behind the outstanding one.
func (ch *Channel) rpc(call *rpcCall) error {
	if ch.state == ChannelClosed {
		return ch.closedError()
	}
	if ch.blocking != nil {
		ch.blocked = append(ch.blocked, call)
		return nil
	}

	replies := call.method.Spec().Replies
	if call.method.Args.Bool("nowait") {
		replies = nil
	}
	if len(replies) > 0 {
		ch.blocking = call
		if call.onReply != nil {
			call.handle = callback.New(call.onReply)
		}
		opts := []callback.Option{callback.OnlyCaller(ch), callback.MatchFields(call.filter)}
		for _, id := range replies {
			if protocol.HasContent(id) {
				continue
			}
			ch.conn.callbacks.Add(ch.number, id.String(), ch.syncDone, opts...)
			if call.handle != nil {
				ch.conn.callbacks.Add(ch.number, id.String(), call.handle, opts...)
			}
		}
	}

	if err := ch.conn.sendMethod(ch.number, call.method.ID, call.method.Args); err != nil {
		return err
	}
	if call.onSend != nil {
		call.onSend()
	}
	if len(replies) == 0 && call.onReply != nil {
		call.onReply(nil)
	}
	return nil
}

// onSynchronousComplete clears the outstanding request and sends queued ones.
func (ch *Channel) onSynchronousComplete(f *frame.MethodFrame) {
	call := ch.blocking
	ch.blocking = nil

	if call != nil {
		for _, id := range call.method.Spec().Replies {
			if f != nil && id == f.Method.ID {
				continue
			}
			key := id.String()
			ch.conn.callbacks.Remove(ch.number, key, ch.syncDone)
			if call.handle != nil {
				ch.conn.callbacks.Remove(ch.number, key, call.handle)
			}
		}
	}

	for ch.blocking == nil && len(ch.blocked) > 0 && ch.state != ChannelClosed {
		next := ch.blocked[0]
		ch.blocked = ch.blocked[1:]
		if err := ch.rpc(next); err != nil {
			ch.log.Error().Err(err).Str("method", next.method.Name()).Msg("queued request failed")
		}
	}
}

// send sends an asynchronous method
func (ch *Channel) send(id protocol.MethodID, args protocol.Arguments) error {
	if ch.state != ChannelOpen && ch.state != ChannelClosing {
		return ch.closedError()
	}
	return ch.conn.sendMethod(ch.number, id, args)
}

// Flow asks the broker to pause (false) or resume (true) deliveries.
func (ch *Channel) Flow(active bool, onOk func(active bool)) error {
	return ch.call(protocol.ChannelFlow, protocol.Arguments{"active": active}, nil, func(f *frame.MethodFrame) {
		if onOk != nil {
			onOk(f.Method.Args.Bool("active"))
		}
	})
}

func (ch *Channel) onFlowRequest(f *frame.MethodFrame) {
	active := f.Method.Args.Bool("active")
	ch.flowActive = active
	ch.log.Info().Bool("active", active).Msg("flow changed by broker")
	ch.conn.sendMethod(ch.number, protocol.ChannelFlowOk, protocol.Arguments{"active": active})
	for _, fn := range slices.Clone(ch.onFlow) {
		fn(active)
	}
}

// Close cancels every consumer and closes the channel with reply code 200
func (ch *Channel) Close() error {
	return ch.CloseWithCode(protocol.ReplySuccess, "Normal shutdown")
}

// CloseWithCode cancels every consumer, then closes the channel. The close
// completes when the broker answers with Channel.CloseOk.
func (ch *Channel) CloseWithCode(code int, text string) error {
	if ch.state == ChannelClosed || ch.state == ChannelClosing {
		return ch.closedError()
	}
	ch.state = ChannelClosing
	ch.closeReason = NewError(code, text, false)
	ch.log.Debug().Int("code", code).Str("text", text).Msg("closing channel")

	for _, tag := range ch.consumerTags() {
		if err := ch.cancelConsumer(tag, nil); err != nil {
			ch.log.Warn().Err(err).Str("consumer_tag", tag).Msg("cancel during close failed")
		}
	}

	return ch.rpc(&rpcCall{
		method: protocol.NewMethod(protocol.ChannelClose, protocol.Arguments{
			"reply-code": uint16(code),
			"reply-text": text,
		}),
		onReply: func(*frame.MethodFrame) { ch.finishClose(ch.closeReason) },
	})
}

// onRemoteClose handles Channel.Close sent by the broker.
func (ch *Channel) onRemoteClose(f *frame.MethodFrame) {
	args := f.Method.Args
	reason := NewError(int(args.Uint16("reply-code")), args.Str("reply-text"), true)
	ch.log.Warn().Int("code", reason.Code).Str("text", reason.Reason).Msg("channel closed by broker")

	ch.conn.sendMethod(ch.number, protocol.ChannelCloseOk, nil)
	ch.conn.metrics.ChannelError(reason)
	ch.conn.errorHandler.HandleChannelError(ch, reason)
	ch.finishClose(reason)
}

func (ch *Channel) finishClose(reason error) {
	if ch.state == ChannelClosed {
		return
	}
	ch.state = ChannelClosed
	ch.closeReason = reason
	ch.cleanup()
	ch.conn.channelClosed(ch)
	ch.conn.metrics.ChannelClosed()
	ch.notifyClosed(reason)
}

// connectionClosed is called by the connection while terminating.
func (ch *Channel) connectionClosed(reason error) {
	if ch.state == ChannelClosed {
		return
	}
	ch.state = ChannelClosed
	ch.closeReason = &ConnectionClosedError{Cause: reason}
	ch.cleanup()
	ch.conn.metrics.ChannelClosed()
	ch.notifyClosed(ch.closeReason)
}

func (ch *Channel) notifyClosed(reason error) {
	ch.log.Debug().Err(reason).Msg("channel closed")
	for _, fn := range slices.Clone(ch.onClose) {
		fn(ch, reason)
	}
}

func (ch *Channel) cleanup() {
	ch.blocking = nil
	ch.blocked = nil
	ch.content.reset()
	ch.consumers = make(map[string]*consumer)
	ch.pending = make(map[string][]*Delivery)
	ch.cancelled = make(map[string]bool)
	ch.onGet = nil
	ch.unconfirmed = nil
	ch.conn.callbacks.Cleanup(ch.number)
}

func (ch *Channel) closedError() error {
	if ch.state == ChannelClosed && ch.closeReason != nil {
		return &ChannelClosedError{Channel: ch.number, Cause: ch.closeReason}
	}
	return &ChannelClosedError{Channel: ch.number, Cause: errors.Errorf("channel is %s", ch.state)}
}

// content

func (ch *Channel) handleContentFrame(f frame.Frame) error {
	msg, err := ch.content.process(f)
	if err != nil || msg == nil {
		return err
	}

	switch msg.method.ID {
	case protocol.BasicDeliver:
		ch.onDeliver(msg)
	case protocol.BasicGetOk:
		ch.onGetOk(msg)
	case protocol.BasicReturn:
		ch.onBasicReturn(msg)
	default:
		ch.log.Warn().Str("method", msg.method.Name()).Msg("unexpected content method")
	}
	return nil
}
