package rabbitmq

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/callback"
	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// Confirmation is the broker's verdict on one published message
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}

// Publish sends a message. With confirms enabled the message is assigned
// the delivery tag NextPublishSeqNo returned just before the call.
func (ch *Channel) Publish(exchange, routingKey string, mandatory, immediate bool, msg Publishing) error {
	if ch.state != ChannelOpen {
		return ch.closedError()
	}

	method := protocol.NewMethod(protocol.BasicPublish, protocol.Arguments{
		"exchange":    exchange,
		"routing-key": routingKey,
		"mandatory":   mandatory,
		"immediate":   immediate,
	})
	if err := ch.conn.sendContent(ch.number, method, msg.Properties, msg.Body); err != nil {
		return err
	}

	if ch.confirming {
		ch.publishSeq++
		ch.unconfirmed = append(ch.unconfirmed, ch.publishSeq)
	}
	ch.conn.metrics.MessagePublished()
	return nil
}

// NextPublishSeqNo returns the delivery tag the next Publish will get, or 0
// when confirms are not enabled.
func (ch *Channel) NextPublishSeqNo() uint64 {
	if !ch.confirming {
		return 0
	}
	return ch.publishSeq + 1
}

// Unconfirmed returns the delivery tags still waiting for a confirm
func (ch *Channel) Unconfirmed() []uint64 {
	return slices.Clone(ch.unconfirmed)
}

// AddOnConfirmCallback registers fn to receive publisher confirms
func (ch *Channel) AddOnConfirmCallback(fn func(Confirmation)) {
	ch.onConfirm = append(ch.onConfirm, fn)
}

// ConfirmSelect puts the channel in publisher confirm mode. It fails with
// ErrNotImplemented when the broker does not advertise publisher_confirms.
func (ch *Channel) ConfirmSelect(onOk func()) error {
	if ch.state != ChannelOpen {
		return ch.closedError()
	}
	if !ch.conn.HasCapability(protocol.CapabilityPublisherConfirms) {
		return errors.Wrap(ErrNotImplemented, "broker does not support publisher confirms")
	}
	if ch.confirming {
		if onOk != nil {
			onOk()
		}
		return nil
	}
	return ch.callWithSend(protocol.ConfirmSelect, nil, nil, okFunc(onOk), ch.startConfirming)
}

// startConfirming switches on delivery tag counting. The broker numbers
// publishes from the first one after Confirm.Select, so this runs when the
// request is written rather than when it is queued.
func (ch *Channel) startConfirming() {
	if ch.confirming {
		return
	}
	ch.confirming = true
	ch.conn.callbacks.Add(ch.number, protocol.BasicAck.String(), callback.New(ch.onBasicAck), callback.Persistent(), callback.OnlyCaller(ch))
	ch.conn.callbacks.Add(ch.number, protocol.BasicNack.String(), callback.New(ch.onBasicNack), callback.Persistent(), callback.OnlyCaller(ch))
}

// IsConfirming reports whether publisher confirms are enabled
func (ch *Channel) IsConfirming() bool { return ch.confirming }

func (ch *Channel) onBasicAck(f *frame.MethodFrame) {
	ch.confirm(f.Method.Args.Uint64("delivery-tag"), f.Method.Args.Bool("multiple"), true)
}

func (ch *Channel) onBasicNack(f *frame.MethodFrame) {
	ch.confirm(f.Method.Args.Uint64("delivery-tag"), f.Method.Args.Bool("multiple"), false)
}

// confirm resolves tag, or every outstanding tag up to it when multiple is
// set. Tags already resolved are ignored.
func (ch *Channel) confirm(tag uint64, multiple, ack bool) {
	var resolved []uint64
	ch.unconfirmed = slices.DeleteFunc(ch.unconfirmed, func(t uint64) bool {
		if t == tag || (multiple && t < tag) {
			resolved = append(resolved, t)
			return true
		}
		return false
	})
	if len(resolved) == 0 {
		ch.log.Debug().Uint64("delivery_tag", tag).Bool("ack", ack).Msg("confirm for unknown tag")
		return
	}

	for _, t := range resolved {
		ch.conn.metrics.ConfirmReceived(ack)
		for _, fn := range slices.Clone(ch.onConfirm) {
			fn(Confirmation{DeliveryTag: t, Ack: ack})
		}
	}
}
