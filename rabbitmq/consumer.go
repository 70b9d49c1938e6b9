package rabbitmq

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// Consumer receives the deliveries of one consumer tag
type Consumer interface {
	// HandleDelivery is called for each message. A returned error is passed
	// to the connection's ErrorHandler; the message is not acked for you.
	HandleDelivery(d *Delivery) error
	// HandleCancel is called when the broker cancels the consumer, e.g.
	// because its queue was deleted.
	HandleCancel(consumerTag string)
}

// DeliveryHandlerFunc adapts a function to Consumer
type DeliveryHandlerFunc func(d *Delivery) error

func (f DeliveryHandlerFunc) HandleDelivery(d *Delivery) error { return f(d) }

func (f DeliveryHandlerFunc) HandleCancel(string) {}

// ConsumeOptions configures consumer behavior
type ConsumeOptions struct {
	ConsumerTag string // generated when empty
	AutoAck     bool
	Exclusive   bool
	NoLocal     bool
	Args        Table
}

type consumer struct {
	tag      string
	queue    string
	noAck    bool
	callback Consumer
}

// generateConsumerTag returns a tag unique to this channel
func (ch *Channel) generateConsumerTag() string {
	for {
		tag := fmt.Sprintf("ctag%d.%s", ch.number, uuid.New().String())
		if _, used := ch.consumers[tag]; used {
			continue
		}
		if _, used := ch.cancelled[tag]; used {
			continue
		}
		return tag
	}
}

// Consume starts a consumer on queue and returns its tag. onOk runs when
// the broker confirms with Basic.ConsumeOk.
func (ch *Channel) Consume(queue string, callback Consumer, opts ConsumeOptions, onOk func(consumerTag string)) (string, error) {
	if ch.state != ChannelOpen {
		return "", ch.closedError()
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = ch.generateConsumerTag()
	}
	if _, ok := ch.consumers[tag]; ok {
		return "", errors.Wrapf(ErrDuplicateConsumerTag, "consumer tag %q", tag)
	}
	if _, ok := ch.cancelled[tag]; ok {
		return "", errors.Wrapf(ErrDuplicateConsumerTag, "consumer tag %q is being cancelled", tag)
	}

	ch.consumers[tag] = &consumer{tag: tag, queue: queue, noAck: opts.AutoAck, callback: callback}
	if _, ok := ch.pending[tag]; !ok {
		ch.pending[tag] = nil
	}

	err := ch.call(protocol.BasicConsume, protocol.Arguments{
		"queue":        queue,
		"consumer-tag": tag,
		"no-local":     opts.NoLocal,
		"no-ack":       opts.AutoAck,
		"exclusive":    opts.Exclusive,
		"arguments":    opts.Args,
	}, map[string]any{"consumer-tag": tag}, func(*frame.MethodFrame) {
		ch.log.Debug().Str("consumer_tag", tag).Str("queue", queue).Msg("consumer registered")
		ch.flushPending(tag)
		if onOk != nil {
			onOk(tag)
		}
	})
	if err != nil {
		delete(ch.consumers, tag)
		delete(ch.pending, tag)
		return "", err
	}
	return tag, nil
}

// Cancel stops a consumer. Deliveries that arrive for it before the
// broker's Basic.CancelOk are rejected with requeue.
func (ch *Channel) Cancel(consumerTag string, onOk func(consumerTag string)) error {
	if ch.state != ChannelOpen {
		return ch.closedError()
	}
	if _, ok := ch.consumers[consumerTag]; !ok {
		if _, cancelling := ch.cancelled[consumerTag]; cancelling {
			return nil
		}
		return errors.Errorf("unknown consumer tag %q", consumerTag)
	}
	return ch.cancelConsumer(consumerTag, onOk)
}

func (ch *Channel) cancelConsumer(tag string, onOk func(string)) error {
	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}
	if _, cancelling := ch.cancelled[tag]; cancelling {
		return nil
	}
	ch.cancelled[tag] = c.noAck

	return ch.rpc(&rpcCall{
		method: protocol.NewMethod(protocol.BasicCancel, protocol.Arguments{"consumer-tag": tag}),
		filter: map[string]any{"consumer-tag": tag},
		onReply: func(*frame.MethodFrame) {
			// nothing more arrives for tag after CancelOk, so it may be reused
			delete(ch.cancelled, tag)
			delete(ch.consumers, tag)
			delete(ch.pending, tag)
			ch.log.Debug().Str("consumer_tag", tag).Msg("consumer cancelled")
			if onOk != nil {
				onOk(tag)
			}
		},
	})
}

// ConsumerTags returns the tags of active consumers in sorted order
func (ch *Channel) ConsumerTags() []string {
	return ch.consumerTags()
}

func (ch *Channel) consumerTags() []string {
	tags := make([]string, 0, len(ch.consumers))
	for tag := range ch.consumers {
		if _, cancelling := ch.cancelled[tag]; !cancelling {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	return tags
}

// onBrokerCancel handles Basic.Cancel sent by the broker.
func (ch *Channel) onBrokerCancel(f *frame.MethodFrame) {
	tag := f.Method.Args.Str("consumer-tag")
	c, ok := ch.consumers[tag]
	ch.log.Warn().Str("consumer_tag", tag).Msg("consumer cancelled by broker")

	if !f.Method.Args.Bool("nowait") {
		ch.send(protocol.BasicCancelOk, protocol.Arguments{"consumer-tag": tag})
	}
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	delete(ch.pending, tag)

	c.callback.HandleCancel(tag)
	for _, fn := range slices.Clone(ch.onCancel) {
		fn(tag)
	}
}

func (ch *Channel) onDeliver(msg *message) {
	d := newDelivery(ch, msg)
	tag := d.ConsumerTag

	if noAck, ok := ch.cancelled[tag]; ok {
		ch.log.Debug().Str("consumer_tag", tag).Uint64("delivery_tag", d.DeliveryTag).Msg("rejecting delivery for cancelled consumer")
		if !noAck && ch.state == ChannelOpen {
			ch.Reject(d.DeliveryTag, true)
		}
		return
	}

	c, ok := ch.consumers[tag]
	if !ok {
		ch.log.Debug().Str("consumer_tag", tag).Msg("holding delivery for unregistered consumer")
		ch.pending[tag] = append(ch.pending[tag], d)
		return
	}

	ch.flushPending(tag)
	ch.dispatch(c, d)
}

// flushPending hands deliveries held for tag to its consumer in order.
func (ch *Channel) flushPending(tag string) {
	c, ok := ch.consumers[tag]
	if !ok {
		return
	}
	for len(ch.pending[tag]) > 0 {
		d := ch.pending[tag][0]
		ch.pending[tag] = ch.pending[tag][1:]
		ch.dispatch(c, d)
	}
}

func (ch *Channel) dispatch(c *consumer, d *Delivery) {
	ch.conn.metrics.MessageConsumed()
	if err := c.callback.HandleDelivery(d); err != nil {
		ch.conn.errorHandler.HandleConsumerError(ch, c.tag, err)
	}
}

// Get polls one message from queue. onResult receives nil when the queue is empty.
func (ch *Channel) Get(queue string, autoAck bool, onResult func(*Delivery)) error {
	if ch.state != ChannelOpen {
		return ch.closedError()
	}
	if ch.onGet != nil {
		return ErrGetInProgress
	}
	ch.onGet = onResult

	err := ch.call(protocol.BasicGet, protocol.Arguments{
		"queue":  queue,
		"no-ack": autoAck,
	}, nil, func(*frame.MethodFrame) {
		// Basic.GetEmpty; Basic.GetOk arrives through the content path.
		fn := ch.onGet
		ch.onGet = nil
		if fn != nil {
			fn(nil)
		}
	})
	if err != nil {
		ch.onGet = nil
	}
	return err
}

func (ch *Channel) onGetOk(msg *message) {
	fn := ch.onGet
	ch.onGet = nil
	ch.onSynchronousComplete(&frame.MethodFrame{ChannelID: ch.number, Method: msg.method})

	d := newDelivery(ch, msg)
	ch.conn.metrics.MessageConsumed()
	if fn == nil {
		ch.log.Warn().Uint64("delivery_tag", d.DeliveryTag).Msg("unsolicited get-ok")
		return
	}
	fn(d)
}

// Ack acknowledges one or, with multiple, all deliveries up to tag
func (ch *Channel) Ack(deliveryTag uint64, multiple bool) error {
	if err := ch.send(protocol.BasicAck, protocol.Arguments{
		"delivery-tag": deliveryTag,
		"multiple":     multiple,
	}); err != nil {
		return err
	}
	ch.conn.metrics.MessageAcked()
	return nil
}

// Nack negatively acknowledges deliveries
func (ch *Channel) Nack(deliveryTag uint64, multiple, requeue bool) error {
	if err := ch.send(protocol.BasicNack, protocol.Arguments{
		"delivery-tag": deliveryTag,
		"multiple":     multiple,
		"requeue":      requeue,
	}); err != nil {
		return err
	}
	ch.conn.metrics.MessageNacked()
	return nil
}

// Reject rejects a single delivery
func (ch *Channel) Reject(deliveryTag uint64, requeue bool) error {
	if err := ch.send(protocol.BasicReject, protocol.Arguments{
		"delivery-tag": deliveryTag,
		"requeue":      requeue,
	}); err != nil {
		return err
	}
	ch.conn.metrics.MessageRejected()
	return nil
}

// Qos sets the prefetch window
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool, onOk func()) error {
	return ch.call(protocol.BasicQos, protocol.Arguments{
		"prefetch-size":  uint32(prefetchSize),
		"prefetch-count": uint16(prefetchCount),
		"global":         global,
	}, nil, okFunc(onOk))
}

// Recover asks the broker to redeliver unacknowledged messages
func (ch *Channel) Recover(requeue bool, onOk func()) error {
	return ch.call(protocol.BasicRecover, protocol.Arguments{"requeue": requeue}, nil, okFunc(onOk))
}

func okFunc(onOk func()) func(*frame.MethodFrame) {
	return func(*frame.MethodFrame) {
		if onOk != nil {
			onOk()
		}
	}
}
