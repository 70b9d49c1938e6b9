package rabbitmq

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/pkg/errors"
)

// BlockingChannel wraps a Channel with calls that return once the broker
// has answered.
type BlockingChannel struct {
	conn *BlockingConnection
	ch   *Channel

	consumers map[string]*blockingConsumer
	generator *generator
	stopping  bool

	// set while Publish waits for its confirm
	awaitTag  uint64
	confirmed *bool
	returned  bool

	onReturn []func(*BlockingChannel, Return)
}

func newBlockingChannel(conn *BlockingConnection, ch *Channel) *BlockingChannel {
	bc := &BlockingChannel{
		conn:      conn,
		ch:        ch,
		consumers: make(map[string]*blockingConsumer),
	}
	ch.AddOnConfirmCallback(bc.onConfirm)
	ch.AddOnReturnCallback(bc.onBasicReturn)
	return bc
}

// Channel returns the underlying engine channel
func (bc *BlockingChannel) Channel() *Channel { return bc.ch }

// Number returns the channel number
func (bc *BlockingChannel) Number() uint16 { return bc.ch.Number() }

// IsOpen reports whether the channel is open
func (bc *BlockingChannel) IsOpen() bool { return bc.ch.IsOpen() }

// IsClosed reports whether the channel is closed
func (bc *BlockingChannel) IsClosed() bool { return bc.ch.IsClosed() }

// invoke issues a request and pumps until it completes or the channel closes.
func (bc *BlockingChannel) invoke(issue func(done func()) error) error {
	finished := false
	if err := issue(func() { finished = true }); err != nil {
		return err
	}
	if err := bc.conn.pumpUntil(func() bool { return finished || bc.ch.IsClosed() }); err != nil {
		return err
	}
	if !finished {
		return bc.ch.closedError()
	}
	return nil
}

// Close closes the channel and waits for Channel.CloseOk
func (bc *BlockingChannel) Close() error {
	if err := bc.ch.Close(); err != nil {
		return err
	}
	if err := bc.conn.pumpUntil(bc.ch.IsClosed); err != nil {
		return err
	}
	if reason := bc.ch.CloseError(); reason != nil && !isNormalClose(reason) {
		return reason
	}
	return nil
}

// topology

// ExchangeDeclare declares an exchange
func (bc *BlockingChannel) ExchangeDeclare(name, kind string, opts ExchangeDeclareOptions) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.ExchangeDeclare(name, kind, opts, done)
	})
}

// ExchangeDelete deletes an exchange
func (bc *BlockingChannel) ExchangeDelete(name string, opts ExchangeDeleteOptions) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.ExchangeDelete(name, opts, done)
	})
}

// ExchangeBind binds destination to source
func (bc *BlockingChannel) ExchangeBind(destination, source, routingKey string, args Table) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.ExchangeBind(destination, source, routingKey, args, done)
	})
}

// ExchangeUnbind removes an exchange to exchange binding
func (bc *BlockingChannel) ExchangeUnbind(destination, source, routingKey string, args Table) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.ExchangeUnbind(destination, source, routingKey, args, done)
	})
}

// QueueDeclare declares a queue and returns its broker-side state
func (bc *BlockingChannel) QueueDeclare(name string, opts QueueDeclareOptions) (Queue, error) {
	var q Queue
	err := bc.invoke(func(done func()) error {
		return bc.ch.QueueDeclare(name, opts, func(result Queue) {
			q = result
			done()
		})
	})
	return q, err
}

// QueueBind binds a queue to an exchange
func (bc *BlockingChannel) QueueBind(name, exchange, routingKey string, args Table) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.QueueBind(name, exchange, routingKey, args, done)
	})
}

// QueueUnbind removes a queue binding
func (bc *BlockingChannel) QueueUnbind(name, exchange, routingKey string, args Table) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.QueueUnbind(name, exchange, routingKey, args, done)
	})
}

// QueuePurge purges a queue and returns how many messages were removed
func (bc *BlockingChannel) QueuePurge(name string) (int, error) {
	var count int
	err := bc.invoke(func(done func()) error {
		return bc.ch.QueuePurge(name, func(n int) {
			count = n
			done()
		})
	})
	return count, err
}

// QueueDelete deletes a queue and returns how many messages it held
func (bc *BlockingChannel) QueueDelete(name string, opts QueueDeleteOptions) (int, error) {
	var count int
	err := bc.invoke(func(done func()) error {
		return bc.ch.QueueDelete(name, opts, func(n int) {
			count = n
			done()
		})
	})
	return count, err
}

// basic

// Qos sets the prefetch window
func (bc *BlockingChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.Qos(prefetchCount, prefetchSize, global, done)
	})
}

// Recover asks the broker to redeliver unacknowledged messages
func (bc *BlockingChannel) Recover(requeue bool) error {
	return bc.invoke(func(done func()) error {
		return bc.ch.Recover(requeue, done)
	})
}

// Flow pauses or resumes deliveries and returns the broker's flow state
func (bc *BlockingChannel) Flow(active bool) (bool, error) {
	var result bool
	err := bc.invoke(func(done func()) error {
		return bc.ch.Flow(active, func(a bool) {
			result = a
			done()
		})
	})
	return result, err
}

// TxSelect enables transactions
func (bc *BlockingChannel) TxSelect() error {
	return bc.invoke(bc.ch.TxSelect)
}

// TxCommit commits the current transaction
func (bc *BlockingChannel) TxCommit() error {
	return bc.invoke(bc.ch.TxCommit)
}

// TxRollback rolls back the current transaction
func (bc *BlockingChannel) TxRollback() error {
	return bc.invoke(bc.ch.TxRollback)
}

// Ack acknowledges deliveries
func (bc *BlockingChannel) Ack(deliveryTag uint64, multiple bool) error {
	return bc.ch.Ack(deliveryTag, multiple)
}

// Nack negatively acknowledges deliveries
func (bc *BlockingChannel) Nack(deliveryTag uint64, multiple, requeue bool) error {
	return bc.ch.Nack(deliveryTag, multiple, requeue)
}

// Reject rejects a single delivery
func (bc *BlockingChannel) Reject(deliveryTag uint64, requeue bool) error {
	return bc.ch.Reject(deliveryTag, requeue)
}

// Get fetches one message. It returns nil when the queue is empty.
func (bc *BlockingChannel) Get(queue string, autoAck bool) (*Delivery, error) {
	var d *Delivery
	err := bc.invoke(func(done func()) error {
		return bc.ch.Get(queue, autoAck, func(result *Delivery) {
			d = result
			done()
		})
	})
	return d, err
}

// publishing

// ConfirmSelect enables publisher confirms. Publish then waits for the
// broker's verdict on each message.
func (bc *BlockingChannel) ConfirmSelect() error {
	return bc.invoke(bc.ch.ConfirmSelect)
}

// Publish sends a message. In confirm mode it waits for the broker and
// returns ErrPublishNacked or, for a mandatory message that could not be
// routed, ErrUnroutable.
func (bc *BlockingChannel) Publish(exchange, routingKey string, msg Publishing, mandatory bool) error {
	if !bc.ch.IsConfirming() {
		return bc.ch.Publish(exchange, routingKey, mandatory, false, msg)
	}

	tag := bc.ch.NextPublishSeqNo()
	bc.awaitTag, bc.confirmed, bc.returned = tag, nil, false
	defer func() { bc.awaitTag, bc.confirmed = 0, nil }()

	if err := bc.ch.Publish(exchange, routingKey, mandatory, false, msg); err != nil {
		return err
	}
	if err := bc.conn.pumpUntil(func() bool { return bc.confirmed != nil || bc.ch.IsClosed() }); err != nil {
		return err
	}
	switch {
	case bc.confirmed == nil:
		return bc.ch.closedError()
	case !*bc.confirmed:
		return errors.Wrapf(ErrPublishNacked, "delivery tag %d", tag)
	case bc.returned:
		return errors.Wrapf(ErrUnroutable, "exchange %q routing key %q", exchange, routingKey)
	}
	return nil
}

// AddOnReturnCallback registers fn for messages returned outside a
// confirm-mode Publish. It runs from ProcessDataEvents.
func (bc *BlockingChannel) AddOnReturnCallback(fn func(*BlockingChannel, Return)) {
	bc.onReturn = append(bc.onReturn, fn)
}

func (bc *BlockingChannel) onConfirm(c Confirmation) {
	if bc.awaitTag == 0 || c.DeliveryTag != bc.awaitTag {
		return
	}
	ack := c.Ack
	bc.confirmed = &ack
}

func (bc *BlockingChannel) onBasicReturn(r Return) {
	if bc.awaitTag != 0 {
		bc.returned = true
		return
	}
	for _, fn := range slices.Clone(bc.onReturn) {
		bc.conn.queueEvent(func() { fn(bc, r) })
	}
}

// callback consumers

// DeliveryCallback handles one message delivered to a BasicConsume consumer.
type DeliveryCallback func(ch *BlockingChannel, d *Delivery) error

type blockingConsumer struct {
	bc       *BlockingChannel
	tag      string
	autoAck  bool
	active   bool
	callback DeliveryCallback
}

// HandleDelivery defers the callback until events are processed.
func (c *blockingConsumer) HandleDelivery(d *Delivery) error {
	c.bc.conn.queueEvent(func() {
		if !c.active {
			if !c.autoAck && c.bc.ch.IsOpen() {
				c.bc.ch.Nack(d.DeliveryTag, false, true)
			}
			return
		}
		if err := c.callback(c.bc, d); err != nil {
			c.bc.ch.conn.errorHandler.HandleConsumerError(c.bc.ch, c.tag, err)
		}
	})
	return nil
}

func (c *blockingConsumer) HandleCancel(tag string) {
	c.active = false
	delete(c.bc.consumers, tag)
}

// BasicConsume starts a consumer whose callback runs from
// ProcessDataEvents or StartConsuming.
func (bc *BlockingChannel) BasicConsume(queue string, callback DeliveryCallback, opts ConsumeOptions) (string, error) {
	if callback == nil {
		return "", errors.New("consume callback is required")
	}
	c := &blockingConsumer{bc: bc, autoAck: opts.AutoAck, active: true, callback: callback}
	var tag string
	err := bc.invoke(func(done func()) error {
		var err error
		tag, err = bc.ch.Consume(queue, c, opts, func(string) { done() })
		return err
	})
	if err != nil {
		return "", err
	}
	c.tag = tag
	bc.consumers[tag] = c
	return tag, nil
}

// BasicCancel stops a callback consumer. Messages already received for it
// but not yet dispatched are nacked with requeue unless it used auto-ack.
func (bc *BlockingChannel) BasicCancel(consumerTag string) error {
	c, ok := bc.consumers[consumerTag]
	if !ok {
		return errors.Errorf("unknown consumer tag %q", consumerTag)
	}
	c.active = false
	delete(bc.consumers, consumerTag)

	return bc.invoke(func(done func()) error {
		return bc.ch.Cancel(consumerTag, func(string) { done() })
	})
}

// StartConsuming processes events until every callback consumer on the
// channel is cancelled or the channel closes.
func (bc *BlockingChannel) StartConsuming() error {
	bc.stopping = false
	for len(bc.consumers) > 0 && !bc.stopping {
		if bc.ch.IsClosed() {
			return bc.ch.closedError()
		}
		if err := bc.conn.ProcessDataEvents(pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// StopConsuming cancels every callback consumer. It may be called from a
// delivery callback.
func (bc *BlockingChannel) StopConsuming() error {
	bc.stopping = true
	tags := make([]string, 0, len(bc.consumers))
	for tag := range bc.consumers {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	for _, tag := range tags {
		if err := bc.BasicCancel(tag); err != nil {
			return err
		}
	}
	return nil
}

// generator consumer

type generator struct {
	queue     string
	opts      ConsumeOptions
	tag       string
	pending   []*Delivery
	cancelled bool
}

func (g *generator) HandleDelivery(d *Delivery) error {
	g.pending = append(g.pending, d)
	return nil
}

func (g *generator) HandleCancel(string) {
	g.cancelled = true
}

// Consume returns a sequence of messages from queue. Breaking out of the
// loop leaves the consumer running, so ranging again with the same queue
// and options resumes it; CancelConsumer stops it. With a non-zero
// inactivity timeout the sequence yields (nil, nil) whenever nothing
// arrived for that long. A closed channel ends the sequence with its error.
func (bc *BlockingChannel) Consume(queue string, opts ConsumeOptions, inactivity time.Duration) iter.Seq2[*Delivery, error] {
	return func(yield func(*Delivery, error) bool) {
		g, err := bc.startGenerator(queue, opts)
		if err != nil {
			yield(nil, err)
			return
		}

		for {
			if len(g.pending) == 0 && !g.cancelled {
				if err := bc.waitForDelivery(g, inactivity); err != nil {
					yield(nil, err)
					return
				}
			}

			if len(g.pending) == 0 {
				if g.cancelled {
					bc.generator = nil
					return
				}
				if !yield(nil, nil) {
					return
				}
				continue
			}

			d := g.pending[0]
			g.pending = g.pending[1:]
			if !yield(d, nil) {
				return
			}
		}
	}
}

func (bc *BlockingChannel) startGenerator(queue string, opts ConsumeOptions) (*generator, error) {
	if g := bc.generator; g != nil {
		if g.queue != queue || g.opts.AutoAck != opts.AutoAck || g.opts.Exclusive != opts.Exclusive ||
			(opts.ConsumerTag != "" && opts.ConsumerTag != g.tag) {
			return nil, errors.Errorf("consume already active on queue %q with different options; cancel it first", g.queue)
		}
		return g, nil
	}

	g := &generator{queue: queue, opts: opts}
	err := bc.invoke(func(done func()) error {
		var err error
		g.tag, err = bc.ch.Consume(queue, g, opts, func(string) { done() })
		return err
	})
	if err != nil {
		return nil, err
	}
	bc.generator = g
	return g, nil
}

func (bc *BlockingChannel) waitForDelivery(g *generator, inactivity time.Duration) error {
	ready := func() bool { return len(g.pending) > 0 || g.cancelled || bc.ch.IsClosed() }

	ctx := context.Background()
	if inactivity > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inactivity)
		defer cancel()
	}
	err := bc.conn.pump(ctx, ready)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(g.pending) == 0 && bc.ch.IsClosed() {
		bc.generator = nil
		return bc.ch.closedError()
	}
	return nil
}

// CancelConsumer stops the consumer started by Consume. Messages received
// but not yet yielded are nacked with requeue, unless the consumer used
// auto-ack, and their number is returned.
func (bc *BlockingChannel) CancelConsumer() (int, error) {
	g := bc.generator
	if g == nil {
		return 0, nil
	}

	if !g.cancelled && bc.ch.IsOpen() {
		err := bc.invoke(func(done func()) error {
			return bc.ch.Cancel(g.tag, func(string) { done() })
		})
		if err != nil {
			return 0, err
		}
	}
	bc.generator = nil

	count := len(g.pending)
	if !g.opts.AutoAck && bc.ch.IsOpen() {
		for _, d := range g.pending {
			if err := bc.ch.Nack(d.DeliveryTag, false, true); err != nil {
				return count, err
			}
		}
	}
	g.pending = nil
	return count, nil
}
