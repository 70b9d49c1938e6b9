package rabbitmq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RpcClient implements request/reply over a private reply queue. Replies
// are matched to calls by correlation id.
type RpcClient struct {
	channel     *BlockingChannel
	replyQueue  string
	consumerTag string
	replies     map[string]*Delivery
	closed      bool
}

// NewRpcClient declares an exclusive reply queue on ch and consumes it.
func NewRpcClient(ch *BlockingChannel) (*RpcClient, error) {
	q, err := ch.QueueDeclare("", QueueDeclareOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, errors.Wrap(err, "declare reply queue")
	}

	c := &RpcClient{
		channel:    ch,
		replyQueue: q.Name,
		replies:    make(map[string]*Delivery),
	}
	c.consumerTag, err = ch.BasicConsume(q.Name, c.onReply, ConsumeOptions{AutoAck: true})
	if err != nil {
		return nil, errors.Wrap(err, "consume reply queue")
	}
	return c, nil
}

// ReplyQueue returns the name of the reply queue
func (c *RpcClient) ReplyQueue() string { return c.replyQueue }

func (c *RpcClient) onReply(_ *BlockingChannel, d *Delivery) error {
	id := d.Properties.CorrelationId
	if _, waiting := c.replies[id]; !waiting {
		c.channel.ch.log.Debug().Str("correlation_id", id).Msg("discarding unmatched reply")
		return nil
	}
	c.replies[id] = d
	return nil
}

// Call publishes msg with reply-to and correlation id set and waits for the
// matching reply or for ctx to end.
func (c *RpcClient) Call(ctx context.Context, exchange, routingKey string, msg Publishing) (*Delivery, error) {
	if c.closed {
		return nil, errors.New("rpc client is closed")
	}

	id := uuid.NewString()
	c.replies[id] = nil
	defer delete(c.replies, id)

	msg.Properties.ReplyTo = c.replyQueue
	msg.Properties.CorrelationId = id
	if err := c.channel.Publish(exchange, routingKey, msg, false); err != nil {
		return nil, errors.Wrap(err, "publish rpc request")
	}

	conn := c.channel.conn
	for c.replies[id] == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := pollInterval
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, time.Until(deadline))
		}
		if err := conn.ProcessDataEvents(wait); err != nil {
			return nil, err
		}
	}
	return c.replies[id], nil
}

// Close cancels the reply consumer
func (c *RpcClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if !c.channel.IsOpen() {
		return nil
	}
	return c.channel.BasicCancel(c.consumerTag)
}
