package amqptest

import (
	"fmt"
	"slices"

	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

type unacked struct {
	queue string
	msg   *message
}

type publish struct {
	args  protocol.Arguments
	size  uint64
	props protocol.Properties
	body  []byte
	ready bool
}

type channel struct {
	conn *conn
	id   uint16

	closing    bool
	confirm    bool
	publishSeq uint64
	nextTag    uint64
	unacked    map[uint64]*unacked
	consumers  map[string]*consumer
	incoming   *publish
}

func newChannel(c *conn, id uint16) *channel {
	return &channel{
		conn:      c,
		id:        id,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
	}
}

func (ch *channel) broker() *Broker { return ch.conn.b }

func (ch *channel) reply(id protocol.MethodID, args protocol.Arguments, nowait bool) {
	if !nowait {
		ch.conn.sendMethod(ch.id, id, args)
	}
}

// fail closes the channel from the server side.
func (ch *channel) fail(code int, text string, method protocol.MethodID) {
	ch.closing = true
	ch.broker().closeChannel(ch)
	ch.conn.sendMethod(ch.id, protocol.ChannelClose, protocol.Arguments{
		"reply-code": uint16(code),
		"reply-text": text,
		"class-id":   method.ClassID(),
		"method-id":  method.MethodIndex(),
	})
}

func (ch *channel) handleMethod(f *frame.MethodFrame) {
	id := f.Method.ID
	args := f.Method.Args
	b := ch.broker()

	if ch.closing {
		if id == protocol.ChannelCloseOk || id == protocol.ChannelClose {
			if id == protocol.ChannelClose {
				ch.conn.sendMethod(ch.id, protocol.ChannelCloseOk, nil)
			}
			delete(ch.conn.channels, ch.id)
		}
		return
	}
	if ch.incoming != nil {
		ch.conn.closeConnection(protocol.ReplyUnexpectedFrame, "UNEXPECTED_FRAME - expected content")
		return
	}

	nowait := args.Bool("nowait")
	switch id {
	case protocol.ChannelClose:
		b.closeChannel(ch)
		delete(ch.conn.channels, ch.id)
		ch.conn.sendMethod(ch.id, protocol.ChannelCloseOk, nil)
	case protocol.ChannelFlow:
		ch.reply(protocol.ChannelFlowOk, protocol.Arguments{"active": args.Bool("active")}, false)

	case protocol.ExchangeDeclare:
		name := args.Str("exchange")
		ex, ok := b.exchanges[name]
		switch {
		case args.Bool("passive") && !ok:
			ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", name), id)
			return
		case ok && !args.Bool("passive") && ex.kind != args.Str("type"):
			ch.fail(protocol.ReplyPreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name), id)
			return
		case !ok:
			b.exchanges[name] = &exchange{name: name, kind: args.Str("type")}
		}
		ch.reply(protocol.ExchangeDeclareOk, nil, nowait)
	case protocol.ExchangeDelete:
		name := args.Str("exchange")
		delete(b.exchanges, name)
		for _, ex := range b.exchanges {
			ex.bindings = slices.DeleteFunc(ex.bindings, func(bd binding) bool {
				return bd.toExchange && bd.destination == name
			})
		}
		ch.reply(protocol.ExchangeDeleteOk, nil, nowait)
	case protocol.ExchangeBind, protocol.ExchangeUnbind:
		src, dst := args.Str("source"), args.Str("destination")
		ex, ok := b.exchanges[src]
		if _, dok := b.exchanges[dst]; !ok || !dok {
			ch.fail(protocol.ReplyNotFound, "NOT_FOUND - no exchange", id)
			return
		}
		bd := binding{destination: dst, toExchange: true, key: args.Str("routing-key")}
		if id == protocol.ExchangeBind {
			ex.bindings = appendBinding(ex.bindings, bd)
			ch.reply(protocol.ExchangeBindOk, nil, nowait)
		} else {
			ex.bindings = slices.DeleteFunc(ex.bindings, func(x binding) bool { return x == bd })
			ch.reply(protocol.ExchangeUnbindOk, nil, nowait)
		}

	case protocol.QueueDeclare:
		name := args.Str("queue")
		q, ok := b.queues[name]
		if !ok {
			if args.Bool("passive") {
				ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name), id)
				return
			}
			if name == "" {
				name = b.nextName("amq.gen")
			}
			q = &queue{name: name}
			b.queues[name] = q
		}
		ch.reply(protocol.QueueDeclareOk, protocol.Arguments{
			"queue":          q.name,
			"message-count":  uint32(len(q.messages)),
			"consumer-count": uint32(len(q.consumers)),
		}, nowait)
	case protocol.QueueBind, protocol.QueueUnbind:
		qn, en := args.Str("queue"), args.Str("exchange")
		ex, ok := b.exchanges[en]
		if !ok || en == "" {
			ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", en), id)
			return
		}
		if _, ok := b.queues[qn]; !ok {
			ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", qn), id)
			return
		}
		bd := binding{destination: qn, key: args.Str("routing-key")}
		if id == protocol.QueueBind {
			ex.bindings = appendBinding(ex.bindings, bd)
			ch.reply(protocol.QueueBindOk, nil, nowait)
		} else {
			ex.bindings = slices.DeleteFunc(ex.bindings, func(x binding) bool { return x == bd })
			ch.reply(protocol.QueueUnbindOk, nil, false)
		}
	case protocol.QueuePurge:
		q, ok := b.queues[args.Str("queue")]
		if !ok {
			ch.fail(protocol.ReplyNotFound, "NOT_FOUND - no queue", id)
			return
		}
		n := len(q.messages)
		q.messages = nil
		ch.reply(protocol.QueuePurgeOk, protocol.Arguments{"message-count": uint32(n)}, nowait)
	case protocol.QueueDelete:
		name := args.Str("queue")
		n := 0
		if _, ok := b.queues[name]; ok {
			n = b.deleteQueue(name)
		}
		ch.reply(protocol.QueueDeleteOk, protocol.Arguments{"message-count": uint32(n)}, nowait)

	case protocol.BasicQos:
		ch.reply(protocol.BasicQosOk, nil, false)
	case protocol.BasicConsume:
		ch.consume(args, nowait)
	case protocol.BasicCancel:
		tag := args.Str("consumer-tag")
		if cons, ok := ch.consumers[tag]; ok {
			b.removeConsumer(cons)
			delete(ch.consumers, tag)
		}
		ch.reply(protocol.BasicCancelOk, protocol.Arguments{"consumer-tag": tag}, nowait)
	case protocol.BasicCancelOk:
		// answer to a server-initiated cancel
	case protocol.BasicPublish:
		ch.incoming = &publish{args: args}
	case protocol.BasicGet:
		ch.get(args)
	case protocol.BasicAck:
		ch.settle(args.Uint64("delivery-tag"), args.Bool("multiple"), func(*unacked) {})
	case protocol.BasicNack:
		requeue := args.Bool("requeue")
		ch.settle(args.Uint64("delivery-tag"), args.Bool("multiple"), func(u *unacked) {
			if requeue {
				b.requeue(u.queue, u.msg)
			}
		})
	case protocol.BasicReject:
		requeue := args.Bool("requeue")
		ch.settle(args.Uint64("delivery-tag"), false, func(u *unacked) {
			if requeue {
				b.requeue(u.queue, u.msg)
			}
		})
	case protocol.BasicRecover:
		for _, tag := range ch.unackedTags() {
			u := ch.unacked[tag]
			delete(ch.unacked, tag)
			b.requeue(u.queue, u.msg)
		}
		ch.reply(protocol.BasicRecoverOk, nil, false)

	case protocol.ConfirmSelect:
		ch.confirm = true
		ch.reply(protocol.ConfirmSelectOk, nil, nowait)
	case protocol.TxSelect:
		ch.reply(protocol.TxSelectOk, nil, false)
	case protocol.TxCommit:
		ch.reply(protocol.TxCommitOk, nil, false)
	case protocol.TxRollback:
		ch.reply(protocol.TxRollbackOk, nil, false)

	default:
		ch.fail(protocol.ReplyNotImplemented, "NOT_IMPLEMENTED - "+f.Method.Name(), id)
	}
}

func appendBinding(list []binding, bd binding) []binding {
	if slices.Contains(list, bd) {
		return list
	}
	return append(list, bd)
}

func (ch *channel) consume(args protocol.Arguments, nowait bool) {
	b := ch.broker()
	qn := args.Str("queue")
	q, ok := b.queues[qn]
	if !ok {
		ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", qn), protocol.BasicConsume)
		return
	}
	tag := args.Str("consumer-tag")
	if tag == "" {
		tag = b.nextName("amq.ctag")
	}
	if _, dup := ch.consumers[tag]; dup {
		ch.conn.closeConnection(protocol.ReplyNotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
		return
	}

	cons := &consumer{tag: tag, queue: qn, noAck: args.Bool("no-ack"), ch: ch}
	ch.consumers[tag] = cons
	q.consumers = append(q.consumers, cons)
	ch.reply(protocol.BasicConsumeOk, protocol.Arguments{"consumer-tag": tag}, nowait)
	b.dispatch(q)
}

func (ch *channel) deliver(cons *consumer, queueName string, msg *message) {
	ch.nextTag++
	tag := ch.nextTag
	if !cons.noAck {
		ch.unacked[tag] = &unacked{queue: queueName, msg: msg}
	}
	ch.conn.sendContent(ch.id, protocol.BasicDeliver, protocol.Arguments{
		"consumer-tag": cons.tag,
		"delivery-tag": tag,
		"redelivered":  msg.redelivered,
		"exchange":     msg.exchange,
		"routing-key":  msg.routingKey,
	}, msg)
}

func (ch *channel) get(args protocol.Arguments) {
	b := ch.broker()
	qn := args.Str("queue")
	q, ok := b.queues[qn]
	if !ok {
		ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", qn), protocol.BasicGet)
		return
	}
	if len(q.messages) == 0 {
		ch.conn.sendMethod(ch.id, protocol.BasicGetEmpty, protocol.Arguments{"cluster-id": ""})
		return
	}

	msg := q.messages[0]
	q.messages = q.messages[1:]
	ch.nextTag++
	tag := ch.nextTag
	if !args.Bool("no-ack") {
		ch.unacked[tag] = &unacked{queue: qn, msg: msg}
	}
	ch.conn.sendContent(ch.id, protocol.BasicGetOk, protocol.Arguments{
		"delivery-tag":  tag,
		"redelivered":   msg.redelivered,
		"exchange":      msg.exchange,
		"routing-key":   msg.routingKey,
		"message-count": uint32(len(q.messages)),
	}, msg)
}

// settle resolves one or, with multiple, every unacked tag up to tag.
func (ch *channel) settle(tag uint64, multiple bool, fn func(*unacked)) {
	if !multiple {
		u, ok := ch.unacked[tag]
		if !ok {
			ch.fail(protocol.ReplyPreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), protocol.BasicAck)
			return
		}
		delete(ch.unacked, tag)
		fn(u)
		return
	}
	for _, t := range ch.unackedTags() {
		if tag != 0 && t > tag {
			break
		}
		u := ch.unacked[t]
		delete(ch.unacked, t)
		fn(u)
	}
}

func (ch *channel) unackedTags() []uint64 {
	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

func (ch *channel) handleContent(f frame.Frame) {
	p := ch.incoming
	if p == nil {
		ch.conn.closeConnection(protocol.ReplyUnexpectedFrame, "UNEXPECTED_FRAME - content without publish")
		return
	}
	switch f := f.(type) {
	case *frame.HeaderFrame:
		p.size = f.BodySize
		p.props = f.Properties
		p.ready = true
	case *frame.BodyFrame:
		p.body = append(p.body, f.Fragment...)
	}
	if p.ready && uint64(len(p.body)) >= p.size {
		ch.incoming = nil
		ch.completePublish(p)
	}
}

func (ch *channel) completePublish(p *publish) {
	b := ch.broker()
	exName := p.args.Str("exchange")
	key := p.args.Str("routing-key")

	if _, ok := b.exchanges[exName]; !ok {
		ch.fail(protocol.ReplyNotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exName), protocol.BasicPublish)
		return
	}

	msg := &message{exchange: exName, routingKey: key, props: p.props, body: p.body}
	queues := b.route(exName, key)
	if len(queues) == 0 && p.args.Bool("mandatory") {
		ch.conn.sendContent(ch.id, protocol.BasicReturn, protocol.Arguments{
			"reply-code":  uint16(protocol.ReplyNoRoute),
			"reply-text":  "NO_ROUTE",
			"exchange":    exName,
			"routing-key": key,
		}, msg)
	}

	if ch.confirm {
		ch.publishSeq++
		verdict := protocol.BasicAck
		args := protocol.Arguments{"delivery-tag": ch.publishSeq, "multiple": false}
		if b.cfg.nackPublishes {
			verdict = protocol.BasicNack
			args["requeue"] = false
		}
		ch.conn.sendMethod(ch.id, verdict, args)
		if verdict == protocol.BasicNack {
			return
		}
	}

	for _, qn := range queues {
		b.enqueue(qn, msg)
	}
}
