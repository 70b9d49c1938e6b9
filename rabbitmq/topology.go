package rabbitmq

import (
	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// With NoWait set no reply is expected and the onOk callback runs as soon
// as the request is sent, with zero results.

// ExchangeDeclareOptions configures exchange declaration
type ExchangeDeclareOptions struct {
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Args       Table
}

// ExchangeDeleteOptions configures exchange deletion
type ExchangeDeleteOptions struct {
	IfUnused bool
	NoWait   bool
}

// QueueDeclareOptions configures queue declaration
type QueueDeclareOptions struct {
	Passive    bool
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool
	Args       Table
}

// QueueDeleteOptions configures queue deletion
type QueueDeleteOptions struct {
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// ExchangeDeclare declares an exchange
func (ch *Channel) ExchangeDeclare(name, kind string, opts ExchangeDeclareOptions, onOk func()) error {
	return ch.call(protocol.ExchangeDeclare, protocol.Arguments{
		"exchange":    name,
		"type":        kind,
		"passive":     opts.Passive,
		"durable":     opts.Durable,
		"auto-delete": opts.AutoDelete,
		"internal":    opts.Internal,
		"nowait":      opts.NoWait,
		"arguments":   opts.Args,
	}, nil, okFunc(onOk))
}

// ExchangeDelete deletes an exchange
func (ch *Channel) ExchangeDelete(name string, opts ExchangeDeleteOptions, onOk func()) error {
	return ch.call(protocol.ExchangeDelete, protocol.Arguments{
		"exchange":  name,
		"if-unused": opts.IfUnused,
		"nowait":    opts.NoWait,
	}, nil, okFunc(onOk))
}

// ExchangeBind binds destination to source
func (ch *Channel) ExchangeBind(destination, source, routingKey string, args Table, onOk func()) error {
	return ch.call(protocol.ExchangeBind, protocol.Arguments{
		"destination": destination,
		"source":      source,
		"routing-key": routingKey,
		"arguments":   args,
	}, nil, okFunc(onOk))
}

// ExchangeUnbind removes an exchange to exchange binding
func (ch *Channel) ExchangeUnbind(destination, source, routingKey string, args Table, onOk func()) error {
	return ch.call(protocol.ExchangeUnbind, protocol.Arguments{
		"destination": destination,
		"source":      source,
		"routing-key": routingKey,
		"arguments":   args,
	}, nil, okFunc(onOk))
}

// QueueDeclare declares a queue. An empty name asks the broker to generate one.
func (ch *Channel) QueueDeclare(name string, opts QueueDeclareOptions, onOk func(Queue)) error {
	return ch.call(protocol.QueueDeclare, protocol.Arguments{
		"queue":       name,
		"passive":     opts.Passive,
		"durable":     opts.Durable,
		"exclusive":   opts.Exclusive,
		"auto-delete": opts.AutoDelete,
		"nowait":      opts.NoWait,
		"arguments":   opts.Args,
	}, nil, func(f *frame.MethodFrame) {
		if onOk == nil {
			return
		}
		if f == nil {
			onOk(Queue{Name: name})
			return
		}
		args := f.Method.Args
		onOk(Queue{
			Name:      args.Str("queue"),
			Messages:  int(args.Uint32("message-count")),
			Consumers: int(args.Uint32("consumer-count")),
		})
	})
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, exchange, routingKey string, args Table, onOk func()) error {
	return ch.call(protocol.QueueBind, protocol.Arguments{
		"queue":       name,
		"exchange":    exchange,
		"routing-key": routingKey,
		"arguments":   args,
	}, nil, okFunc(onOk))
}

// QueueUnbind removes a queue binding
func (ch *Channel) QueueUnbind(name, exchange, routingKey string, args Table, onOk func()) error {
	return ch.call(protocol.QueueUnbind, protocol.Arguments{
		"queue":       name,
		"exchange":    exchange,
		"routing-key": routingKey,
		"arguments":   args,
	}, nil, okFunc(onOk))
}

// QueuePurge removes every ready message from a queue
func (ch *Channel) QueuePurge(name string, onOk func(messages int)) error {
	return ch.call(protocol.QueuePurge, protocol.Arguments{"queue": name}, nil, countFunc(onOk))
}

// QueueDelete deletes a queue
func (ch *Channel) QueueDelete(name string, opts QueueDeleteOptions, onOk func(messages int)) error {
	return ch.call(protocol.QueueDelete, protocol.Arguments{
		"queue":     name,
		"if-unused": opts.IfUnused,
		"if-empty":  opts.IfEmpty,
		"nowait":    opts.NoWait,
	}, nil, countFunc(onOk))
}

func countFunc(onOk func(int)) func(*frame.MethodFrame) {
	return func(f *frame.MethodFrame) {
		if onOk == nil {
			return
		}
		if f == nil {
			onOk(0)
			return
		}
		onOk(int(f.Method.Args.Uint32("message-count")))
	}
}
