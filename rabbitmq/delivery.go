package rabbitmq

import (
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// Table is an alias for AMQP field table
type Table = protocol.Table

// Properties are the Basic content properties
type Properties = protocol.Properties

// Publishing represents a message to publish
type Publishing struct {
	Properties
	Body []byte
}

// Predefined message properties
var (
	// MinimalBasic is an empty set of properties
	MinimalBasic = Properties{}

	// PersistentBasic marks messages persistent
	PersistentBasic = Properties{
		ContentType:  "application/octet-stream",
		DeliveryMode: protocol.DeliveryModePersistent,
	}

	// TextPlain is properties for text messages
	TextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModeNonPersistent,
	}

	// PersistentTextPlain is properties for persistent text messages
	PersistentTextPlain = Properties{
		ContentType:  "text/plain",
		DeliveryMode: protocol.DeliveryModePersistent,
	}
)

// Delivery is a message received through Basic.Deliver or Basic.GetOk
type Delivery struct {
	ConsumerTag string // empty for Basic.Get
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string

	// MessageCount is the number of messages left in the queue, Basic.Get only
	MessageCount uint32

	Properties Properties
	Body       []byte

	channel *Channel
}

func newDelivery(ch *Channel, msg *message) *Delivery {
	args := msg.method.Args
	return &Delivery{
		ConsumerTag:  args.Str("consumer-tag"),
		DeliveryTag:  args.Uint64("delivery-tag"),
		Redelivered:  args.Bool("redelivered"),
		Exchange:     args.Str("exchange"),
		RoutingKey:   args.Str("routing-key"),
		MessageCount: args.Uint32("message-count"),
		Properties:   msg.properties,
		Body:         msg.body,
		channel:      ch,
	}
}

// Channel returns the channel the message arrived on
func (d *Delivery) Channel() *Channel { return d.channel }

// Ack acknowledges this delivery
func (d *Delivery) Ack(multiple bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.Ack(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges this delivery
func (d *Delivery) Nack(multiple, requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.Nack(d.DeliveryTag, multiple, requeue)
}

// Reject rejects this delivery
func (d *Delivery) Reject(requeue bool) error {
	if d.channel == nil {
		return ErrChannelClosed
	}
	return d.channel.Reject(d.DeliveryTag, requeue)
}

// Queue represents queue information returned from QueueDeclare
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}
