package rabbitmq

import "slices"

// Return represents a message returned by the broker (unroutable)
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// AddOnReturnCallback registers fn to receive returned messages
func (ch *Channel) AddOnReturnCallback(fn func(Return)) {
	ch.onReturn = append(ch.onReturn, fn)
}

func (ch *Channel) onBasicReturn(msg *message) {
	args := msg.method.Args
	ret := Return{
		ReplyCode:  args.Uint16("reply-code"),
		ReplyText:  args.Str("reply-text"),
		Exchange:   args.Str("exchange"),
		RoutingKey: args.Str("routing-key"),
		Properties: msg.properties,
		Body:       msg.body,
	}
	ch.log.Debug().Uint16("code", ret.ReplyCode).Str("exchange", ret.Exchange).Str("routing_key", ret.RoutingKey).Msg("message returned")
	ch.conn.metrics.MessageReturned()

	if len(ch.onReturn) == 0 {
		ch.log.Warn().Str("text", ret.ReplyText).Msg("returned message dropped, no return callback")
		return
	}
	for _, fn := range slices.Clone(ch.onReturn) {
		fn(ret)
	}
}
