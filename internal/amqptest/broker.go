// Package amqptest runs a small in-process AMQP 0-9-1 broker for tests. It
// routes through direct, fanout and topic exchanges, delivers to consumers
// round robin and supports publisher confirms, Basic.Get, acks and requeue.
// Server-initiated events (queue deletion, blocking, forced closes) are
// triggered through Broker methods.
package amqptest

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

type config struct {
	capabilities     protocol.Table
	mechanisms       string
	versionMajor     uint8
	versionMinor     uint8
	username         string
	password         string
	vhost            string
	channelMax       uint16
	frameMax         uint32
	heartbeat        uint16
	closeAfterHeader bool
	authFailureClose bool
	nackPublishes    bool
	log              zerolog.Logger
}

// Option configures a Broker
type Option func(*config)

// WithCapabilities replaces the capabilities advertised in Connection.Start.
func WithCapabilities(caps protocol.Table) Option {
	return func(c *config) { c.capabilities = caps }
}

// WithoutCapability removes one advertised capability.
func WithoutCapability(name string) Option {
	return func(c *config) {
		caps := protocol.Table{}
		for k, v := range c.capabilities {
			if k != name {
				caps[k] = v
			}
		}
		c.capabilities = caps
	}
}

// WithMechanisms sets the space separated SASL mechanisms offered.
func WithMechanisms(mechanisms string) Option {
	return func(c *config) { c.mechanisms = mechanisms }
}

// WithVersion sets the protocol version sent in Connection.Start.
func WithVersion(major, minor uint8) Option {
	return func(c *config) { c.versionMajor, c.versionMinor = major, minor }
}

// WithCredentials sets the only accepted PLAIN username and password. A
// failed login drops the socket, as brokers without
// authentication_failure_close do.
func WithCredentials(username, password string) Option {
	return func(c *config) { c.username, c.password = username, password }
}

// WithAuthFailureClose answers a failed login with Connection.Close 403.
func WithAuthFailureClose() Option {
	return func(c *config) { c.authFailureClose = true }
}

// WithVirtualHost sets the only accepted virtual host. Opening any other
// drops the socket.
func WithVirtualHost(vhost string) Option {
	return func(c *config) { c.vhost = vhost }
}

// WithTune sets the limits proposed in Connection.Tune.
func WithTune(channelMax uint16, frameMax uint32, heartbeat uint16) Option {
	return func(c *config) { c.channelMax, c.frameMax, c.heartbeat = channelMax, frameMax, heartbeat }
}

// WithCloseAfterHeader drops every connection right after the protocol header.
func WithCloseAfterHeader() Option {
	return func(c *config) { c.closeAfterHeader = true }
}

// WithNackPublishes makes confirm-mode channels nack every publish.
func WithNackPublishes() Option {
	return func(c *config) { c.nackPublishes = true }
}

// WithLogger sets the broker's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *config) { c.log = log }
}

// DefaultCapabilities are advertised unless replaced.
func DefaultCapabilities() protocol.Table {
	return protocol.Table{
		protocol.CapabilityPublisherConfirms:          true,
		protocol.CapabilityBasicNack:                  true,
		protocol.CapabilityConsumerCancelNotify:       true,
		protocol.CapabilityExchangeExchangeBindings:   true,
		protocol.CapabilityConnectionBlocked:          true,
		protocol.CapabilityAuthenticationFailureClose: true,
	}
}

type message struct {
	exchange    string
	routingKey  string
	props       protocol.Properties
	body        []byte
	redelivered bool
}

type binding struct {
	destination string
	toExchange  bool
	key         string
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type queue struct {
	name      string
	messages  []*message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag   string
	queue string
	noAck bool
	ch    *channel
}

// Broker is a running test broker. All broker state is guarded by one mutex.
type Broker struct {
	cfg config
	ln  net.Listener
	log zerolog.Logger

	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*conn]struct{}
	methods   []string
	serial    int

	wg sync.WaitGroup
}

// New starts a broker on a loopback port. It is closed when the test ends.
func New(t testing.TB, opts ...Option) *Broker {
	t.Helper()
	b, err := Start(opts...)
	if err != nil {
		t.Fatalf("start test broker: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

// Start starts a broker on a loopback port.
func Start(opts ...Option) (*Broker, error) {
	cfg := config{
		capabilities: DefaultCapabilities(),
		mechanisms:   "PLAIN AMQPLAIN",
		versionMajor: protocol.ProtocolVersionMajor,
		versionMinor: protocol.ProtocolVersionMinor,
		username:     "guest",
		password:     "guest",
		vhost:        "/",
		channelMax:   2047,
		frameMax:     protocol.FrameMaxDefault,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       cfg,
		ln:        ln,
		log:       cfg.log.With().Str("component", "amqptest").Logger(),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*conn]struct{}),
	}
	for _, ex := range []*exchange{
		{name: "", kind: protocol.ExchangeTypeDirect},
		{name: "amq.direct", kind: protocol.ExchangeTypeDirect},
		{name: "amq.fanout", kind: protocol.ExchangeTypeFanout},
		{name: "amq.topic", kind: protocol.ExchangeTypeTopic},
	} {
		b.exchanges[ex.name] = ex
	}

	b.wg.Add(1)
	go b.accept()
	return b, nil
}

func (b *Broker) accept() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			return
		}
		c := newConn(b, nc)
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			c.serve()
		}()
	}
}

// Addr returns the listening address
func (b *Broker) Addr() string { return b.ln.Addr().String() }

// Host returns the listening host
func (b *Broker) Host() string {
	host, _, _ := net.SplitHostPort(b.Addr())
	return host
}

// Port returns the listening port
func (b *Broker) Port() int {
	_, port, _ := net.SplitHostPort(b.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// URI returns an amqp:// URI for the broker with the configured credentials.
func (b *Broker) URI() string {
	return fmt.Sprintf("amqp://%s:%s@%s/", b.cfg.username, b.cfg.password, b.Addr())
}

// Close stops accepting, drops every connection and waits for them to end.
func (b *Broker) Close() {
	b.ln.Close()
	b.mu.Lock()
	for c := range b.conns {
		c.nc.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Methods returns the names of the methods received so far, in order.
func (b *Broker) Methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.methods)
}

// Received reports how many times the named method was received.
func (b *Broker) Received(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.methods {
		if m == name {
			n++
		}
	}
	return n
}

// Connections returns the number of live client connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// QueueDepth returns the number of ready messages in a queue, or -1 when
// it does not exist.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return -1
	}
	return len(q.messages)
}

// Unacked returns the number of deliveries waiting for an ack across all
// connections.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		for _, ch := range c.channels {
			n += len(ch.unacked)
		}
	}
	return n
}

// DeleteQueue deletes a queue from the server side; its consumers receive
// Basic.Cancel.
func (b *Broker) DeleteQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	if ok {
		b.deleteQueue(name)
	}
	return ok
}

// Block sends Connection.Blocked to every connection.
func (b *Broker) Block(reason string) {
	b.broadcast(func(c *conn) {
		c.sendMethod(0, protocol.ConnectionBlocked, protocol.Arguments{"reason": reason})
	})
}

// Unblock sends Connection.Unblocked to every connection.
func (b *Broker) Unblock() {
	b.broadcast(func(c *conn) {
		c.sendMethod(0, protocol.ConnectionUnblocked, nil)
	})
}

// CloseConnections sends Connection.Close to every connection.
func (b *Broker) CloseConnections(code uint16, text string) {
	b.broadcast(func(c *conn) {
		c.closing = true
		c.sendMethod(0, protocol.ConnectionClose, protocol.Arguments{"reply-code": code, "reply-text": text})
	})
}

// DropConnections closes every client socket without a handshake.
func (b *Broker) DropConnections() {
	b.broadcast(func(c *conn) { c.nc.Close() })
}

// Publish enqueues a message as if a client had published it.
func (b *Broker) Publish(exchangeName, routingKey string, props protocol.Properties, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := &message{exchange: exchangeName, routingKey: routingKey, props: props, body: body}
	for _, qn := range b.route(exchangeName, routingKey) {
		b.enqueue(qn, msg)
	}
}

func (b *Broker) broadcast(fn func(*conn)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		fn(c)
	}
}

func (b *Broker) removeConn(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range c.channels {
		b.closeChannel(ch)
	}
	delete(b.conns, c)
}

// routing, mu held

func (b *Broker) route(exchangeName, routingKey string) []string {
	if exchangeName == "" {
		if _, ok := b.queues[routingKey]; ok {
			return []string{routingKey}
		}
		return nil
	}

	var out []string
	seen := map[string]bool{}
	visited := map[string]bool{}
	var walk func(name string)
	walk = func(name string) {
		ex, ok := b.exchanges[name]
		if !ok || visited[name] {
			return
		}
		visited[name] = true
		for _, bd := range ex.bindings {
			if !matches(ex.kind, bd.key, routingKey) {
				continue
			}
			if bd.toExchange {
				walk(bd.destination)
				continue
			}
			if !seen[bd.destination] {
				seen[bd.destination] = true
				out = append(out, bd.destination)
			}
		}
	}
	walk(exchangeName)
	return out
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case protocol.ExchangeTypeFanout:
		return true
	case protocol.ExchangeTypeTopic:
		return topicMatch(splitWords(pattern), splitWords(key))
	default:
		return pattern == key
	}
}

func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	var words []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			words = append(words, s[start:i])
			start = i + 1
		}
	}
	return append(words, s[start:])
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

func (b *Broker) enqueue(name string, msg *message) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	cp := *msg
	q.messages = append(q.messages, &cp)
	b.dispatch(q)
}

// requeue puts a message back at the head of its queue.
func (b *Broker) requeue(name string, msg *message) {
	q, ok := b.queues[name]
	if !ok {
		return
	}
	msg.redelivered = true
	q.messages = append([]*message{msg}, q.messages...)
	b.dispatch(q)
}

// dispatch hands ready messages to consumers round robin.
func (b *Broker) dispatch(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		cons := q.consumers[q.next%len(q.consumers)]
		q.next++
		msg := q.messages[0]
		q.messages = q.messages[1:]
		cons.ch.deliver(cons, q.name, msg)
	}
}

func (b *Broker) deleteQueue(name string) int {
	q := b.queues[name]
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		ex.bindings = slices.DeleteFunc(ex.bindings, func(bd binding) bool {
			return !bd.toExchange && bd.destination == name
		})
	}
	for _, cons := range q.consumers {
		delete(cons.ch.consumers, cons.tag)
		cons.ch.conn.sendMethod(cons.ch.id, protocol.BasicCancel, protocol.Arguments{
			"consumer-tag": cons.tag,
			"nowait":       true,
		})
	}
	return len(q.messages)
}

func (b *Broker) removeConsumer(cons *consumer) {
	q, ok := b.queues[cons.queue]
	if !ok {
		return
	}
	q.consumers = slices.DeleteFunc(q.consumers, func(c *consumer) bool { return c == cons })
}

// closeChannel drops a channel's consumers and requeues what it left unacked.
func (b *Broker) closeChannel(ch *channel) {
	for _, cons := range ch.consumers {
		b.removeConsumer(cons)
	}
	ch.consumers = make(map[string]*consumer)
	for _, tag := range ch.unackedTags() {
		u := ch.unacked[tag]
		delete(ch.unacked, tag)
		b.requeue(u.queue, u.msg)
	}
}

func (b *Broker) nextName(prefix string) string {
	b.serial++
	return fmt.Sprintf("%s-%d", prefix, b.serial)
}
