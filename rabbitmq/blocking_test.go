package rabbitmq

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-engine/internal/amqptest"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

func brokerParams(b *amqptest.Broker, opts ...Option) *ConnectionParameters {
	base := []Option{
		WithHost(b.Host()),
		WithPort(b.Port()),
		WithSocketTimeout(2 * time.Second),
	}
	return NewConnectionParameters(append(base, opts...)...)
}

func dialBlocking(t *testing.T, b *amqptest.Broker, opts ...Option) *BlockingConnection {
	t.Helper()
	conn, err := NewBlockingConnection(context.Background(), brokerParams(b, opts...))
	require.NoError(t, err)
	t.Cleanup(func() {
		if conn.IsOpen() {
			conn.Close()
		}
	})
	return conn
}

func blockingChannel(t *testing.T, conn *BlockingConnection) *BlockingChannel {
	t.Helper()
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func TestBlockingPublishAndGet(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	q, err := ch.QueueDeclare("work", QueueDeclareOptions{Durable: true})
	require.NoError(t, err)
	assert.Equal(t, "work", q.Name)

	for _, body := range []string{"a", "b"} {
		require.NoError(t, ch.Publish("", "work", Publishing{Properties: TextPlain, Body: []byte(body)}, false))
	}

	// publishes are asynchronous; a round trip guarantees the broker has them
	q, err = ch.QueueDeclare("work", QueueDeclareOptions{Passive: true})
	require.NoError(t, err)
	assert.Equal(t, 2, q.Messages)

	d, err := ch.Get("work", false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "a", string(d.Body))
	assert.Equal(t, "text/plain", d.Properties.ContentType)
	assert.Equal(t, uint32(1), d.MessageCount)
	require.NoError(t, ch.Ack(d.DeliveryTag, false))

	d, err = ch.Get("work", true)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "b", string(d.Body))

	d, err = ch.Get("work", false)
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, ch.Close())
	assert.Zero(t, b.Unacked())
}

func TestBlockingLargeMessageIsSplit(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b, WithFrameMax(protocol.FrameMinSize))
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("big", QueueDeclareOptions{})
	require.NoError(t, err)

	body := []byte(strings.Repeat("0123456789", 5000))
	require.NoError(t, ch.Publish("", "big", Publishing{Body: body}, false))

	d, err := ch.Get("big", true)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, body, d.Body)
}

func TestBlockingTopology(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	require.NoError(t, ch.ExchangeDeclare("events", protocol.ExchangeTypeTopic, ExchangeDeclareOptions{Durable: true}))
	require.NoError(t, ch.ExchangeDeclare("audit", protocol.ExchangeTypeFanout, ExchangeDeclareOptions{}))
	require.NoError(t, ch.ExchangeBind("audit", "events", "order.*", nil))
	_, err := ch.QueueDeclare("audit-log", QueueDeclareOptions{})
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("audit-log", "audit", "", nil))

	require.NoError(t, ch.Publish("events", "order.created", Publishing{Body: []byte("1")}, false))
	require.NoError(t, ch.Publish("events", "user.created", Publishing{Body: []byte("2")}, false))

	n, err := ch.QueuePurge("audit-log")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the order event is routed through the exchange binding")

	require.NoError(t, ch.ExchangeUnbind("audit", "events", "order.*", nil))
	require.NoError(t, ch.QueueUnbind("audit-log", "audit", "", nil))
	require.NoError(t, ch.Publish("events", "order.created", Publishing{Body: []byte("3")}, false))

	n, err = ch.QueueDelete("audit-log", QueueDeleteOptions{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, -1, b.QueueDepth("audit-log"))

	require.NoError(t, ch.ExchangeDelete("audit", ExchangeDeleteOptions{}))
	require.NoError(t, ch.Qos(10, 0, false))
	require.NoError(t, ch.Recover(true))
	active, err := ch.Flow(true)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestBlockingChannelErrorKeepsConnection(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	_, err := ch.QueueDeclare("missing", QueueDeclareOptions{Passive: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)
	code, _, ok := ReplyCode(err)
	require.True(t, ok)
	assert.Equal(t, protocol.ReplyNotFound, code)
	assert.True(t, ch.IsClosed())

	err = ch.ExchangeDeclare("x", protocol.ExchangeTypeDirect, ExchangeDeclareOptions{})
	assert.ErrorIs(t, err, ErrChannelClosed)

	assert.True(t, conn.IsOpen())
	again := blockingChannel(t, conn)
	err = again.ExchangeDeclare("amq.direct", protocol.ExchangeTypeFanout, ExchangeDeclareOptions{})
	code, _, _ = ReplyCode(err)
	assert.Equal(t, protocol.ReplyPreconditionFailed, code)

	third := blockingChannel(t, conn)
	require.NoError(t, third.ExchangeDeclare("amq.direct", protocol.ExchangeTypeDirect, ExchangeDeclareOptions{Passive: true}))
}

func TestBlockingPublisherConfirms(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	require.NoError(t, ch.ConfirmSelect())
	assert.Equal(t, 1, b.Received(protocol.ConfirmSelect.String()))
	_, err := ch.QueueDeclare("q", QueueDeclareOptions{})
	require.NoError(t, err)

	require.NoError(t, ch.Publish("", "q", Publishing{Body: []byte("ok")}, true))
	assert.Equal(t, 1, b.QueueDepth("q"))

	err = ch.Publish("", "nowhere", Publishing{Body: []byte("lost")}, true)
	assert.ErrorIs(t, err, ErrUnroutable)

	// not mandatory: silently dropped but still acked
	require.NoError(t, ch.Publish("", "nowhere", Publishing{Body: []byte("dropped")}, false))
	assert.Empty(t, ch.Channel().Unconfirmed())
}

func TestBlockingPublishNacked(t *testing.T) {
	b := amqptest.New(t, amqptest.WithNackPublishes())
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	require.NoError(t, ch.ConfirmSelect())

	err := ch.Publish("amq.fanout", "", Publishing{Body: []byte("x")}, false)
	assert.ErrorIs(t, err, ErrPublishNacked)
	assert.True(t, ch.IsOpen())
}

func TestBlockingConfirmSelectUnsupported(t *testing.T) {
	b := amqptest.New(t, amqptest.WithoutCapability(protocol.CapabilityPublisherConfirms))
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	assert.ErrorIs(t, ch.ConfirmSelect(), ErrNotImplemented)
	assert.True(t, ch.IsOpen())
	assert.Zero(t, b.Received(protocol.ConfirmSelect.String()))
	assert.Contains(t, b.Methods(), protocol.ChannelOpen.String())
}

func TestBlockingReturnCallback(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	var returned []Return
	ch.AddOnReturnCallback(func(_ *BlockingChannel, r Return) { returned = append(returned, r) })
	require.NoError(t, ch.Publish("amq.direct", "nobody", Publishing{Body: []byte("bounce")}, true))

	for i := 0; i < 20 && len(returned) == 0; i++ {
		require.NoError(t, conn.ProcessDataEvents(50*time.Millisecond))
	}
	require.Len(t, returned, 1)
	assert.Equal(t, uint16(protocol.ReplyNoRoute), returned[0].ReplyCode)
	assert.Equal(t, "bounce", string(returned[0].Body))
}

func TestBlockingBasicConsume(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("jobs", QueueDeclareOptions{})
	require.NoError(t, err)

	for _, body := range []string{"1", "2", "3"} {
		b.Publish("", "jobs", protocol.Properties{}, []byte(body))
	}

	var got []string
	_, err = ch.BasicConsume("jobs", func(c *BlockingChannel, d *Delivery) error {
		got = append(got, string(d.Body))
		if err := c.Ack(d.DeliveryTag, false); err != nil {
			return err
		}
		if len(got) == 3 {
			return c.StopConsuming()
		}
		return nil
	}, ConsumeOptions{})
	require.NoError(t, err)

	require.NoError(t, ch.StartConsuming())
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Empty(t, ch.Channel().ConsumerTags())

	// StopConsuming waited for CancelOk, so the acks arrived before it
	require.NoError(t, ch.Qos(1, 0, false))
	assert.Zero(t, b.Unacked())
	assert.Equal(t, 1, b.Received(protocol.BasicCancel.String()))
}

func TestBlockingCancelRequeuesUndispatched(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("q", QueueDeclareOptions{})
	require.NoError(t, err)
	for range 3 {
		b.Publish("", "q", protocol.Properties{}, []byte("m"))
	}

	calls := 0
	tag, err := ch.BasicConsume("q", func(*BlockingChannel, *Delivery) error {
		calls++
		return nil
	}, ConsumeOptions{})
	require.NoError(t, err)

	// consume returned after ConsumeOk; cancelling before processing events
	// leaves every delivery undispatched
	require.NoError(t, ch.BasicCancel(tag))
	require.NoError(t, conn.ProcessDataEvents(0))
	assert.Zero(t, calls)

	q, err := ch.QueueDeclare("q", QueueDeclareOptions{Passive: true})
	require.NoError(t, err)
	assert.Equal(t, 3, q.Messages)
}

func TestBlockingConsumeIterator(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("feed", QueueDeclareOptions{})
	require.NoError(t, err)
	for _, body := range []string{"a", "b", "c"} {
		b.Publish("", "feed", protocol.Properties{}, []byte(body))
	}

	var got []string
	idle := 0
	for d, err := range ch.Consume("feed", ConsumeOptions{}, 100*time.Millisecond) {
		require.NoError(t, err)
		if d == nil {
			idle++
			break
		}
		got = append(got, string(d.Body))
		require.NoError(t, d.Ack(false))
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, idle)

	// ranging again resumes the same consumer
	for d, err := range ch.Consume("feed", ConsumeOptions{}, 100*time.Millisecond) {
		require.NoError(t, err)
		if d == nil {
			idle++
			break
		}
		got = append(got, string(d.Body))
		require.NoError(t, d.Ack(false))
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 1, idle)
	assert.Equal(t, 1, b.Received(protocol.BasicConsume.String()))

	for _, err := range ch.Consume("other", ConsumeOptions{}, 0) {
		assert.Error(t, err, "options differ from the active consumer")
	}

	n, err := ch.CancelConsumer()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, b.Unacked())
}

func TestBlockingConsumeIteratorEndsOnBrokerCancel(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("temp", QueueDeclareOptions{})
	require.NoError(t, err)
	b.Publish("", "temp", protocol.Properties{}, []byte("only"))

	var got []string
	for d, err := range ch.Consume("temp", ConsumeOptions{AutoAck: true}, 2*time.Second) {
		require.NoError(t, err)
		require.NotNil(t, d)
		got = append(got, string(d.Body))
		require.True(t, b.DeleteQueue("temp"))
	}
	assert.Equal(t, []string{"only"}, got)
	assert.True(t, ch.IsOpen())

	n, err := ch.CancelConsumer()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBlockingHandshakeFailures(t *testing.T) {
	tests := []struct {
		name    string
		broker  []amqptest.Option
		options []Option
		want    error
	}{
		{"wrong password", []amqptest.Option{amqptest.WithCredentials("app", "secret")}, nil, ErrProbableAuthentication},
		{"unknown vhost", nil, []Option{WithVirtualHost("nope")}, ErrProbableAccessDenied},
		{"old protocol", []amqptest.Option{amqptest.WithVersion(0, 8)}, nil, ErrIncompatibleProtocolVersion},
		{"header refused", []amqptest.Option{amqptest.WithCloseAfterHeader()}, nil, ErrIncompatibleProtocolVersion},
		{"no mechanism", []amqptest.Option{amqptest.WithMechanisms("AMQPLAIN")}, nil, ErrAuthentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := amqptest.New(t, tt.broker...)
			_, err := NewBlockingConnection(context.Background(), brokerParams(b, tt.options...))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBlockingAuthFailureClose(t *testing.T) {
	b := amqptest.New(t, amqptest.WithCredentials("app", "secret"), amqptest.WithAuthFailureClose())
	_, err := NewBlockingConnection(context.Background(), brokerParams(b))
	code, _, ok := ReplyCode(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, protocol.ReplyAccessRefused, code)
}

func TestBlockingDialRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	params := NewConnectionParameters(
		WithHost("127.0.0.1"),
		WithPort(addr.Port),
		WithConnectionAttempts(3, 10*time.Millisecond),
		WithSocketTimeout(time.Second),
	)
	_, err = NewBlockingConnection(context.Background(), params)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempt")
}

func TestBlockingServerClose(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	b.CloseConnections(protocol.ReplyConnectionForced, "CONNECTION_FORCED - broker forced connection closure")

	var err error
	for i := 0; i < 40 && err == nil; i++ {
		err = conn.ProcessDataEvents(50 * time.Millisecond)
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
	code, _, _ := ReplyCode(err)
	assert.Equal(t, protocol.ReplyConnectionForced, code)
	assert.True(t, conn.IsClosed())
	assert.True(t, ch.IsClosed())

	_, err = conn.Channel()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, conn.Close(), ErrClosed)
}

func TestBlockingConnectionDropped(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("q", QueueDeclareOptions{})
	require.NoError(t, err)

	b.DropConnections()
	_, err = ch.Get("q", true)
	require.Error(t, err)
	assert.True(t, conn.IsClosed())
	assert.Contains(t, conn.Connection().CloseError().Error(), "connection lost")
}

func TestBlockingClose(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	blockingChannel(t, conn)
	blockingChannel(t, conn)

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, 2, b.Received(protocol.ChannelClose.String()))
	assert.Equal(t, 1, b.Received(protocol.ConnectionClose.String()))
	assert.ErrorIs(t, conn.Close(), ErrClosed)
}

func TestBlockingBlockedNotification(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	var reasons []string
	conn.Connection().AddOnBlockedCallback(func(_ *Connection, r string) { reasons = append(reasons, r) })

	b.Block("low on memory")
	for i := 0; i < 40 && !conn.Connection().IsBlocked(); i++ {
		require.NoError(t, conn.ProcessDataEvents(25*time.Millisecond))
	}
	assert.Equal(t, []string{"low on memory"}, reasons)

	b.Unblock()
	for i := 0; i < 40 && conn.Connection().IsBlocked(); i++ {
		require.NoError(t, conn.ProcessDataEvents(25*time.Millisecond))
	}
	assert.False(t, conn.Connection().IsBlocked())
}

func TestBlockingCallLaterAndSleep(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)

	fired := 0
	conn.CallLater(20*time.Millisecond, func() { fired++ })
	cancelled := conn.CallLater(20*time.Millisecond, func() { fired += 100 })
	conn.RemoveTimeout(cancelled)

	require.NoError(t, conn.Sleep(100*time.Millisecond))
	assert.Equal(t, 1, fired)
}

func TestBlockingHeartbeats(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for several heartbeat intervals")
	}
	b := amqptest.New(t, amqptest.WithTune(2047, protocol.FrameMaxDefault, 1))
	conn := dialBlocking(t, b)
	assert.Equal(t, time.Second, conn.Connection().GetHeartbeat())

	require.NoError(t, conn.Sleep(3500*time.Millisecond))
	assert.True(t, conn.IsOpen(), "broker echoes keep the connection alive")
	_, _, framesSent, _ := conn.Connection().Stats()
	assert.Positive(t, framesSent)
}

func TestBlockingTransactions(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)

	require.NoError(t, ch.TxSelect())
	require.NoError(t, ch.Publish("amq.fanout", "", Publishing{Body: []byte("t")}, false))
	require.NoError(t, ch.TxCommit())
	require.NoError(t, ch.TxRollback())
	assert.Equal(t, 1, b.Received(protocol.TxCommit.String()))
}
