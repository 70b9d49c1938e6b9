package rabbitmq

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-engine/internal/amqptest"
)

// serveUpper answers requests on queue with the upper-cased body until
// stop is closed.
func serveUpper(t *testing.T, b *amqptest.Broker, queue string, ready chan<- struct{}, stop <-chan struct{}) error {
	conn, err := NewBlockingConnection(context.Background(), brokerParams(b))
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, QueueDeclareOptions{}); err != nil {
		return err
	}
	_, err = ch.BasicConsume(queue, func(c *BlockingChannel, d *Delivery) error {
		reply := Publishing{
			Properties: Properties{CorrelationId: d.Properties.CorrelationId},
			Body:       []byte(strings.ToUpper(string(d.Body))),
		}
		if err := c.Publish("", d.Properties.ReplyTo, reply, false); err != nil {
			return err
		}
		return c.Ack(d.DeliveryTag, false)
	}, ConsumeOptions{})
	if err != nil {
		return err
	}
	close(ready)

	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := conn.ProcessDataEvents(20 * time.Millisecond); err != nil {
			return err
		}
	}
}

func TestRpcClientCall(t *testing.T) {
	b := amqptest.New(t)

	ready := make(chan struct{})
	stop := make(chan struct{})
	served := make(chan error, 1)
	go func() { served <- serveUpper(t, b, "rpc.upper", ready, stop) }()
	select {
	case <-ready:
	case err := <-served:
		t.Fatalf("server failed: %v", err)
	}

	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	client, err := NewRpcClient(ch)
	require.NoError(t, err)
	assert.NotEmpty(t, client.ReplyQueue())

	for _, word := range []string{"alpha", "beta"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		reply, err := client.Call(ctx, "", "rpc.upper", Publishing{Body: []byte(word)})
		cancel()
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(word), string(reply.Body))
	}

	require.NoError(t, client.Close())
	_, err = client.Call(context.Background(), "", "rpc.upper", Publishing{})
	assert.Error(t, err)

	close(stop)
	require.NoError(t, <-served)
}

func TestRpcClientCallTimesOut(t *testing.T) {
	b := amqptest.New(t)
	conn := dialBlocking(t, b)
	ch := blockingChannel(t, conn)
	_, err := ch.QueueDeclare("rpc.nobody", QueueDeclareOptions{})
	require.NoError(t, err)

	client, err := NewRpcClient(ch)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = client.Call(ctx, "", "rpc.nobody", Publishing{Body: []byte("ping")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.QueueDepth("rpc.nobody"))
}
