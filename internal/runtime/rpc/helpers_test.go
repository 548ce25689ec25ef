package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/internal/runtime/broker"
	"github.com/drblury/rpcflow/internal/runtime/broker/brokertest"
)

type connChannels struct {
	conn *brokertest.Conn
}

func (p connChannels) Channel(context.Context) (broker.Channel, error) {
	return p.conn.Channel()
}

type failingChannels struct {
	err error
}

func (p failingChannels) Channel(context.Context) (broker.Channel, error) {
	return nil, p.err
}

func newTestClient(b *brokertest.Broker, opts ...ClientOption) *Client {
	return NewClient(connChannels{conn: b.Connect()}, opts...)
}

// responder consumes queue on its own connection and answers each request
// with the publishings returned by reply.
type responder struct {
	mu       sync.Mutex
	requests []amqp.Delivery
}

func (r *responder) received() []amqp.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]amqp.Delivery(nil), r.requests...)
}

func startResponder(t *testing.T, b *brokertest.Broker, queue string, reply func(d amqp.Delivery) []amqp.Publishing) *responder {
	t.Helper()
	ch, err := b.Connect().Channel()
	require.NoError(t, err)
	_, err = broker.DeclareWorkQueue(ch, queue)
	require.NoError(t, err)
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	require.NoError(t, err)

	r := &responder{}
	go func() {
		for d := range deliveries {
			r.mu.Lock()
			r.requests = append(r.requests, d)
			r.mu.Unlock()
			for _, p := range reply(d) {
				_ = ch.PublishWithContext(context.Background(), "", d.ReplyTo, false, false, p)
			}
			_ = d.Ack(false)
		}
	}()
	t.Cleanup(func() { _ = ch.Close() })
	return r
}

func replyWith(body string) func(amqp.Delivery) []amqp.Publishing {
	return func(d amqp.Delivery) []amqp.Publishing {
		return []amqp.Publishing{{CorrelationId: d.CorrelationId, ContentType: "application/json", Body: []byte(body)}}
	}
}

func silent(amqp.Delivery) []amqp.Publishing { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
