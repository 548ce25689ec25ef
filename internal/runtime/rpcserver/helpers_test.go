package rpcserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/internal/runtime/broker"
	"github.com/drblury/rpcflow/internal/runtime/broker/brokertest"
	"github.com/drblury/rpcflow/internal/runtime/rpc"
)

const testQueue = "profiles"

type connChannels struct {
	conn *brokertest.Conn
}

func (p connChannels) Channel(context.Context) (broker.Channel, error) {
	return p.conn.Channel()
}

// startServer runs srv until the test ends and waits for it to consume.
func startServer(t *testing.T, b *brokertest.Broker, srv *Server) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	require.True(t, b.WaitForConsumer(srv.Queue(), 2*time.Second), "server never consumed")
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return done
}

func newServer(t *testing.T, b *brokertest.Broker, opts ...Option) *Server {
	t.Helper()
	srv, err := NewServer(connChannels{conn: b.Connect()}, testQueue, opts...)
	require.NoError(t, err)
	return srv
}

func newClient(b *brokertest.Broker) *rpc.Client {
	return rpc.NewClient(connChannels{conn: b.Connect()}, rpc.WithDefaultTimeout(2*time.Second))
}
