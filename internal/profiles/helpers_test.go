package profiles

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/broker"
	"github.com/drblury/rpcflow/internal/runtime/broker/brokertest"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/rpc"
	"github.com/drblury/rpcflow/internal/runtime/rpcserver"
)

const (
	testSecret = "test-secret"
	testQueue  = "profiles"
)

type connChannels struct {
	conn *brokertest.Conn
}

func (p connChannels) Channel(context.Context) (broker.Channel, error) {
	return p.conn.Channel()
}

type publishedEvent struct {
	topic string
	event any
	md    metadata.Metadata
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, topic string, event any, md metadata.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, event: event, md: md})
	return p.err
}

func (p *recordingPublisher) Events() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

func newGuard(t *testing.T) *auth.Guard {
	t.Helper()
	v, err := auth.NewVerifier(auth.VerifierConfig{Secret: testSecret})
	require.NoError(t, err)
	return auth.NewGuard(v)
}

func issue(t *testing.T, claims auth.Claims, issuedAt time.Time) string {
	t.Helper()
	iss, err := auth.NewIssuer(auth.IssuerConfig{Secret: testSecret, TTL: time.Hour, Now: func() time.Time { return issuedAt }})
	require.NoError(t, err)
	token, err := iss.Issue(claims)
	require.NoError(t, err)
	return token
}

// serveProfiles runs an init_profile server on b until the test ends.
func serveProfiles(t *testing.T, b *brokertest.Broker, store *Store, events EventPublisher) {
	t.Helper()
	srv, err := rpcserver.NewServer(connChannels{conn: b.Connect()}, testQueue, rpcserver.WithGuard(newGuard(t)))
	require.NoError(t, err)
	require.NoError(t, RegisterRPC(srv, store, events, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	require.True(t, b.WaitForConsumer(testQueue, 2*time.Second))
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newRPCClient(b *brokertest.Broker, timeout time.Duration) *rpc.Client {
	return rpc.NewClient(connChannels{conn: b.Connect()}, rpc.WithDefaultTimeout(timeout))
}
