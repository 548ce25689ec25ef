package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/internal/runtime/broker"
	"github.com/drblury/rpcflow/internal/runtime/broker/brokertest"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
)

const testSecret = "test-secret"

type testPublisher struct {
	mu       sync.Mutex
	topics   []string
	messages []*message.Message
	err      error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.topics))
	copy(clone, p.topics)
	return clone
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

type connChannels struct {
	conn *brokertest.Conn
}

func (p connChannels) Channel(context.Context) (broker.Channel, error) {
	return p.conn.Channel()
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// newTestService builds a Service around fakes without going through NewService.
func newTestService(t *testing.T) *Service {
	t.Helper()
	log := newTestLogger()
	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(log))
	require.NoError(t, err)

	conf := configpkg.Defaults()
	conf.PoisonQueue = ""
	return &Service{
		Conf:       conf,
		Logger:     log,
		router:     router,
		publisher:  &testPublisher{},
		subscriber: &testSubscriber{},
		registerer: prometheus.NewRegistry(),
	}
}

func testConfig() *configpkg.Config {
	conf := configpkg.Defaults()
	conf.ServiceName = "profiles"
	conf.PubSubSystem = "channel"
	conf.JWTSecret = testSecret
	conf.RPCTimeout = 2 * time.Second
	conf.RetryBaseInterval = 5 * time.Millisecond
	conf.MetricsPort = 0
	return conf
}

// newBrokerService builds a Service on the channel transport whose RPC
// traffic goes to the in-memory broker b.
func newBrokerService(t *testing.T, b *brokertest.Broker, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	orig := broker.Dialer
	broker.Dialer = b.Dialer()
	t.Cleanup(func() { broker.Dialer = orig })

	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(conf, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// startService runs svc until the test ends.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("service stopped with error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
