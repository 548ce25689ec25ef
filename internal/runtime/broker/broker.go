// Package broker owns the shared AMQP connection and hands out per-operation
// channels on it.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// Channel is the subset of *amqp.Channel used by rpcflow.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is the subset of *amqp.Connection used by rpcflow.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// Dialer allows overriding the connection creation for testing.
var Dialer = func(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Option customises a ConnectionManager.
type Option func(*ConnectionManager)

// WithConnectionName sets the connection name shown in the broker management UI.
func WithConnectionName(name string) Option {
	return func(m *ConnectionManager) {
		if name != "" {
			m.config.Properties.SetClientConnectionName(name)
		}
	}
}

// WithHeartbeat overrides the AMQP heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(m *ConnectionManager) { m.config.Heartbeat = d }
}

// WithMetrics records dial attempts on metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// ConnectionManager lazily establishes one shared connection. At most one
// dial is in flight; concurrent callers wait on it. Failed dials are not
// cached and a connection closed by the broker is re-dialled on next use.
type ConnectionManager struct {
	url     string
	config  amqp.Config
	logger  logging.ServiceLogger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	conn    Connection
	dialing *dialCall
	closed  bool
}

type dialCall struct {
	done chan struct{}
	conn Connection
	err  error
}

// NewConnectionManager does not dial; the first Connection or Channel call does.
func NewConnectionManager(url string, logger logging.ServiceLogger, opts ...Option) *ConnectionManager {
	m := &ConnectionManager{
		url:    url,
		logger: logging.OrDiscard(logger).With(logging.LogFields{"component": "broker", "url": RedactURL(url)}),
		config: amqp.Config{
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
			Properties: amqp.NewConnectionProperties(),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connection returns the shared connection, dialling it if needed.
func (m *ConnectionManager) Connection(ctx context.Context) (Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errspkg.ErrConnectionManagerClosed
	}
	if m.conn != nil {
		if !m.conn.IsClosed() {
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		}
		m.logger.Info("Broker connection was closed, reconnecting", nil)
		m.conn = nil
	}
	call := m.dialing
	if call == nil {
		call = &dialCall{done: make(chan struct{})}
		m.dialing = call
		go m.dial(call)
	}
	m.mu.Unlock()

	select {
	case <-call.done:
		return call.conn, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *ConnectionManager) dial(call *dialCall) {
	m.logger.Debug("Dialling broker", nil)
	conn, err := Dialer(m.url, m.config)
	m.metrics.ConnectionAttempt(err)

	m.mu.Lock()
	m.dialing = nil
	switch {
	case err != nil:
		call.err = &errspkg.ConnectionError{URL: RedactURL(m.url), Err: err}
	case m.closed:
		_ = conn.Close()
		call.err = errspkg.ErrConnectionManagerClosed
	default:
		m.conn = conn
		call.conn = conn
	}
	m.mu.Unlock()

	if call.err != nil {
		m.logger.Error("Broker connection failed", call.err, nil)
	} else {
		m.logger.Info("Broker connection established", nil)
	}
	close(call.done)
}

// Channel opens a fresh channel on the shared connection. The caller owns it
// and must close it.
func (m *ConnectionManager) Channel(ctx context.Context) (Channel, error) {
	conn, err := m.Connection(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &errspkg.ConnectionError{URL: RedactURL(m.url), Err: fmt.Errorf("open channel: %w", err)}
	}
	return ch, nil
}

// Close closes the shared connection if it is open. Safe to call more than
// once; subsequent Connection calls return ErrConnectionManagerClosed.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	if err := conn.Close(); err != nil {
		m.logger.Error("Closing broker connection failed", err, nil)
		return err
	}
	m.logger.Info("Broker connection closed", nil)
	return nil
}

// RedactURL drops credentials from an AMQP URL for logs and errors.
func RedactURL(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "***REDACTED_URL***"
	}
	return fmt.Sprintf("%s://%s:%d%s", uri.Scheme, uri.Host, uri.Port, uri.Vhost)
}
