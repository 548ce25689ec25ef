// Package brokertest provides an in-memory AMQP broker implementing the
// broker.Connection and broker.Channel interfaces. It routes on the default
// exchange only, which is all rpcflow uses.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/rpcflow/internal/runtime/broker"
)

// Published is a message accepted by the broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// QueueInfo describes a declared queue.
type QueueInfo struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Declares   int
	Consumers  int
	Backlog    int
}

// Broker is an in-memory broker. The zero value is not usable; call New.
type Broker struct {
	// OnPublish, when set, runs before routing and can fail the publish.
	OnPublish func(key string, msg amqp.Publishing) error
	// OnDeclare and OnConsume, when set, can fail the matching operation.
	OnDeclare func(name string) error
	OnConsume func(queue string) error
	// DialErr, when set, is returned by the dialer instead of a connection.
	DialErr func(attempt int) error

	mu        sync.Mutex
	queues    map[string]*queue
	published []Published
	acks      []uint64
	nacks     []uint64
	tag       uint64
	seq       int
	dials     int
	conns     []*Conn
}

type queue struct {
	info      QueueInfo
	consumers []*consumer
	backlog   []amqp.Delivery
	next      int
	consumed  bool
}

type consumer struct {
	tag      string
	owner    *Channel
	autoAck  bool
	delivery chan amqp.Delivery
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{queues: map[string]*queue{}}
}

// Dialer returns a function compatible with broker.Dialer.
func (b *Broker) Dialer() func(string, amqp.Config) (broker.Connection, error) {
	return func(string, amqp.Config) (broker.Connection, error) {
		return b.dial()
	}
}

func (b *Broker) dial() (broker.Connection, error) {
	b.mu.Lock()
	b.dials++
	attempt := b.dials
	hook := b.DialErr
	b.mu.Unlock()

	if hook != nil {
		if err := hook(attempt); err != nil {
			return nil, err
		}
	}
	conn := &Conn{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	return conn, nil
}

// Connect returns a new connection to the broker.
func (b *Broker) Connect() *Conn {
	conn, _ := b.dial()
	return conn.(*Conn)
}

// Dials reports how many connections were requested.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns a snapshot of every accepted message.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Queue returns the current state of the named queue.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	info := q.info
	info.Consumers = len(q.consumers)
	info.Backlog = len(q.backlog)
	return info, true
}

// Acks returns the delivery tags acknowledged so far.
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

// Nacks returns the delivery tags negatively acknowledged or rejected.
func (b *Broker) Nacks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.nacks...)
}

// Deliver publishes msg to queue as if a remote client sent it.
func (b *Broker) Deliver(queueName string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.route("", queueName, msg)
}

// DropConnections closes every open connection as a broker restart would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// WaitForConsumer blocks until queue has a consumer or the timeout passes.
func (b *Broker) WaitForConsumer(queueName string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if info, ok := b.Queue(queueName); ok && info.Consumers > 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

// Ack implements amqp.Acknowledger.
func (b *Broker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (b *Broker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacks = append(b.nacks, tag)
	return nil
}

// Reject implements amqp.Acknowledger.
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// route must be called with b.mu held.
func (b *Broker) route(exchange, key string, msg amqp.Publishing) {
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	q, ok := b.queues[key]
	if exchange != "" || !ok {
		return
	}
	b.tag++
	d := amqp.Delivery{
		Acknowledger:  b,
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  msg.DeliveryMode,
		CorrelationId: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		MessageId:     msg.MessageId,
		Timestamp:     msg.Timestamp,
		Type:          msg.Type,
		DeliveryTag:   b.tag,
		Exchange:      exchange,
		RoutingKey:    key,
		Body:          append([]byte(nil), msg.Body...),
	}
	if !q.push(d) {
		q.backlog = append(q.backlog, d)
	}
}

func (q *queue) push(d amqp.Delivery) bool {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		d.ConsumerTag = c.tag
		select {
		case c.delivery <- d:
			q.next = (q.next + i + 1) % len(q.consumers)
			return true
		default:
		}
	}
	return false
}

// Conn is an in-memory connection.
type Conn struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
	// ChannelErr, when set, fails every Channel call.
	ChannelErr error
}

// Channel implements broker.Connection.
func (c *Conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return &Channel{broker: c.broker, conn: c}, nil
}

// FailChannels makes every following Channel call fail with err.
func (c *Conn) FailChannels(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChannelErr = err
}

// IsClosed implements broker.Connection.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements broker.Connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		kept := q.consumers[:0]
		for _, cons := range q.consumers {
			if cons.owner.conn == c {
				close(cons.delivery)
				continue
			}
			kept = append(kept, cons)
		}
		q.consumers = kept
		if q.info.AutoDelete && q.consumed && len(q.consumers) == 0 {
			delete(b.queues, name)
		}
	}
	return nil
}

// Channel is an in-memory channel.
type Channel struct {
	broker *Broker
	conn   *Conn

	mu       sync.Mutex
	closed   bool
	prefetch int
}

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed || ch.conn.IsClosed()
}

// QueueDeclare implements broker.Channel. Redeclaring with different
// arguments fails like RabbitMQ's PRECONDITION_FAILED.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.broker
	if b.OnDeclare != nil {
		if err := b.OnDeclare(name); err != nil {
			return amqp.Queue{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{info: QueueInfo{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive}}
		b.queues[name] = q
	}
	if q.info.Durable != durable || q.info.AutoDelete != autoDelete || q.info.Exclusive != exclusive {
		return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg for queue " + name}
	}
	q.info.Declares++
	return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
}

// Qos implements broker.Channel.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

// Prefetch returns the last Qos prefetch count.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// Consume implements broker.Channel.
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.isClosed() {
		return nil, amqp.ErrClosed
	}
	b := ch.broker
	if b.OnConsume != nil {
		if err := b.OnConsume(queueName); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	b.seq++
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("ctag-%d", b.seq)
	}
	c := &consumer{tag: consumerTag, owner: ch, autoAck: autoAck, delivery: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	q.consumed = true

	backlog := q.backlog
	q.backlog = nil
	for _, d := range backlog {
		if !q.push(d) {
			q.backlog = append(q.backlog, d)
		}
	}
	return c.delivery, nil
}

// PublishWithContext implements broker.Channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	if b.OnPublish != nil {
		if err := b.OnPublish(key, msg); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.route(exchange, key, msg)
	return nil
}

// Close implements broker.Channel. Consumers opened on the channel are
// cancelled and auto-delete queues left without consumers are removed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, q := range b.queues {
		kept := q.consumers[:0]
		for _, c := range q.consumers {
			if c.owner == ch {
				close(c.delivery)
				continue
			}
			kept = append(kept, c)
		}
		q.consumers = kept
		if q.info.AutoDelete && q.consumed && len(q.consumers) == 0 {
			delete(b.queues, name)
		}
	}
	return nil
}

// ErrInjected is a convenience error for failure injection in tests.
var ErrInjected = errors.New("brokertest: injected failure")
