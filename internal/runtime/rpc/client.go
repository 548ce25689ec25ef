// Package rpc turns broker publish/subscribe into correlated, time-bounded
// request/reply calls.
package rpc

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rpcflow/internal/runtime/broker"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/ids"
	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// ChannelProvider opens a channel owned by the caller.
// *broker.ConnectionManager implements it.
type ChannelProvider interface {
	Channel(ctx context.Context) (broker.Channel, error)
}

// Client publishes envelopes and performs request/reply calls.
type Client struct {
	channels ChannelProvider
	timeout  time.Duration
	logger   logging.ServiceLogger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	pending  *pendingCalls
}

// NewClient creates a client that opens one channel per operation on channels.
func NewClient(channels ChannelProvider, opts ...ClientOption) *Client {
	c := &Client{
		channels: channels,
		timeout:  DefaultTimeout,
		logger:   logging.Discard(),
		tracer:   telemetry.Tracer(),
		pending:  newPendingCalls(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) options(opts []CallOption) callOptions {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = c.timeout
	}
	return o
}

func (c *Client) startSpan(ctx context.Context, name, queue, pattern string, kind trace.SpanKind) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name,
		trace.WithSpanKind(kind),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("rpcflow.pattern", pattern),
		),
	)
}

func headersFor(ctx context.Context, md metadata.Metadata) amqp.Table {
	headers := metadata.ToTable(md)
	if headers == nil {
		headers = amqp.Table{}
	}
	telemetry.InjectAMQP(ctx, headers)
	return headers
}

// Publish sends payload to queue without waiting for a reply. The queue is
// declared durable first. Failures are returned, not retried.
func (c *Client) Publish(ctx context.Context, queue, pattern string, payload any, opts ...CallOption) (err error) {
	if queue == "" {
		return errspkg.ErrQueueRequired
	}
	o := c.options(opts)

	ctx, span := c.startSpan(ctx, "rpcflow.publish "+pattern, queue, pattern, trace.SpanKindProducer)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	env, err := envelope.New(pattern, payload)
	if err != nil {
		return err
	}
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	ch, err := c.channels.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := broker.DeclareWorkQueue(ch, queue); err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  envelope.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.Now(),
		Headers:      headersFor(ctx, o.metadata()),
		Body:         body,
	})
	if err != nil {
		return &errspkg.ConnectionError{Err: fmt.Errorf("publish to %q: %w", queue, err)}
	}

	c.metrics.Published(queue, pattern)
	c.logger.Debug("Envelope published", logging.LogFields{"queue": queue, "pattern": pattern, "message_id": env.ID})
	return nil
}

// Call publishes payload to queue and waits for the correlated reply. Every
// failure is an *errors.RPCCallError whose cause tells timeouts, connection
// failures, serialization failures, cancellation and remote errors apart.
func (c *Client) Call(ctx context.Context, queue, pattern string, payload any, opts ...CallOption) (*envelope.Reply, error) {
	o := c.options(opts)
	correlationID := ids.NewCorrelationID()
	log := c.logger.With(logging.LogFields{"queue": queue, "pattern": pattern, "correlation_id": correlationID})

	ctx, span := c.startSpan(ctx, "rpcflow.call "+pattern, queue, pattern, trace.SpanKindClient)
	span.SetAttributes(attribute.String("messaging.message.conversation_id", correlationID))
	defer span.End()

	fail := func(err error) (*envelope.Reply, error) {
		err = &errspkg.RPCCallError{Queue: queue, Pattern: pattern, CorrelationID: correlationID, Err: classify(err)}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if queue == "" {
		return fail(errspkg.ErrQueueRequired)
	}
	env, err := envelope.New(pattern, payload)
	if err != nil {
		return fail(err)
	}
	body, err := env.Marshal()
	if err != nil {
		return fail(err)
	}

	ch, err := c.channels.Channel(ctx)
	if err != nil {
		return fail(err)
	}
	// Closing the channel cancels the reply consumer; the broker then
	// deletes the auto-delete reply queue.
	defer ch.Close()

	replyQueue, err := broker.DeclareReplyQueue(ch)
	if err != nil {
		return fail(err)
	}

	call := c.pending.register(correlationID)
	defer c.pending.resolve(correlationID, outcome{})

	deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail(&errspkg.ConnectionError{Err: fmt.Errorf("consume reply queue: %w", err)})
	}
	go c.awaitReply(deliveries, correlationID, log)

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   envelope.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		ReplyTo:       replyQueue.Name,
		MessageId:     env.ID,
		Timestamp:     time.Now(),
		Headers:       headersFor(ctx, o.metadata()),
		Body:          body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		return fail(&errspkg.ConnectionError{Err: fmt.Errorf("publish to %q: %w", queue, err)})
	}
	log.Debug("RPC request published", logging.LogFields{"reply_to": replyQueue.Name})

	c.metrics.CallStarted()
	started := time.Now()
	res := c.wait(ctx, call, correlationID, o.timeout)
	c.metrics.CallFinished(queue, pattern, outcomeOf(res.err), time.Since(started))

	if res.err != nil {
		log.Debug("RPC call failed", logging.LogFields{"error": res.err.Error()})
		return fail(res.err)
	}
	res.reply.CorrelationID = correlationID
	return &res.reply, nil
}

// wait races the reply against the timer and ctx. The losing side's resolve
// is a no-op, so the outcome read from call.done is the single winner.
func (c *Client) wait(ctx context.Context, call *pendingCall, correlationID string, timeout time.Duration) outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res
	case <-timer.C:
		c.pending.resolve(correlationID, outcome{err: fmt.Errorf("%w after %s: %w", errspkg.ErrTimeout, timeout, context.DeadlineExceeded)})
	case <-ctx.Done():
		c.pending.resolve(correlationID, outcome{err: ctx.Err()})
	}
	return <-call.done
}

// awaitReply runs until the reply consumer is cancelled.
func (c *Client) awaitReply(deliveries <-chan amqp.Delivery, correlationID string, log logging.ServiceLogger) {
	for d := range deliveries {
		if d.CorrelationId != correlationID {
			log.Debug("Ignoring reply with unknown correlation id", logging.LogFields{"received": d.CorrelationId})
			continue
		}
		reply, err := envelope.ParseReply(d.Body)
		if err == nil {
			err = reply.RemoteError()
		}
		c.pending.resolve(correlationID, outcome{reply: reply, err: err})
	}
	c.pending.resolve(correlationID, outcome{err: &errspkg.ConnectionError{Err: amqp.ErrClosed}})
}

// CallAs performs Call and decodes the reply's response into T.
func CallAs[T any](ctx context.Context, c *Client, queue, pattern string, payload any, opts ...CallOption) (T, error) {
	var out T
	reply, err := c.Call(ctx, queue, pattern, payload, opts...)
	if err != nil {
		return out, err
	}
	if err := reply.DecodeResponse(&out); err != nil {
		return out, &errspkg.RPCCallError{Queue: queue, Pattern: pattern, CorrelationID: reply.CorrelationID, Err: err}
	}
	return out, nil
}
