// Package rpcserver consumes request envelopes from a work queue, dispatches
// them by pattern and replies to the caller's reply queue.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/broker"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/hooks"
	"github.com/drblury/rpcflow/internal/runtime/jsoncodec"
	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// DefaultPrefetch is the Qos prefetch and worker count.
const DefaultPrefetch = 10

var (
	ErrGuardRequired     = errors.New("rpcflow: auth guard is required for guarded routes")
	ErrServerRunning     = errors.New("rpcflow: server is already serving")
	// ErrDeliveriesStopped is wrapped in the ConnectionError Serve returns
	// when the broker closes a consumer that was already running.
	ErrDeliveriesStopped = errors.New("delivery channel closed")
)

// ChannelProvider opens a channel owned by the caller.
type ChannelProvider interface {
	Channel(ctx context.Context) (broker.Channel, error)
}

// HandlerFunc handles one request. The returned value is sent back as the
// reply's response.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

type route struct {
	handler     HandlerFunc
	requireAuth bool
}

// RouteOption customises a route.
type RouteOption func(*route)

// RequireAuth runs the server's guard before the handler.
func RequireAuth() RouteOption {
	return func(r *route) { r.requireAuth = true }
}

type Option func(*Server)

func WithPrefetch(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.prefetch = n
		}
	}
}

func WithGuard(guard *auth.Guard) Option {
	return func(s *Server) { s.guard = guard }
}

func WithLogger(logger logging.ServiceLogger) Option {
	return func(s *Server) { s.logger = logging.OrDiscard(logger) }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

func WithHooks(h hooks.JobHooks) Option {
	return func(s *Server) { s.hooks = s.hooks.Merge(h) }
}

// Server consumes one durable queue with manual acks.
type Server struct {
	channels ChannelProvider
	queue    string
	prefetch int
	guard    *auth.Guard
	logger   logging.ServiceLogger
	metrics  *telemetry.Metrics
	hooks    hooks.JobHooks
	tracer   trace.Tracer

	routesMu sync.RWMutex
	routes   map[string]route

	running sync.Mutex
	// replyMu serialises publishes on the shared consumer channel.
	replyMu sync.Mutex
}

func NewServer(channels ChannelProvider, queue string, opts ...Option) (*Server, error) {
	if channels == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if queue == "" {
		return nil, errspkg.ErrQueueRequired
	}
	s := &Server{
		channels: channels,
		queue:    queue,
		prefetch: DefaultPrefetch,
		logger:   logging.Discard(),
		tracer:   telemetry.Tracer(),
		routes:   make(map[string]route),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.LogFields{"queue": queue})
	return s, nil
}

func (s *Server) Queue() string { return s.queue }

// Handle registers fn for pattern.
func (s *Server) Handle(pattern string, fn HandlerFunc, opts ...RouteOption) error {
	if pattern == "" {
		return errspkg.ErrPatternRequired
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}
	r := route{handler: fn}
	for _, opt := range opts {
		opt(&r)
	}
	if r.requireAuth && s.guard == nil {
		return ErrGuardRequired
	}

	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	if _, exists := s.routes[pattern]; exists {
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateRoute, pattern)
	}
	s.routes[pattern] = r
	return nil
}

// Patterns lists the registered patterns in order.
func (s *Server) Patterns() []string {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	patterns := make([]string, 0, len(s.routes))
	for p := range s.routes {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

func (s *Server) lookup(pattern string) (route, bool) {
	s.routesMu.RLock()
	defer s.routesMu.RUnlock()
	r, ok := s.routes[pattern]
	return r, ok
}

// Serve consumes the queue until ctx is cancelled, which returns nil, or the
// delivery channel closes, which returns a connection error. In-flight
// deliveries finish before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if !s.running.TryLock() {
		return ErrServerRunning
	}
	defer s.running.Unlock()

	ch, err := s.channels.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := broker.DeclareWorkQueue(ch, s.queue); err != nil {
		return err
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return &errspkg.ConnectionError{Err: fmt.Errorf("set qos: %w", err)}
	}
	deliveries, err := ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return &errspkg.ConnectionError{Err: fmt.Errorf("consume %q: %w", s.queue, err)}
	}

	s.logger.Info("RPC server consuming", logging.LogFields{"prefetch": s.prefetch, "patterns": s.Patterns()})

	jobs := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < s.prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				s.handleDelivery(ctx, ch, d)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("RPC server stopping", nil)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &errspkg.ConnectionError{Err: ErrDeliveriesStopped}
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				// The unacked delivery is requeued by the broker once the
				// channel closes.
				return nil
			}
		}
	}
}

func (s *Server) handleDelivery(ctx context.Context, ch broker.Channel, d amqp.Delivery) {
	started := time.Now()
	ctx = telemetry.ExtractAMQP(ctx, d.Headers)

	env, err := envelope.Parse(d.Body)
	if err != nil {
		s.logger.Error("Dropping malformed delivery", err, logging.LogFields{"message_id": d.MessageId})
		s.metrics.ServerHandled(s.queue, "", telemetry.OutcomeFailed, time.Since(started))
		_ = d.Nack(false, false)
		return
	}

	ctx, span := s.tracer.Start(ctx, "rpcflow.serve "+env.Pattern,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", s.queue),
			attribute.String("rpcflow.pattern", env.Pattern),
		),
	)
	defer span.End()

	headers := metadata.FromTable(d.Headers)
	msg := &Message{
		ID:            env.ID,
		Pattern:       env.Pattern,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Headers:       headers,
		Data:          env.Data,
		rpc:           &auth.RPCMessage{Headers: d.Headers, Body: d.Body, Data: dataBag(env.Data)},
	}

	job := hooks.JobContext{
		HandlerName: env.Pattern,
		Topic:       s.queue,
		MessageUUID: env.ID,
		Metadata:    headers,
		Context:     ctx,
		StartedAt:   started,
	}
	s.hooks.Start(job)

	result, failure, outcome := s.dispatch(ctx, msg)
	var jobErr error
	if failure != nil {
		jobErr = failure
		span.SetStatus(codes.Error, failure.Message)
	}

	if !msg.IsEvent() {
		reply := envelope.NewErrorReply(InternalError)
		if failure != nil {
			reply = envelope.NewErrorReply(*failure)
		} else if r, err := envelope.NewReply(result); err == nil {
			reply = r
		} else {
			s.logger.Error("Encoding handler result failed", err, logging.LogFields{"pattern": env.Pattern})
			jobErr = err
			outcome = telemetry.OutcomeFailed
		}
		if err := s.reply(ctx, ch, d, reply); err != nil {
			s.logger.Error("Sending reply failed", err, logging.LogFields{"pattern": env.Pattern, "reply_to": d.ReplyTo})
			span.RecordError(err)
		}
	} else if outcome == telemetry.OutcomeSuccess {
		outcome = telemetry.OutcomeEvent
	}

	if err := d.Ack(false); err != nil {
		s.logger.Error("Ack failed", err, logging.LogFields{"pattern": env.Pattern})
	}
	s.hooks.Finish(job, jobErr)
	s.metrics.ServerHandled(s.queue, env.Pattern, outcome, time.Since(started))
}

// dispatch returns the handler result or the payload to reply with instead.
func (s *Server) dispatch(ctx context.Context, msg *Message) (any, *envelope.RPCError, string) {
	r, ok := s.lookup(msg.Pattern)
	if !ok {
		s.logger.Info("No handler for pattern", logging.LogFields{"pattern": msg.Pattern})
		payload := NotFoundError
		return nil, &payload, telemetry.OutcomeNotFound
	}

	if r.requireAuth {
		if err := s.guard.Authenticate(auth.RPCRequest(msg.rpc)); err != nil {
			payload := payloadFor(err)
			return nil, &payload, telemetry.OutcomeRejected
		}
	}

	result, err := s.invoke(ctx, r.handler, msg)
	if err != nil {
		payload := payloadFor(err)
		if payload == InternalError {
			s.logger.Error("Handler failed", err, logging.LogFields{"pattern": msg.Pattern})
		}
		return nil, &payload, telemetry.OutcomeFailed
	}
	return result, nil, telemetry.OutcomeSuccess
}

func (s *Server) invoke(ctx context.Context, h HandlerFunc, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Handler panicked", fmt.Errorf("%v", r), logging.LogFields{
				"pattern": msg.Pattern,
				"stack":   string(debug.Stack()),
			})
			result, err = nil, fmt.Errorf("rpcflow: handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (s *Server) reply(ctx context.Context, ch broker.Channel, d amqp.Delivery, reply envelope.Reply) error {
	body, err := reply.Marshal()
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	telemetry.InjectAMQP(ctx, headers)

	s.replyMu.Lock()
	defer s.replyMu.Unlock()
	return ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   envelope.ContentType,
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now(),
		Headers:       headers,
		Body:          body,
	})
}

// dataBag decodes object data so the guard can attach claims to it.
func dataBag(data []byte) map[string]any {
	bag := map[string]any{}
	if len(data) == 0 {
		return bag
	}
	var decoded map[string]any
	if err := jsoncodec.Unmarshal(data, &decoded); err == nil && decoded != nil {
		return decoded
	}
	return bag
}
