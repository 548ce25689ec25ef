package runtime

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	handlerpkg "github.com/drblury/rpcflow/internal/runtime/handlers"
	"github.com/drblury/rpcflow/internal/runtime/hooks"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware. Zero values fall
// back to the service's retry settings.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults(s *Service) RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
		if s != nil && s.Conf != nil && s.Conf.RetryMaxAttempts > 1 {
			cfg.MaxRetries = s.Conf.RetryMaxAttempts - 1
		}
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
		if s != nil && s.Conf != nil && s.Conf.RetryBaseInterval > 0 {
			cfg.InitialInterval = 2 * s.Conf.RetryBaseInterval
		}
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * cfg.InitialInterval
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return !isUnprocessable(err) }
	}
	return cfg
}

func isUnprocessable(err error) bool {
	var unprocessable *handlerpkg.UnprocessableEventError
	return errors.As(err, &unprocessable)
}

// DefaultMiddlewares returns the standard middleware chain used by the
// Service constructor, outermost first. Failed events are retried and then
// moved to the poison queue; undecodable ones skip the retries.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		PoisonQueueMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		JobHooksMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds watermill's Prometheus router metrics and serves
// /metrics on Conf.MetricsPort.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(s.registerer, "rpcflow", "events")
			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", metricsHandler(s.registerer))
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

func metricsHandler(registerer prometheus.Registerer) http.Handler {
	if gatherer, ok := registerer.(prometheus.Gatherer); ok && registerer != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.correlationIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.tracerMiddleware(telemetry.Tracer()), nil
		},
	}
}

// JobHooksMiddleware runs the service's job hooks, merged with extra, around
// every handler attempt.
func JobHooksMiddleware(extra ...hooks.JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			h := s.jobHooks
			for _, e := range extra {
				h = h.Merge(e)
			}
			if h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil {
				return nil, nil
			}
			return jobHooksMiddleware(h), nil
		},
	}
}

// RetryMiddleware retries failed handlers with exponential backoff.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.retryMiddlewareWithConfig(cfg.withDefaults(s)), nil
		},
	}
}

// PoisonQueueMiddleware publishes failed messages matching filter to
// Conf.PoisonQueue and acks them. A nil filter matches every error.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.poisonMiddlewareWithFilter(filter)
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be retried or sent to the poison queue.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func (s *Service) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			correlationID := msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID)
			if correlationID == "" {
				correlationID = idspkg.CreateULID()
				msg.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, correlationID)
			}
			produced, err := h(msg)
			for _, out := range produced {
				if out.Metadata.Get(handlerpkg.MetadataKeyCorrelationID) == "" {
					out.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, correlationID)
				}
			}
			return produced, err
		}
	}
}

// poisonMiddlewareWithFilter publishes poison messages based on the provided filter.
func (s *Service) poisonMiddlewareWithFilter(filter func(err error) bool) (message.HandlerMiddleware, error) {
	if s.Conf == nil {
		return nil, errors.New("service config is required for poison queue middleware")
	}
	if s.publisher == nil {
		return nil, errors.New("publisher is required for poison queue middleware")
	}
	if s.Conf.PoisonQueue == "" {
		return nil, nil
	}

	if filter == nil {
		return middleware.PoisonQueue(s.publisher, s.Conf.PoisonQueue)
	}
	return middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, filter)
}

// logMessagesMiddleware logs all processed messages with their metadata.
func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"handler":      message.HandlerNameFromCtx(msg.Context()),
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// retryMiddlewareWithConfig records the attempt number in the message
// metadata before each try so hooks and handlers can see it.
func (s *Service) retryMiddlewareWithConfig(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		Logger:          loggingpkg.NewWatermillAdapter(s.Logger),
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			attempt := 0
			counted := func(m *message.Message) ([]*message.Message, error) {
				m.Metadata.Set(handlerpkg.MetadataKeyRetryCount, strconv.Itoa(attempt))
				attempt++
				return h(m)
			}
			return retry.Middleware(counted)(msg)
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func (s *Service) tracerMiddleware(tracer trace.Tracer) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			handlerName := message.HandlerNameFromCtx(msg.Context())
			ctx, span := tracer.Start(msg.Context(), "rpcflow.event "+handlerName,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("messaging.source.name", message.SubscribeTopicFromCtx(msg.Context())),
					attribute.String("rpcflow.event_type", msg.Metadata.Get(handlerpkg.MetadataKeyEventType)),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return produced, err
		}
	}
}

func jobHooksMiddleware(h hooks.JobHooks) message.HandlerMiddleware {
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			retryCount, _ := strconv.Atoi(msg.Metadata.Get(handlerpkg.MetadataKeyRetryCount))
			job := hooks.JobContext{
				HandlerName: message.HandlerNameFromCtx(msg.Context()),
				Topic:       message.SubscribeTopicFromCtx(msg.Context()),
				MessageUUID: msg.UUID,
				Metadata:    metadatapkg.FromWatermill(msg.Metadata),
				Context:     msg.Context(),
				StartedAt:   time.Now(),
				RetryCount:  retryCount,
			}
			h.Start(job)
			produced, err := next(msg)
			h.Finish(job, err)
			return produced, err
		}
	}
}
