package rpcflow

import (
	"context"

	runtimepkg "github.com/drblury/rpcflow/internal/runtime"
	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/broker"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/rpcflow/internal/runtime/handlers"
	"github.com/drblury/rpcflow/internal/runtime/hooks"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/rpcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/retry"
	"github.com/drblury/rpcflow/internal/runtime/rpc"
	"github.com/drblury/rpcflow/internal/runtime/rpcserver"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
	transportpkg "github.com/drblury/rpcflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = runtimepkg.TransportFactory

	// Request/reply
	ConnectionManager = broker.ConnectionManager
	RPCClient         = rpc.Client
	CallOption        = rpc.CallOption
	RPCServer         = rpcserver.Server
	RPCMessage        = rpcserver.Message
	RPCHandlerFunc    = rpcserver.HandlerFunc
	RPCServerOption   = rpcserver.Option
	Envelope          = envelope.Envelope
	Reply             = envelope.Reply
	RPCError          = envelope.RPCError
	RetryPolicy       = retry.Policy

	// Authentication
	Claims         = auth.Claims
	Guard          = auth.Guard
	Verifier       = auth.Verifier
	VerifierConfig = auth.VerifierConfig
	TokenIssuer    = auth.Issuer
	IssuerConfig   = auth.IssuerConfig
	AuthErrorKind  = auth.ErrorKind

	// Domain events
	MessageHandlerRegistration            = runtimepkg.MessageHandlerRegistration
	JSONHandlerRegistration[T any, O any] = handlerpkg.JSONHandlerRegistration[T, O]
	JSONMessageContext[T any]             = handlerpkg.JSONMessageContext[T]
	JSONMessageOutput[T any]              = handlerpkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]      = handlerpkg.JSONMessageHandler[T, O]
	MessageContextBase                    = handlerpkg.MessageContextBase
	UnprocessableEventError               = handlerpkg.UnprocessableEventError
	HandlerInfo                           = runtimepkg.HandlerInfo
	Producer                              = runtimepkg.Producer

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Job lifecycle hooks
	JobContext = hooks.JobContext
	JobHooks   = hooks.JobHooks

	Metadata = metadatapkg.Metadata
	Metrics  = telemetry.Metrics

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConnectionError       = errspkg.ConnectionError
	RemoteError           = errspkg.RemoteError
	RPCCallError          = errspkg.RPCCallError
	ConfigValidationError = errspkg.ConfigValidationError

	// Event transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService      = runtimepkg.NewService
	LoadConfig      = configpkg.FromEnvironment
	DefaultConfig   = configpkg.Defaults
	NewConnection   = broker.NewConnectionManager
	NewRPCClient    = rpc.NewClient
	NewRPCServer    = rpcserver.NewServer
	RequireAuth     = rpcserver.RequireAuth
	RPCErrorf       = rpcserver.Errorf
	WithAuthToken   = rpc.WithAuthToken
	WithTimeout     = rpc.WithTimeout
	WithHeaders     = rpc.WithHeaders
	IsRetryable     = rpc.IsRetryable
	NewVerifier     = auth.NewVerifier
	NewTokenIssuer  = auth.NewIssuer
	NewGuard        = auth.NewGuard
	GinMiddleware   = auth.GinMiddleware
	HTTPMiddleware  = auth.Middleware
	ClaimsFromCtx   = auth.ClaimsFromContext
	DefaultRetry    = retry.DefaultPolicy
	NewMetrics      = telemetry.NewMetrics
	GetCapabilities = transportpkg.GetCapabilities

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler
	PublishJSON            = runtimepkg.PublishJSON
	NewEventMessage        = handlerpkg.NewEventMessage

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	JobHooksMiddleware      = runtimepkg.JobHooksMiddleware

	LoggingHooks  = hooks.Logging
	MetricsHooks  = hooks.Metrics
	AlertingHooks = hooks.Alerting

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrPatternRequired      = errspkg.ErrPatternRequired
	ErrConnection           = errspkg.ErrConnection
	ErrTimeout              = errspkg.ErrTimeout
	ErrSerialization        = errspkg.ErrSerialization

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
	NewUUID    = idspkg.NewUUID
)

// JWT key families read by LoadConfig.
const (
	ConsumerJWTPrefix = configpkg.ConsumerJWTPrefix
	IssuerJWTPrefix   = configpkg.IssuerJWTPrefix
)

// Auth error kinds.
const (
	AuthNoToken                     = auth.NoToken
	AuthExpired                     = auth.Expired
	AuthMalformedOrInvalidSignature = auth.MalformedOrInvalidSignature
	AuthUnknown                     = auth.Unknown
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = handlerpkg.MetadataKeyCorrelationID
	MetadataKeyEventType     = handlerpkg.MetadataKeyEventType
	MetadataKeyUserID        = handlerpkg.MetadataKeyUserID
	MetadataKeyRetryCount    = handlerpkg.MetadataKeyRetryCount
)

func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	return runtimepkg.RegisterJSONHandler(svc, cfg)
}

// Call sends payload as pattern to queue and decodes the reply into T.
func Call[T any](ctx context.Context, c *RPCClient, queue, pattern string, payload any, opts ...CallOption) (T, error) {
	return rpc.CallAs[T](ctx, c, queue, pattern, payload, opts...)
}

// DecodeRequest unmarshals the data of an RPC request into T.
func DecodeRequest[T any](msg *RPCMessage) (T, error) {
	return rpcserver.Decode[T](msg)
}

// Retry runs op under policy.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, policy, op)
}
