package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/broker"
	configpkg "github.com/drblury/rpcflow/internal/runtime/config"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/hooks"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/retry"
	"github.com/drblury/rpcflow/internal/runtime/rpc"
	"github.com/drblury/rpcflow/internal/runtime/rpcserver"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
	transportpkg "github.com/drblury/rpcflow/transport"

	_ "github.com/drblury/rpcflow/transport/channel"
	_ "github.com/drblury/rpcflow/transport/rabbitmq"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// errConsumerLost ends a retry round after a running consumer was closed.
var errConsumerLost = errors.New("rpc consumer lost")

// httpShutdownTimeout bounds graceful shutdown of the API and metrics servers.
const httpShutdownTimeout = 5 * time.Second

// TransportFactory builds the domain event transport.
type TransportFactory interface {
	Build(ctx context.Context, conf transportpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults derived from the config.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          TransportFactory

	// Connections is the shared broker connection for RPC traffic. When nil
	// the Service dials Conf.AMQPURL() lazily and closes it in Close.
	Connections *broker.ConnectionManager

	// Registerer receives rpcflow and router metrics when Conf.MetricsEnabled.
	Registerer prometheus.Registerer

	// JobHooks run around every event handler and RPC delivery.
	JobHooks hooks.JobHooks
}

// Service hosts the watermill event router, the RPC servers and the HTTP
// servers of one rpcflow process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	capabilities transportpkg.Capabilities
	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router

	connections     *broker.ConnectionManager
	ownsConnections bool
	registerer      prometheus.Registerer
	metrics         *telemetry.Metrics
	jobHooks        hooks.JobHooks
	guard           *auth.Guard

	rpcClientOnce sync.Once
	rpcClient     *rpc.Client

	servers   []*rpcserver.Server
	serversMu sync.Mutex

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Register
// handlers and RPC servers on the returned Service before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating rpcflow service",
		loggingpkg.LogFields{
			"service":       conf.ServiceName,
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		registerer: deps.Registerer,
		jobHooks:   deps.JobHooks,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if conf.MetricsEnabled {
		s.metrics = telemetry.NewMetrics(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	s.connections = deps.Connections
	if s.connections == nil {
		s.connections = broker.NewConnectionManager(conf.AMQPURL(), log,
			broker.WithConnectionName(conf.ServiceName),
			broker.WithMetrics(s.metrics),
		)
		s.ownsConnections = true
	}

	if conf.JWTSecret != "" {
		verifier, err := auth.NewVerifier(auth.VerifierConfig{
			Secret:   conf.JWTSecret,
			Issuer:   conf.JWTIssuer,
			Audience: conf.JWTAudience,
		})
		if err != nil {
			return nil, err
		}
		s.guard = auth.NewGuard(verifier, auth.WithGuardLogger(log), auth.WithGuardMetrics(s.metrics))
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultRegistry
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %q transport: %w", conf.PubSubSystem, err)
	}
	s.transport = transport
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber
	s.capabilities = transportpkg.DefaultRegistry.GetCapabilities(conf.PubSubSystem)
	if !s.capabilities.Durable {
		log.Info("Event transport is not durable, events are lost on restart", loggingpkg.LogFields{
			"transport": s.capabilities.Name,
		})
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = transport.Close()
		return nil, err
	}

	return s, nil
}

// Start runs the event router, every RPC server and the HTTP servers until
// ctx is cancelled or one of them fails. A failure stops the others.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.serversMu.Lock()
	servers := append([]*rpcserver.Server(nil), s.servers...)
	s.serversMu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	s.startHTTPServers(ctx, &wg)
	if len(s.router.Handlers()) > 0 {
		run("event router", func(ctx context.Context) error { return routerRun(s.router, ctx) })
	}
	for _, srv := range servers {
		run("rpc server "+srv.Queue(), func(ctx context.Context) error { return s.serve(ctx, srv) })
	}

	wg.Wait()
	return errors.Join(errs...)
}

// serve keeps srv consuming across broker connection losses. Only failures
// to re-establish consumption count against the retry policy; each loss of a
// running consumer starts over with a fresh budget.
func (s *Service) serve(ctx context.Context, srv *rpcserver.Server) error {
	policy := s.RetryPolicy()
	policy.RetryIf = func(err error) bool { return errors.Is(err, errspkg.ErrConnection) }

	for {
		_, err := retry.Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
			err := srv.Serve(ctx)
			if errors.Is(err, rpcserver.ErrDeliveriesStopped) {
				return struct{}{}, errConsumerLost
			}
			return struct{}{}, err
		})
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errConsumerLost) {
			return err
		}
		s.Logger.Info("RPC server lost its consumer, reconnecting", loggingpkg.LogFields{"queue": srv.Queue()})
	}
}

// Close tears down the router, the event transport and, when the Service
// dialled it, the shared broker connection.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.router != nil {
			errs = append(errs, s.router.Close())
		}
		errs = append(errs, s.transport.Close())
		if s.ownsConnections && s.connections != nil {
			errs = append(errs, s.connections.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Connections exposes the shared broker connection used for RPC traffic.
func (s *Service) Connections() *broker.ConnectionManager { return s.connections }

// Metrics is nil unless Conf.MetricsEnabled.
func (s *Service) Metrics() *telemetry.Metrics { return s.metrics }

// Guard is nil when no JWT secret is configured.
func (s *Service) Guard() *auth.Guard { return s.guard }

// Capabilities reports what the configured event transport guarantees.
func (s *Service) Capabilities() transportpkg.Capabilities { return s.capabilities }

// RetryPolicy is the configured retry policy with logging on every retry.
func (s *Service) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  s.Conf.RetryMaxAttempts,
		BaseInterval: s.Conf.RetryBaseInterval,
		OnRetry:      retry.Logging(s.Logger),
	}
}

// TokenIssuer mints tokens with the configured secret, issuer, audience and TTL.
func (s *Service) TokenIssuer() (*auth.Issuer, error) {
	return auth.NewIssuer(auth.IssuerConfig{
		Secret:   s.Conf.JWTSecret,
		Issuer:   s.Conf.JWTIssuer,
		Audience: s.Conf.JWTAudience,
		TTL:      s.Conf.TokenTTL,
	})
}

// RPCClient returns the Service's request/reply client, bounded by Conf.RPCTimeout.
func (s *Service) RPCClient() *rpc.Client {
	s.rpcClientOnce.Do(func() {
		s.rpcClient = rpc.NewClient(s.connections,
			rpc.WithDefaultTimeout(s.Conf.RPCTimeout),
			rpc.WithLogger(s.Logger),
			rpc.WithMetrics(s.metrics),
		)
	})
	return s.rpcClient
}

// NewRPCServer creates a server consuming queue and schedules it to run in
// Start. The Service's guard, logger, metrics and job hooks apply unless
// opts override them.
func (s *Service) NewRPCServer(queue string, opts ...rpcserver.Option) (*rpcserver.Server, error) {
	defaults := []rpcserver.Option{
		rpcserver.WithLogger(s.Logger),
		rpcserver.WithMetrics(s.metrics),
		rpcserver.WithHooks(s.jobHooks),
	}
	if s.guard != nil {
		defaults = append(defaults, rpcserver.WithGuard(s.guard))
	}
	srv, err := rpcserver.NewServer(s.connections, queue, append(defaults, opts...)...)
	if err != nil {
		return nil, err
	}

	s.serversMu.Lock()
	s.servers = append(s.servers, srv)
	s.serversMu.Unlock()
	return srv, nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the server listening on port. Start
// launches one server per port.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, wg *sync.WaitGroup) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
