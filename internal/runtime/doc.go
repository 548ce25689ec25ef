/*
Package runtime hosts one rpcflow process: the request/reply servers, the
event router and the HTTP servers that share a broker connection.

# Service

NewService wires a Service from a config.Config:
  - a broker.ConnectionManager shared by the RPC client and every RPC server
  - an auth.Guard when a JWT secret is configured
  - a Watermill router over the configured event transport (RabbitMQ or
    in-process channels)
  - Prometheus metrics and the /metrics endpoint when metrics are enabled

Start runs everything until the context is cancelled. RPC servers are
restarted with the configured backoff after the broker connection drops.

# Request/reply

NewRPCServer returns an rpcserver.Server bound to a work queue. Routes are
added with Handle and may require a bearer token with rpcserver.RequireAuth.
RPCClient returns the rpc.Client used to call other services.

# Events

RegisterJSONHandler and RegisterMessageHandler attach consumers to the router.
PublishEvent emits a JSON event with its event type in the metadata.

The default middleware chain, outermost first:
  - CorrelationID: every message carries a correlation identifier
  - LogMessages: debug logging of payloads
  - Tracer: OpenTelemetry consumer spans
  - Metrics: watermill Prometheus router metrics
  - PoisonQueue: failed messages go to Conf.PoisonQueue
  - Retry: exponential backoff, skipped for undecodable payloads
  - JobHooks: start, done and error callbacks
  - Recoverer: panics become handler errors

# Usage

	conf, err := config.FromEnvironment(config.ConsumerJWTPrefix)
	if err != nil {
		return err
	}

	svc, err := runtime.NewService(conf, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()

	srv, err := svc.NewRPCServer("profiles")
	if err != nil {
		return err
	}
	_ = srv.Handle("init_profile", initProfile, rpcserver.RequireAuth())

	return svc.Start(ctx)
*/
package runtime
