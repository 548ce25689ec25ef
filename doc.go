// Package rpcflow turns RabbitMQ into a request/reply transport for services
// that must call each other synchronously, and authenticates those calls with
// the same bearer-token check used by their HTTP APIs.
//
// An RPCClient sends a JSON envelope {"id","data","pattern"} to a work queue
// with a correlation id and a private reply queue, then waits for the
// correlated reply, the call timeout or context cancellation, whichever comes
// first. An RPCServer consumes the work queue, routes each request by pattern,
// runs the Guard on routes registered with RequireAuth and answers in the
// NestJS reply format {"response", "err", "isDisposed"}.
//
// Service hosts a process: it owns the shared broker connection, the RPC
// servers, a Watermill router for domain events and the HTTP servers for the
// API and /metrics. A minimal setup loads Config, creates a Service, adds
// routes to svc.NewRPCServer and calls Start.
//
// # Transports
//
// Domain events travel over one of two transports:
//   - rabbitmq: durable fan-out through watermill-amqp, one queue per service
//   - channel: in-memory Go channels for tests and local runs
//
// # Middleware
//
// The default event middleware chain adds correlation IDs, debug logging,
// OpenTelemetry spans, Prometheus metrics, poison queue forwarding, retries
// with exponential backoff, job hooks and panic recovery. Custom middleware
// can be added via ServiceDependencies.Middlewares.
//
// # Errors
//
// Every failed call returns an *RPCCallError. Use errors.Is with ErrTimeout,
// ErrConnection or ErrSerialization, errors.As with *RemoteError, or
// IsRetryable to decide what to do next.
package rpcflow
