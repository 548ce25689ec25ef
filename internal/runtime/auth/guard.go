package auth

import (
	"fmt"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// TokenVerifier validates a "Bearer <token>" value. *Verifier implements it.
type TokenVerifier interface {
	Verify(bearer string) (Claims, error)
}

// RPCError is the guard's rejection for RPC messages. Payload is sent back
// to the caller as the reply's error.
type RPCError struct {
	Payload envelope.RPCError
	Kind    ErrorKind
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("auth: rpc %d: %s", e.Payload.StatusCode, e.Payload.Message)
}

// RPCPayload exposes the reply payload to the RPC dispatcher.
func (e *RPCError) RPCPayload() envelope.RPCError { return e.Payload }

type GuardOption func(*Guard)

func WithGuardLogger(logger logging.ServiceLogger) GuardOption {
	return func(g *Guard) { g.logger = logging.OrDiscard(logger) }
}

func WithGuardMetrics(metrics *telemetry.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = metrics }
}

// Guard authenticates HTTP requests and RPC messages through one verifier.
type Guard struct {
	verifier TokenVerifier
	logger   logging.ServiceLogger
	metrics  *telemetry.Metrics
}

func NewGuard(verifier TokenVerifier, opts ...GuardOption) *Guard {
	g := &Guard{verifier: verifier, logger: logging.Discard()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate verifies the token carried by req. On success the claims are
// attached to req; on failure the error is an *HTTPError for HTTP requests
// and an *RPCError otherwise.
func (g *Guard) Authenticate(req *Request) error {
	transport := req.Transport()
	claims, err := g.verifier.Verify(ExtractBearerToken(req))
	if err != nil {
		kind := KindOf(err)
		g.metrics.AuthRejected(transport.String(), kind.String())
		g.logger.Debug("Request rejected by auth guard", logging.LogFields{
			"transport": transport.String(),
			"kind":      kind.String(),
		})
		return reject(transport, kind)
	}

	switch transport {
	case TransportHTTP:
		r := req.http
		if r == nil {
			return reject(transport, Unknown)
		}
		req.http = r.WithContext(WithClaims(r.Context(), claims))
	case TransportRPC:
		if req.rpc == nil {
			return reject(transport, Unknown)
		}
		if req.rpc.Data == nil {
			req.rpc.Data = make(map[string]any, 1)
		}
		req.rpc.Data[UserKey] = claims
	default:
		return reject(transport, Unknown)
	}
	return nil
}

func reject(transport Transport, kind ErrorKind) error {
	if transport == TransportHTTP {
		return &HTTPError{StatusCode: StatusUnauthorized, Message: kind.Message(), Kind: kind}
	}
	return &RPCError{
		Payload: envelope.RPCError{StatusCode: StatusUnauthorized, Message: kind.Message()},
		Kind:    kind,
	}
}
