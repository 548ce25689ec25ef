package rpc

import (
	"strings"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// DefaultTimeout bounds a call when neither the client nor the call sets one.
const DefaultTimeout = 10 * time.Second

// AuthorizationHeader is the header carrying the bearer token.
const AuthorizationHeader = "authorization"

const bearerPrefix = "Bearer "

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithDefaultTimeout sets the timeout applied to calls without WithTimeout.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger logging.ServiceLogger) ClientOption {
	return func(c *Client) { c.logger = logging.OrDiscard(logger) }
}

func WithMetrics(metrics *telemetry.Metrics) ClientOption {
	return func(c *Client) { c.metrics = metrics }
}

// CallOption customises a single Call or Publish.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	token   string
	headers metadata.Metadata
}

// WithAuthToken sends token as "Bearer <token>" in the authorization header.
// A token that already carries the prefix is sent as is.
func WithAuthToken(token string) CallOption {
	return func(o *callOptions) { o.token = token }
}

// WithTimeout overrides the client's default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithHeaders adds headers to the published message.
func WithHeaders(md metadata.Metadata) CallOption {
	return func(o *callOptions) { o.headers = o.headers.WithAll(md) }
}

func bearer(token string) string {
	if strings.HasPrefix(token, bearerPrefix) {
		return token
	}
	return bearerPrefix + token
}

func (o callOptions) metadata() metadata.Metadata {
	md := o.headers.Clone()
	if o.token != "" {
		md[AuthorizationHeader] = bearer(o.token)
	}
	return md
}
