package profiles

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/rpcflow/internal/runtime/retry"
	"github.com/drblury/rpcflow/internal/runtime/rpc"
)

// ErrServerError is returned for every failed initialization. The cause is
// wrapped so errors.As still reaches a *errors.RemoteError.
var ErrServerError = errors.New("profiles: profile initialization failed")

// Client calls the profiles service.
type Client struct {
	rpc    *rpc.Client
	queue  string
	policy retry.Policy
}

// NewClient returns a client sending init_profile to queue. Only retryable
// failures are retried under policy.
func NewClient(c *rpc.Client, queue string, policy retry.Policy) *Client {
	policy.RetryIf = rpc.IsRetryable
	return &Client{rpc: c, queue: queue, policy: policy}
}

// InitializeProfile creates the profile of the user the token belongs to.
func (c *Client) InitializeProfile(ctx context.Context, token string, payload InitializePayload) (InitializeResult, error) {
	result, err := retry.Do(ctx, c.policy, func(ctx context.Context) (InitializeResult, error) {
		return rpc.CallAs[InitializeResult](ctx, c.rpc, c.queue, PatternInitialize, payload, rpc.WithAuthToken(token))
	})
	if err != nil {
		return InitializeResult{}, fmt.Errorf("%w: %w", ErrServerError, err)
	}
	return result, nil
}
