package rpc

import (
	"context"
	"errors"
	"fmt"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

// IsRetryable reports whether a failed call may succeed if sent again.
// Timeouts and broker connection failures are retryable; serialization
// failures, remote error replies and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errspkg.ErrSerialization) {
		return false
	}
	var remote *errspkg.RemoteError
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, errspkg.ErrTimeout) || errors.Is(err, errspkg.ErrConnection)
}

// classify folds a caller deadline into ErrTimeout so callers only need one
// check for "took too long".
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errspkg.ErrTimeout) {
		return fmt.Errorf("%w: %w", errspkg.ErrTimeout, err)
	}
	return err
}

func outcomeOf(err error) string {
	var remote *errspkg.RemoteError
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.As(err, &remote):
		return telemetry.OutcomeRemote
	case errors.Is(err, errspkg.ErrTimeout):
		return telemetry.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return telemetry.OutcomeCanceled
	default:
		return telemetry.OutcomeTransport
	}
}
