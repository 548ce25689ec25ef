package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired             = sterrors.New("rpcflow: service is required")
	ErrHandlerRequired             = sterrors.New("rpcflow: handler function is required")
	ErrConsumeQueueRequired        = sterrors.New("rpcflow: consume queue is required")
	ErrHandlerNameRequired         = sterrors.New("rpcflow: handler name is required")
	ErrConsumeMessageTypeRequired  = sterrors.New("rpcflow: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("rpcflow: consume message type must be a pointer")
	ErrPublisherRequired           = sterrors.New("rpcflow: publisher is required")
	ErrTopicRequired               = sterrors.New("rpcflow: topic is required")
	ErrConfigRequired              = sterrors.New("rpcflow: configuration is required")
	ErrLoggerRequired              = sterrors.New("rpcflow: logger is required")
	ErrEventPayloadRequired        = sterrors.New("rpcflow: event payload is required")

	ErrQueueRequired           = sterrors.New("rpcflow: queue name is required")
	ErrPatternRequired         = sterrors.New("rpcflow: pattern is required")
	ErrDuplicateRoute          = sterrors.New("rpcflow: pattern already has a handler")
	ErrConnectionManagerClosed = sterrors.New("rpcflow: connection manager is closed")

	// ErrConnection marks failures to reach the broker or to use a channel on it.
	ErrConnection = sterrors.New("rpcflow: broker connection failed")
	// ErrTimeout marks RPC calls that received no correlated reply before their deadline.
	ErrTimeout = sterrors.New("rpcflow: rpc call timed out")
	// ErrSerialization marks payloads or replies that could not be encoded or decoded.
	ErrSerialization = sterrors.New("rpcflow: serialization failed")
)

// ConnectionError wraps the broker-side cause of a failed dial or channel open.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("%s: %v", ErrConnection, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", ErrConnection, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConnection) match any ConnectionError.
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// RemoteError is the error payload a consumer sent back instead of a response.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpcflow: remote error %d: %s", e.StatusCode, e.Message)
}

// RPCCallError is the single error type returned at the RPC publisher boundary.
// The cause is one of ErrTimeout, ErrConnection, ErrSerialization, a context
// error or a *RemoteError, and is reachable through errors.Is / errors.As.
type RPCCallError struct {
	Queue         string
	Pattern       string
	CorrelationID string
	Err           error
}

func (e *RPCCallError) Error() string {
	return fmt.Sprintf("rpcflow: rpc call %q on queue %q (correlation %s) failed: %v", e.Pattern, e.Queue, e.CorrelationID, e.Err)
}

func (e *RPCCallError) Unwrap() error { return e.Err }

// ConfigValidationError wraps configuration problems reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rpcflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
