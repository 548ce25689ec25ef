package rpcserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/envelope"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
)

// Message is a decoded request handed to a HandlerFunc.
type Message struct {
	ID            string
	Pattern       string
	CorrelationID string
	ReplyTo       string
	Headers       metadata.Metadata
	Data          json.RawMessage

	rpc *auth.RPCMessage
}

// IsEvent reports whether the sender expects no reply.
func (m *Message) IsEvent() bool { return m.ReplyTo == "" }

// Claims returns the claims attached by the guard on routes that require auth.
func (m *Message) Claims() (auth.Claims, bool) {
	return auth.ClaimsFromRPC(m.rpc)
}

// Decode unmarshals the message data into T.
func Decode[T any](m *Message) (T, error) {
	var out T
	err := envelope.Envelope{Data: m.Data}.DecodeData(&out)
	return out, err
}

// Errorf returns an error the server replies with as {statusCode, message}.
func Errorf(statusCode int, format string, args ...any) error {
	return &envelope.RPCError{StatusCode: statusCode, Message: fmt.Sprintf(format, args...)}
}

// Reply payloads for failures outside the business handler.
var (
	NotFoundError = envelope.RPCError{StatusCode: 404, Message: "There is no matching message handler defined in the remote service."}
	InternalError = envelope.RPCError{StatusCode: 500, Message: "Internal server error"}
)

type payloadCarrier interface {
	RPCPayload() envelope.RPCError
}

// payloadFor maps a handler or guard error to the reply payload.
func payloadFor(err error) envelope.RPCError {
	var carrier payloadCarrier
	if errors.As(err, &carrier) {
		return carrier.RPCPayload()
	}
	var rpcErr *envelope.RPCError
	if errors.As(err, &rpcErr) {
		return *rpcErr
	}
	return InternalError
}
