// Package envelope defines the JSON documents exchanged over the broker: the
// request envelope, the reply envelope and the RPC error payload.
package envelope

import (
	"encoding/json"
	"fmt"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/ids"
	"github.com/drblury/rpcflow/internal/runtime/jsoncodec"
)

// ContentType is set on every message published by rpcflow.
const ContentType = "application/json"

// Envelope is the wire form of every request and event.
type Envelope struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data"`
	Pattern string          `json:"pattern"`
}

// New wraps payload in an Envelope with a fresh id.
func New(pattern string, payload any) (Envelope, error) {
	if pattern == "" {
		return Envelope{}, errspkg.ErrPatternRequired
	}
	data, err := encode(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: ids.NewUUID(), Data: data, Pattern: pattern}, nil
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	body, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", errspkg.ErrSerialization, err)
	}
	return body, nil
}

// DecodeData unmarshals the envelope data into dst.
func (e Envelope) DecodeData(dst any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := jsoncodec.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("%w: envelope data: %w", errspkg.ErrSerialization, err)
	}
	return nil
}

// Parse decodes a delivery body. Unknown fields are ignored.
func Parse(body []byte) (Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %w", errspkg.ErrSerialization, err)
	}
	return e, nil
}

// RPCError is the error payload a consumer returns in place of a response.
type RPCError struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.StatusCode, e.Message)
}

// Reply is the reply document: either a response or an error, always
// marked disposed.
type Reply struct {
	Response   json.RawMessage `json:"response,omitempty"`
	Err        *RPCError       `json:"err,omitempty"`
	IsDisposed bool            `json:"isDisposed"`

	// CorrelationID is filled in by the caller from the delivery properties.
	CorrelationID string `json:"-"`
}

// NewReply builds the success reply for value.
func NewReply(value any) (Reply, error) {
	data, err := encode(value)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Response: data, IsDisposed: true}, nil
}

// NewErrorReply builds the error reply carrying payload.
func NewErrorReply(payload RPCError) Reply {
	return Reply{Err: &payload, IsDisposed: true}
}

// Marshal encodes the reply.
func (r Reply) Marshal() ([]byte, error) {
	body, err := jsoncodec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reply: %w", errspkg.ErrSerialization, err)
	}
	return body, nil
}

// ParseReply decodes a reply body.
func ParseReply(body []byte) (Reply, error) {
	var r Reply
	if err := jsoncodec.Unmarshal(body, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: reply: %w", errspkg.ErrSerialization, err)
	}
	return r, nil
}

// Failed reports whether the reply carries an error payload.
func (r Reply) Failed() bool { return r.Err != nil }

// RemoteError converts the error payload for callers, or returns nil.
func (r Reply) RemoteError() error {
	if r.Err == nil {
		return nil
	}
	return &errspkg.RemoteError{StatusCode: r.Err.StatusCode, Message: r.Err.Message}
}

// DecodeResponse unmarshals the response into dst. An empty response leaves
// dst untouched.
func (r Reply) DecodeResponse(dst any) error {
	if len(r.Response) == 0 || string(r.Response) == "null" {
		return nil
	}
	if err := jsoncodec.Unmarshal(r.Response, dst); err != nil {
		return fmt.Errorf("%w: reply response: %w", errspkg.ErrSerialization, err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !jsoncodec.Valid(typed) {
			return nil, fmt.Errorf("%w: invalid raw json", errspkg.ErrSerialization)
		}
		return typed, nil
	}
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrSerialization, err)
	}
	return data, nil
}
