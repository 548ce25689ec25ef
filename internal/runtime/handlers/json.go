package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/rpcflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

var errZeroValueEvent = errors.New("json handler emitted zero-value message")

// EventTyper lets a payload name its own event type. Payloads without it are
// named by their Go type.
type EventTyper interface {
	EventType() string
}

// EventTypeOf returns the event type recorded in MetadataKeyEventType.
func EventTypeOf(v any) string {
	if typed, ok := v.(EventTyper); ok {
		return typed.EventType()
	}
	return fmt.Sprintf("%T", v)
}

// JSONHandlerRegistration wires a typed JSON handler to the router.
type JSONHandlerRegistration[T any, O any] struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      JSONMessageHandler[T, O]
}

// JSONMessageContext exposes the decoded payload and its metadata.
type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput is an event emitted by a JSON handler. Nil Metadata
// inherits the incoming metadata.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata metadatapkg.Metadata
}

// JSONMessageHandler processes a JSON payload and returns the events to publish.
type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONHandler converts a typed JSON handler into a Watermill handler.
// T must be a pointer type. Payloads that do not decode fail with an
// *UnprocessableEventError.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}

	prototypeFactory, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}
	logger = loggingpkg.OrDiscard(logger)

	return func(msg *message.Message) ([]*message.Message, error) {
		typed := prototypeFactory()
		md := metadatapkg.FromWatermill(msg.Metadata)

		if err := jsoncodec.Unmarshal(msg.Payload, typed); err != nil {
			return nil, &UnprocessableEventError{
				EventType: md[MetadataKeyEventType],
				Payload:   string(msg.Payload),
				Err:       err,
			}
		}

		ctx := JSONMessageContext[T]{
			MessageContextBase: MessageContextBase{
				Metadata: md,
				Logger:   logger.With(loggingpkg.LogFields{"message_uuid": msg.UUID}),
			},
			Payload: typed,
		}

		outgoing, err := handler(msg.Context(), ctx)
		if err != nil {
			return nil, err
		}

		return convertJSONOutputs(outgoing, ctx.Metadata)
	}, nil
}

func jsonPrototypeFactory[T any]() (func() T, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, errspkg.ErrConsumeMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}
	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

// NewEventMessage encodes payload as a watermill message carrying md plus
// the event type.
func NewEventMessage(payload any, md metadatapkg.Metadata) (*message.Message, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: event payload: %w", errspkg.ErrSerialization, err)
	}
	md = md.With(MetadataKeyEventType, EventTypeOf(payload))

	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, nil
}

func convertJSONOutputs[T any](outputs []JSONMessageOutput[T], fallback metadatapkg.Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result := make([]*message.Message, len(outputs))
	for i, out := range outputs {
		if v := reflect.ValueOf(out.Message); !v.IsValid() || v.IsZero() {
			return nil, errZeroValueEvent
		}

		md := out.Metadata
		if md == nil {
			md = fallback
		}
		msg, err := NewEventMessage(out.Message, md)
		if err != nil {
			return nil, err
		}
		result[i] = msg
	}

	return result, nil
}
