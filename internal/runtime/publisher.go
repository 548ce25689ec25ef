package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/rpcflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

// Producer emits JSON domain events onto the configured transport.
type Producer interface {
	PublishEvent(ctx context.Context, topic string, event any, metadata metadatapkg.Metadata) error
}

// PublishJSON encodes event and publishes it to topic. The message carries
// the event type and, when ctx has one, the caller's context.
func PublishJSON(ctx context.Context, publisher message.Publisher, topic string, event any, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if event == nil {
		return errspkg.ErrEventPayloadRequired
	}

	msg, err := handlerpkg.NewEventMessage(event, metadata)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	return publisher.Publish(topic, msg)
}

// PublishEvent emits the event using the Service publisher so HTTP and RPC
// handlers can create events without touching the Watermill APIs directly.
func (s *Service) PublishEvent(ctx context.Context, topic string, event any, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return PublishJSON(ctx, s.publisher, topic, event, metadata)
}

// Publisher exposes the event transport's publisher.
func (s *Service) Publisher() message.Publisher { return s.publisher }
