package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
)

// HandlerInfo describes an event handler registered on the router.
type HandlerInfo struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
}

type handlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// MessageHandlerRegistration wires a raw Watermill handler without typed helpers.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	return svc.registerHandler(handlerRegistration(cfg))
}

func (s *Service) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Publisher == nil {
		cfg.Publisher = s.publisher
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
	})
	s.handlersMu.Unlock()

	if cfg.PublishQueue == "" {
		s.router.AddNoPublisherHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, func(msg *message.Message) error {
			_, err := cfg.Handler(msg)
			return err
		})
		return nil
	}

	s.router.AddHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		cfg.PublishQueue,
		cfg.Publisher,
		cfg.Handler,
	)
	return nil
}

// Handlers lists the registered event handlers in registration order.
func (s *Service) Handlers() []HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]HandlerInfo, len(s.handlers))
	for i, h := range s.handlers {
		out[i] = *h
	}
	return out
}
