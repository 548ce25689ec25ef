package profiles

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/envelope"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
	"github.com/drblury/rpcflow/internal/runtime/rpcserver"
)

const (
	// PatternInitialize is the RPC pattern the auth service calls after registration.
	PatternInitialize = "init_profile"
	// PatternUserRegistered is the fire-and-forget registration announcement.
	PatternUserRegistered = "user_registered"
	// TopicInitialized carries Initialized events.
	TopicInitialized = "profiles.initialized"
)

// Error replies of init_profile.
var (
	ErrReplyEmailTaken = &envelope.RPCError{StatusCode: 409, Message: "Profile with this email has already been initialized"}
	ErrReplyUnknown    = &envelope.RPCError{StatusCode: 500, Message: "Something went wrong with profile initialization"}
)

// InitializePayload is the request body of init_profile. The profile is
// always created for the token's email.
type InitializePayload struct {
	Email string `json:"email,omitempty"`
}

// InitializeResult is the reply of init_profile.
type InitializeResult struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
}

// Initialized is published once a profile has been initialized.
type Initialized struct {
	ProfileID     int64     `json:"profileId"`
	UserID        string    `json:"userId"`
	Email         string    `json:"email"`
	InitializedAt time.Time `json:"initializedAt"`
}

func (Initialized) EventType() string { return TopicInitialized }

// EventPublisher emits domain events. *runtime.Service implements it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, event any, md metadata.Metadata) error
}

type rpcHandler struct {
	store  *Store
	events EventPublisher
	logger logging.ServiceLogger
}

// RegisterRPC adds the guarded init_profile route to server. events may be
// nil, in which case no Initialized event is published.
func RegisterRPC(server *rpcserver.Server, store *Store, events EventPublisher, logger logging.ServiceLogger) error {
	h := &rpcHandler{store: store, events: events, logger: logging.OrDiscard(logger)}
	return server.Handle(PatternInitialize, h.initialize, rpcserver.RequireAuth())
}

func (h *rpcHandler) initialize(ctx context.Context, msg *rpcserver.Message) (any, error) {
	claims, ok := msg.Claims()
	if !ok {
		return nil, ErrReplyUnknown
	}

	profile, err := h.store.Initialize(ctx, claims.Email)
	switch {
	case errors.Is(err, ErrEmailTaken):
		return nil, ErrReplyEmailTaken
	case err != nil:
		h.logger.Error("Profile initialization failed", err, logging.LogFields{"email": claims.Email})
		return nil, ErrReplyUnknown
	}

	if h.events != nil {
		event := Initialized{
			ProfileID:     profile.ID,
			UserID:        claims.ID,
			Email:         profile.Email,
			InitializedAt: profile.CreatedAt,
		}
		md := metadata.New(
			handlers.MetadataKeyCorrelationID, msg.CorrelationID,
			handlers.MetadataKeyUserID, claims.ID,
		)
		// The profile exists either way; a lost event is logged, not replied.
		if err := h.events.PublishEvent(ctx, TopicInitialized, event, md); err != nil {
			h.logger.Error("Failed to publish profile event", err, logging.LogFields{
				"profile_id": profile.ID,
				"topic":      TopicInitialized,
			})
		}
	}

	return InitializeResult{ID: profile.ID, Email: profile.Email}, nil
}
