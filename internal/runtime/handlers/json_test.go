package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	idspkg "github.com/drblury/rpcflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/rpcflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

type profileInitialized struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (profileInitialized) EventType() string { return "profiles.initialized" }

type welcomeQueued struct {
	ProfileID string    `json:"profileId"`
	QueuedAt  time.Time `json:"queuedAt"`
}

func nopLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewWatermillServiceLogger(watermill.NopLogger{})
}

func TestBuildJSONHandlerProcessesPayload(t *testing.T) {
	handler, err := BuildJSONHandler(func(ctx context.Context, evt JSONMessageContext[*profileInitialized]) ([]JSONMessageOutput[*welcomeQueued], error) {
		if ctx == nil {
			t.Fatalf("context should not be nil")
		}
		if evt.Payload.ID != "u-1" || evt.EventType() != "profiles.initialized" {
			t.Fatalf("unexpected event: %#v / %q", evt.Payload, evt.EventType())
		}
		md := evt.CloneMetadata()
		md["processed"] = "true"
		return []JSONMessageOutput[*welcomeQueued]{
			{Message: &welcomeQueued{ProfileID: evt.Payload.ID, QueuedAt: time.Unix(100, 0)}, Metadata: md},
		}, nil
	}, nopLogger())
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), []byte(`{"id":"u-1","email":"ada@example.com"}`))
	msg.Metadata = message.Metadata{MetadataKeyEventType: "profiles.initialized", MetadataKeyCorrelationID: "c-1"}

	produced, err := handler(msg)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(produced) != 1 {
		t.Fatalf("expected single outgoing message, got %d", len(produced))
	}
	out := produced[0]
	if out.Metadata["processed"] != "true" || out.Metadata[MetadataKeyCorrelationID] != "c-1" {
		t.Fatalf("metadata not propagated: %#v", out.Metadata)
	}
	if got := out.Metadata[MetadataKeyEventType]; got != "*handlers.welcomeQueued" {
		t.Fatalf("event type = %q", got)
	}
}

func TestBuildJSONHandlerUnprocessablePayload(t *testing.T) {
	handler, err := BuildJSONHandler(func(context.Context, JSONMessageContext[*profileInitialized]) ([]JSONMessageOutput[*welcomeQueued], error) {
		t.Fatal("handler must not run")
		return nil, nil
	}, nopLogger())
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	msg := message.NewMessage(idspkg.CreateULID(), []byte(`{invalid-json`))
	msg.Metadata.Set(MetadataKeyEventType, "profiles.initialized")
	_, err = handler(msg)

	var unprocessable *UnprocessableEventError
	if !errors.As(err, &unprocessable) {
		t.Fatalf("expected UnprocessableEventError, got %v", err)
	}
	if unprocessable.EventType != "profiles.initialized" || unprocessable.Payload != "{invalid-json" {
		t.Fatalf("unexpected error details: %+v", unprocessable)
	}
}

func TestBuildJSONHandlerHandlerError(t *testing.T) {
	boom := errors.New("handler failed")
	handler, err := BuildJSONHandler(func(context.Context, JSONMessageContext[*profileInitialized]) ([]JSONMessageOutput[*welcomeQueued], error) {
		return nil, boom
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error building handler: %v", err)
	}

	_, err = handler(message.NewMessage(idspkg.CreateULID(), []byte(`{"id":"u-1"}`)))
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestBuildJSONHandlerValidatesInputs(t *testing.T) {
	if _, err := BuildJSONHandler[*profileInitialized, *welcomeQueued](nil, nopLogger()); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("expected handler required error, got %v", err)
	}

	_, err := BuildJSONHandler(func(context.Context, JSONMessageContext[profileInitialized]) ([]JSONMessageOutput[*welcomeQueued], error) {
		return nil, nil
	}, nopLogger())
	if !errors.Is(err, errspkg.ErrConsumeMessagePointerNeeded) {
		t.Fatalf("expected pointer needed error, got %v", err)
	}
}

func TestJSONPrototypeFactory(t *testing.T) {
	if _, err := jsonPrototypeFactory[any](); !errors.Is(err, errspkg.ErrConsumeMessageTypeRequired) {
		t.Fatalf("expected consume type required error, got %v", err)
	}

	factory, err := jsonPrototypeFactory[*profileInitialized]()
	if err != nil {
		t.Fatalf("unexpected error creating factory: %v", err)
	}
	if factory() == factory() {
		t.Fatalf("expected distinct instances")
	}
}

func TestConvertJSONOutputs(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		msgs, err := convertJSONOutputs[*welcomeQueued](nil, nil)
		if err != nil || msgs != nil {
			t.Fatalf("expected nil result, got %v / %v", msgs, err)
		}
	})

	t.Run("zero value", func(t *testing.T) {
		_, err := convertJSONOutputs([]JSONMessageOutput[*welcomeQueued]{{Message: nil}}, nil)
		if !errors.Is(err, errZeroValueEvent) {
			t.Fatalf("expected zero value error, got %v", err)
		}
	})

	t.Run("fallback metadata", func(t *testing.T) {
		fallback := metadatapkg.Metadata{"origin": "fallback"}
		produced, err := convertJSONOutputs([]JSONMessageOutput[*welcomeQueued]{{Message: &welcomeQueued{ProfileID: "u-1"}}}, fallback)
		if err != nil {
			t.Fatalf("unexpected error converting outputs: %v", err)
		}
		if produced[0].Metadata.Get("origin") != "fallback" {
			t.Fatalf("expected fallback metadata to be used")
		}
		if _, mutated := fallback[MetadataKeyEventType]; mutated {
			t.Fatal("fallback metadata must not be mutated")
		}
	})
}

func TestNewEventMessage(t *testing.T) {
	msg, err := NewEventMessage(profileInitialized{ID: "u-1"}, metadatapkg.New(MetadataKeyUserID, "u-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Metadata[MetadataKeyEventType] != "profiles.initialized" || msg.Metadata[MetadataKeyUserID] != "u-1" {
		t.Fatalf("unexpected metadata %#v", msg.Metadata)
	}
	if string(msg.Payload) != `{"id":"u-1","email":""}` {
		t.Fatalf("unexpected payload %s", msg.Payload)
	}
}
