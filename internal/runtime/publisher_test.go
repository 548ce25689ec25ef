package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/rpcflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/rpcflow/internal/runtime/metadata"
)

type profileInitialized struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func (profileInitialized) EventType() string { return "profiles.initialized" }

type ctxKey struct{}

func TestPublishJSONValidates(t *testing.T) {
	pub := &testPublisher{}

	assert.ErrorIs(t, PublishJSON(context.Background(), nil, "topic", profileInitialized{}, nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, PublishJSON(context.Background(), pub, "", profileInitialized{}, nil), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, PublishJSON(context.Background(), pub, "topic", nil, nil), errspkg.ErrEventPayloadRequired)
	assert.Empty(t, pub.Topics())
}

func TestPublishJSONEncodesEvent(t *testing.T) {
	pub := &testPublisher{}
	md := metadatapkg.New(handlerpkg.MetadataKeyCorrelationID, "corr-1")

	ctx := context.WithValue(context.Background(), ctxKey{}, "marker")
	require.NoError(t, PublishJSON(ctx, pub, "profiles.initialized", profileInitialized{UserID: "u-1", Email: "ada@example.com"}, md))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.JSONEq(t, `{"userId":"u-1","email":"ada@example.com"}`, string(msg.Payload))
	assert.Equal(t, "profiles.initialized", msg.Metadata.Get(handlerpkg.MetadataKeyEventType))
	assert.Equal(t, "corr-1", msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
	assert.Equal(t, "marker", msg.Context().Value(ctxKey{}))
	assert.Len(t, md, 1, "caller metadata must not be modified")
}

func TestPublishJSONReturnsPublisherError(t *testing.T) {
	boom := errors.New("boom")
	err := PublishJSON(context.Background(), &testPublisher{err: boom}, "topic", profileInitialized{}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestServicePublishEvent(t *testing.T) {
	var nilSvc *Service
	assert.ErrorIs(t, nilSvc.PublishEvent(context.Background(), "topic", profileInitialized{}, nil), errspkg.ErrServiceRequired)

	svc := newTestService(t)
	require.NoError(t, svc.PublishEvent(context.Background(), "profiles.initialized", profileInitialized{UserID: "u-1"}, nil))
	assert.Equal(t, []string{"profiles.initialized"}, svc.Publisher().(*testPublisher).Topics())
}
