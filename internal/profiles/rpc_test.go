package profiles

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/internal/runtime/auth"
	"github.com/drblury/rpcflow/internal/runtime/broker/brokertest"
	errspkg "github.com/drblury/rpcflow/internal/runtime/errors"
	"github.com/drblury/rpcflow/internal/runtime/handlers"
	"github.com/drblury/rpcflow/internal/runtime/rpc"
	"github.com/drblury/rpcflow/internal/runtime/rpcserver"
)

func TestInitProfileOverRPC(t *testing.T) {
	b := brokertest.New()
	store := newTestStore()
	events := &recordingPublisher{}
	serveProfiles(t, b, store, events)
	client := newRPCClient(b, 2*time.Second)
	token := issue(t, auth.Claims{ID: "u-1", Email: "ada@example.com"}, time.Now())

	got, err := rpc.CallAs[InitializeResult](context.Background(), client, testQueue, PatternInitialize, InitializePayload{}, rpc.WithAuthToken(token))
	require.NoError(t, err)
	assert.Equal(t, InitializeResult{ID: 1, Email: "ada@example.com"}, got)

	published := events.Events()
	require.Len(t, published, 1)
	assert.Equal(t, TopicInitialized, published[0].topic)
	assert.Equal(t, Initialized{ProfileID: 1, UserID: "u-1", Email: "ada@example.com", InitializedAt: joined}, published[0].event)
	assert.Equal(t, "u-1", published[0].md[handlers.MetadataKeyUserID])
	assert.NotEmpty(t, published[0].md[handlers.MetadataKeyCorrelationID])

	t.Run("second call conflicts", func(t *testing.T) {
		_, err := client.Call(context.Background(), testQueue, PatternInitialize, InitializePayload{}, rpc.WithAuthToken(token))
		var remote *errspkg.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, ErrReplyEmailTaken.StatusCode, remote.StatusCode)
		assert.Equal(t, ErrReplyEmailTaken.Message, remote.Message)
		assert.Len(t, events.Events(), 1)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		expired := issue(t, auth.Claims{ID: "u-2", Email: "grace@example.com"}, time.Now().Add(-2*time.Hour))
		_, err := client.Call(context.Background(), testQueue, PatternInitialize, InitializePayload{}, rpc.WithAuthToken(expired))
		var remote *errspkg.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, 401, remote.StatusCode)
		assert.Equal(t, auth.Expired.Message(), remote.Message)
	})
}

func TestInitProfileSurvivesEventFailure(t *testing.T) {
	b := brokertest.New()
	serveProfiles(t, b, newTestStore(), &recordingPublisher{err: errors.New("broker down")})
	client := newRPCClient(b, 2*time.Second)
	token := issue(t, auth.Claims{ID: "u-1", Email: "ada@example.com"}, time.Now())

	got, err := rpc.CallAs[InitializeResult](context.Background(), client, testQueue, PatternInitialize, nil, rpc.WithAuthToken(token))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
}

func TestInitProfileRejectsTokenWithoutEmail(t *testing.T) {
	b := brokertest.New()
	serveProfiles(t, b, newTestStore(), nil)
	client := newRPCClient(b, 2*time.Second)
	token := issue(t, auth.Claims{ID: "u-1"}, time.Now())

	_, err := client.Call(context.Background(), testQueue, PatternInitialize, nil, rpc.WithAuthToken(token))
	var remote *errspkg.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 401, remote.StatusCode)
	assert.Equal(t, auth.Unknown.Message(), remote.Message)
}

func TestInitializeWithoutClaimsIsUnknownError(t *testing.T) {
	h := &rpcHandler{store: newTestStore(), logger: nil}
	_, err := h.initialize(context.Background(), &rpcserver.Message{Pattern: PatternInitialize})
	assert.Same(t, ErrReplyUnknown, err)
}

func TestUserRegisteredSharesTheInitProfileQueue(t *testing.T) {
	b := brokertest.New()
	srv, err := rpcserver.NewServer(connChannels{conn: b.Connect()}, testQueue, rpcserver.WithGuard(newGuard(t)))
	require.NoError(t, err)
	require.NoError(t, RegisterRPC(srv, newTestStore(), &recordingPublisher{}, nil))

	type registered struct {
		Email string `json:"email"`
	}
	received := make(chan registered, 1)
	require.NoError(t, srv.Handle(PatternUserRegistered, func(_ context.Context, msg *rpcserver.Message) (any, error) {
		user, err := rpcserver.Decode[registered](msg)
		if err != nil {
			return nil, err
		}
		assert.True(t, msg.IsEvent())
		received <- user
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.True(t, b.WaitForConsumer(testQueue, 2*time.Second))

	client := newRPCClient(b, time.Second)
	require.NoError(t, client.Publish(context.Background(), testQueue, PatternUserRegistered, registered{Email: "ada@example.com"}))

	select {
	case user := <-received:
		assert.Equal(t, "ada@example.com", user.Email)
	case <-time.After(2 * time.Second):
		t.Fatal("user_registered was not handled")
	}
	assert.Empty(t, b.Nacks())
}
