package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	handlerpkg "github.com/drblury/rpcflow/internal/runtime/handlers"
	"github.com/drblury/rpcflow/internal/runtime/hooks"
	"github.com/drblury/rpcflow/internal/runtime/telemetry"
)

func TestDefaultMiddlewaresOrder(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{
		"correlation_id",
		"log_messages",
		"tracer",
		"metrics",
		"poison_queue",
		"retry",
		"job_hooks",
		"recoverer",
	}, names)
}

func TestRegisterMiddlewareValidates(t *testing.T) {
	svc := newTestService(t)
	assert.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))

	boom := errors.New("boom")
	err := svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, boom },
	})
	assert.ErrorIs(t, err, boom)

	// Builders may opt out by returning nil.
	assert.NoError(t, svc.RegisterMiddleware(MiddlewareRegistration{
		Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
	}))

	svc.router = nil
	assert.Error(t, svc.RegisterMiddleware(RecovererMiddleware()))
}

func TestCorrelationIDMiddleware(t *testing.T) {
	svc := newTestService(t)
	mw := svc.correlationIDMiddleware()

	t.Run("generates missing id and copies it to outputs", func(t *testing.T) {
		out := message.NewMessage("out", nil)
		msg := message.NewMessage("in", nil)
		produced, err := mw(func(*message.Message) ([]*message.Message, error) {
			return []*message.Message{out}, nil
		})(msg)
		require.NoError(t, err)
		id := msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, produced[0].Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage("in", nil)
		msg.Metadata.Set(handlerpkg.MetadataKeyCorrelationID, "corr-1")
		_, err := mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })(msg)
		require.NoError(t, err)
		assert.Equal(t, "corr-1", msg.Metadata.Get(handlerpkg.MetadataKeyCorrelationID))
	})
}

func TestRetryMiddlewareRecordsAttempts(t *testing.T) {
	svc := newTestService(t)
	mw := svc.retryMiddlewareWithConfig(RetryMiddlewareConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
	}.withDefaults(svc))

	var seen []string
	_, err := mw(func(msg *message.Message) ([]*message.Message, error) {
		seen = append(seen, msg.Metadata.Get(handlerpkg.MetadataKeyRetryCount))
		return nil, errors.New("downstream unavailable")
	})(message.NewMessage("1", nil))

	assert.Error(t, err)
	assert.Equal(t, []string{"0", "1", "2"}, seen)
}

func TestRetryMiddlewareSkipsUnprocessableEvents(t *testing.T) {
	svc := newTestService(t)
	mw := svc.retryMiddlewareWithConfig(RetryMiddlewareConfig{InitialInterval: time.Millisecond}.withDefaults(svc))

	calls := 0
	_, err := mw(func(*message.Message) ([]*message.Message, error) {
		calls++
		return nil, &handlerpkg.UnprocessableEventError{EventType: "profiles.initialized", Err: errors.New("bad json")}
	})(message.NewMessage("1", nil))

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	svc := newTestService(t)
	svc.Conf.RetryMaxAttempts = 5
	svc.Conf.RetryBaseInterval = 10 * time.Millisecond

	cfg := RetryMiddlewareConfig{}.withDefaults(svc)
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 20*time.Millisecond, cfg.InitialInterval)
	assert.Equal(t, 320*time.Millisecond, cfg.MaxInterval)
	assert.True(t, cfg.RetryIf(errors.New("transient")))
}

func TestJobHooksMiddleware(t *testing.T) {
	var started, done int
	var failed error
	mw := jobHooksMiddleware(hooks.JobHooks{
		OnJobStart: func(jc hooks.JobContext) {
			started++
			assert.Equal(t, 2, jc.RetryCount)
			assert.Equal(t, "u-1", jc.Metadata[handlerpkg.MetadataKeyUserID])
		},
		OnJobDone:  func(hooks.JobContext) { done++ },
		OnJobError: func(_ hooks.JobContext, err error) { failed = err },
	})

	msg := message.NewMessage("1", nil)
	msg.Metadata.Set(handlerpkg.MetadataKeyRetryCount, "2")
	msg.Metadata.Set(handlerpkg.MetadataKeyUserID, "u-1")

	_, err := mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })(msg)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = mw(func(*message.Message) ([]*message.Message, error) { return nil, boom })(msg)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 2, started)
	assert.Equal(t, 1, done)
	assert.ErrorIs(t, failed, boom)
}

func TestJobHooksMiddlewareSkippedWithoutHooks(t *testing.T) {
	svc := newTestService(t)
	mw, err := JobHooksMiddleware().Builder(svc)
	require.NoError(t, err)
	assert.Nil(t, mw)

	mw, err = JobHooksMiddleware(hooks.JobHooks{OnJobDone: func(hooks.JobContext) {}}).Builder(svc)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestPoisonQueueMiddleware(t *testing.T) {
	t.Run("disabled without a queue", func(t *testing.T) {
		svc := newTestService(t)
		mw, err := svc.poisonMiddlewareWithFilter(nil)
		require.NoError(t, err)
		assert.Nil(t, mw)
	})

	t.Run("requires a publisher", func(t *testing.T) {
		svc := newTestService(t)
		svc.publisher = nil
		_, err := svc.poisonMiddlewareWithFilter(nil)
		assert.Error(t, err)
	})

	t.Run("publishes failed messages", func(t *testing.T) {
		svc := newTestService(t)
		svc.Conf.PoisonQueue = "rpcflow.poison"
		pub := svc.publisher.(*testPublisher)

		mw, err := svc.poisonMiddlewareWithFilter(nil)
		require.NoError(t, err)
		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, errors.New("boom")
		})(message.NewMessage("1", []byte(`{}`)))

		assert.NoError(t, err)
		assert.Equal(t, []string{"rpcflow.poison"}, pub.Topics())
	})

	t.Run("filter keeps other errors", func(t *testing.T) {
		svc := newTestService(t)
		svc.Conf.PoisonQueue = "rpcflow.poison"
		pub := svc.publisher.(*testPublisher)

		mw, err := svc.poisonMiddlewareWithFilter(isUnprocessable)
		require.NoError(t, err)
		_, err = mw(func(*message.Message) ([]*message.Message, error) {
			return nil, errors.New("boom")
		})(message.NewMessage("1", nil))

		assert.Error(t, err)
		assert.Empty(t, pub.Topics())
	})
}

func TestTracerMiddlewarePropagatesResult(t *testing.T) {
	svc := newTestService(t)
	mw := svc.tracerMiddleware(telemetry.Tracer())

	msg := message.NewMessage("1", nil)
	msg.SetContext(context.Background())
	boom := errors.New("boom")

	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		assert.NotNil(t, m.Context())
		return nil, boom
	})(msg)
	assert.ErrorIs(t, err, boom)
}

func TestLogMessagesMiddlewareFallsBackToServiceLogger(t *testing.T) {
	svc := newTestService(t)
	mw, err := LogMessagesMiddleware(nil).Builder(svc)
	require.NoError(t, err)
	require.NotNil(t, mw)

	svc.Logger = nil
	_, err = LogMessagesMiddleware(nil).Builder(svc)
	assert.Error(t, err)
}

func TestMetricsMiddlewareDisabled(t *testing.T) {
	svc := newTestService(t)
	svc.Conf.MetricsEnabled = false
	mw, err := MetricsMiddleware().Builder(svc)
	require.NoError(t, err)
	assert.Nil(t, mw)
}
