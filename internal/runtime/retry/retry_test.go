package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/rpcflow/internal/runtime/logging"
)

var errTransient = errors.New("transient")

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseInterval: time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(4), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAtMaxAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(4), func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	assert.Same(t, errTransient, err)
	assert.Equal(t, 4, calls)
}

func TestDoRetryIfStopsOnTerminalError(t *testing.T) {
	terminal := errors.New("bad request")
	p := fastPolicy(4)
	p.RetryIf = func(err error) bool { return !errors.Is(err, terminal) }

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, terminal
	})
	assert.Same(t, terminal, err, "terminal error must be returned unwrapped")
	assert.Equal(t, 1, calls)
}

func TestDoTerminalErrorOnLastAttemptIsUnwrapped(t *testing.T) {
	terminal := errors.New("bad request")
	p := fastPolicy(1)
	p.RetryIf = func(error) bool { return false }

	_, err := Do(context.Background(), p, func(context.Context) (int, error) { return 0, terminal })
	assert.Same(t, terminal, err)
}

func TestDoReportsEachRetry(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	var delays []time.Duration
	p := fastPolicy(4)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
		assert.ErrorIs(t, err, errTransient)
	}

	_, _ = Do(context.Background(), p, func(context.Context) (int, error) { return 0, errTransient })

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, delays)
}

func TestDoCancelStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 4, BaseInterval: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Do(ctx, p, func(context.Context) (int, error) { return 0, errTransient })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDefaultPolicySchedule(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 4, p.MaxAttempts)

	b := p.BackOff()
	b.Reset()
	assert.Equal(t, 2*time.Second, b.NextBackOff())
	assert.Equal(t, 4*time.Second, b.NextBackOff())
	assert.Equal(t, 8*time.Second, b.NextBackOff())
}

func TestZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(context.Context) (int, error) {
		calls++
		return 0, errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestLoggingHook(t *testing.T) {
	hook := Logging(nil)
	hook(1, time.Second, errTransient)

	hook = Logging(logging.Discard())
	hook(2, 2*time.Second, errTransient)
}
