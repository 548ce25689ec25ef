// Package hooks defines job lifecycle callbacks shared by the event router
// and the RPC server.
package hooks

import (
	"context"
	"time"

	"github.com/drblury/rpcflow/internal/runtime/logging"
	"github.com/drblury/rpcflow/internal/runtime/metadata"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// HandlerName is the event handler name or the RPC pattern.
	HandlerName string
	// Topic is the topic or queue the message was received from.
	Topic       string
	MessageUUID string
	Metadata    metadata.Metadata
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration   time.Duration
	RetryCount int
}

// JobHooks defines callbacks for job lifecycle events. Nil hooks are skipped.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other run after those of h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErr(h.OnJobError, other.OnJobError),
	}
}

func chain(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// Start runs OnJobStart if set.
func (h JobHooks) Start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

// Finish sets the duration and runs OnJobDone or OnJobError depending on err.
func (h JobHooks) Finish(ctx JobContext, err error) {
	ctx.Duration = time.Since(ctx.StartedAt)
	if err != nil {
		if h.OnJobError != nil {
			h.OnJobError(ctx, err)
		}
		return
	}
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

// Logging returns hooks that log job lifecycle events.
func Logging(logger logging.ServiceLogger) JobHooks {
	logger = logging.OrDiscard(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", logging.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"retry_count":  ctx.RetryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", logging.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, logging.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
				"retry_count":  ctx.RetryCount,
			})
		},
	}
}

// Metrics returns hooks that forward lifecycle events to counters.
func Metrics(onStart, onDone, onError func(handlerName, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.HandlerName, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.HandlerName, ctx.Topic)
			}
		},
	}
}

// Alerting returns hooks that call alert on job errors.
func Alerting(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
