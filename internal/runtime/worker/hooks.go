package worker

import (
	"context"
	"errors"
	"time"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/metrics"
)

// JobContext describes one handler invocation to hooks.
type JobContext struct {
	// JobID is the correlation id the reply is sent under.
	JobID string
	Queue string
	// Context is the context passed to the handler.
	Context   context.Context
	StartedAt time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks are lifecycle callbacks around every handler invocation. Nil
// hooks are skipped. Hooks run on the job goroutine and must not block.
type JobHooks struct {
	OnJobStart func(ctx JobContext)
	OnJobDone  func(ctx JobContext)
	// OnJobError receives the *HandlerError the failure reply was built from.
	OnJobError func(ctx JobContext, err error)
}

// Merge returns hooks calling h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chain(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chain(h.OnJobDone, other.OnJobDone),
		OnJobError: chainError(h.OnJobError, other.OnJobError),
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

func chainError(a, b func(JobContext, error)) func(JobContext, error) {
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

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) finish(ctx JobContext, err error) {
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

// LoggingHooks logs job starts at debug level, completions at info level and
// failures as errors.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	logger = loggingpkg.OrNop(logger)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", loggingpkg.LogFields{
				"job_id": ctx.JobID,
				"queue":  ctx.Queue,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"job_id":      ctx.JobID,
				"queue":       ctx.Queue,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"job_id":      ctx.JobID,
				"queue":       ctx.Queue,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks records in-flight jobs, outcomes and durations on m.
func MetricsHooks(m *metrics.Metrics) JobHooks {
	if m == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobStart: func(JobContext) { m.JobStarted() },
		OnJobDone: func(ctx JobContext) {
			m.JobFinished(metrics.OutcomeSuccess, ctx.Duration)
		},
		OnJobError: func(ctx JobContext, err error) {
			outcome := metrics.OutcomeFailure
			var handlerErr *errspkg.HandlerError
			if errors.As(err, &handlerErr) && handlerErr.Panicked {
				outcome = metrics.OutcomePanic
			}
			m.JobFinished(outcome, ctx.Duration)
		},
	}
}
