package runtime

import (
	"context"
	"time"

	"github.com/drblury/commandflow/internal/runtime/dispatch"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// JobContext provides information about a command execution to hooks.
type JobContext struct {
	// Command is the name of the registered command handling the payload.
	Command string
	// Header is the payload header.
	Header payload.Header
	// PayloadID is the unique identifier of the payload.
	PayloadID string
	// Source is the listener client that produced the payload.
	Source string
	// Context is the execution context of the command.
	Context context.Context
	// StartedAt is when the command started processing.
	StartedAt time.Time
	// Duration is how long the command took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// DeliveryCount is the transport delivery attempt of the payload.
	DeliveryCount int
	// DeadLetter is set when the payload exceeded its delivery count.
	DeadLetter bool
}

// JobHooks defines callbacks for command lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the command handler is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler successfully completes processing.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a handler returns an error.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks. The hooks from other are called after the
// hooks from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainJobHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainJobHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainJobErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainJobHooks(a, b func(JobContext)) func(JobContext) {
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

func chainJobErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
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

// JobHooksMiddleware invokes hooks around every dispatched command.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks, time.Now),
	}
}

func jobHooksMiddleware(hooks JobHooks, now func() time.Time) dispatch.Middleware {
	return func(h dispatch.HandlerFunc) dispatch.HandlerFunc {
		return func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
			jobCtx := JobContext{
				Header:        rq.Header(),
				PayloadID:     rq.ID,
				Source:        rq.Source,
				Context:       ctx,
				StartedAt:     now(),
				DeliveryCount: rq.DeliveryCount,
				DeadLetter:    rq.DeadLetter,
			}
			if info, ok := dispatch.CommandFromContext(ctx); ok {
				jobCtx.Command = info.Name
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := h(ctx, rq, rs)
			jobCtx.Duration = now().Sub(jobCtx.StartedAt)

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return err
		}
	}
}

// LoggingHooks returns hooks that log command lifecycle events.
func LoggingHooks(log loggingpkg.ServiceLogger) JobHooks {
	log = loggingpkg.OrDiscard(log)
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			log.Info("Job started", loggingpkg.LogFields{
				"command":        ctx.Command,
				"header":         ctx.Header.Key(),
				"payload_id":     ctx.PayloadID,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			log.Info("Job completed", loggingpkg.LogFields{
				"command":     ctx.Command,
				"payload_id":  ctx.PayloadID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			log.Error("Job failed", err, loggingpkg.LogFields{
				"command":        ctx.Command,
				"payload_id":     ctx.PayloadID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
				"dead_letter":    ctx.DeadLetter,
			})
		},
	}
}

// MetricsHooks returns hooks that forward command outcomes keyed by command
// name and header.
func MetricsHooks(onStart, onDone, onError func(command, header string)) JobHooks {
	forward := func(fn func(string, string)) func(JobContext) {
		if fn == nil {
			return nil
		}
		return func(ctx JobContext) { fn(ctx.Command, ctx.Header.Key()) }
	}
	hooks := JobHooks{
		OnJobStart: forward(onStart),
		OnJobDone:  forward(onDone),
	}
	if onError != nil {
		hooks.OnJobError = func(ctx JobContext, _ error) { onError(ctx.Command, ctx.Header.Key()) }
	}
	return hooks
}

// AlertingHooks returns hooks that trigger alerts on command errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
