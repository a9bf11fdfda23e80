package scheduler

import (
	"time"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
)

// TaskContext describes a task execution to hooks.
type TaskContext struct {
	// TaskID is the payload id, or a generated id for plain functions.
	TaskID string
	// Command is the canonical header key of the payload, if any.
	Command string
	// Source is the listener client that produced the payload.
	Source string
	// Level is the priority level the task was admitted to.
	Level int
	// Overage is set when the task runs on the level's overage budget.
	Overage bool
	// SubmittedAt is when the task entered the scheduler.
	SubmittedAt time.Time
	// StartedAt is when the task was given a slot.
	StartedAt time.Time
	// QueueWait is the time spent queued before admission.
	QueueWait time.Duration
	// Duration is how long the task ran (set on done, error and killed).
	Duration time.Duration
	// DeliveryCount is the transport delivery attempt of the payload.
	DeliveryCount int
}

// Hooks are callbacks for task lifecycle events. Nil hooks are skipped.
type Hooks struct {
	// OnTaskStart is called after admission, before the task function runs.
	OnTaskStart func(ctx TaskContext)

	// OnTaskDone is called when the task function returns nil.
	OnTaskDone func(ctx TaskContext)

	// OnTaskError is called when the task function returns an error.
	OnTaskError func(ctx TaskContext, err error)

	// OnTaskKilled is called when an overrunning task is abandoned and its
	// slot reclaimed.
	OnTaskKilled func(ctx TaskContext)
}

// Merge combines two Hooks. The hooks from other run after the hooks from h.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnTaskStart:  chain(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:   chain(h.OnTaskDone, other.OnTaskDone),
		OnTaskError:  chainErr(h.OnTaskError, other.OnTaskError),
		OnTaskKilled: chain(h.OnTaskKilled, other.OnTaskKilled),
	}
}

func chain(a, b func(TaskContext)) func(TaskContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErr(a, b func(TaskContext, error)) func(TaskContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx TaskContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns hooks that log task lifecycle events.
func LoggingHooks(log loggingpkg.ServiceLogger) Hooks {
	log = loggingpkg.OrDiscard(log)
	return Hooks{
		OnTaskStart: func(ctx TaskContext) {
			log.Debug("Task started", loggingpkg.LogFields{
				"task_id":       ctx.TaskID,
				"command":       ctx.Command,
				"level":         ctx.Level,
				"overage":       ctx.Overage,
				"queue_wait_ms": ctx.QueueWait.Milliseconds(),
			})
		},
		OnTaskDone: func(ctx TaskContext) {
			log.Debug("Task completed", loggingpkg.LogFields{
				"task_id":     ctx.TaskID,
				"command":     ctx.Command,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnTaskError: func(ctx TaskContext, err error) {
			log.Error("Task failed", err, loggingpkg.LogFields{
				"task_id":        ctx.TaskID,
				"command":        ctx.Command,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnTaskKilled: func(ctx TaskContext) {
			log.Info("Task abandoned after overrun", loggingpkg.LogFields{
				"task_id":     ctx.TaskID,
				"command":     ctx.Command,
				"level":       ctx.Level,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that forward task outcomes to counters keyed by
// level and command.
func MetricsHooks(onStart, onDone, onError, onKilled func(level int, command string, elapsed time.Duration)) Hooks {
	forward := func(fn func(int, string, time.Duration)) func(TaskContext) {
		if fn == nil {
			return nil
		}
		return func(ctx TaskContext) { fn(ctx.Level, ctx.Command, ctx.Duration) }
	}
	hooks := Hooks{
		OnTaskStart:  forward(onStart),
		OnTaskDone:   forward(onDone),
		OnTaskKilled: forward(onKilled),
	}
	if onError != nil {
		hooks.OnTaskError = func(ctx TaskContext, _ error) { onError(ctx.Level, ctx.Command, ctx.Duration) }
	}
	return hooks
}

// AlertingHooks returns hooks that call alertFunc for failed and killed tasks.
func AlertingHooks(alertFunc func(ctx TaskContext, err error)) Hooks {
	if alertFunc == nil {
		return Hooks{}
	}
	return Hooks{
		OnTaskError:  alertFunc,
		OnTaskKilled: func(ctx TaskContext) { alertFunc(ctx, errspkg.ErrTaskKilled) },
	}
}
