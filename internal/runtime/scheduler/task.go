package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// TaskState is the lifecycle position of a task.
type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskCompleted
	TaskKilled
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskKilled:
		return "killed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TaskFunc is the unit of work. ctx is cancelled when the task overruns.
type TaskFunc func(ctx context.Context) error

// Task is a unit of work waiting for, or holding, an execution slot.
type Task struct {
	ID       string
	Priority int
	Payload  *payload.Payload

	fn                TaskFunc
	maxProcessingTime time.Duration

	level     int
	overage   bool
	submitted time.Time
	startedAt atomic.Int64
	state     atomic.Int32

	ctx             context.Context
	cancel          context.CancelFunc
	overrunNotified bool

	done chan struct{}
	err  error
}

// NewTask creates a task for fn. When p is set the task inherits the payload's
// max processing time and context, and the scheduler signals the payload once
// the task reaches a final state.
func NewTask(priority int, p *payload.Payload, fn TaskFunc) *Task {
	t := &Task{
		ID:       idspkg.CreateULID(),
		Priority: priority,
		Payload:  p,
		fn:       fn,
		done:     make(chan struct{}),
	}
	if p != nil {
		t.ID = p.ID
		t.maxProcessingTime = p.MaxProcessingTime
	}
	return t
}

// WithMaxProcessingTime overrides the processing budget of the task.
func (t *Task) WithMaxProcessingTime(d time.Duration) *Task {
	t.maxProcessingTime = d
	return t
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Level returns the priority level the task was admitted to.
func (t *Task) Level() int {
	return t.level
}

// Done is closed when the task reaches a final state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task result once Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) header() string {
	if t.Payload == nil || t.Payload.Message == nil {
		return ""
	}
	return t.Payload.Header().Key()
}

func (t *Task) baseContext() context.Context {
	if t.Payload != nil {
		return t.Payload.Context()
	}
	return context.Background()
}

// complete moves the task from `from` to a final state. Only one caller wins.
func (t *Task) complete(from, to TaskState, err error) bool {
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	t.err = err
	if t.cancel != nil {
		t.cancel()
	}
	if t.Payload != nil {
		t.Payload.Trace("task", to.String())
		t.Payload.Signal(to == TaskCompleted && err == nil)
	}
	close(t.done)
	return true
}
