// Package schedule runs named functions on fixed intervals.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
)

// Schedule is a recurring function. Execute receives the tick time.
type Schedule struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	Execute        func(ctx context.Context, now time.Time) error
}

// Stats describes the run history of a schedule.
type Stats struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type entry struct {
	Schedule

	runs     atomic.Uint64
	failures atomic.Uint64

	mu        sync.Mutex
	lastRunAt time.Time
	lastError string
}

// Runner drives schedules until stopped. Schedules added after Start begin
// running immediately.
type Runner struct {
	log loggingpkg.ServiceLogger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates an idle runner.
func NewRunner(log loggingpkg.ServiceLogger) *Runner {
	return &Runner{
		log:     loggingpkg.Component(log, "schedule"),
		entries: make(map[string]*entry),
	}
}

// Add registers a schedule. Names must be unique and intervals positive.
func (r *Runner) Add(s Schedule) error {
	if s.Name == "" {
		return fmt.Errorf("commandflow: schedule name is required")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("commandflow: schedule %q needs a positive interval", s.Name)
	}
	if s.Execute == nil {
		return fmt.Errorf("commandflow: schedule %q has no function", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[s.Name]; exists {
		return fmt.Errorf("commandflow: schedule %q already exists", s.Name)
	}
	e := &entry{Schedule: s}
	r.entries[s.Name] = e
	r.order = append(r.order, s.Name)
	if r.ctx != nil {
		r.launch(r.ctx, e)
	}
	return nil
}

// Start launches every registered schedule. It is a no-op when already started.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, name := range r.order {
		r.launch(r.ctx, r.entries[name])
	}
}

// Stop cancels all schedules and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.ctx = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Trigger runs the named schedule synchronously, outside its interval.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("commandflow: schedule %q not found", name)
	}
	return r.run(ctx, e, time.Now())
}

// Stats returns per-schedule run counters in registration order.
func (r *Runner) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		e.mu.Lock()
		out = append(out, Stats{
			Name:      e.Name,
			Interval:  e.Interval,
			Runs:      e.runs.Load(),
			Failures:  e.failures.Load(),
			LastRunAt: e.lastRunAt,
			LastError: e.lastError,
		})
		e.mu.Unlock()
	}
	return out
}

func (r *Runner) launch(ctx context.Context, e *entry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if e.RunImmediately {
			_ = r.run(ctx, e, time.Now())
		}
		ticker := time.NewTicker(e.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				_ = r.run(ctx, e, now)
			}
		}
	}()
}

func (r *Runner) run(ctx context.Context, e *entry, now time.Time) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("schedule %s panicked: %v", e.Name, rec)
		}
		e.runs.Add(1)
		e.mu.Lock()
		e.lastRunAt = now
		e.lastError = ""
		if err != nil {
			e.lastError = err.Error()
		}
		e.mu.Unlock()
		if err != nil {
			e.failures.Add(1)
			r.log.Error("Schedule run failed", err, loggingpkg.LogFields{"schedule": e.Name})
		}
	}()
	return e.Execute(ctx, now)
}
