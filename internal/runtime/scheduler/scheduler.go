// Package scheduler admits tasks into bounded per-priority execution slots.
//
// Each level owns SlotCount guaranteed slots plus an Overage budget that is
// only usable while the global concurrency limit has room. Work that cannot be
// admitted waits in a FIFO queue per level; queues are drained from the highest
// level down whenever a task completes, a task is submitted, or the loop ticks.
// Tasks that exceed their processing time are first cancelled and, after a
// grace period, abandoned: their slot is reclaimed while the goroutine is left
// to return on its own.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
)

// ResourceSampler reports recent process CPU usage in percent.
type ResourceSampler interface {
	CPUPercent() float64
}

type level struct {
	Reservation

	active   atomic.Int32
	overage  atomic.Int32
	reserved atomic.Int32

	completed atomic.Uint64
	failed    atomic.Uint64
	killed    atomic.Uint64
	direct    atomic.Uint64

	queue []*Task
}

type clientReservation struct {
	level int
	n     int32
}

// Scheduler is the bulkhead task engine.
type Scheduler struct {
	cfg     Config
	log     loggingpkg.ServiceLogger
	hooks   Hooks
	sampler ResourceSampler
	now     func() time.Time

	levels []*level
	active atomic.Int32
	limit  atomic.Int32

	mu          sync.Mutex
	queuedSince time.Time
	overloaded  atomic.Bool

	runMu   sync.Mutex
	running map[*Task]struct{}

	resMu        sync.Mutex
	reservations map[string]clientReservation

	wake   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
	loopWg sync.WaitGroup
	stop   context.CancelFunc
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(s *Scheduler) { s.hooks = s.hooks.Merge(h) }
}

// WithResourceSampler lets CPU usage move the effective concurrency limit.
func WithResourceSampler(sampler ResourceSampler) Option {
	return func(s *Scheduler) { s.sampler = sampler }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg and builds a scheduler. Call Start to run the loop that
// enforces overruns and adapts the concurrency limit.
func New(cfg Config, log loggingpkg.ServiceLogger, opts ...Option) (*Scheduler, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	s := &Scheduler{
		cfg:          cfg,
		log:          loggingpkg.Component(log, "scheduler"),
		now:          time.Now,
		running:      make(map[*Task]struct{}),
		reservations: make(map[string]clientReservation),
		wake:         make(chan struct{}, 1),
	}
	for _, r := range sortedReservations(cfg.Reservations) {
		s.levels = append(s.levels, &level{Reservation: r})
	}
	s.limit.Store(int32(cfg.ConcurrentMax))
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start runs the scheduling loop until ctx ends or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.stop = cancel
	s.mu.Unlock()

	s.loopWg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWg.Done()
	ticker := time.NewTicker(s.cfg.LoopPause)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.drain()
		case <-ticker.C:
			now := s.now()
			s.CheckOverruns(now)
			s.adjustLimit()
			s.drain()
		}
	}
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// LevelFor maps a channel priority onto a configured level.
func (s *Scheduler) LevelFor(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= len(s.levels) {
		return len(s.levels) - 1
	}
	return priority
}

// Submit hands a task to the scheduler. It runs immediately when its level has
// capacity and nothing is queued ahead of it, otherwise it is queued.
// Internal payloads skip admission entirely when ExecuteInternalDirect is set:
// they start at once, occupy a slot of their level and remain subject to
// overrun handling.
func (s *Scheduler) Submit(t *Task) error {
	if t == nil || t.fn == nil {
		return errspkg.ErrTaskRequired
	}
	if s.closed.Load() {
		return errspkg.ErrSchedulerClosed
	}
	t.level = s.LevelFor(t.Priority)
	t.submitted = s.now()
	if t.maxProcessingTime <= 0 {
		t.maxProcessingTime = s.cfg.DefaultMaxProcessingTime
	}
	if t.Payload != nil {
		t.Payload.Trace("scheduler", fmt.Sprintf("submitted level=%d", t.level))
	}

	lv := s.levels[t.level]
	if s.cfg.ExecuteInternalDirect && t.Payload != nil && t.Payload.Internal {
		s.admitDirect(lv)
		s.start(t, false)
		return nil
	}
	s.mu.Lock()
	if len(lv.queue) == 0 {
		if overage, ok := s.tryAdmit(lv); ok {
			s.mu.Unlock()
			s.start(t, overage)
			return nil
		}
	}
	lv.queue = append(lv.queue, t)
	if s.queuedSince.IsZero() {
		s.queuedSince = t.submitted
	}
	s.mu.Unlock()
	s.signalWake()
	return nil
}

// Execute submits fn at priority and waits for it to finish.
func (s *Scheduler) Execute(ctx context.Context, priority int, fn TaskFunc) error {
	t := NewTask(priority, nil, fn)
	if err := s.Submit(t); err != nil {
		return err
	}
	return t.Wait(ctx)
}

// tryAdmit claims a slot, or an overage slot, at lv.
func (s *Scheduler) tryAdmit(lv *level) (overage bool, ok bool) {
	for {
		cur := lv.active.Load()
		if int(cur) >= lv.SlotCount {
			break
		}
		if lv.active.CompareAndSwap(cur, cur+1) {
			s.active.Add(1)
			return false, true
		}
	}

	for {
		global := s.active.Load()
		if global >= s.limit.Load() {
			return false, false
		}
		if s.active.CompareAndSwap(global, global+1) {
			break
		}
	}
	for {
		cur := lv.overage.Load()
		if int(cur) >= lv.Overage {
			s.active.Add(-1)
			return false, false
		}
		if lv.overage.CompareAndSwap(cur, cur+1) {
			return true, true
		}
	}
}

// admitDirect claims a slot at lv regardless of capacity.
func (s *Scheduler) admitDirect(lv *level) {
	lv.active.Add(1)
	s.active.Add(1)
	lv.direct.Add(1)
}

func (s *Scheduler) releaseSlot(t *Task) {
	lv := s.levels[t.level]
	if t.overage {
		lv.overage.Add(-1)
	} else {
		lv.active.Add(-1)
	}
	s.active.Add(-1)
}

func (s *Scheduler) drain() {
	var admitted []*Task
	var overage []bool

	s.mu.Lock()
	for i := len(s.levels) - 1; i >= 0; i-- {
		lv := s.levels[i]
		for len(lv.queue) > 0 {
			over, ok := s.tryAdmit(lv)
			if !ok {
				break
			}
			admitted = append(admitted, lv.queue[0])
			overage = append(overage, over)
			lv.queue[0] = nil
			lv.queue = lv.queue[1:]
		}
	}
	s.updateOverloadLocked()
	s.mu.Unlock()

	for i, t := range admitted {
		s.start(t, overage[i])
	}
}

func (s *Scheduler) updateOverloadLocked() {
	queued := 0
	for _, lv := range s.levels {
		queued += len(lv.queue)
	}
	if queued == 0 {
		s.queuedSince = time.Time{}
		s.overloaded.Store(false)
		return
	}
	if s.queuedSince.IsZero() {
		s.queuedSince = s.now()
	}
	s.overloaded.Store(s.now().Sub(s.queuedSince) >= s.cfg.OverloadedAfter)
}

func (s *Scheduler) start(t *Task, overage bool) {
	t.overage = overage
	if !t.state.CompareAndSwap(int32(TaskQueued), int32(TaskRunning)) {
		s.releaseSlot(t)
		return
	}
	started := s.now()
	t.startedAt.Store(started.UnixNano())
	t.ctx, t.cancel = context.WithCancel(t.baseContext())

	s.runMu.Lock()
	s.running[t] = struct{}{}
	s.runMu.Unlock()

	s.wg.Add(1)
	if s.hooks.OnTaskStart != nil {
		s.hooks.OnTaskStart(s.taskContext(t, started))
	}
	go s.execute(t)
}

func (s *Scheduler) execute(t *Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("commandflow: task panicked: %v", r)
			}
		}()
		err = t.fn(t.ctx)
	}()
	s.finish(t, err)
}

func (s *Scheduler) finish(t *Task, err error) {
	if !t.complete(TaskRunning, TaskCompleted, err) {
		s.log.Debug("Abandoned task returned", loggingpkg.LogFields{"task_id": t.ID, "command": t.header()})
		return
	}
	s.forget(t)
	lv := s.levels[t.level]
	s.releaseSlot(t)

	tc := s.taskContext(t, s.now())
	if err != nil {
		if s.hooks.OnTaskError != nil {
			s.hooks.OnTaskError(tc, err)
		}
		lv.failed.Add(1)
	} else {
		if s.hooks.OnTaskDone != nil {
			s.hooks.OnTaskDone(tc)
		}
		lv.completed.Add(1)
	}
	s.wg.Done()
	s.drain()
}

func (s *Scheduler) forget(t *Task) {
	s.runMu.Lock()
	delete(s.running, t)
	s.runMu.Unlock()
}

// CheckOverruns cancels tasks past their processing time and abandons those
// still running once the grace period has also elapsed.
func (s *Scheduler) CheckOverruns(now time.Time) {
	var cancel, kill []*Task

	s.runMu.Lock()
	for t := range s.running {
		if t.maxProcessingTime <= 0 {
			continue
		}
		elapsed := now.Sub(time.Unix(0, t.startedAt.Load()))
		switch {
		case elapsed > t.maxProcessingTime+s.cfg.OverrunGracePeriod:
			kill = append(kill, t)
		case elapsed > t.maxProcessingTime && !t.overrunNotified:
			t.overrunNotified = true
			cancel = append(cancel, t)
		}
	}
	s.runMu.Unlock()

	for _, t := range cancel {
		s.log.Info("Task overran its processing time, cancelling", loggingpkg.LogFields{
			"task_id":    t.ID,
			"command":    t.header(),
			"max_ms":     t.maxProcessingTime.Milliseconds(),
			"elapsed_ms": now.Sub(time.Unix(0, t.startedAt.Load())).Milliseconds(),
		})
		t.cancel()
	}
	for _, t := range kill {
		s.kill(t, now)
	}
}

func (s *Scheduler) kill(t *Task, now time.Time) {
	if !t.complete(TaskRunning, TaskKilled, errspkg.ErrTaskKilled) {
		return
	}
	s.forget(t)
	s.releaseSlot(t)
	if s.hooks.OnTaskKilled != nil {
		s.hooks.OnTaskKilled(s.taskContext(t, now))
	}
	s.levels[t.level].killed.Add(1)
	s.wg.Done()
	s.drain()
}

func (s *Scheduler) taskContext(t *Task, now time.Time) TaskContext {
	started := time.Unix(0, t.startedAt.Load())
	tc := TaskContext{
		TaskID:      t.ID,
		Command:     t.header(),
		Level:       t.level,
		Overage:     t.overage,
		SubmittedAt: t.submitted,
		StartedAt:   started,
		QueueWait:   started.Sub(t.submitted),
		Duration:    now.Sub(started),
	}
	if t.Payload != nil {
		tc.Source = t.Payload.Source
		tc.DeliveryCount = t.Payload.DeliveryCount
	}
	return tc
}

func (s *Scheduler) adjustLimit() {
	if s.sampler == nil {
		return
	}
	cpu := s.sampler.CPUPercent()
	minLimit, maxLimit := int32(s.cfg.ConcurrentMin), int32(s.cfg.ConcurrentMax)
	step := max((maxLimit-minLimit)/10, 1)
	cur := s.limit.Load()
	next := cur
	if cpu > s.cfg.ProcessorTargetPercentage {
		next = max(cur-step, minLimit)
	} else {
		next = min(cur+step, maxLimit)
	}
	if next != cur && s.limit.CompareAndSwap(cur, next) {
		s.log.Trace("Concurrency limit adjusted", loggingpkg.LogFields{"cpu_percent": cpu, "limit": next})
	}
}

// SetLimit pins the effective global limit, clamped to [ConcurrentMin, ConcurrentMax].
func (s *Scheduler) SetLimit(n int) {
	n = max(min(n, s.cfg.ConcurrentMax), s.cfg.ConcurrentMin)
	s.limit.Store(int32(n))
	s.signalWake()
}

// ReservationsAvailable reports how many more tasks could be admitted at the
// level serving priority, net of outstanding poll reservations.
func (s *Scheduler) ReservationsAvailable(priority int) int {
	if s.closed.Load() {
		return 0
	}
	lv := s.levels[s.LevelFor(priority)]
	s.mu.Lock()
	queued := len(lv.queue)
	s.mu.Unlock()
	free := max(lv.SlotCount-int(lv.active.Load()), 0)
	overage := min(lv.Overage-int(lv.overage.Load()), int(s.limit.Load()-s.active.Load()))
	return max(free+max(overage, 0)-int(lv.reserved.Load())-queued, 0)
}

// ReservationMake records that clientID is about to pull up to n messages.
func (s *Scheduler) ReservationMake(clientID string, priority int, n int) {
	if n <= 0 {
		return
	}
	lvIdx := s.LevelFor(priority)
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if prev, ok := s.reservations[clientID]; ok {
		s.levels[prev.level].reserved.Add(-prev.n)
	}
	s.reservations[clientID] = clientReservation{level: lvIdx, n: int32(n)}
	s.levels[lvIdx].reserved.Add(int32(n))
}

// ReservationRelease drops the reservation held by clientID.
func (s *Scheduler) ReservationRelease(clientID string) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if prev, ok := s.reservations[clientID]; ok {
		s.levels[prev.level].reserved.Add(-prev.n)
		delete(s.reservations, clientID)
	}
}

// Shutdown stops admission, cancels queued tasks and waits for running tasks
// to finish or ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	var cancelled []*Task
	for _, lv := range s.levels {
		cancelled = append(cancelled, lv.queue...)
		lv.queue = nil
	}
	stop := s.stop
	s.updateOverloadLocked()
	s.mu.Unlock()

	for _, t := range cancelled {
		t.complete(TaskQueued, TaskCancelled, errspkg.ErrTaskCancelled)
	}
	if stop != nil {
		stop()
	}
	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LevelStats describes one priority level.
type LevelStats struct {
	Level         int    `json:"level"`
	SlotCount     int    `json:"slots"`
	Overage       int    `json:"overage"`
	Active        int    `json:"active"`
	OverageActive int    `json:"overage_active"`
	Queued        int    `json:"queued"`
	Reserved      int    `json:"reserved"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Killed        uint64 `json:"killed"`
	Direct        uint64 `json:"direct"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Levels     []LevelStats `json:"levels"`
	Active     int          `json:"active"`
	Queued     int          `json:"queued"`
	Limit      int          `json:"limit"`
	Overloaded bool         `json:"overloaded"`
	Completed  uint64       `json:"completed"`
	Failed     uint64       `json:"failed"`
	Killed     uint64       `json:"killed"`
}

// Stats returns per-level and global counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		Active:     int(s.active.Load()),
		Limit:      int(s.limit.Load()),
		Overloaded: s.overloaded.Load(),
		Levels:     make([]LevelStats, 0, len(s.levels)),
	}
	for _, lv := range s.levels {
		ls := LevelStats{
			Level:         lv.Level,
			SlotCount:     lv.SlotCount,
			Overage:       lv.Reservation.Overage,
			Active:        int(lv.active.Load() + lv.overage.Load()),
			OverageActive: int(lv.overage.Load()),
			Queued:        len(lv.queue),
			Reserved:      int(lv.reserved.Load()),
			Completed:     lv.completed.Load(),
			Failed:        lv.failed.Load(),
			Killed:        lv.killed.Load(),
			Direct:        lv.direct.Load(),
		}
		out.Queued += ls.Queued
		out.Completed += ls.Completed
		out.Failed += ls.Failed
		out.Killed += ls.Killed
		out.Levels = append(out.Levels, ls)
	}
	return out
}
