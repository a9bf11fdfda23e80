// Package poll decides which listener client is polled next.
//
// Clients are grouped by priority and, within a priority, ordered by an
// Algorithm. The ordering lives in an immutable snapshot that Reprioritise
// replaces atomically; enumerations started against an older snapshot stop as
// soon as they notice the epoch moved.
package poll

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/schedule"
)

// Availability is the execution budget oracle, implemented by the task scheduler.
type Availability interface {
	ReservationsAvailable(priority int) int
	ReservationMake(clientID string, priority int, n int)
	ReservationRelease(clientID string)
}

type snapshot struct {
	epoch      uint64
	priorities []int
	chains     map[int][]*ClientHandle
}

// Coordinator owns the client registry and the priority snapshot.
type Coordinator struct {
	log          loggingpkg.ServiceLogger
	availability Availability
	algorithm    Algorithm
	now          func() time.Time

	mu      sync.Mutex
	clients atomic.Pointer[map[string]*ClientHandle]
	snap    atomic.Pointer[snapshot]
	epoch   atomic.Uint64
	closed  atomic.Bool
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithAlgorithm replaces the default yield algorithm.
func WithAlgorithm(a Algorithm) Option {
	return func(c *Coordinator) {
		if a != nil {
			c.algorithm = a
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a coordinator that budgets polls against availability.
func New(availability Availability, log loggingpkg.ServiceLogger, opts ...Option) (*Coordinator, error) {
	if availability == nil {
		return nil, fmt.Errorf("%w: poll availability", errspkg.ErrConfigRequired)
	}
	c := &Coordinator{
		log:          loggingpkg.Component(log, "poll"),
		availability: availability,
		algorithm:    DefaultAlgorithm(),
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	empty := map[string]*ClientHandle{}
	c.clients.Store(&empty)
	c.snap.Store(&snapshot{chains: map[int][]*ClientHandle{}})
	return c, nil
}

// Add registers a client and reprioritises.
func (c *Coordinator) Add(cfg ClientConfig) (*ClientHandle, error) {
	if c.closed.Load() {
		return nil, errspkg.ErrCoordinatorClosed
	}
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, errspkg.ErrChannelRequired
	}
	if cfg.ID == "" {
		cfg.ID = idspkg.CreateULID()
	}
	h := newClientHandle(cfg, c.now())

	c.mu.Lock()
	current := *c.clients.Load()
	if _, exists := current[cfg.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("commandflow: poll client %q already registered", cfg.ID)
	}
	next := maps.Clone(current)
	next[cfg.ID] = h
	c.clients.Store(&next)
	c.reprioritiseLocked()
	c.mu.Unlock()

	c.log.Debug("Poll client added", loggingpkg.LogFields{"client": h.ID, "channel": h.ChannelID, "priority": h.Priority})
	return h, nil
}

// Remove drops a client and reprioritises. It reports whether the client existed.
func (c *Coordinator) Remove(id string) bool {
	c.mu.Lock()
	current := *c.clients.Load()
	if _, exists := current[id]; !exists {
		c.mu.Unlock()
		return false
	}
	next := maps.Clone(current)
	delete(next, id)
	c.clients.Store(&next)
	c.reprioritiseLocked()
	c.mu.Unlock()

	c.availability.ReservationRelease(id)
	return true
}

// Client returns the live handle for id.
func (c *Coordinator) Client(id string) (*ClientHandle, bool) {
	h, ok := (*c.clients.Load())[id]
	return h, ok
}

// Reprioritise rebuilds the ordering snapshot and bumps the epoch.
func (c *Coordinator) Reprioritise() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reprioritiseLocked()
}

func (c *Coordinator) reprioritiseLocked() {
	now := c.now()
	chains := make(map[int][]*ClientHandle)
	for _, h := range *c.clients.Load() {
		h.setScore(c.algorithm.PriorityRecalculate(h, now))
		chains[h.Priority] = append(chains[h.Priority], h)
	}
	priorities := slices.Collect(maps.Keys(chains))
	slices.SortFunc(priorities, func(a, b int) int { return b - a })
	for _, chain := range chains {
		slices.SortStableFunc(chain, func(a, b *ClientHandle) int {
			if sa, sb := a.Score(), b.Score(); sa != sb {
				if sa > sb {
					return -1
				}
				return 1
			}
			return strings.Compare(a.ID, b.ID)
		})
	}
	epoch := c.epoch.Add(1)
	c.snap.Store(&snapshot{epoch: epoch, priorities: priorities, chains: chains})
}

// Epoch returns the current snapshot generation.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}

// TakeNext lazily yields clients that may be polled now, highest priority
// first. Each yielded client holds a reservation sized to the available
// budget and must be handed back with Release. The enumeration ends early when
// the coordinator closes or a newer snapshot is installed. With pastDueOnly
// set, only clients that have waited past their maximum poll wait are offered.
func (c *Coordinator) TakeNext(pastDueOnly bool) iter.Seq[*ClientHandle] {
	return func(yield func(*ClientHandle) bool) {
		snap := c.snap.Load()
		now := c.now()
		for _, priority := range snap.priorities {
			for _, h := range snap.chains[priority] {
				if c.closed.Load() || c.epoch.Load() != snap.epoch {
					return
				}
				if _, live := (*c.clients.Load())[h.ID]; !live {
					continue
				}
				if h.reserved.Load() {
					continue
				}
				if pastDueOnly && !c.algorithm.PastDue(h, now) {
					continue
				}
				if c.algorithm.ShouldSkip(h, now) {
					continue
				}
				available := c.availability.ReservationsAvailable(h.Priority)
				if available <= 0 {
					continue
				}
				if !h.reserved.CompareAndSwap(false, true) {
					continue
				}
				n := min(available, h.MaxBatch)
				h.reservedN.Store(int32(n))
				c.availability.ReservationMake(h.ID, h.Priority, n)
				if !yield(h) {
					return
				}
			}
		}
	}
}

// Release returns the reservation held by the client and records the poll
// outcome: the number of messages received and any transport error.
func (c *Coordinator) Release(id string, received int, err error) {
	c.availability.ReservationRelease(id)
	h, ok := c.Client(id)
	if !ok {
		return
	}
	c.algorithm.RecordPoll(h, received, err)
	h.lastPoll.Store(c.now().UnixNano())
	h.reservedN.Store(0)
	h.reserved.Store(false)
	if err != nil {
		c.log.Debug("Poll failed", loggingpkg.LogFields{"client": id, "error": err.Error()})
	}
}

// Close stops all enumerations. Clients stay registered for diagnostics.
func (c *Coordinator) Close() {
	c.closed.Store(true)
}

// Stats returns one row per client in snapshot order.
func (c *Coordinator) Stats() []ClientStats {
	snap := c.snap.Load()
	now := c.now()
	out := make([]ClientStats, 0, len(*c.clients.Load()))
	for _, priority := range snap.priorities {
		for _, h := range snap.chains[priority] {
			out = append(out, ClientStats{
				ID:          h.ID,
				ChannelID:   h.ChannelID,
				Priority:    h.Priority,
				Weight:      h.Weight,
				Reserved:    h.IsReserved(),
				Polls:       h.Polls(),
				Hits:        h.hits.Load(),
				Messages:    h.messages.Load(),
				Errors:      h.errors.Load(),
				Yield:       h.Yield(),
				Score:       h.Score(),
				EmptyStreak: h.EmptyStreak(),
				LastPoll:    h.LastPoll(),
				PastDue:     c.algorithm.PastDue(h, now),
			})
		}
	}
	return out
}

// ReprioritiseSchedule returns a recurring schedule that re-ranks clients.
func (c *Coordinator) ReprioritiseSchedule(interval time.Duration) schedule.Schedule {
	return schedule.Schedule{
		Name:     "poll-reprioritise",
		Interval: interval,
		Execute: func(context.Context, time.Time) error {
			if c.closed.Load() {
				return nil
			}
			c.Reprioritise()
			return nil
		},
	}
}
