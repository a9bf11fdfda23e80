package poll

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	DefaultMaxBatch = 10
	DefaultWeight   = 1.0
)

// ClientConfig describes a pollable listener client.
type ClientConfig struct {
	ID                 string
	ChannelID          string
	Priority           int
	Weight             float64
	MaxBatch           int
	MaxAllowedPollWait time.Duration
}

// ClientHandle is the coordinator's view of one polling endpoint. Counters
// are atomics so the handle can be read while a poll is in flight.
type ClientHandle struct {
	ID                 string
	ChannelID          string
	Priority           int
	Weight             float64
	MaxBatch           int
	MaxAllowedPollWait time.Duration

	reserved  atomic.Bool
	reservedN atomic.Int32

	lastPoll    atomic.Int64
	polls       atomic.Uint64
	hits        atomic.Uint64
	messages    atomic.Uint64
	errors      atomic.Uint64
	emptyStreak atomic.Int32
	skips       atomic.Int32
	yield       atomic.Uint64
	score       atomic.Uint64
}

func newClientHandle(cfg ClientConfig, now time.Time) *ClientHandle {
	h := &ClientHandle{
		ID:                 cfg.ID,
		ChannelID:          cfg.ChannelID,
		Priority:           cfg.Priority,
		Weight:             cfg.Weight,
		MaxBatch:           cfg.MaxBatch,
		MaxAllowedPollWait: cfg.MaxAllowedPollWait,
	}
	if h.Weight <= 0 {
		h.Weight = DefaultWeight
	}
	if h.MaxBatch <= 0 {
		h.MaxBatch = DefaultMaxBatch
	}
	h.lastPoll.Store(now.UnixNano())
	return h
}

// Reserved returns the number of messages the current reservation allows.
func (h *ClientHandle) Reserved() int {
	return int(h.reservedN.Load())
}

// IsReserved reports whether a poll is in flight for the client.
func (h *ClientHandle) IsReserved() bool {
	return h.reserved.Load()
}

// LastPoll returns when the client was last released after a poll.
func (h *ClientHandle) LastPoll() time.Time {
	return time.Unix(0, h.lastPoll.Load())
}

// Polls returns the number of completed polls.
func (h *ClientHandle) Polls() uint64 {
	return h.polls.Load()
}

// Yield is the recency-weighted fraction of the batch filled per poll.
func (h *ClientHandle) Yield() float64 {
	return math.Float64frombits(h.yield.Load())
}

func (h *ClientHandle) setYield(v float64) {
	h.yield.Store(math.Float64bits(v))
}

// Score is the ordering weight computed at the last reprioritisation.
func (h *ClientHandle) Score() float64 {
	return math.Float64frombits(h.score.Load())
}

func (h *ClientHandle) setScore(v float64) {
	h.score.Store(math.Float64bits(v))
}

// EmptyStreak is the number of consecutive polls that returned nothing.
func (h *ClientHandle) EmptyStreak() int {
	return int(h.emptyStreak.Load())
}

// ClientStats is a diagnostic row for one client.
type ClientStats struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Priority    int       `json:"priority"`
	Weight      float64   `json:"weight"`
	Reserved    bool      `json:"reserved"`
	Polls       uint64    `json:"polls"`
	Hits        uint64    `json:"hits"`
	Messages    uint64    `json:"messages"`
	Errors      uint64    `json:"errors"`
	Yield       float64   `json:"yield"`
	Score       float64   `json:"score"`
	EmptyStreak int       `json:"empty_streak"`
	LastPoll    time.Time `json:"last_poll"`
	PastDue     bool      `json:"past_due"`
}
