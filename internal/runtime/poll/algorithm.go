package poll

import (
	"time"
)

// Algorithm orders clients within a priority and decides which to skip.
type Algorithm interface {
	// PriorityRecalculate returns the ordering score; higher polls first.
	PriorityRecalculate(h *ClientHandle, now time.Time) float64
	// ShouldSkip reports whether the client should sit out this pass.
	ShouldSkip(h *ClientHandle, now time.Time) bool
	// PastDue reports whether the client has waited longer than allowed.
	PastDue(h *ClientHandle, now time.Time) bool
	// RecordPoll folds the outcome of a poll into the client's statistics.
	RecordPoll(h *ClientHandle, received int, err error)
}

// YieldAlgorithm ranks clients by an EWMA of batch fill, multiplied by weight
// and divided down for every consecutive empty poll. Low-yield clients are
// skipped up to MaxSkip passes in a row.
type YieldAlgorithm struct {
	Alpha       float64
	IdlePenalty float64
	SkipBelow   float64
	MaxSkip     int
}

// DefaultAlgorithm returns the yield algorithm with standard tuning.
func DefaultAlgorithm() *YieldAlgorithm {
	return &YieldAlgorithm{
		Alpha:       0.3,
		IdlePenalty: 0.5,
		SkipBelow:   0.05,
		MaxSkip:     3,
	}
}

const baselineYield = 0.1

func (a *YieldAlgorithm) PriorityRecalculate(h *ClientHandle, now time.Time) float64 {
	streak := min(h.EmptyStreak(), 10)
	return h.Weight * (baselineYield + h.Yield()) / (1 + a.IdlePenalty*float64(streak))
}

func (a *YieldAlgorithm) ShouldSkip(h *ClientHandle, now time.Time) bool {
	if h.Polls() == 0 || a.PastDue(h, now) || h.Yield() >= a.SkipBelow {
		h.skips.Store(0)
		return false
	}
	if int(h.skips.Load()) >= a.MaxSkip {
		h.skips.Store(0)
		return false
	}
	h.skips.Add(1)
	return true
}

func (a *YieldAlgorithm) PastDue(h *ClientHandle, now time.Time) bool {
	return h.MaxAllowedPollWait > 0 && now.Sub(h.LastPoll()) > h.MaxAllowedPollWait
}

func (a *YieldAlgorithm) RecordPoll(h *ClientHandle, received int, err error) {
	h.polls.Add(1)
	fill := 0.0
	if err != nil {
		h.errors.Add(1)
	} else if received > 0 {
		h.hits.Add(1)
		h.messages.Add(uint64(received))
		fill = min(float64(received)/float64(h.MaxBatch), 1)
	}
	if fill > 0 {
		h.emptyStreak.Store(0)
	} else {
		h.emptyStreak.Add(1)
	}
	h.setYield(a.Alpha*fill + (1-a.Alpha)*h.Yield())
}
