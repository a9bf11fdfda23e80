package runtime

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/transport"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// CommandStats accumulates execution statistics for one registered command.
type CommandStats struct {
	mu sync.Mutex

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	DeadLetters         uint64    `json:"dead_letters"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
}

// CommandStatsSnapshot is a copy of CommandStats safe to serialise.
type CommandStatsSnapshot struct {
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesFailed      uint64            `json:"messages_failed"`
	DeadLetters         uint64            `json:"dead_letters"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	Backlog             BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Dispatch   uint64 `json:"dispatch"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryDispatch   ErrorCategory = "dispatch"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier assigns a statistics category to a command error.
type ErrorClassifier func(error) ErrorCategory

func newCommandStats() *CommandStats {
	return &CommandStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		Backlog:          BacklogMetrics{EstimatedLagMillis: -1},
	}
}

func (c *CommandStats) onStart(enqueuedAt, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Backlog.InFlight++
	c.Backlog.MaxInFlight = max(c.Backlog.MaxInFlight, c.Backlog.InFlight)
	if !enqueuedAt.IsZero() {
		c.Backlog.EstimatedLagMillis = max(now.Sub(enqueuedAt).Milliseconds(), 0)
	}
}

func (c *CommandStats) onFinish(now time.Time, duration time.Duration, err error, deadLetter bool, classifier ErrorClassifier) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Backlog.InFlight > 0 {
		c.Backlog.InFlight--
	}
	c.MessagesProcessed++
	if err != nil {
		c.MessagesFailed++
	}
	if deadLetter {
		c.DeadLetters++
	}
	c.TotalProcessingTime += int64(duration)
	c.LastProcessedAt = now.UTC()

	c.latencyWindow.Add(duration)
	c.Latency = c.latencyWindow.Snapshot()
	c.Latency.AverageNs = c.TotalProcessingTime / int64(c.MessagesProcessed)

	tp := c.throughputWindow.AddAndSnapshot(now)
	c.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
		TotalMessages:    c.MessagesProcessed,
	}

	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	c.Errors.Record(classifier(err), err)
}

// Snapshot copies the counters under the stats lock.
func (c *CommandStats) Snapshot() CommandStatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CommandStatsSnapshot{
		MessagesProcessed:   c.MessagesProcessed,
		MessagesFailed:      c.MessagesFailed,
		DeadLetters:         c.DeadLetters,
		TotalProcessingTime: c.TotalProcessingTime,
		LastProcessedAt:     c.LastProcessedAt,
		Latency:             c.Latency,
		Throughput:          c.Throughput,
		Errors:              c.Errors,
		Backlog:             c.Backlog,
	}
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	case ErrorCategoryDispatch:
		e.Dispatch++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// ValidationError marks a payload that was rejected before its handler ran.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "commandflow: invalid payload: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// DefaultErrorClassifier buckets errors by the taxonomy the runtime raises.
func DefaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var validation *ValidationError
	var dispatchErr *errspkg.DispatchError
	var transmitErr *transport.TransmitError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, errspkg.ErrInvalidRequestBody),
		errors.Is(err, errspkg.ErrPayloadRequired),
		errors.Is(err, errspkg.ErrMessageTypeRequired),
		errors.Is(err, errspkg.ErrChannelRequired):
		return ErrorCategoryValidation
	case errors.As(err, &dispatchErr):
		return ErrorCategoryDispatch
	case errors.As(err, &transmitErr):
		return ErrorCategoryTransport
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, errspkg.ErrTaskKilled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return out
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	out.SampleSize = lw.filled
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	out.AverageNs = sum / int64(len(samples))
	return out
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	tw.samples = slices.Delete(tw.samples, 0, idx)

	// a burst inside the first second is reported per second, not per nanosecond
	span := max(now.Sub(tw.samples[0]), time.Second)
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
