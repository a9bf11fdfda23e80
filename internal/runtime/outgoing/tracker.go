// Package outgoing tracks correlated requests sent to other services and
// completes each one exactly once, on response or on timeout.
package outgoing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/commandflow/internal/runtime/codec"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/commandflow/internal/runtime/metadata"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/internal/runtime/schedule"
)

const (
	DefaultTimeout                  = 25 * time.Second
	DefaultMaxProcessingTimeDefault = 30 * time.Second
	DefaultTimeoutPollInterval      = time.Second
)

// Config controls request time-to-live and response routing.
type Config struct {
	// ServiceID is stamped on every request as the originator service.
	ServiceID string
	// Response is where remote services must send replies.
	Response payload.Route
	// DefaultTimeout applies when a request does not set WaitTime.
	DefaultTimeout time.Duration
	// MaxProcessingTimeDefault is the policy fallback when DefaultTimeout is zero.
	MaxProcessingTimeDefault time.Duration
	// TimeoutPollInterval is how often pending requests are checked for expiry.
	TimeoutPollInterval time.Duration
}

// WithDefaults fills zero values except DefaultTimeout, which stays zero when
// unset so that MaxProcessingTimeDefault can take effect.
func (c Config) WithDefaults() Config {
	if c.MaxProcessingTimeDefault <= 0 {
		c.MaxProcessingTimeDefault = DefaultMaxProcessingTimeDefault
	}
	if c.TimeoutPollInterval <= 0 {
		c.TimeoutPollInterval = DefaultTimeoutPollInterval
	}
	return c
}

// DefaultConfig returns the standard request timing.
func DefaultConfig() Config {
	return Config{DefaultTimeout: DefaultTimeout}.WithDefaults()
}

// RequestSettings adjusts a single request.
type RequestSettings struct {
	// WaitTime overrides the configured time-to-live.
	WaitTime time.Duration
	// CorrelationID replaces the generated correlation id.
	CorrelationID string
	// ProcessCorrelationKey links the request to a wider business process.
	ProcessCorrelationKey string
	// Priority is the channel priority the request is sent with.
	Priority int
	// Serializer encodes the request; JSON when nil.
	Serializer codec.Serializer
	// Metadata is copied onto the request.
	Metadata metadatapkg.Metadata
	// Trace enables the payload trace log.
	Trace bool
}

// Sender transmits a request payload, locally or over a transport.
type Sender interface {
	Send(ctx context.Context, p *payload.Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, p *payload.Payload) error

func (f SenderFunc) Send(ctx context.Context, p *payload.Payload) error {
	return f(ctx, p)
}

// Record is a pending request.
type Record struct {
	ID      string
	Header  payload.Header
	Payload *payload.Payload
	Start   time.Time
	TTL     time.Duration
	Async   bool

	done chan outcome
}

type outcome struct {
	status      int
	description string
	response    *payload.Payload
	at          time.Time
}

func (r *Record) complete(out outcome) {
	r.done <- out
}

// Event is delivered to observers as requests progress.
type Event struct {
	ID      string         `json:"id"`
	Header  payload.Header `json:"header"`
	Start   time.Time      `json:"start"`
	TTL     time.Duration  `json:"ttl"`
	Elapsed time.Duration  `json:"elapsed"`
	Status  int            `json:"status"`
	Async   bool           `json:"async"`
}

// Stats counts tracker outcomes.
type Stats struct {
	Pending          int    `json:"pending"`
	Requests         uint64 `json:"requests"`
	Responses        uint64 `json:"responses"`
	Unmatched        uint64 `json:"unmatched"`
	Timeouts         uint64 `json:"timeouts"`
	Cancelled        uint64 `json:"cancelled"`
	TransmitFailures uint64 `json:"transmit_failures"`
}

// Tracker holds pending requests keyed by correlation id.
type Tracker struct {
	cfg      Config
	log      loggingpkg.ServiceLogger
	sender   Sender
	registry *codec.Registry
	now      func() time.Time

	pending sync.Map
	started atomic.Bool
	closed  atomic.Bool

	requests         atomic.Uint64
	responses        atomic.Uint64
	unmatched        atomic.Uint64
	timeouts         atomic.Uint64
	cancelled        atomic.Uint64
	transmitFailures atomic.Uint64

	observersMu sync.RWMutex
	onRequest   []func(Event)
	onComplete  []func(Event)
	onTimeout   []func(Event)
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSerializers sets the registry used to decode responses.
func WithSerializers(r *codec.Registry) Option {
	return func(t *Tracker) {
		if r != nil {
			t.registry = r
		}
	}
}

// New creates a tracker that transmits through sender.
func New(cfg Config, sender Sender, log loggingpkg.ServiceLogger, opts ...Option) (*Tracker, error) {
	if sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	t := &Tracker{
		cfg:      cfg.WithDefaults(),
		log:      loggingpkg.Component(log, "outgoing"),
		sender:   sender,
		registry: codec.NewRegistry(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Start enables request processing once the response handler is registered.
func (t *Tracker) Start() error {
	if t.cfg.Response.IsEmpty() {
		return errspkg.ErrResponseRouteRequired
	}
	t.closed.Store(false)
	t.started.Store(true)
	return nil
}

// ResponseHeader is the header the tracker's Handle must be registered under.
func (t *Tracker) ResponseHeader() payload.Header {
	return t.cfg.Response.Header
}

// OnRequest registers an observer for each transmitted request.
func (t *Tracker) OnRequest(fn func(Event)) {
	t.addObserver(&t.onRequest, fn)
}

// OnComplete registers an observer for every completed request, whatever the outcome.
func (t *Tracker) OnComplete(fn func(Event)) {
	t.addObserver(&t.onComplete, fn)
}

// OnTimeout registers an observer for requests that expire.
func (t *Tracker) OnTimeout(fn func(Event)) {
	t.addObserver(&t.onTimeout, fn)
}

func (t *Tracker) addObserver(list *[]func(Event), fn func(Event)) {
	if fn == nil {
		return
	}
	t.observersMu.Lock()
	*list = append(*list, fn)
	t.observersMu.Unlock()
}

func (t *Tracker) notify(list *[]func(Event), ev Event) {
	t.observersMu.RLock()
	observers := *list
	t.observersMu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

func (t *Tracker) event(rec *Record, status int, at time.Time) Event {
	return Event{
		ID:      rec.ID,
		Header:  rec.Header,
		Start:   rec.Start,
		TTL:     rec.TTL,
		Elapsed: at.Sub(rec.Start),
		Status:  status,
		Async:   rec.Async,
	}
}

// TTL resolves the time-to-live of a request: the request's WaitTime, then
// the configured default timeout, then the policy default.
func (t *Tracker) TTL(settings *RequestSettings) time.Duration {
	if settings != nil && settings.WaitTime > 0 {
		return settings.WaitTime
	}
	if t.cfg.DefaultTimeout > 0 {
		return t.cfg.DefaultTimeout
	}
	return t.cfg.MaxProcessingTimeDefault
}

// Process sends rq to header and waits for the correlated response. A Go error
// is returned only for misconfiguration; every runtime outcome is a Response.
func Process[RQ, RS any](ctx context.Context, t *Tracker, header payload.Header, rq RQ, settings *RequestSettings) (Response[RS], error) {
	rec, failure, err := t.transmit(ctx, header, rq, settings, false)
	if err != nil {
		return Response[RS]{}, err
	}
	if failure != nil {
		return buildResponse[RS](t.registry, rec, *failure), nil
	}
	return buildResponse[RS](t.registry, rec, t.wait(ctx, rec)), nil
}

// ProcessAsync sends rq and returns at once with StatusAccepted. The request
// stays pending; its outcome is reported to OnComplete observers.
func ProcessAsync[RQ any](ctx context.Context, t *Tracker, header payload.Header, rq RQ, settings *RequestSettings) (Response[struct{}], error) {
	rec, failure, err := t.transmit(ctx, header, rq, settings, true)
	if err != nil {
		return Response[struct{}]{}, err
	}
	if failure != nil {
		return buildResponse[struct{}](t.registry, rec, *failure), nil
	}
	return Response[struct{}]{
		Status:            StatusAccepted,
		StatusDescription: StatusText(StatusAccepted),
		CorrelationID:     rec.ID,
	}, nil
}

func (t *Tracker) transmit(ctx context.Context, header payload.Header, rq any, settings *RequestSettings, async bool) (*Record, *outcome, error) {
	if !t.started.Load() || t.closed.Load() {
		return nil, nil, errspkg.ErrTrackerNotStarted
	}
	if t.cfg.Response.IsEmpty() {
		return nil, nil, errspkg.ErrResponseRouteRequired
	}
	if err := header.Validate(); err != nil {
		return nil, nil, err
	}
	if header.IsPartialKey() {
		return nil, nil, fmt.Errorf("%w: requests need a complete header", errspkg.ErrActionTypeRequired)
	}
	if settings == nil {
		settings = &RequestSettings{}
	}

	start := t.now()
	ttl := t.TTL(settings)
	id := idspkg.NormalizeCorrelationKey(settings.CorrelationID)
	if id == "" {
		id = idspkg.CreateULIDAt(start)
	}
	rec := &Record{ID: id, Header: header, Start: start, TTL: ttl, Async: async, done: make(chan outcome, 1)}

	body, contentType, err := codec.Encode(settings.Serializer, rq)
	if err != nil {
		return rec, &outcome{status: StatusDecodeError, description: err.Error(), at: start}, nil
	}

	msg := payload.NewMessage(header, body)
	msg.OriginatorKey = id
	msg.ContentType = contentType
	msg.ProcessCorrelationKey = settings.ProcessCorrelationKey
	msg.OriginatorServiceID = t.cfg.ServiceID
	msg.Response = t.cfg.Response
	msg.Metadata = settings.Metadata.Clone()
	if settings.Priority > 0 {
		msg.ChannelPriority = settings.Priority
	}
	rec.Payload = payload.New(msg,
		payload.WithMaxProcessingTime(ttl),
		payload.WithTrace(settings.Trace),
		payload.WithContext(ctx),
	)

	if _, loaded := t.pending.LoadOrStore(id, rec); loaded {
		return nil, nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateCorrelationID, id)
	}
	t.requests.Add(1)
	rec.Payload.Trace("outgoing", "transmit")

	if err := t.sender.Send(ctx, rec.Payload); err != nil {
		t.pending.CompareAndDelete(id, rec)
		t.transmitFailures.Add(1)
		t.log.Error("Outgoing request transmit failed", err, loggingpkg.LogFields{
			"correlation_id": id,
			"header":         header.Key(),
		})
		now := t.now()
		t.notify(&t.onComplete, t.event(rec, StatusTransmitFailure, now))
		return rec, &outcome{status: StatusTransmitFailure, description: err.Error(), at: now}, nil
	}
	t.notify(&t.onRequest, t.event(rec, 0, start))
	return rec, nil, nil
}

func (t *Tracker) wait(ctx context.Context, rec *Record) outcome {
	select {
	case out := <-rec.done:
		return out
	case <-ctx.Done():
		if t.pending.CompareAndDelete(rec.ID, rec) {
			t.cancelled.Add(1)
			now := t.now()
			t.notify(&t.onComplete, t.event(rec, StatusCancelled, now))
			return outcome{status: StatusCancelled, description: ctx.Err().Error(), at: now}
		}
		return <-rec.done
	}
}

// Handle completes the pending request a response correlates to. It has the
// dispatcher handler signature so it can be registered for ResponseHeader.
func (t *Tracker) Handle(_ context.Context, rs *payload.Payload, _ *payload.Responses) error {
	if rs == nil || rs.Message == nil {
		return errspkg.ErrPayloadRequired
	}
	key := idspkg.NormalizeCorrelationKey(rs.Message.CorrelationKey)
	value, ok := t.pending.LoadAndDelete(key)
	if !ok {
		t.unmatched.Add(1)
		t.log.Info("unmatched response", loggingpkg.LogFields{
			"correlation_id": key,
			"header":         rs.Header().Key(),
			"status":         rs.Message.Status,
		})
		return nil
	}
	rec := value.(*Record)
	now := t.now()
	t.responses.Add(1)
	rs.Trace("outgoing", "matched "+rec.ID)
	rec.complete(outcome{status: StatusOK, response: rs, at: now})
	t.notify(&t.onComplete, t.event(rec, StatusOK, now))
	return nil
}

// CheckTimeouts expires every request whose TTL has elapsed at now and
// returns how many expired.
func (t *Tracker) CheckTimeouts(now time.Time) int {
	expired := 0
	t.pending.Range(func(key, value any) bool {
		rec := value.(*Record)
		if now.Sub(rec.Start) <= rec.TTL {
			return true
		}
		if !t.pending.CompareAndDelete(key, rec) {
			return true
		}
		expired++
		t.timeouts.Add(1)
		rec.complete(outcome{status: StatusTimeout, at: now})
		ev := t.event(rec, StatusTimeout, now)
		t.log.Info("Outgoing request timed out", loggingpkg.LogFields{
			"correlation_id": rec.ID,
			"header":         rec.Header.Key(),
			"elapsed_ms":     ev.Elapsed.Milliseconds(),
		})
		t.notify(&t.onTimeout, ev)
		t.notify(&t.onComplete, ev)
		return true
	})
	return expired
}

// TimeoutSchedule returns the recurring schedule that runs CheckTimeouts.
func (t *Tracker) TimeoutSchedule() schedule.Schedule {
	return schedule.Schedule{
		Name:     "outgoing-timeouts",
		Interval: t.cfg.TimeoutPollInterval,
		Execute: func(_ context.Context, _ time.Time) error {
			t.CheckTimeouts(t.now())
			return nil
		},
	}
}

// Close cancels every pending request and rejects new ones.
func (t *Tracker) Close() {
	t.closed.Store(true)
	now := t.now()
	t.pending.Range(func(key, value any) bool {
		rec := value.(*Record)
		if t.pending.CompareAndDelete(key, rec) {
			t.cancelled.Add(1)
			rec.complete(outcome{status: StatusCancelled, description: "tracker closed", at: now})
			t.notify(&t.onComplete, t.event(rec, StatusCancelled, now))
		}
		return true
	})
}

// Pending returns the ids of requests awaiting a response.
func (t *Tracker) Pending() []string {
	var out []string
	t.pending.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	return out
}

// Stats returns the tracker counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Pending:          len(t.Pending()),
		Requests:         t.requests.Load(),
		Responses:        t.responses.Load(),
		Unmatched:        t.unmatched.Load(),
		Timeouts:         t.timeouts.Load(),
		Cancelled:        t.cancelled.Load(),
		TransmitFailures: t.transmitFailures.Load(),
	}
}
