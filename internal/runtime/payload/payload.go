// Package payload holds the envelope that carries a command through the
// runtime, from transport receipt through scheduling, dispatch and response.
package payload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/commandflow/internal/runtime/metadata"
)

// DefaultPriority is the channel priority assigned to ordinary data traffic.
const DefaultPriority = 1

// Message is the routable part of a payload.
type Message struct {
	Header

	ChannelPriority       int
	OriginatorKey         string
	CorrelationKey        string
	ProcessCorrelationKey string
	OriginatorServiceID   string
	Response              Route

	Status            string
	StatusDescription string

	ContentType string
	Body        []byte
	EnqueuedAt  time.Time
	Metadata    metadatapkg.Metadata
}

// NewMessage creates a message for header with a fresh originator key.
func NewMessage(header Header, body []byte) *Message {
	return &Message{
		Header:          header,
		ChannelPriority: DefaultPriority,
		OriginatorKey:   idspkg.CreateULID(),
		Body:            body,
		EnqueuedAt:      time.Now().UTC(),
	}
}

// ToResponse builds the reply to m, addressed to its response route and
// correlated through m's originator key.
func (m *Message) ToResponse() *Message {
	return &Message{
		Header:                m.Response.Header,
		ChannelPriority:       m.Response.Priority,
		OriginatorKey:         idspkg.CreateULID(),
		CorrelationKey:        m.OriginatorKey,
		ProcessCorrelationKey: m.ProcessCorrelationKey,
		EnqueuedAt:            time.Now().UTC(),
	}
}

// TraceEvent is one entry of a payload's trace log.
type TraceEvent struct {
	At      time.Time `json:"at"`
	Stage   string    `json:"stage"`
	Details string    `json:"details,omitempty"`
}

// Payload wraps a Message with the runtime state needed to process it.
type Payload struct {
	ID      string
	Message *Message

	Source            string
	MaxProcessingTime time.Duration
	Internal          bool
	DeadLetter        bool
	DeliveryCount     int
	TraceEnabled      bool
	Created           time.Time

	ctx    context.Context
	cancel context.CancelFunc

	signalOnce sync.Once
	signalled  atomic.Bool
	onSignal   func(success bool)

	traceMu sync.Mutex
	trace   []TraceEvent
}

// Option customises a payload at construction.
type Option func(*Payload)

// WithSource records the listener client that produced the payload.
func WithSource(source string) Option {
	return func(p *Payload) { p.Source = source }
}

// WithMaxProcessingTime bounds how long the payload may run before it is cancelled.
func WithMaxProcessingTime(d time.Duration) Option {
	return func(p *Payload) { p.MaxProcessingTime = d }
}

// WithSignal installs the completion callback, typically a transport ack/nack.
func WithSignal(fn func(success bool)) Option {
	return func(p *Payload) { p.onSignal = fn }
}

// WithTrace enables the per-payload trace log.
func WithTrace(enabled bool) Option {
	return func(p *Payload) { p.TraceEnabled = enabled }
}

// WithDeadLetter marks the payload for the dead-letter handler.
func WithDeadLetter(deadLetter bool) Option {
	return func(p *Payload) { p.DeadLetter = deadLetter }
}

// WithInternal marks a payload that originated inside this process.
func WithInternal() Option {
	return func(p *Payload) { p.Internal = true }
}

// WithContext derives the payload's cancellation signal from ctx.
func WithContext(ctx context.Context) Option {
	return func(p *Payload) {
		if ctx != nil {
			p.ctx = ctx
		}
	}
}

// New wraps msg into a payload.
func New(msg *Message, opts ...Option) *Payload {
	if msg == nil {
		msg = &Message{}
	}
	p := &Payload{
		ID:      idspkg.CreateULID(),
		Message: msg,
		Created: time.Now().UTC(),
		ctx:     context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.ctx, p.cancel = context.WithCancel(p.ctx)
	return p
}

// Header returns the payload's command header.
func (p *Payload) Header() Header {
	return p.Message.Header
}

// Priority returns the channel priority of the payload.
func (p *Payload) Priority() int {
	return p.Message.ChannelPriority
}

// Context carries the payload's cancellation signal.
func (p *Payload) Context() context.Context {
	return p.ctx
}

// Cancel raises the cancellation signal. Handlers observe it through Context.
func (p *Payload) Cancel() {
	p.cancel()
}

// Cancelled reports whether the cancellation signal has been raised.
func (p *Payload) Cancelled() bool {
	return p.ctx.Err() != nil
}

// Signal reports completion to the payload's source. Only the first call has
// an effect; it returns false for every later call.
func (p *Payload) Signal(success bool) bool {
	fired := false
	p.signalOnce.Do(func() {
		fired = true
		p.signalled.Store(true)
		p.Trace("signal", boolDetail(success))
		if p.onSignal != nil {
			p.onSignal(success)
		}
		p.cancel()
	})
	return fired
}

// Signalled reports whether Signal has been called.
func (p *Payload) Signalled() bool {
	return p.signalled.Load()
}

// Trace appends a stage to the trace log when tracing is enabled.
func (p *Payload) Trace(stage, details string) {
	if !p.TraceEnabled {
		return
	}
	p.traceMu.Lock()
	p.trace = append(p.trace, TraceEvent{At: time.Now().UTC(), Stage: stage, Details: details})
	p.traceMu.Unlock()
}

// TraceLog returns a copy of the trace log.
func (p *Payload) TraceLog() []TraceEvent {
	p.traceMu.Lock()
	defer p.traceMu.Unlock()
	out := make([]TraceEvent, len(p.trace))
	copy(out, p.trace)
	return out
}

// Reply creates a response payload addressed to the request's response route.
func (p *Payload) Reply(status string, body []byte, contentType string) *Payload {
	msg := p.Message.ToResponse()
	msg.Status = status
	msg.Body = body
	msg.ContentType = contentType
	return New(msg, WithTrace(p.TraceEnabled))
}

func boolDetail(v bool) string {
	if v {
		return "success"
	}
	return "failure"
}

// Responses accumulates the payloads a handler emits while processing a request.
type Responses struct {
	mu    sync.Mutex
	items []*Payload
}

// Add appends responses to the accumulator.
func (r *Responses) Add(items ...*Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if item != nil {
			r.items = append(r.items, item)
		}
	}
}

// Items returns the accumulated responses.
func (r *Responses) Items() []*Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Payload, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of accumulated responses.
func (r *Responses) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
