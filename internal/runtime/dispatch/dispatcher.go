// Package dispatch routes payloads to the command registered for their header.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// HandlerFunc processes a request payload and may add responses to rs.
type HandlerFunc func(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error

// ErrorHandlerFunc receives errors returned by a command handler. Returning nil
// marks the error as handled.
type ErrorHandlerFunc func(ctx context.Context, err error, rq *payload.Payload, rs *payload.Responses) error

// Middleware decorates the execution of every dispatched command.
type Middleware func(HandlerFunc) HandlerFunc

// Registration binds a header, exact or partial, to a handler.
type Registration struct {
	Name       string
	Key        payload.Header
	Handler    HandlerFunc
	DeadLetter HandlerFunc
	OnError    ErrorHandlerFunc
}

// CommandInfo describes a registered command.
type CommandInfo struct {
	Name          string         `json:"name"`
	Key           payload.Header `json:"key"`
	Wildcard      bool           `json:"wildcard"`
	HasDeadLetter bool           `json:"has_dead_letter"`
	HasOnError    bool           `json:"has_on_error"`
}

type command struct {
	info CommandInfo
	reg  Registration
}

func (c *command) execute(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
	handler := c.reg.Handler
	if rq.DeadLetter && c.reg.DeadLetter != nil {
		handler = c.reg.DeadLetter
	}
	err := handler(ctx, rq, rs)
	if err == nil || c.reg.OnError == nil {
		return err
	}
	return c.reg.OnError(ctx, err, rq, rs)
}

// ChangeKind tells observers whether a command was added or removed.
type ChangeKind int

const (
	CommandRegistered ChangeKind = iota
	CommandUnregistered
)

func (k ChangeKind) String() string {
	if k == CommandRegistered {
		return "registered"
	}
	return "unregistered"
}

// Change is delivered to observers after the handler table has been swapped.
type Change struct {
	Kind    ChangeKind
	Command CommandInfo
}

// Stats counts dispatch outcomes.
type Stats struct {
	Commands    int    `json:"commands"`
	Dispatched  uint64 `json:"dispatched"`
	Unresolved  uint64 `json:"unresolved"`
	Failed      uint64 `json:"failed"`
	DeadLetters uint64 `json:"dead_letters"`
}

// Dispatcher owns the handler table. Readers resolve against an immutable
// snapshot; registration mutations are serialised and swap the snapshot.
type Dispatcher struct {
	log loggingpkg.ServiceLogger

	mu    sync.Mutex
	table atomic.Pointer[[]*command]

	middlewares atomic.Pointer[[]Middleware]

	observersMu sync.RWMutex
	observers   map[int]func(Change)
	nextObsID   int

	dispatched  atomic.Uint64
	unresolved  atomic.Uint64
	failed      atomic.Uint64
	deadLetters atomic.Uint64
}

// New creates an empty dispatcher.
func New(log loggingpkg.ServiceLogger, middlewares ...Middleware) *Dispatcher {
	d := &Dispatcher{
		log:       loggingpkg.Component(log, "dispatcher"),
		observers: make(map[int]func(Change)),
	}
	empty := []*command{}
	d.table.Store(&empty)
	mws := append([]Middleware(nil), middlewares...)
	d.middlewares.Store(&mws)
	return d
}

// Use appends middlewares applied to every subsequent dispatch.
func (d *Dispatcher) Use(middlewares ...Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := *d.middlewares.Load()
	next := make([]Middleware, 0, len(current)+len(middlewares))
	next = append(next, current...)
	for _, mw := range middlewares {
		if mw != nil {
			next = append(next, mw)
		}
	}
	d.middlewares.Store(&next)
}

// Register adds a command. A partial key must carry a channel id, and each
// canonical key may be registered once.
func (d *Dispatcher) Register(reg Registration) error {
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := reg.Key.Validate(); err != nil {
		return err
	}
	if reg.Name == "" {
		reg.Name = reg.Key.String()
	}
	cmd := &command{
		reg: reg,
		info: CommandInfo{
			Name:          reg.Name,
			Key:           reg.Key,
			Wildcard:      reg.Key.IsPartialKey(),
			HasDeadLetter: reg.DeadLetter != nil,
			HasOnError:    reg.OnError != nil,
		},
	}

	d.mu.Lock()
	current := *d.table.Load()
	for _, existing := range current {
		if sameKey(existing.reg.Key, reg.Key) {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", errspkg.ErrDuplicateCommand, reg.Key)
		}
	}
	next := make([]*command, len(current), len(current)+1)
	copy(next, current)
	next = append(next, cmd)
	d.table.Store(&next)
	d.mu.Unlock()

	d.log.Debug("Command registered", loggingpkg.LogFields{"command": reg.Name, "key": reg.Key.String()})
	d.notify(Change{Kind: CommandRegistered, Command: cmd.info})
	return nil
}

// Unregister removes the command registered under key and reports whether one existed.
func (d *Dispatcher) Unregister(key payload.Header) bool {
	d.mu.Lock()
	current := *d.table.Load()
	idx := -1
	for i, existing := range current {
		if sameKey(existing.reg.Key, key) {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return false
	}
	removed := current[idx]
	next := make([]*command, 0, len(current)-1)
	next = append(next, current[:idx]...)
	next = append(next, current[idx+1:]...)
	d.table.Store(&next)
	d.mu.Unlock()

	d.log.Debug("Command unregistered", loggingpkg.LogFields{"command": removed.info.Name, "key": key.String()})
	d.notify(Change{Kind: CommandUnregistered, Command: removed.info})
	return true
}

func sameKey(a, b payload.Header) bool {
	if a.IsPartialKey() != b.IsPartialKey() {
		return false
	}
	if a.IsPartialKey() {
		return a.PartialKey() == b.PartialKey()
	}
	return a.Key() == b.Key()
}

// Resolve finds the command serving header. Exact keys are checked first in
// registration order, then partial keys in registration order, so the first
// registered overlapping wildcard wins. An exact key registered after an
// overlapping wildcard still takes precedence; a single pass over all keys in
// registration order would pick the wildcard instead.
func (d *Dispatcher) Resolve(header payload.Header) (CommandInfo, bool) {
	cmd := d.resolve(header)
	if cmd == nil {
		return CommandInfo{}, false
	}
	return cmd.info, true
}

func (d *Dispatcher) resolve(header payload.Header) *command {
	table := *d.table.Load()
	for _, cmd := range table {
		if !cmd.info.Wildcard && cmd.reg.Key.Equal(header) {
			return cmd
		}
	}
	for _, cmd := range table {
		if cmd.info.Wildcard && cmd.reg.Key.Matches(header) {
			return cmd
		}
	}
	return nil
}

// Supports reports whether a command is registered for header.
func (d *Dispatcher) Supports(header payload.Header) bool {
	return d.resolve(header) != nil
}

// Dispatch executes the command registered for rq's header. It returns a
// *errors.DispatchError when nothing matches; handler errors are returned
// unchanged unless the command has an error handler.
func (d *Dispatcher) Dispatch(ctx context.Context, rq *payload.Payload, rs *payload.Responses) error {
	if rq == nil || rq.Message == nil {
		return errspkg.ErrPayloadRequired
	}
	header := rq.Header()
	cmd := d.resolve(header)
	if cmd == nil {
		d.unresolved.Add(1)
		rq.Trace("dispatch", "unresolved")
		return &errspkg.DispatchError{Key: header.Key()}
	}
	if rs == nil {
		rs = &payload.Responses{}
	}

	d.dispatched.Add(1)
	if rq.DeadLetter {
		d.deadLetters.Add(1)
	}
	rq.Trace("dispatch", cmd.info.Name)

	handler := HandlerFunc(cmd.execute)
	mws := *d.middlewares.Load()
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}

	err := handler(withCommand(ctx, cmd.info), rq, rs)
	if err != nil {
		d.failed.Add(1)
	}
	return err
}

// Commands lists the registered commands in registration order.
func (d *Dispatcher) Commands() []CommandInfo {
	table := *d.table.Load()
	out := make([]CommandInfo, len(table))
	for i, cmd := range table {
		out[i] = cmd.info
	}
	return out
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Commands:    len(*d.table.Load()),
		Dispatched:  d.dispatched.Load(),
		Unresolved:  d.unresolved.Load(),
		Failed:      d.failed.Load(),
		DeadLetters: d.deadLetters.Load(),
	}
}

// OnChange registers an observer for registration changes. Observers run
// synchronously after each change. The returned function removes the observer.
func (d *Dispatcher) OnChange(fn func(Change)) func() {
	if fn == nil {
		return func() {}
	}
	d.observersMu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = fn
	d.observersMu.Unlock()

	return func() {
		d.observersMu.Lock()
		delete(d.observers, id)
		d.observersMu.Unlock()
	}
}

func (d *Dispatcher) notify(change Change) {
	d.observersMu.RLock()
	observers := make([]func(Change), 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	d.observersMu.RUnlock()

	for _, fn := range observers {
		d.safeNotify(fn, change)
	}
}

func (d *Dispatcher) safeNotify(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Command change observer panicked", fmt.Errorf("%v", r), loggingpkg.LogFields{
				"command": change.Command.Name,
				"change":  change.Kind.String(),
			})
		}
	}()
	fn(change)
}

type commandKey struct{}

func withCommand(ctx context.Context, info CommandInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, commandKey{}, info)
}

// CommandFromContext returns the command being dispatched, if any.
func CommandFromContext(ctx context.Context) (CommandInfo, bool) {
	if ctx == nil {
		return CommandInfo{}, false
	}
	info, ok := ctx.Value(commandKey{}).(CommandInfo)
	return info, ok
}
