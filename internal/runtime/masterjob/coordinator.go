// Package masterjob elects a single active instance per command among peers
// that share a negotiation channel.
//
// Each instance walks Inactive → VerifyingComms → Starting and, once no master
// activity has been seen for MasterExpiry, bids for control through two
// request phases before taking control. Collisions are settled by yielding to
// the peer that reached a later phase first, or to the lexically lower service
// id when both are in the same phase. While Active the instance heartbeats,
// exposes its master-only commands and runs master jobs.
package masterjob

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/internal/runtime/schedule"
)

const (
	DefaultNegotiationPriority = 2
	DefaultPollInterval        = 5 * time.Second
	DefaultBroadcastBurst      = 10
)

// Config describes one elected command.
type Config struct {
	ServiceID              string        `yaml:"service_id"`
	CommandName            string        `yaml:"command"`
	NegotiationChannelID   string        `yaml:"channel"`
	NegotiationMessageType string        `yaml:"message_type"`
	NegotiationPriority    int           `yaml:"priority"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	MasterExpiry           time.Duration `yaml:"master_expiry"`
	BroadcastRate          float64       `yaml:"broadcast_rate"`
	BroadcastBurst         int           `yaml:"broadcast_burst"`
}

// WithDefaults fills zero values. MasterExpiry defaults to three poll intervals.
func (c Config) WithDefaults() Config {
	if c.ServiceID == "" {
		c.ServiceID = idspkg.NewServiceID()
	}
	if c.NegotiationMessageType == "" {
		c.NegotiationMessageType = c.CommandName
	}
	if c.NegotiationPriority <= 0 {
		c.NegotiationPriority = DefaultNegotiationPriority
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MasterExpiry <= 0 {
		c.MasterExpiry = 3 * c.PollInterval
	}
	if c.BroadcastBurst <= 0 {
		c.BroadcastBurst = DefaultBroadcastBurst
	}
	return c
}

// Validate checks the negotiation addressing.
func (c Config) Validate() error {
	if strings.TrimSpace(c.CommandName) == "" {
		return fmt.Errorf("%w: master job command", errspkg.ErrHandlerNameRequired)
	}
	if strings.TrimSpace(c.NegotiationChannelID) == "" {
		return fmt.Errorf("%w: master job negotiation channel", errspkg.ErrChannelRequired)
	}
	if c.MasterExpiry < c.PollInterval {
		return fmt.Errorf("commandflow: master expiry %s is shorter than the poll interval %s", c.MasterExpiry, c.PollInterval)
	}
	return nil
}

// Broadcaster publishes negotiation messages to every peer, this instance included.
type Broadcaster interface {
	Send(ctx context.Context, p *payload.Payload) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, p *payload.Payload) error

func (f BroadcasterFunc) Send(ctx context.Context, p *payload.Payload) error {
	return f(ctx, p)
}

// CommandRegistrar receives the master-only commands while the instance is Active.
type CommandRegistrar interface {
	Register(reg dispatch.Registration) error
	Unregister(key payload.Header) bool
}

// Job runs periodically, only while the instance is Active.
type Job struct {
	Name     string
	Interval time.Duration
	Execute  func(ctx context.Context) error
}

type jobState struct {
	Job
	lastRun time.Time
	runs    uint64
	errors  uint64
}

type effects struct {
	changes    []StateChange
	broadcasts []Action
	jobs       []*jobState
}

// Coordinator runs the election for one command.
type Coordinator struct {
	cfg       Config
	log       loggingpkg.ServiceLogger
	sender    Broadcaster
	registrar CommandRegistrar
	limiter   *rate.Limiter
	now       func() time.Time

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	resyncSent   bool
	master       string
	standbys     map[string]time.Time
	jobs         []*jobState
	commands     []dispatch.Registration
	registered   bool

	observersMu sync.RWMutex
	observers   []func(StateChange)

	broadcasts atomic.Uint64
	throttled  atomic.Uint64
	received   atomic.Uint64
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRegistrar sets where master-only commands are registered.
func WithRegistrar(r CommandRegistrar) Option {
	return func(c *Coordinator) { c.registrar = r }
}

// New creates a coordinator in the Inactive state.
func New(cfg Config, sender Broadcaster, log loggingpkg.ServiceLogger, opts ...Option) (*Coordinator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, errspkg.ErrSenderRequired
	}
	limit := rate.Inf
	if cfg.BroadcastRate > 0 {
		limit = rate.Limit(cfg.BroadcastRate)
	}
	c := &Coordinator{
		cfg:      cfg,
		log:      loggingpkg.Component(log, "masterjob").With(loggingpkg.LogFields{"command": cfg.CommandName, "service_id": cfg.ServiceID}),
		sender:   sender,
		limiter:  rate.NewLimiter(limit, cfg.BroadcastBurst),
		now:      time.Now,
		state:    StateInactive,
		standbys: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// State returns the current election state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsActive reports whether this instance is the master.
func (c *Coordinator) IsActive() bool {
	return c.State() == StateActive
}

// Master returns the service id of the last known master.
func (c *Coordinator) Master() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// OnStateChange registers an observer for state transitions.
func (c *Coordinator) OnStateChange(fn func(StateChange)) {
	if fn == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, fn)
	c.observersMu.Unlock()
}

// AddCommand adds a master-only command, registered while Active.
func (c *Coordinator) AddCommand(reg dispatch.Registration) error {
	if reg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if err := reg.Key.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.commands = append(c.commands, reg)
	active := c.registered
	c.mu.Unlock()
	if active && c.registrar != nil {
		return c.registrar.Register(reg)
	}
	return nil
}

// AddJob adds a function run every Interval while Active.
func (c *Coordinator) AddJob(job Job) error {
	if job.Execute == nil {
		return errspkg.ErrTaskRequired
	}
	if job.Interval <= 0 {
		job.Interval = c.cfg.PollInterval
	}
	c.mu.Lock()
	c.jobs = append(c.jobs, &jobState{Job: job})
	c.mu.Unlock()
	return nil
}

// Execute runs fn only when this instance is the master.
func (c *Coordinator) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.IsActive() {
		return errspkg.ErrNotMaster
	}
	return fn(ctx)
}

// Registration is the wildcard dispatcher registration that feeds negotiation
// messages into Handle.
func (c *Coordinator) Registration() dispatch.Registration {
	return dispatch.Registration{
		Name:    "masterjob:" + c.cfg.CommandName,
		Key:     payload.NewHeader(c.cfg.NegotiationChannelID, c.cfg.NegotiationMessageType, ""),
		Handler: c.Handle,
	}
}

// PollSchedule drives Poll on the configured interval.
func (c *Coordinator) PollSchedule() schedule.Schedule {
	return schedule.Schedule{
		Name:           "masterjob:" + c.cfg.CommandName,
		Interval:       c.cfg.PollInterval,
		RunImmediately: true,
		Execute: func(ctx context.Context, _ time.Time) error {
			return c.Poll(ctx)
		},
	}
}

// Poll advances the state machine by one step and, while Active, runs due jobs.
func (c *Coordinator) Poll(ctx context.Context) error {
	var fx effects
	c.mu.Lock()
	now := c.now()
	switch c.state {
	case StateDisabled:
	case StateInactive:
		c.transitionLocked(StateVerifyingComms, now, &fx)
		fx.broadcasts = append(fx.broadcasts, ActionWhoIsMaster)
	case StateVerifyingComms:
		fx.broadcasts = append(fx.broadcasts, ActionWhoIsMaster)
	case StateStarting:
		if now.Sub(c.lastActivity) < c.cfg.MasterExpiry {
			c.resyncSent = false
			break
		}
		if !c.resyncSent {
			c.resyncSent = true
			fx.broadcasts = append(fx.broadcasts, ActionResyncMaster)
			break
		}
		c.transitionLocked(StateRequesting1, now, &fx)
		fx.broadcasts = append(fx.broadcasts, ActionRequestingControl1)
	case StateRequesting1:
		c.transitionLocked(StateRequesting2, now, &fx)
		fx.broadcasts = append(fx.broadcasts, ActionRequestingControl2)
	case StateRequesting2:
		c.transitionLocked(StateTakingControl, now, &fx)
		fx.broadcasts = append(fx.broadcasts, ActionTakingControl)
	case StateTakingControl:
		c.master = c.cfg.ServiceID
		c.transitionLocked(StateActive, now, &fx)
		fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
	case StateActive:
		fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
		for _, job := range c.jobs {
			if job.lastRun.IsZero() || now.Sub(job.lastRun) >= job.Interval {
				job.lastRun = now
				fx.jobs = append(fx.jobs, job)
			}
		}
	}
	c.mu.Unlock()

	return c.apply(ctx, fx)
}

// Handle processes a negotiation message from any instance, including this one.
func (c *Coordinator) Handle(ctx context.Context, rq *payload.Payload, _ *payload.Responses) error {
	if rq == nil || rq.Message == nil {
		return errspkg.ErrPayloadRequired
	}
	action := Action(strings.ToLower(rq.Message.ActionType))
	peer := rq.Message.OriginatorServiceID

	var fx effects
	c.mu.Lock()
	now := c.now()
	self := c.cfg.ServiceID

	if c.state == StateDisabled {
		c.mu.Unlock()
		return nil
	}
	if peer == self {
		if action == ActionWhoIsMaster && c.state == StateVerifyingComms {
			c.lastActivity = now
			c.transitionLocked(StateStarting, now, &fx)
		}
		c.mu.Unlock()
		return c.apply(ctx, fx)
	}

	c.received.Add(1)
	if action.refreshesActivity() {
		c.lastActivity = now
	}

	switch action {
	case ActionWhoIsMaster, ActionResyncMaster:
		if c.state == StateActive {
			fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
		}
	case ActionIAmStandby:
		c.standbys[peer] = now
	case ActionRequestingControl1:
		switch c.state {
		case StateRequesting1:
			if peer < self {
				c.yieldLocked(now, &fx)
			}
		case StateActive:
			fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
		}
	case ActionRequestingControl2:
		switch c.state {
		case StateRequesting1:
			c.yieldLocked(now, &fx)
		case StateRequesting2:
			if peer < self {
				c.yieldLocked(now, &fx)
			}
		case StateActive:
			fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
		}
	case ActionTakingControl:
		switch c.state {
		case StateRequesting1, StateRequesting2:
			c.yieldLocked(now, &fx)
		case StateTakingControl:
			if peer < self {
				c.yieldLocked(now, &fx)
			}
		case StateActive:
			fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
		}
	case ActionIAmMaster:
		switch {
		case c.state.Negotiating():
			c.master = peer
			c.yieldLocked(now, &fx)
		case c.state == StateActive:
			if peer < self {
				c.log.Info("Another master is active, stepping down", loggingpkg.LogFields{"peer": peer})
				c.master = peer
				c.yieldLocked(now, &fx)
			} else {
				fx.broadcasts = append(fx.broadcasts, ActionIAmMaster)
			}
		default:
			c.master = peer
		}
	default:
		c.log.Debug("Unknown negotiation action", loggingpkg.LogFields{"action": string(action), "peer": peer})
	}
	c.mu.Unlock()

	return c.apply(ctx, fx)
}

// Stop returns the instance to Inactive and withdraws master commands.
func (c *Coordinator) Stop() {
	var fx effects
	c.mu.Lock()
	if c.state != StateDisabled {
		c.transitionLocked(StateInactive, c.now(), &fx)
	}
	c.mu.Unlock()
	_ = c.apply(context.Background(), fx)
}

// Disable takes the instance out of the election until Enable is called.
func (c *Coordinator) Disable() {
	var fx effects
	c.mu.Lock()
	c.transitionLocked(StateDisabled, c.now(), &fx)
	c.mu.Unlock()
	_ = c.apply(context.Background(), fx)
}

// Enable re-enters a disabled instance into the election.
func (c *Coordinator) Enable() {
	var fx effects
	c.mu.Lock()
	if c.state == StateDisabled {
		c.transitionLocked(StateInactive, c.now(), &fx)
	}
	c.mu.Unlock()
	_ = c.apply(context.Background(), fx)
}

func (c *Coordinator) yieldLocked(now time.Time, fx *effects) {
	c.lastActivity = now
	c.resyncSent = false
	c.transitionLocked(StateStarting, now, fx)
	fx.broadcasts = append(fx.broadcasts, ActionIAmStandby)
}

func (c *Coordinator) transitionLocked(to State, now time.Time, fx *effects) {
	if c.state == to {
		return
	}
	if to == StateStarting {
		c.resyncSent = false
	}
	if c.state == StateActive && c.master == c.cfg.ServiceID {
		c.master = ""
	}
	fx.changes = append(fx.changes, StateChange{
		Command: c.cfg.CommandName,
		From:    c.state,
		To:      to,
		At:      now,
		Master:  c.master,
	})
	c.state = to
}

func (c *Coordinator) apply(ctx context.Context, fx effects) error {
	for _, change := range fx.changes {
		c.log.Info("Master job state changed", loggingpkg.LogFields{
			"from": change.From.String(),
			"to":   change.To.String(),
		})
		if change.To == StateActive {
			c.registerCommands()
		} else if change.From == StateActive {
			c.unregisterCommands()
		}
		c.notify(change)
	}

	var errs []error
	for _, action := range fx.broadcasts {
		if err := c.broadcast(ctx, action); err != nil {
			errs = append(errs, err)
		}
	}
	for _, job := range fx.jobs {
		c.runJob(ctx, job)
	}
	if len(errs) > 0 {
		return fmt.Errorf("commandflow: master job broadcast failed: %w", errs[0])
	}
	return nil
}

func (c *Coordinator) broadcast(ctx context.Context, action Action) error {
	if !c.limiter.AllowN(c.now(), 1) {
		c.throttled.Add(1)
		c.log.Debug("Negotiation broadcast throttled", loggingpkg.LogFields{"action": string(action)})
		return nil
	}
	msg := payload.NewMessage(payload.NewHeader(c.cfg.NegotiationChannelID, c.cfg.NegotiationMessageType, string(action)), nil)
	msg.ChannelPriority = c.cfg.NegotiationPriority
	msg.OriginatorServiceID = c.cfg.ServiceID
	c.broadcasts.Add(1)
	return c.sender.Send(ctx, payload.New(msg, payload.WithInternal()))
}

func (c *Coordinator) runJob(ctx context.Context, job *jobState) {
	err := c.Execute(ctx, job.Execute)
	c.mu.Lock()
	job.runs++
	if err != nil {
		job.errors++
	}
	c.mu.Unlock()
	if err != nil {
		c.log.Error("Master job failed", err, loggingpkg.LogFields{"job": job.Name})
	}
}

func (c *Coordinator) registerCommands() {
	if c.registrar == nil {
		return
	}
	c.mu.Lock()
	commands := append([]dispatch.Registration(nil), c.commands...)
	c.registered = true
	c.mu.Unlock()
	for _, reg := range commands {
		if err := c.registrar.Register(reg); err != nil {
			c.log.Error("Master command registration failed", err, loggingpkg.LogFields{"key": reg.Key.String()})
		}
	}
}

func (c *Coordinator) unregisterCommands() {
	if c.registrar == nil {
		return
	}
	c.mu.Lock()
	commands := append([]dispatch.Registration(nil), c.commands...)
	c.registered = false
	c.mu.Unlock()
	for _, reg := range commands {
		c.registrar.Unregister(reg.Key)
	}
}

func (c *Coordinator) notify(change StateChange) {
	c.observersMu.RLock()
	observers := c.observers
	c.observersMu.RUnlock()
	for _, fn := range observers {
		fn(change)
	}
}

// JobStats describes one master job.
type JobStats struct {
	Name    string    `json:"name"`
	Runs    uint64    `json:"runs"`
	Errors  uint64    `json:"errors"`
	LastRun time.Time `json:"last_run,omitempty"`
}

// Stats is a diagnostic view of the election.
type Stats struct {
	Command      string     `json:"command"`
	ServiceID    string     `json:"service_id"`
	State        State      `json:"state"`
	StateName    string     `json:"state_name"`
	Master       string     `json:"master,omitempty"`
	Standbys     []string   `json:"standbys,omitempty"`
	LastActivity time.Time  `json:"last_activity,omitempty"`
	Broadcasts   uint64     `json:"broadcasts"`
	Throttled    uint64     `json:"throttled"`
	Received     uint64     `json:"received"`
	Jobs         []JobStats `json:"jobs,omitempty"`
}

// Stats returns the current election view.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{
		Command:      c.cfg.CommandName,
		ServiceID:    c.cfg.ServiceID,
		State:        c.state,
		StateName:    c.state.String(),
		Master:       c.master,
		LastActivity: c.lastActivity,
		Broadcasts:   c.broadcasts.Load(),
		Throttled:    c.throttled.Load(),
		Received:     c.received.Load(),
	}
	for id := range c.standbys {
		out.Standbys = append(out.Standbys, id)
	}
	slices.Sort(out.Standbys)
	for _, job := range c.jobs {
		out.Jobs = append(out.Jobs, JobStats{Name: job.Name, Runs: job.runs, Errors: job.errors, LastRun: job.lastRun})
	}
	return out
}
