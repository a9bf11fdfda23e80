package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/commandflow/internal/runtime/codec"
	configpkg "github.com/drblury/commandflow/internal/runtime/config"
	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	idspkg "github.com/drblury/commandflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/masterjob"
	"github.com/drblury/commandflow/internal/runtime/outgoing"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/internal/runtime/poll"
	"github.com/drblury/commandflow/internal/runtime/schedule"
	"github.com/drblury/commandflow/internal/runtime/scheduler"
	transportpkg "github.com/drblury/commandflow/internal/runtime/transport"
	"github.com/drblury/commandflow/transport"
)

const (
	defaultResponseMessageType = "response"
	responseChannelPrefix      = "reply-"
	shutdownGracePeriod        = 10 * time.Second
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields zero to get the built-in behaviour.
type ServiceDependencies struct {
	TransportFactory          transportpkg.Factory
	ResourceSampler           scheduler.ResourceSampler
	ErrorClassifier           ErrorClassifier
	Serializers               *codec.Registry
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	JobHooks                  JobHooks
	SchedulerHooks            scheduler.Hooks
	Clock                     func() time.Time
}

// Service wires the transport, the poll coordinator, the task scheduler and
// the command dispatcher into one processing loop.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	capabilities transport.Capabilities

	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	poller     *poll.Coordinator
	tracker    *outgoing.Tracker
	runner     *schedule.Runner
	masters    []*masterjob.Coordinator

	listeners       []*ListenerClient
	listenerByID    map[string]*ListenerClient
	broadcastTopics map[string]bool

	statsMu sync.RWMutex
	stats   map[string]*CommandStats

	metrics         *Metrics
	resources       *resourceTracker
	errorClassifier ErrorClassifier
	now             func() time.Time

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	started  atomic.Bool
	ready    chan struct{}
	cancelMu sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// NewService constructs a Service for the supplied configuration. Register
// commands on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	cfg := conf.WithDefaults()
	if cfg.ServiceID == "" {
		cfg.ServiceID = idspkg.NewServiceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	log = loggingpkg.OrDiscard(log).With(loggingpkg.LogFields{
		"service":    cfg.ServiceName,
		"service_id": cfg.ServiceID,
	})
	log.Info("Creating command service", loggingpkg.LogFields{
		"pubsub_system": cfg.Transport.PubSubSystem,
		"config":        cfg.String(),
	})

	s := &Service{
		Conf:            &cfg,
		Logger:          log,
		listenerByID:    make(map[string]*ListenerClient),
		broadcastTopics: make(map[string]bool),
		stats:           make(map[string]*CommandStats),
		resources:       newResourceTracker(),
		ready:           make(chan struct{}),
		errorClassifier: deps.ErrorClassifier,
		now:             deps.Clock,
	}
	if s.errorClassifier == nil {
		s.errorClassifier = DefaultErrorClassifier
	}
	if s.now == nil {
		s.now = time.Now
	}

	if cfg.Metrics.Enabled {
		m, err := NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		s.metrics = m
	}

	if err := s.buildTransport(ctx, deps.TransportFactory); err != nil {
		return nil, err
	}
	if err := s.buildScheduler(deps); err != nil {
		return nil, s.abort(err)
	}

	s.dispatcher = dispatch.New(log)
	s.dispatcher.OnChange(func(change dispatch.Change) {
		if change.Kind == dispatch.CommandRegistered {
			s.commandStats(change.Command.Name)
		}
	})
	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, s.abort(err)
	}
	if hooks := deps.JobHooks; hooks.OnJobStart != nil || hooks.OnJobDone != nil || hooks.OnJobError != nil {
		s.dispatcher.Use(jobHooksMiddleware(hooks, s.now))
	}

	s.runner = schedule.NewRunner(log)
	if err := s.runner.Add(s.poller.ReprioritiseSchedule(cfg.Poll.ReprioritiseEvery)); err != nil {
		return nil, s.abort(err)
	}

	if err := s.buildTracker(deps.Serializers); err != nil {
		return nil, s.abort(err)
	}
	if err := s.buildListeners(); err != nil {
		return nil, s.abort(err)
	}
	if err := s.buildMasterJobs(); err != nil {
		return nil, s.abort(err)
	}

	s.StartWebUIServer()
	if s.metrics != nil {
		s.RegisterHTTPHandler(cfg.Metrics.Port, "/metrics", s.metrics.Handler())
	}
	return s, nil
}

func (s *Service) abort(err error) error {
	if cerr := s.transport.Close(); cerr != nil {
		s.Logger.Error("Failed to close transport", cerr, nil)
	}
	return err
}

func (s *Service) buildTransport(ctx context.Context, factory transportpkg.Factory) error {
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, s.Conf, s.Logger)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	if tr.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if tr.Subscriber == nil {
		return errspkg.ErrSubscriberRequired
	}
	s.transport = tr
	s.capabilities = tr.Capabilities
	if s.capabilities.Name == "" {
		s.capabilities = transportpkg.BuiltinCapabilities(s.Conf.Transport.PubSubSystem)
	}
	if tr, err = s.metrics.DecorateTransport(tr, s.Conf.Transport.PubSubSystem); err != nil {
		return s.abort(fmt.Errorf("decorate transport: %w", err))
	}
	s.transport = tr
	return nil
}

func (s *Service) buildScheduler(deps ServiceDependencies) error {
	sampler := deps.ResourceSampler
	if sampler == nil {
		sampler = s.resources
	}
	hooks := scheduler.LoggingHooks(s.Logger).
		Merge(s.metrics.SchedulerHooks()).
		Merge(deps.SchedulerHooks)

	sched, err := scheduler.New(s.Conf.Scheduler, s.Logger,
		scheduler.WithHooks(hooks),
		scheduler.WithResourceSampler(sampler),
		scheduler.WithClock(s.now),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	s.scheduler = sched

	poller, err := poll.New(sched, s.Logger, poll.WithClock(s.now))
	if err != nil {
		return fmt.Errorf("create poll coordinator: %w", err)
	}
	s.poller = poller
	return nil
}

// buildTracker wires outgoing requests. Without a configured response channel
// each instance gets its own reply channel so responses come back to the
// requester only.
func (s *Service) buildTracker(serializers *codec.Registry) error {
	out := &s.Conf.Outgoing
	if out.ResponseChannelID == "" {
		out.ResponseChannelID = responseChannelPrefix + s.Conf.ServiceID
		out.ResponseMessageType = defaultResponseMessageType
	}

	opts := []outgoing.Option{outgoing.WithClock(s.now)}
	if serializers != nil {
		opts = append(opts, outgoing.WithSerializers(serializers))
	}
	tracker, err := outgoing.New(s.Conf.OutgoingTracker(), outgoing.SenderFunc(s.Send), s.Logger, opts...)
	if err != nil {
		return fmt.Errorf("create outgoing tracker: %w", err)
	}
	s.tracker = tracker
	tracker.OnComplete(s.metrics.observeOutgoing)
	tracker.OnTimeout(s.metrics.observeOutgoing)
	tracker.OnTimeout(func(ev outgoing.Event) {
		s.Logger.Info("Outgoing request timed out", loggingpkg.LogFields{
			"request_id": ev.ID,
			"header":     ev.Header.Key(),
			"ttl_ms":     ev.TTL.Milliseconds(),
		})
	})

	if err := s.dispatcher.Register(dispatch.Registration{
		Name:    "outgoing:responses",
		Key:     tracker.ResponseHeader(),
		Handler: tracker.Handle,
	}); err != nil {
		return fmt.Errorf("register response handler: %w", err)
	}
	if _, err := s.addListener(out.ResponseChannelID, out.ResponsePriority, configpkg.ListenerConfig{
		Buffer:           configpkg.DefaultListenerBuffer,
		MaxDeliveryCount: configpkg.DefaultMaxDeliveryCount,
	}, false); err != nil {
		return err
	}
	return s.runner.Add(tracker.TimeoutSchedule())
}

func (s *Service) buildListeners() error {
	for _, lc := range s.Conf.Listeners {
		for _, priority := range lc.Priorities {
			if _, err := s.addListener(lc.ChannelID, priority, lc, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// addListener creates a listener client for channel at priority and registers
// it as a poll client. Broadcast listeners consume through the transport's
// fan-out subscriber and are shared per topic.
func (s *Service) addListener(channelID string, priority int, lc configpkg.ListenerConfig, broadcast bool) (*ListenerClient, error) {
	topic := payload.Topic(channelID, priority)
	if broadcast && s.broadcastTopics[topic] {
		for _, l := range s.listeners {
			if l.Topic() == topic {
				return l, nil
			}
		}
	}
	id := topic
	if broadcast {
		id = "broadcast:" + topic
	}
	if _, exists := s.listenerByID[id]; exists {
		return nil, fmt.Errorf("commandflow: listener %s is configured twice", id)
	}

	buffer := lc.Buffer
	if buffer <= 0 {
		buffer = configpkg.DefaultListenerBuffer
	}
	// Brokers with their own dead-letter handling get no redelivery tracking.
	maxDelivery := 0
	if s.capabilities.RequiresDLQEmulation() {
		maxDelivery = lc.MaxDeliveryCount
		if maxDelivery <= 0 {
			maxDelivery = configpkg.DefaultMaxDeliveryCount
		}
	}
	l := newListenerClient(id, channelID, priority, buffer, maxDelivery, s.Logger)
	if _, err := s.poller.Add(poll.ClientConfig{
		ID:                 id,
		ChannelID:          channelID,
		Priority:           priority,
		Weight:             lc.Weight,
		MaxBatch:           lc.MaxBatch,
		MaxAllowedPollWait: lc.MaxAllowedPollWait,
	}); err != nil {
		return nil, fmt.Errorf("add poll client %s: %w", id, err)
	}
	s.listeners = append(s.listeners, l)
	s.listenerByID[id] = l
	if broadcast {
		s.broadcastTopics[topic] = true
	}
	return l, nil
}

func (s *Service) buildMasterJobs() error {
	for _, mc := range s.Conf.MasterJobs {
		if mc.ServiceID == "" {
			mc.ServiceID = s.Conf.ServiceID
		}
		if _, err := s.addMasterJob(mc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) addMasterJob(mc masterjob.Config) (*masterjob.Coordinator, error) {
	coord, err := masterjob.New(mc, masterjob.BroadcasterFunc(s.transmit), s.Logger,
		masterjob.WithClock(s.now),
		masterjob.WithRegistrar(s.dispatcher),
	)
	if err != nil {
		return nil, fmt.Errorf("create master job %s: %w", mc.CommandName, err)
	}
	coord.OnStateChange(s.metrics.observeMasterState)
	coord.OnStateChange(func(change masterjob.StateChange) {
		s.Logger.Info("Master job state changed", loggingpkg.LogFields{
			"command": change.Command,
			"from":    change.From.String(),
			"to":      change.To.String(),
			"master":  change.Master,
		})
	})

	if err := s.dispatcher.Register(coord.Registration()); err != nil {
		return nil, fmt.Errorf("register master job %s: %w", mc.CommandName, err)
	}
	effective := coord.Config()
	if _, err := s.addListener(effective.NegotiationChannelID, effective.NegotiationPriority, configpkg.ListenerConfig{
		Buffer:           configpkg.DefaultListenerBuffer,
		MaxDeliveryCount: configpkg.DefaultMaxDeliveryCount,
	}, true); err != nil {
		return nil, err
	}
	if err := s.runner.Add(coord.PollSchedule()); err != nil {
		return nil, err
	}
	s.masters = append(s.masters, coord)
	return coord, nil
}

func (s *Service) master(commandName string) (*masterjob.Coordinator, bool) {
	for _, m := range s.masters {
		if m.Config().CommandName == commandName {
			return m, true
		}
	}
	return nil, false
}

// Start subscribes every listener, starts the scheduler and background
// schedules, and runs the poll loop until ctx is cancelled. It then shuts the
// service down and returns the shutdown error, if any.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("commandflow: service already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	if err := s.tracker.Start(); err != nil {
		return err
	}
	for _, l := range s.listeners {
		var sub message.Subscriber = s.transport.Subscriber
		if s.broadcastTopics[l.Topic()] {
			sub = s.transport.BroadcastSubscriber()
		}
		if err := l.Subscribe(ctx, sub); err != nil {
			cancel()
			return errors.Join(err, s.Shutdown())
		}
	}
	if err := s.transport.Subscribed(); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("wait for subscriptions: %w", err), s.Shutdown())
	}

	s.scheduler.Start(ctx)
	s.runner.Start(ctx)
	s.startHTTPServers()

	s.Logger.Info("Service started", loggingpkg.LogFields{
		"listeners":   len(s.listeners),
		"commands":    len(s.dispatcher.Commands()),
		"master_jobs": len(s.masters),
	})
	close(s.ready)
	s.pollLoop(ctx)
	return s.Shutdown()
}

// pollLoop asks the poll coordinator for clients with spare capacity and
// feeds their buffered payloads to the scheduler. It sleeps for Poll.Every
// whenever a full round moved no work.
func (s *Service) pollLoop(ctx context.Context) {
	idle := time.NewTimer(s.Conf.Poll.Every)
	defer idle.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		if s.PollOnce() > 0 {
			continue
		}
		idle.Reset(s.Conf.Poll.Every)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}

// PollOnce runs one poll round: first the overdue clients, then everyone
// else. It returns the number of payloads handed to the scheduler.
func (s *Service) PollOnce() int {
	total := 0
	for _, pastDueOnly := range []bool{true, false} {
		for h := range s.poller.TakeNext(pastDueOnly) {
			total += s.pollClient(h)
		}
	}
	return total
}

func (s *Service) pollClient(h *poll.ClientHandle) int {
	l, ok := s.listenerByID[h.ID]
	if !ok {
		s.poller.Release(h.ID, 0, fmt.Errorf("commandflow: unknown poll client %s", h.ID))
		return 0
	}
	items := l.Pull(h.Reserved())
	var err error
	for _, p := range items {
		if serr := s.submit(p); serr != nil {
			err = serr
		}
	}
	s.poller.Release(h.ID, len(items), err)
	return len(items)
}

// submit schedules p for execution. A payload the scheduler refuses is
// settled as failed so the transport can redeliver it.
func (s *Service) submit(p *payload.Payload) error {
	task := scheduler.NewTask(p.Priority(), p, func(ctx context.Context) error {
		return s.execute(ctx, p)
	})
	if err := s.scheduler.Submit(task); err != nil {
		p.Signal(false)
		s.Logger.Error("Failed to schedule payload", err, loggingpkg.LogFields{
			"payload_id": p.ID,
			"header":     p.Header().Key(),
		})
		return err
	}
	return nil
}

// execute dispatches p and sends whatever responses the command produced,
// even when it failed.
func (s *Service) execute(ctx context.Context, p *payload.Payload) error {
	rs := &payload.Responses{}
	err := s.dispatcher.Dispatch(ctx, p, rs)
	s.sendResponses(ctx, p, rs)
	return err
}

// Ready is closed once Start has subscribed every listener and the poll loop
// is about to run.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Shutdown stops polling, settles buffered payloads, waits for running tasks
// and closes the transport. It is safe to call more than once.
func (s *Service) Shutdown() error {
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancelMu.Unlock()
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown()
	})
	return s.stopErr
}

func (s *Service) shutdown() error {
	s.Logger.Info("Shutting down service", nil)
	var errs []error

	s.poller.Close()
	s.runner.Stop()
	for _, m := range s.masters {
		m.Stop()
	}
	for _, l := range s.listeners {
		l.Wait()
		if n := l.Drain(); n > 0 {
			s.Logger.Debug("Released buffered payloads", loggingpkg.LogFields{"client": l.ID(), "count": n})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := s.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	s.tracker.Close()
	errs = append(errs, s.stopHTTPServers(ctx))
	if err := s.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) commandStats(name string) *CommandStats {
	s.statsMu.RLock()
	stats, ok := s.stats[name]
	s.statsMu.RUnlock()
	if ok {
		return stats
	}
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if stats, ok = s.stats[name]; !ok {
		stats = newCommandStats()
		s.stats[name] = stats
	}
	return stats
}

// Metrics returns the Prometheus metrics of the service, or nil when metrics
// are disabled.
func (s *Service) Metrics() *Metrics {
	return s.metrics
}

// RegisterHTTPHandler mounts handler on the HTTP server listening on port.
// Servers are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP server %s: %w", srv.Addr, err))
		}
	}
	s.servers = nil
	return errors.Join(errs...)
}
