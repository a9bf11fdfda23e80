package runtime

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/commandflow/internal/runtime/config"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
	transportpkg "github.com/drblury/commandflow/internal/runtime/transport"
	"github.com/drblury/commandflow/transport"
	"github.com/drblury/commandflow/transport/transporttest"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry, including those of loggers derived with With.
type recordingLogger struct {
	mu   sync.Mutex
	logs []logEntry
}

func (r *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, logEntry{level: level, msg: msg, err: err, fields: maps.Clone(fields)})
}

func (r *recordingLogger) entries() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logEntry(nil), r.logs...)
}

func (r *recordingLogger) has(msg string) bool {
	for _, e := range r.entries() {
		if e.msg == msg {
			return true
		}
	}
	return false
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &scopedLogger{root: r, fields: maps.Clone(fields)}
}

func (r *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	r.record("debug", msg, nil, fields)
}
func (r *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	r.record("info", msg, nil, fields)
}
func (r *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	r.record("error", msg, err, fields)
}
func (r *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	r.record("trace", msg, nil, fields)
}

type scopedLogger struct {
	root   *recordingLogger
	fields loggingpkg.LogFields
}

func (s *scopedLogger) merge(fields loggingpkg.LogFields) loggingpkg.LogFields {
	out := maps.Clone(s.fields)
	if out == nil {
		out = loggingpkg.LogFields{}
	}
	maps.Copy(out, fields)
	return out
}

func (s *scopedLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	return &scopedLogger{root: s.root, fields: s.merge(fields)}
}
func (s *scopedLogger) Debug(msg string, fields loggingpkg.LogFields) {
	s.root.record("debug", msg, nil, s.merge(fields))
}
func (s *scopedLogger) Info(msg string, fields loggingpkg.LogFields) {
	s.root.record("info", msg, nil, s.merge(fields))
}
func (s *scopedLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	s.root.record("error", msg, err, s.merge(fields))
}
func (s *scopedLogger) Trace(msg string, fields loggingpkg.LogFields) {
	s.root.record("trace", msg, nil, s.merge(fields))
}

// testBus is the in-memory transport behind test services.
type testBus struct {
	pub *transporttest.Publisher
	sub *transporttest.Subscriber
}

func (b *testBus) factory() transportpkg.Factory {
	if b.pub == nil {
		b.pub = &transporttest.Publisher{}
	}
	if b.sub == nil {
		b.sub = &transporttest.Subscriber{}
	}
	return transportpkg.Static(b.transport())
}

func (b *testBus) transport() transport.Transport {
	return transport.Transport{Publisher: b.pub, Subscriber: b.sub, Classify: transport.DefaultClassify}
}

// deliver pushes p onto its channel topic as if a broker had delivered it.
func (b *testBus) deliver(p *payload.Payload) *message.Message {
	wm := payload.ToWatermill(p)
	b.sub.Deliver(payload.Topic(p.Message.ChannelID, p.Priority()), wm)
	return wm
}

// published decodes everything sent to channel at priority.
func (b *testBus) published(channel string, priority int) []*payload.Payload {
	var out []*payload.Payload
	for _, wm := range b.pub.Published(payload.Topic(channel, priority)) {
		out = append(out, payload.FromWatermill(wm))
	}
	return out
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName: "orders-service",
		ServiceID:   "svc-a",
		Listeners: []configpkg.ListenerConfig{
			{ChannelID: "orders", Priorities: []int{payload.DefaultPriority}},
		},
		Poll:  configpkg.PollConfig{Every: 5 * time.Millisecond},
		Retry: configpkg.RetryConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) (*Service, *testBus) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	bus := &testBus{pub: &transporttest.Publisher{}, sub: &transporttest.Subscriber{}}
	if deps.TransportFactory == nil {
		deps.TransportFactory = bus.factory()
	}
	svc, err := NewService(context.Background(), cfg, newTestLogger(), deps)
	require.NoError(t, err)
	return svc, bus
}

// runService starts svc in the background. The returned stop function cancels
// it and returns the Start result.
func runService(t *testing.T, svc *Service) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Ready():
	case err := <-done:
		cancel()
		require.FailNow(t, "service stopped during start", "%v", err)
	case <-time.After(5 * time.Second):
		cancel()
		require.FailNow(t, "service did not become ready")
	}

	var once sync.Once
	var result error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case result = <-done:
			case <-time.After(5 * time.Second):
				t.Error("service did not stop in time")
			}
		})
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func acked(wm *message.Message) bool {
	select {
	case <-wm.Acked():
		return true
	default:
		return false
	}
}

func nacked(wm *message.Message) bool {
	select {
	case <-wm.Nacked():
		return true
	default:
		return false
	}
}

func orderPayload(body string) *payload.Payload {
	return payload.New(payload.NewMessage(payload.NewHeader("orders", "order", "create"), []byte(body)))
}
