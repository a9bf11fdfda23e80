package masterjob

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// bus queues broadcasts and delivers them to every peer on flush, so tests
// control exactly when messages cross.
type bus struct {
	mu    sync.Mutex
	queue []*payload.Payload
	peers []*Coordinator
	sent  []Action
}

func (b *bus) Send(_ context.Context, p *payload.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, p)
	b.sent = append(b.sent, Action(p.Message.ActionType))
	return nil
}

func (b *bus) flush(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		b.mu.Lock()
		pending := b.queue
		b.queue = nil
		b.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, msg := range pending {
			for _, peer := range b.peers {
				require.NoError(t, peer.Handle(context.Background(), msg, nil))
			}
		}
	}
	t.Fatal("negotiation did not settle")
}

func (b *bus) drop() {
	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
}

func testConfig(serviceID string) Config {
	return Config{
		ServiceID:            serviceID,
		CommandName:          "billing-close",
		NegotiationChannelID: "masterjob",
		PollInterval:         time.Second,
	}
}

func newPeer(t *testing.T, b *bus, clock *testClock, serviceID string, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	c, err := New(testConfig(serviceID), b, nil, opts...)
	require.NoError(t, err)
	b.peers = append(b.peers, c)
	return c
}

func pollAll(t *testing.T, b *bus, peers ...*Coordinator) {
	t.Helper()
	for _, p := range peers {
		require.NoError(t, p.Poll(context.Background()))
	}
	b.flush(t)
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := Config{CommandName: "job", NegotiationChannelID: "mj"}.WithDefaults()
	assert.NotEmpty(t, cfg.ServiceID)
	assert.Equal(t, "job", cfg.NegotiationMessageType)
	assert.Equal(t, DefaultNegotiationPriority, cfg.NegotiationPriority)
	assert.Equal(t, 3*DefaultPollInterval, cfg.MasterExpiry)
	assert.NoError(t, cfg.Validate())

	_, err := New(Config{NegotiationChannelID: "mj"}, &bus{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerNameRequired)
	_, err = New(Config{CommandName: "job"}, &bus{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrChannelRequired)
	_, err = New(Config{CommandName: "job", NegotiationChannelID: "mj", PollInterval: time.Minute, MasterExpiry: time.Second}, &bus{}, nil)
	assert.ErrorContains(t, err, "master expiry")
	_, err = New(cfg, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrSenderRequired)
}

func TestSingleInstanceBecomesActive(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	d := dispatch.New(nil)
	c := newPeer(t, b, clock, "svc-a", WithRegistrar(d))

	master := payload.NewHeader("billing", "close", "run")
	require.NoError(t, c.AddCommand(dispatch.Registration{
		Key:     master,
		Handler: func(context.Context, *payload.Payload, *payload.Responses) error { return nil },
	}))
	var changes []StateChange
	c.OnStateChange(func(sc StateChange) { changes = append(changes, sc) })

	pollAll(t, b, c)
	assert.Equal(t, StateStarting, c.State(), "own whoismaster echo confirms comms")

	pollAll(t, b, c)
	assert.Equal(t, StateStarting, c.State(), "waits for master expiry")

	clock.Advance(3 * time.Second)
	pollAll(t, b, c)
	assert.Equal(t, StateStarting, c.State())
	assert.Contains(t, b.sent, ActionResyncMaster)

	for _, want := range []State{StateRequesting1, StateRequesting2, StateTakingControl, StateActive} {
		pollAll(t, b, c)
		assert.Equal(t, want, c.State())
	}
	assert.True(t, d.Supports(master))
	assert.Equal(t, "svc-a", c.Master())
	require.NotEmpty(t, changes)
	assert.Equal(t, StateActive, changes[len(changes)-1].To)

	c.Stop()
	assert.Equal(t, StateInactive, c.State())
	assert.False(t, d.Supports(master))
}

func TestTwoPeersCollidingInPhaseOneElectLowerID(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	a := newPeer(t, b, clock, "svc-a")
	z := newPeer(t, b, clock, "svc-z")

	pollAll(t, b, a, z)
	require.Equal(t, StateStarting, a.State())
	require.Equal(t, StateStarting, z.State())

	clock.Advance(3 * time.Second)
	pollAll(t, b, a, z)
	pollAll(t, b, a, z)

	assert.Equal(t, StateRequesting1, a.State())
	assert.Equal(t, StateStarting, z.State(), "higher id yields to a phase one collision")
	assert.Equal(t, []string{"svc-z"}, a.Stats().Standbys)

	for i := 0; i < 3; i++ {
		pollAll(t, b, a, z)
	}
	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, StateStarting, z.State())
	assert.Equal(t, "svc-a", z.Master())

	clock.Advance(2 * time.Second)
	pollAll(t, b, a, z)
	assert.Equal(t, StateStarting, z.State(), "heartbeats keep the standby quiet")
}

func TestPhaseTwoMessageBeatsPhaseOne(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	a := newPeer(t, b, clock, "svc-a")
	z := newPeer(t, b, clock, "svc-z")

	pollAll(t, b, a, z)
	clock.Advance(3 * time.Second)
	pollAll(t, b, a, z)

	// z reaches Requesting1 alone, then moves to phase two before a bids.
	require.NoError(t, z.Poll(context.Background()))
	b.drop()
	require.NoError(t, a.Poll(context.Background()))
	require.NoError(t, z.Poll(context.Background()))
	require.Equal(t, StateRequesting1, a.State())
	require.Equal(t, StateRequesting2, z.State())

	b.flush(t)
	assert.Equal(t, StateStarting, a.State(), "a yields to a peer already in phase two")
	assert.Equal(t, StateRequesting2, z.State())
}

func TestSplitBrainResolvesToLowerID(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	a := newPeer(t, b, clock, "svc-a")
	z := newPeer(t, b, clock, "svc-z")
	partition := func(peers ...*Coordinator) {
		for _, p := range peers {
			require.NoError(t, p.Poll(context.Background()))
			b.mu.Lock()
			queued := b.queue
			b.queue = nil
			b.mu.Unlock()
			for _, msg := range queued {
				require.NoError(t, p.Handle(context.Background(), msg, nil))
			}
		}
	}

	partition(a, z)
	clock.Advance(3 * time.Second)
	for i := 0; i < 6; i++ {
		partition(a, z)
	}
	require.Equal(t, StateActive, a.State())
	require.Equal(t, StateActive, z.State())

	pollAll(t, b, a, z)
	assert.Equal(t, StateActive, a.State())
	assert.Equal(t, StateStarting, z.State())
	assert.Equal(t, "svc-a", z.Master())
}

func TestActiveMasterAnswersNewcomers(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	a := newPeer(t, b, clock, "svc-a")
	pollAll(t, b, a)
	clock.Advance(3 * time.Second)
	for i := 0; i < 6; i++ {
		pollAll(t, b, a)
	}
	require.Equal(t, StateActive, a.State())

	newcomer := newPeer(t, b, clock, "svc-0")
	pollAll(t, b, newcomer)
	assert.Equal(t, StateStarting, newcomer.State())
	assert.Equal(t, "svc-a", newcomer.Master(), "whoismaster is answered with iammaster")

	clock.Advance(2 * time.Second)
	pollAll(t, b, newcomer, a)
	clock.Advance(2 * time.Second)
	pollAll(t, b, newcomer, a)
	assert.Equal(t, StateStarting, newcomer.State())
	assert.Equal(t, StateActive, a.State())
}

func TestMasterJobsRunOnlyWhileActive(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	c := newPeer(t, b, clock, "svc-a")
	runs := 0
	boom := errors.New("boom")
	require.NoError(t, c.AddJob(Job{Name: "close-books", Interval: 2 * time.Second, Execute: func(context.Context) error {
		runs++
		return boom
	}}))

	assert.ErrorIs(t, c.Execute(context.Background(), func(context.Context) error { return nil }), errspkg.ErrNotMaster)

	pollAll(t, b, c)
	clock.Advance(3 * time.Second)
	for i := 0; i < 6; i++ {
		pollAll(t, b, c)
	}
	require.Equal(t, StateActive, c.State())
	assert.Equal(t, 1, runs)

	pollAll(t, b, c)
	assert.Equal(t, 1, runs, "interval not yet elapsed")
	clock.Advance(2 * time.Second)
	pollAll(t, b, c)
	assert.Equal(t, 2, runs)

	stats := c.Stats()
	require.Len(t, stats.Jobs, 1)
	assert.Equal(t, uint64(2), stats.Jobs[0].Errors)
}

func TestDisableStopsNegotiation(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	c := newPeer(t, b, clock, "svc-a")

	c.Disable()
	pollAll(t, b, c)
	assert.Equal(t, StateDisabled, c.State())
	assert.Empty(t, b.sent)

	c.Enable()
	pollAll(t, b, c)
	assert.Equal(t, StateStarting, c.State())
}

func TestBroadcastsAreRateLimited(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	b := &bus{}
	cfg := testConfig("svc-a")
	cfg.BroadcastRate = 0.001
	cfg.BroadcastBurst = 1
	c, err := New(cfg, b, nil, WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, c.Poll(context.Background()))
	require.NoError(t, c.Poll(context.Background()))
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Broadcasts)
	assert.Equal(t, uint64(1), stats.Throttled)
}

func TestRegistrationAndSchedule(t *testing.T) {
	clock := &testClock{now: time.Unix(1000, 0)}
	c := newPeer(t, &bus{}, clock, "svc-a")

	reg := c.Registration()
	assert.True(t, reg.Key.IsPartialKey())
	assert.True(t, reg.Key.Matches(payload.NewHeader("masterjob", "billing-close", "iammaster")))

	s := c.PollSchedule()
	assert.Equal(t, time.Second, s.Interval)
	require.NoError(t, s.Execute(context.Background(), clock.Now()))
	assert.Equal(t, StateVerifyingComms, c.State())
}
