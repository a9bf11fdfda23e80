package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/transport/transporttest"
)

func subscribedListener(t *testing.T, maxDeliveryCount int) (*ListenerClient, *transporttest.Subscriber) {
	t.Helper()
	l := newListenerClient("orders.p1", "orders", 1, 8, maxDeliveryCount, newTestLogger())
	sub := &transporttest.Subscriber{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		l.Wait()
	})
	require.NoError(t, l.Subscribe(ctx, sub))
	return l, sub
}

func pullOne(t *testing.T, l *ListenerClient) *payload.Payload {
	t.Helper()
	var got []*payload.Payload
	require.Eventually(t, func() bool {
		got = l.Pull(1)
		return len(got) == 1
	}, time.Second, time.Millisecond)
	return got[0]
}

func TestListenerSubscribeRequiresSubscriber(t *testing.T) {
	l := newListenerClient("orders.p1", "orders", 1, 8, 3, nil)
	assert.ErrorIs(t, l.Subscribe(context.Background(), nil), errspkg.ErrSubscriberRequired)
}

func TestListenerConvertsAndAcksOnSuccess(t *testing.T) {
	l, sub := subscribedListener(t, 3)
	wm := payload.ToWatermill(orderPayload(`{"id":1}`))
	sub.Deliver("orders.p1", wm)

	p := pullOne(t, l)
	assert.Equal(t, "orders/order/create", p.Header().Key())
	assert.Equal(t, "orders.p1", p.Source)
	assert.Equal(t, 1, p.DeliveryCount)
	assert.False(t, p.DeadLetter)

	p.Signal(true)
	assert.True(t, acked(wm))
	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Acked)
}

func TestListenerFlagsDeadLetterAfterMaxDeliveries(t *testing.T) {
	l, sub := subscribedListener(t, 2)
	original := orderPayload("{}")

	var last *message.Message
	for attempt := 1; attempt <= 3; attempt++ {
		last = payload.ToWatermill(original)
		sub.Deliver("orders.p1", last)
		p := pullOne(t, l)
		assert.Equal(t, attempt, p.DeliveryCount)
		assert.Equal(t, attempt > 2, p.DeadLetter)
		p.Signal(false)
	}

	assert.True(t, acked(last), "dead letters are acknowledged even when their handler fails")
	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Nacked)
	assert.Equal(t, uint64(1), stats.DeadLetters)
}

func TestListenerWithoutDeliveryLimitLeavesDeadLettersToBroker(t *testing.T) {
	l, sub := subscribedListener(t, 0)
	original := orderPayload("{}")

	for range 5 {
		wm := payload.ToWatermill(original)
		sub.Deliver("orders.p1", wm)
		p := pullOne(t, l)
		assert.Equal(t, 1, p.DeliveryCount)
		assert.False(t, p.DeadLetter)
		p.Signal(false)
		assert.True(t, nacked(wm))
	}

	stats := l.Stats()
	assert.Equal(t, uint64(5), stats.Nacked)
	assert.Zero(t, stats.DeadLetters)
	l.deliveriesMu.Lock()
	defer l.deliveriesMu.Unlock()
	assert.Empty(t, l.deliveries)
}

func TestListenerPullRespectsMax(t *testing.T) {
	l, sub := subscribedListener(t, 3)
	for range 3 {
		sub.Deliver("orders.p1", payload.ToWatermill(orderPayload("{}")))
	}
	require.Eventually(t, func() bool { return l.Stats().Buffered == 3 }, time.Second, time.Millisecond)

	assert.Empty(t, l.Pull(0))
	assert.Len(t, l.Pull(2), 2)
	assert.Len(t, l.Pull(5), 1)
	assert.Empty(t, l.Pull(5))
}

func TestListenerDrainNacksBufferedPayloads(t *testing.T) {
	l, sub := subscribedListener(t, 3)
	wm := payload.ToWatermill(orderPayload("{}"))
	sub.Deliver("orders.p1", wm)
	require.Eventually(t, func() bool { return l.Stats().Buffered == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, l.Drain())
	assert.True(t, nacked(wm))
}

func TestListenerRedeliveryTrackingIsBounded(t *testing.T) {
	l := newListenerClient("orders.p1", "orders", 1, 1, 3, nil)
	for i := range deliveryTrackLimit + 10 {
		l.remember(payload.Topic("id", i))
	}
	assert.Len(t, l.deliveries, deliveryTrackLimit)
	assert.Len(t, l.order, deliveryTrackLimit)
	assert.Equal(t, 1, l.attempt(payload.Topic("id", 0)), "oldest ids are forgotten first")
}
