package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// deliveryTrackLimit bounds how many unacknowledged message ids a listener
// remembers for redelivery counting.
const deliveryTrackLimit = 4096

// ListenerStats is a diagnostic row for one listener client.
type ListenerStats struct {
	ID          string `json:"id"`
	Topic       string `json:"topic"`
	Buffered    int    `json:"buffered"`
	Received    uint64 `json:"received"`
	Acked       uint64 `json:"acked"`
	Nacked      uint64 `json:"nacked"`
	DeadLetters uint64 `json:"dead_letters"`
}

// ListenerClient buffers messages from one transport topic until the poll
// loop pulls them. A payload is acknowledged once its task completes and
// negatively acknowledged otherwise. With a positive maxDeliveryCount the
// listener counts redeliveries and flags payloads delivered more often as dead
// letters; with zero it leaves that to the broker.
type ListenerClient struct {
	id               string
	channelID        string
	priority         int
	topic            string
	maxDeliveryCount int
	log              loggingpkg.ServiceLogger

	buffer chan *payload.Payload

	deliveriesMu sync.Mutex
	deliveries   map[string]int
	order        []string

	received    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	deadLetters atomic.Uint64

	wg sync.WaitGroup
}

func newListenerClient(id, channelID string, priority, buffer, maxDeliveryCount int, log loggingpkg.ServiceLogger) *ListenerClient {
	if buffer <= 0 {
		buffer = 1
	}
	topic := payload.Topic(channelID, priority)
	return &ListenerClient{
		id:               id,
		channelID:        channelID,
		priority:         priority,
		topic:            topic,
		maxDeliveryCount: maxDeliveryCount,
		log:              loggingpkg.Component(log, "listener").With(loggingpkg.LogFields{"client": id, "topic": topic}),
		buffer:           make(chan *payload.Payload, buffer),
		deliveries:       make(map[string]int),
	}
}

// ID is the poll client id of the listener.
func (l *ListenerClient) ID() string { return l.id }

// Topic is the transport topic the listener consumes.
func (l *ListenerClient) Topic() string { return l.topic }

// Subscribe starts consuming the listener topic from sub. Messages are
// converted and buffered until ctx ends or the subscription closes.
func (l *ListenerClient) Subscribe(ctx context.Context, sub message.Subscriber) error {
	if sub == nil {
		return errspkg.ErrSubscriberRequired
	}
	messages, err := sub.Subscribe(ctx, l.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.topic, err)
	}
	l.wg.Add(1)
	go l.consume(ctx, messages)
	return nil
}

func (l *ListenerClient) consume(ctx context.Context, messages <-chan *message.Message) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case wm, ok := <-messages:
			if !ok {
				return
			}
			p := l.convert(ctx, wm)
			select {
			case l.buffer <- p:
			case <-ctx.Done():
				wm.Nack()
				return
			}
		}
	}
}

func (l *ListenerClient) convert(ctx context.Context, wm *message.Message) *payload.Payload {
	l.received.Add(1)
	attempt := l.attempt(wm.UUID)
	deadLetter := l.maxDeliveryCount > 0 && attempt > l.maxDeliveryCount

	msgCtx := wm.Context()
	if msgCtx == context.Background() {
		msgCtx = ctx
	}
	p := payload.FromWatermill(wm,
		payload.WithSource(l.id),
		payload.WithDeadLetter(deadLetter),
		payload.WithContext(msgCtx),
		payload.WithSignal(func(success bool) { l.settle(wm, success, deadLetter) }),
	)
	p.Message.ChannelPriority = l.priority
	p.DeliveryCount = attempt
	if deadLetter {
		l.deadLetters.Add(1)
		l.log.Info("Payload exceeded its delivery count", loggingpkg.LogFields{
			"payload_id":     p.ID,
			"header":         p.Header().Key(),
			"delivery_count": attempt,
		})
	}
	return p
}

// attempt returns the 1-based delivery attempt of the message id.
func (l *ListenerClient) attempt(id string) int {
	l.deliveriesMu.Lock()
	defer l.deliveriesMu.Unlock()
	return l.deliveries[id] + 1
}

// settle acknowledges the message. Dead letters are always acknowledged so
// they leave the topic whatever their handler returned.
func (l *ListenerClient) settle(wm *message.Message, success, deadLetter bool) {
	if success || deadLetter {
		l.forget(wm.UUID)
		l.acked.Add(1)
		wm.Ack()
		return
	}
	if l.maxDeliveryCount > 0 {
		l.remember(wm.UUID)
	}
	l.nacked.Add(1)
	wm.Nack()
}

func (l *ListenerClient) remember(id string) {
	l.deliveriesMu.Lock()
	defer l.deliveriesMu.Unlock()
	if _, known := l.deliveries[id]; !known {
		if len(l.order) >= deliveryTrackLimit {
			delete(l.deliveries, l.order[0])
			l.order = l.order[1:]
		}
		l.order = append(l.order, id)
	}
	l.deliveries[id]++
}

func (l *ListenerClient) forget(id string) {
	l.deliveriesMu.Lock()
	defer l.deliveriesMu.Unlock()
	if _, known := l.deliveries[id]; !known {
		return
	}
	delete(l.deliveries, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Pull returns up to max buffered payloads without blocking. An empty result
// is a normal outcome.
func (l *ListenerClient) Pull(max int) []*payload.Payload {
	if max <= 0 {
		return nil
	}
	out := make([]*payload.Payload, 0, min(max, len(l.buffer)))
	for len(out) < max {
		select {
		case p := <-l.buffer:
			out = append(out, p)
		default:
			return out
		}
	}
	return out
}

// Drain negatively acknowledges everything still buffered so the transport
// can redeliver it elsewhere.
func (l *ListenerClient) Drain() int {
	n := 0
	for {
		select {
		case p := <-l.buffer:
			p.Signal(false)
			n++
		default:
			return n
		}
	}
}

// Wait blocks until the consuming goroutine has returned.
func (l *ListenerClient) Wait() {
	l.wg.Wait()
}

// Stats returns the listener counters.
func (l *ListenerClient) Stats() ListenerStats {
	return ListenerStats{
		ID:          l.id,
		Topic:       l.topic,
		Buffered:    len(l.buffer),
		Received:    l.received.Load(),
		Acked:       l.acked.Load(),
		Nacked:      l.nacked.Load(),
		DeadLetters: l.deadLetters.Load(),
	}
}
