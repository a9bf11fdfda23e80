package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/commandflow/internal/runtime/codec"
	"github.com/drblury/commandflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	"github.com/drblury/commandflow/internal/runtime/payload"
	"github.com/drblury/commandflow/transport"
)

func TestPublishSendsToChannelPriorityTopic(t *testing.T) {
	svc, bus := newTestService(t, nil, ServiceDependencies{})
	route := payload.Route{Header: payload.NewHeader("billing", "invoice", "create"), Priority: 2}

	require.NoError(t, svc.Publish(context.Background(), route, map[string]int{"amount": 10}, codec.JSON{}))

	sent := bus.published("billing", 2)
	require.Len(t, sent, 1)
	assert.Equal(t, "billing/invoice/create", sent[0].Header().Key())
	assert.Equal(t, "svc-a", sent[0].Message.OriginatorServiceID)
	assert.Equal(t, codec.JSON{}.ContentType(), sent[0].Message.ContentType)
	assert.JSONEq(t, `{"amount":10}`, string(sent[0].Message.Body))
	assert.False(t, sent[0].Message.EnqueuedAt.IsZero())
}

func TestPublishValidatesRoute(t *testing.T) {
	svc, _ := newTestService(t, nil, ServiceDependencies{})

	err := svc.Publish(context.Background(), payload.Route{}, struct{}{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrChannelRequired)
}

func TestSendRejectsMissingPayload(t *testing.T) {
	svc, _ := newTestService(t, nil, ServiceDependencies{})

	assert.ErrorIs(t, svc.Send(context.Background(), nil), errspkg.ErrPayloadRequired)
	assert.ErrorIs(t, svc.Send(context.Background(), &payload.Payload{}), errspkg.ErrPayloadRequired)
}

func TestTransmitFailureCarriesClassification(t *testing.T) {
	svc, bus := newTestService(t, nil, ServiceDependencies{})
	bus.pub.Err = errors.New("broker unavailable")

	err := svc.Send(context.Background(), orderPayload("{}"))

	var te *transport.TransmitError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "orders.p1", te.Topic)
	assert.Equal(t, transport.ClassRetryable, te.Class)
}

func TestSendExecutesLocallyWhenInternalDirect(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.ExecuteInternalDirect = true
	svc, bus := newTestService(t, cfg, ServiceDependencies{})

	handled := make(chan *payload.Payload, 1)
	require.NoError(t, RegisterCommand(svc, dispatch.Registration{
		Name: "create-order",
		Key:  payload.NewHeader("orders", "order", "create"),
		Handler: func(_ context.Context, rq *payload.Payload, _ *payload.Responses) error {
			handled <- rq
			return nil
		},
	}))
	runService(t, svc)

	original := orderPayload(`{"id":7}`)
	require.NoError(t, svc.Send(context.Background(), original))

	select {
	case rq := <-handled:
		assert.Equal(t, internalSource, rq.Source)
		assert.NotEqual(t, original.ID, rq.ID, "local execution works on a copy")
		assert.JSONEq(t, `{"id":7}`, string(rq.Message.Body))
	case <-time.After(2 * time.Second):
		t.Fatal("command was not executed locally")
	}
	assert.Empty(t, bus.published("orders", payload.DefaultPriority))
	assert.False(t, original.Signalled())
}

func TestSendTransmitsUnknownHeadersEvenWhenInternalDirect(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.ExecuteInternalDirect = true
	svc, bus := newTestService(t, cfg, ServiceDependencies{})

	require.NoError(t, svc.Send(context.Background(), orderPayload("{}")))
	assert.Len(t, bus.published("orders", payload.DefaultPriority), 1)
}

func TestSendResponsesStampsOriginator(t *testing.T) {
	svc, bus := newTestService(t, nil, ServiceDependencies{})
	rq := orderPayload("{}")
	rq.Message.Response = payload.Route{Header: payload.NewHeader("replies", "order", ""), Priority: 3}

	rs := &payload.Responses{}
	rs.Add(rq.Reply("200", []byte(`{}`), codec.JSON{}.ContentType()))
	svc.sendResponses(context.Background(), rq, rs)

	sent := bus.published("replies", 3)
	require.Len(t, sent, 1)
	assert.Equal(t, "svc-a", sent[0].Message.OriginatorServiceID)
	assert.Equal(t, rq.Message.OriginatorKey, sent[0].Message.CorrelationKey)
	assert.Equal(t, "200", sent[0].Message.Status)
}

func TestSendResponsesLogsFailures(t *testing.T) {
	svc, bus := newTestService(t, nil, ServiceDependencies{})
	log := &recordingLogger{}
	svc.Logger = log
	bus.pub.Err = errors.New("broker unavailable")

	rq := orderPayload("{}")
	rq.Message.Response = payload.Route{Header: payload.NewHeader("replies", "order", ""), Priority: 1}
	rs := &payload.Responses{}
	rs.Add(rq.Reply("200", nil, ""))

	svc.sendResponses(context.Background(), rq, rs)
	assert.True(t, log.has("Failed to send response"))
}
