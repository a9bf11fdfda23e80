package runtime

import (
	"context"
	"errors"

	"github.com/drblury/commandflow/internal/runtime/codec"
	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// internalSource tags payloads that never crossed the transport.
const internalSource = "internal"

// Send delivers p to its header's channel. With ExecuteInternalDirect set and
// a local command serving the header, the payload is handed straight to the
// local scheduler instead of the transport. Send satisfies outgoing.Sender.
func (s *Service) Send(ctx context.Context, p *payload.Payload) error {
	if p == nil || p.Message == nil {
		return errspkg.ErrPayloadRequired
	}
	if s.Conf.Scheduler.ExecuteInternalDirect && s.dispatcher.Supports(p.Header()) {
		return s.executeInternal(p)
	}
	return s.transmit(ctx, p)
}

// Publish encodes v and sends it to route without tracking a response.
func (s *Service) Publish(ctx context.Context, route payload.Route, v any, serializer codec.Serializer) error {
	if route.IsEmpty() {
		return errspkg.ErrChannelRequired
	}
	if err := route.Validate(); err != nil {
		return err
	}
	body, contentType, err := codec.Encode(serializer, v)
	if err != nil {
		return err
	}
	msg := payload.NewMessage(route.Header, body)
	msg.ContentType = contentType
	msg.OriginatorServiceID = s.Conf.ServiceID
	if route.Priority > 0 {
		msg.ChannelPriority = route.Priority
	}
	return s.Send(ctx, payload.New(msg))
}

// transmit publishes p on the topic of its channel and priority. Failures
// carry a *transport.TransmitError with the broker's classification.
func (s *Service) transmit(ctx context.Context, p *payload.Payload) error {
	if s.transport.Publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if p.Message.EnqueuedAt.IsZero() {
		p.Message.EnqueuedAt = s.now().UTC()
	}
	topic := payload.Topic(p.Message.ChannelID, p.Priority())
	wm := payload.ToWatermill(p)
	if ctx != nil {
		wm.SetContext(ctx)
	}
	p.Trace("transmit", topic)
	if err := s.transport.Transmit(topic, wm); err != nil {
		s.metrics.transmitFailed(topic, err)
		return err
	}
	s.metrics.transmitted(topic)
	return nil
}

// executeInternal submits a copy of p to the local scheduler. The copy gets
// its own completion signal and cancellation so the caller's payload is left
// untouched.
func (s *Service) executeInternal(p *payload.Payload) error {
	msg := *p.Message
	msg.Metadata = p.Message.Metadata.Clone()
	local := payload.New(&msg,
		payload.WithInternal(),
		payload.WithSource(internalSource),
		payload.WithMaxProcessingTime(p.MaxProcessingTime),
		payload.WithTrace(p.TraceEnabled),
	)
	local.Trace("internal", p.Header().Key())
	return s.submit(local)
}

// sendResponses forwards what a command produced. A failed send is logged and
// does not fail the command that produced it.
func (s *Service) sendResponses(ctx context.Context, rq *payload.Payload, rs *payload.Responses) {
	for _, out := range rs.Items() {
		if out.Message.OriginatorServiceID == "" {
			out.Message.OriginatorServiceID = s.Conf.ServiceID
		}
		err := s.Send(ctx, out)
		if err == nil {
			continue
		}
		fields := loggingpkg.LogFields{
			"request_id": rq.ID,
			"header":     out.Header().Key(),
		}
		if errors.Is(err, context.Canceled) {
			s.Logger.Debug("Response dropped after cancellation", fields)
			continue
		}
		s.Logger.Error("Failed to send response", err, fields)
	}
}
