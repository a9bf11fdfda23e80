package payload

import (
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/commandflow/internal/runtime/metadata"
)

// Topic returns the transport topic for a channel at a given priority.
func Topic(channelID string, priority int) string {
	return strings.ToLower(channelID) + ".p" + strconv.Itoa(priority)
}

// ToWatermill converts a payload into a Watermill message carrying the header
// fields as metadata.
func ToWatermill(p *Payload) *message.Message {
	msg := p.Message
	md := msg.Metadata.Clone()

	md[metadatapkg.KeyChannelID] = msg.ChannelID
	md.SetNonEmpty(metadatapkg.KeyMessageType, msg.MessageType)
	md.SetNonEmpty(metadatapkg.KeyActionType, msg.ActionType)
	md[metadatapkg.KeyChannelPriority] = strconv.Itoa(msg.ChannelPriority)
	md.SetNonEmpty(metadatapkg.KeyOriginatorKey, msg.OriginatorKey)
	md.SetNonEmpty(metadatapkg.KeyCorrelationKey, msg.CorrelationKey)
	md.SetNonEmpty(metadatapkg.KeyProcessCorrelation, msg.ProcessCorrelationKey)
	md.SetNonEmpty(metadatapkg.KeyOriginatorService, msg.OriginatorServiceID)
	md.SetNonEmpty(metadatapkg.KeyStatus, msg.Status)
	md.SetNonEmpty(metadatapkg.KeyStatusDescription, msg.StatusDescription)
	md.SetNonEmpty(metadatapkg.KeyContentType, msg.ContentType)
	if !msg.Response.IsEmpty() {
		md[metadatapkg.KeyResponseChannelID] = msg.Response.ChannelID
		md.SetNonEmpty(metadatapkg.KeyResponseMessage, msg.Response.MessageType)
		md.SetNonEmpty(metadatapkg.KeyResponseAction, msg.Response.ActionType)
		md[metadatapkg.KeyResponsePriority] = strconv.Itoa(msg.Response.Priority)
	}
	if p.MaxProcessingTime > 0 {
		md[metadatapkg.KeyMaxProcessingTime] = strconv.FormatInt(p.MaxProcessingTime.Milliseconds(), 10)
	}
	if !msg.EnqueuedAt.IsZero() {
		md[metadatapkg.KeyEnqueuedAt] = msg.EnqueuedAt.Format(time.RFC3339Nano)
	}
	if p.TraceEnabled {
		md[metadatapkg.KeyTraceEnabled] = "true"
	}

	wm := message.NewMessage(p.ID, msg.Body)
	wm.Metadata = metadatapkg.ToWatermill(md)
	return wm
}

// FromWatermill rebuilds a payload from a received Watermill message. The
// caller supplies the options that bind the completion signal to the
// transport acknowledgement.
func FromWatermill(wm *message.Message, opts ...Option) *Payload {
	md := metadatapkg.FromWatermill(wm.Metadata)
	msg := &Message{
		Header: Header{
			ChannelID:   md[metadatapkg.KeyChannelID],
			MessageType: md[metadatapkg.KeyMessageType],
			ActionType:  md[metadatapkg.KeyActionType],
		},
		ChannelPriority:       md.Int(metadatapkg.KeyChannelPriority, DefaultPriority),
		OriginatorKey:         md[metadatapkg.KeyOriginatorKey],
		CorrelationKey:        md[metadatapkg.KeyCorrelationKey],
		ProcessCorrelationKey: md[metadatapkg.KeyProcessCorrelation],
		OriginatorServiceID:   md[metadatapkg.KeyOriginatorService],
		Status:                md[metadatapkg.KeyStatus],
		StatusDescription:     md[metadatapkg.KeyStatusDescription],
		ContentType:           md[metadatapkg.KeyContentType],
		Body:                  wm.Payload,
		EnqueuedAt:            md.Time(metadatapkg.KeyEnqueuedAt),
		Metadata:              md,
	}
	if channel := md[metadatapkg.KeyResponseChannelID]; channel != "" {
		msg.Response = Route{
			Header: Header{
				ChannelID:   channel,
				MessageType: md[metadatapkg.KeyResponseMessage],
				ActionType:  md[metadatapkg.KeyResponseAction],
			},
			Priority: md.Int(metadatapkg.KeyResponsePriority, DefaultPriority),
		}
	}

	base := []Option{
		WithMaxProcessingTime(md.Duration(metadatapkg.KeyMaxProcessingTime)),
		WithTrace(md[metadatapkg.KeyTraceEnabled] == "true"),
	}
	p := New(msg, append(base, opts...)...)
	if wm.UUID != "" {
		p.ID = wm.UUID
	}
	return p
}
