package handlers

import (
	"fmt"

	"github.com/drblury/commandflow/internal/runtime/codec"
	loggingpkg "github.com/drblury/commandflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/commandflow/internal/runtime/metadata"
	"github.com/drblury/commandflow/internal/runtime/payload"
)

// MessageContextBase holds the envelope shared by every typed command context.
type MessageContextBase struct {
	Payload  *payload.Payload
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger

	serializer codec.Serializer
	responses  *payload.Responses
}

// CloneMetadata returns a copy of the request metadata so handlers can
// mutate headers for emitted payloads without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the key a reply to this request is correlated by.
func (b MessageContextBase) CorrelationID() string {
	if b.Payload == nil || b.Payload.Message == nil {
		return ""
	}
	return b.Payload.Message.OriginatorKey
}

// Emit encodes v with the command's serializer and queues it for route,
// alongside the command's own response.
func (b MessageContextBase) Emit(route payload.Route, v any) error {
	if route.IsEmpty() {
		return fmt.Errorf("commandflow: emit %T: route has no channel", v)
	}
	if err := route.Validate(); err != nil {
		return err
	}
	body, contentType, err := codec.Encode(b.serializer, v)
	if err != nil {
		return err
	}
	msg := payload.NewMessage(route.Header, body)
	msg.ChannelPriority = route.Priority
	msg.ContentType = contentType
	if b.Payload != nil && b.Payload.Message != nil {
		msg.ProcessCorrelationKey = b.Payload.Message.ProcessCorrelationKey
	}
	if b.responses != nil {
		b.responses.Add(payload.New(msg))
	}
	return nil
}

// Context is what a typed command receives: the decoded request plus its envelope.
type Context[RQ any] struct {
	MessageContextBase
	Request RQ
}
