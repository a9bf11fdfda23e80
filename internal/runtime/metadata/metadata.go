package metadata

import (
	"strconv"
	"time"
)

// Metadata represents the transport headers carried alongside a payload body.
type Metadata map[string]string

// Reserved keys written by the runtime when a payload crosses the transport.
const (
	KeyChannelID          = "cf_channel_id"
	KeyMessageType        = "cf_message_type"
	KeyActionType         = "cf_action_type"
	KeyChannelPriority    = "cf_channel_priority"
	KeyOriginatorKey      = "cf_originator_key"
	KeyCorrelationKey     = "correlation_id"
	KeyProcessCorrelation = "cf_process_correlation_key"
	KeyOriginatorService  = "cf_originator_service"
	KeyResponseChannelID  = "cf_response_channel_id"
	KeyResponseMessage    = "cf_response_message_type"
	KeyResponseAction     = "cf_response_action_type"
	KeyResponsePriority   = "cf_response_priority"
	KeyStatus             = "cf_status"
	KeyStatusDescription  = "cf_status_description"
	KeyContentType        = "cf_content_type"
	KeyMaxProcessingTime  = "cf_max_processing_ms"
	KeyEnqueuedAt         = "cf_enqueued_at"
	KeyTraceEnabled       = "cf_trace"
	KeyTraceID            = "trace_id"
	KeySpanID             = "span_id"
)

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

// SetNonEmpty writes value under key when value is not empty.
func (m Metadata) SetNonEmpty(key, value string) {
	if value != "" {
		m[key] = value
	}
}

// Int parses the integer stored under key, returning fallback when absent or malformed.
func (m Metadata) Int(key string, fallback int) int {
	raw, ok := m[key]
	if !ok || raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// Duration reads a millisecond count stored under key.
func (m Metadata) Duration(key string) time.Duration {
	return time.Duration(m.Int(key, 0)) * time.Millisecond
}

// Time parses an RFC3339Nano timestamp stored under key.
func (m Metadata) Time(key string) time.Time {
	raw := m[key]
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
