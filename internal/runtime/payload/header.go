package payload

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/commandflow/internal/runtime/errors"
)

const keySeparator = "/"

// Header identifies a command as {channel, message type, action type}.
// All comparisons are case-insensitive. A header without an action type is a
// partial key and matches every command whose canonical key starts with it.
type Header struct {
	ChannelID   string `json:"channel_id"`
	MessageType string `json:"message_type"`
	ActionType  string `json:"action_type"`
}

// NewHeader builds a header from its three parts.
func NewHeader(channelID, messageType, actionType string) Header {
	return Header{ChannelID: channelID, MessageType: messageType, ActionType: actionType}
}

// ParseHeader parses a canonical "channel/type/action" key. Trailing parts may
// be omitted to express a partial key.
func ParseHeader(key string) (Header, error) {
	parts := strings.Split(strings.Trim(key, keySeparator), keySeparator)
	if len(parts) == 0 || parts[0] == "" || len(parts) > 3 {
		return Header{}, fmt.Errorf("commandflow: invalid header key %q", key)
	}
	h := Header{ChannelID: parts[0]}
	if len(parts) > 1 {
		h.MessageType = parts[1]
	}
	if len(parts) > 2 {
		h.ActionType = parts[2]
	}
	return h, nil
}

// IsPartialKey reports whether the header is a channel-scoped wildcard.
func (h Header) IsPartialKey() bool {
	return h.ActionType == ""
}

// Validate enforces that a header, partial or not, carries a channel id.
func (h Header) Validate() error {
	if strings.TrimSpace(h.ChannelID) == "" {
		if h.IsPartialKey() {
			return errspkg.ErrWildcardChannelRequired
		}
		return errspkg.ErrChannelRequired
	}
	if !h.IsPartialKey() && h.MessageType == "" {
		return errspkg.ErrMessageTypeRequired
	}
	return nil
}

// Key returns the canonical lower-case key "channel/type/action".
func (h Header) Key() string {
	return strings.ToLower(h.ChannelID + keySeparator + h.MessageType + keySeparator + h.ActionType)
}

// PartialKey returns the prefix used when the header acts as a wildcard.
func (h Header) PartialKey() string {
	if h.MessageType == "" {
		return strings.ToLower(h.ChannelID + keySeparator)
	}
	return strings.ToLower(h.ChannelID + keySeparator + h.MessageType + keySeparator)
}

// Equal compares two headers case-insensitively.
func (h Header) Equal(other Header) bool {
	return strings.EqualFold(h.ChannelID, other.ChannelID) &&
		strings.EqualFold(h.MessageType, other.MessageType) &&
		strings.EqualFold(h.ActionType, other.ActionType)
}

// Matches reports whether a concrete header is served by h. Exact headers
// require equality, partial keys require a canonical-key prefix match.
func (h Header) Matches(concrete Header) bool {
	if h.IsPartialKey() {
		return strings.HasPrefix(concrete.Key(), h.PartialKey())
	}
	return h.Equal(concrete)
}

func (h Header) String() string {
	if h.IsPartialKey() {
		return h.PartialKey() + "*"
	}
	return h.Key()
}

// Route is a header plus the channel priority a message should be sent with.
type Route struct {
	Header
	Priority int `json:"priority"`
}

// IsEmpty reports whether the route has no destination.
func (r Route) IsEmpty() bool {
	return r.ChannelID == ""
}
