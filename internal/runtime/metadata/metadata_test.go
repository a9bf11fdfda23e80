package metadata

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])

	var empty Metadata
	assert.NotNil(t, empty.Clone())
}

func TestWithAndSetNonEmpty(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	assert.NotContains(t, base, "baz")
	assert.Equal(t, "qux", enriched["baz"])

	enriched.SetNonEmpty("skip", "")
	enriched.SetNonEmpty("keep", "v")
	assert.NotContains(t, enriched, "skip")
	assert.Equal(t, "v", enriched["keep"])
}

func TestTypedAccessors(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	md := New(
		KeyChannelPriority, "2",
		KeyMaxProcessingTime, "1500",
		KeyEnqueuedAt, at.Format(time.RFC3339Nano),
		"bad", "x",
	)

	assert.Equal(t, 2, md.Int(KeyChannelPriority, 1))
	assert.Equal(t, 7, md.Int("bad", 7))
	assert.Equal(t, 7, md.Int("missing", 7))
	assert.Equal(t, 1500*time.Millisecond, md.Duration(KeyMaxProcessingTime))
	assert.True(t, at.Equal(md.Time(KeyEnqueuedAt)))
	assert.True(t, md.Time("bad").IsZero())
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	wm["source"] = "mutation"
	assert.Equal(t, "api", md["source"])

	assert.Empty(t, ToWatermill(nil))
	assert.NotNil(t, FromWatermill(nil))
	assert.Equal(t, "order", FromWatermill(message.Metadata{"event": "order"})["event"])
}
