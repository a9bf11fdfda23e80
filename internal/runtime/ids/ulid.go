package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return CreateULIDAt(time.Now())
}

// CreateULIDAt returns a ULID stamped with the supplied time.
func CreateULIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(at), entropy)
	return id.String()
}

// NormalizeCorrelationKey returns the canonical form used to match responses
// to pending requests. Keys compare case-insensitively.
func NormalizeCorrelationKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// NewServiceID returns a random identifier for one running service instance.
func NewServiceID() string {
	return uuid.NewString()
}
