package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID. Event messages routed through the
// watermill pipeline use it as their message UUID.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewUUID returns a random UUIDv4 string. Envelope ids use it.
func NewUUID() string {
	return uuid.NewString()
}

// NewCorrelationID returns a fresh token used to match an RPC reply to its call.
func NewCorrelationID() string {
	return uuid.NewString()
}
