package session

import (
	"crypto/rand"

	"github.com/oklog/ulid/v2"
)

// NewID creates a session ID with a "sess_" prefix and a ULID body. The ULID
// carries a timestamp component, so IDs sort by creation time, and its
// entropy comes from crypto/rand.
func NewID() string {
	return "sess_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// NewCorrelationID creates an opaque correlation ID for pipeline tracing.
func NewCorrelationID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
