// Package ids generates the identifiers carried on the wire: correlation ids
// for requests and message ids for relayed events.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// HandshakeID is reserved for the remote side's "authorized" acknowledgement.
// Generated ids never collide with it.
const HandshakeID = "0"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// Generator produces collision-free ids for the lifetime of a connection.
type Generator func() string

// NewCorrelationID returns a time-sortable ULID used to match a request with
// its response.
func NewCorrelationID() string {
	return newULID()
}

// NewMessageID returns a ULID suitable for Watermill message UUIDs.
func NewMessageID() string {
	return newULID()
}

func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
