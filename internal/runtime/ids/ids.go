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

// MessageID returns a time-sortable ULID. Queue transports and the directory
// listener stamp it on messages that arrive without an id.
func MessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// CorrelationID returns "<receiverName>-<uuid>".
func CorrelationID(receiverName string) string {
	return receiverName + "-" + uuid.NewString()
}

// HasReceiverPrefix reports whether id was produced by CorrelationID for the
// given receiver.
func HasReceiverPrefix(id, receiverName string) bool {
	return strings.HasPrefix(id, receiverName+"-")
}
