// Package metadata holds the string headers that travel with a message and
// the keys flowrunner reads and writes.
package metadata

import (
	"maps"
	"strconv"
	"time"
)

// Metadata is the header map of a message. A nil Metadata reads as empty.
type Metadata map[string]string

const (
	KeyCorrelationID = "correlation_id"
	// KeyDeliveryCount is 1 on first delivery.
	KeyDeliveryCount = "delivery_count"
	KeyExitState     = "exit_state"
	KeyReceiver      = "receiver"
	KeyErrorMessage  = "error_message"
	KeySourceFile    = "source_file"
	KeyPayloadSchema = "payload_schema"
	// KeyDelay holds a duration string; the SQL queues keep the message
	// invisible until it has passed.
	KeyDelay = "flowrunner_delay"
)

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

func (m Metadata) Get(key string) string {
	return m[key]
}

// Clone never returns nil.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// WithAll returns a copy of m overlaid with entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := make(Metadata, len(m)+len(entries))
	maps.Copy(out, m)
	maps.Copy(out, entries)
	return out
}

func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}

// DeliveryCount returns the recorded delivery count, or zero when it is
// absent or not a positive number.
func (m Metadata) DeliveryCount() int {
	n, err := strconv.Atoi(m[KeyDeliveryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Delay parses KeyDelay. Missing, malformed and negative values yield zero.
func (m Metadata) Delay() time.Duration {
	raw := m[KeyDelay]
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
