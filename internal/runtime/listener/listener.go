// Package listener holds the contracts between intake adapters and a
// receiver: the raw unit of work, the handler an adapter pushes into, and the
// pulling and pushing listener shapes.
package listener

import (
	"context"
	"time"

	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

// ExitState is the terminal state of one processed message.
type ExitState string

const (
	StateSuccess ExitState = "SUCCESS"
	StateError   ExitState = "ERROR"
)

// RawMessage is one unit of work handed over by an intake adapter.
type RawMessage struct {
	ID string
	// CorrelationID may be empty; the receiver then generates one.
	CorrelationID string
	Payload       []byte
	Metadata      metadata.Metadata
	// DeliveryCount is 1 on first delivery. Zero means the intake does not count.
	DeliveryCount int
	ReceivedAt    time.Time

	// Settle acknowledges (ok) or rejects the message towards the intake. It
	// is nil for intakes without acknowledgement.
	Settle func(ctx context.Context, ok bool) error
}

// Ack settles the message as done. It is a no-op without a Settle callback.
func (m *RawMessage) Ack(ctx context.Context) error {
	if m.Settle == nil {
		return nil
	}
	return m.Settle(ctx, true)
}

// Nack hands the message back to the intake for redelivery.
func (m *RawMessage) Nack(ctx context.Context) error {
	if m.Settle == nil {
		return nil
	}
	return m.Settle(ctx, false)
}

// Result is what the receiver answers for a message.
type Result struct {
	CorrelationID string
	Payload       string
	State         ExitState
	// Err carries the cause when State is ERROR.
	Err error
}

// OK reports whether the message was processed successfully.
func (r Result) OK() bool { return r.State == StateSuccess }

// Handler is what a receiver offers to pushing listeners.
type Handler interface {
	Handle(ctx context.Context, correlationID string, msg *RawMessage) Result
	// ReportPoll records that the intake finished a poll at t.
	ReportPoll(t time.Time)
}

// Listener is an intake adapter.
type Listener interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// PullingListener is polled by the receiver's container goroutines. Poll
// returns nil, nil when no message is available. When ctx carries a
// transaction, the intake performs its reads inside it.
type PullingListener interface {
	Listener
	Poll(ctx context.Context) (*RawMessage, error)
}

// PushingListener delivers messages itself by calling the handler.
type PushingListener interface {
	Listener
	SetHandler(h Handler)
}
