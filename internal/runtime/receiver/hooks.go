package receiver

import (
	"time"

	"github.com/drblury/flowrunner/internal/runtime/logging"
	"github.com/drblury/flowrunner/internal/runtime/metadata"
)

// MessageContext describes one Handle call to hooks.
type MessageContext struct {
	Receiver      string
	CorrelationID string
	MessageID     string
	Metadata      metadata.Metadata
	DeliveryCount int
	StartedAt     time.Time
	// Duration is set for OnMessageDone and OnMessageError.
	Duration time.Duration
}

// Hooks are optional callbacks around every pipeline call. They run on the
// calling goroutine, so they must not block.
type Hooks struct {
	OnMessageStart func(MessageContext)
	OnMessageDone  func(MessageContext)
	OnMessageError func(MessageContext, error)
}

// Merge returns hooks calling h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnMessageStart: chain(h.OnMessageStart, other.OnMessageStart),
		OnMessageDone:  chain(h.OnMessageDone, other.OnMessageDone),
		OnMessageError: chainErr(h.OnMessageError, other.OnMessageError),
	}
}

func chain(a, b func(MessageContext)) func(MessageContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(mc MessageContext) {
		a(mc)
		b(mc)
	}
}

func chainErr(a, b func(MessageContext, error)) func(MessageContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(mc MessageContext, err error) {
		a(mc, err)
		b(mc, err)
	}
}

func (h Hooks) start(mc MessageContext) {
	if h.OnMessageStart != nil {
		h.OnMessageStart(mc)
	}
}

func (h Hooks) finish(mc MessageContext, err error) {
	if err != nil {
		if h.OnMessageError != nil {
			h.OnMessageError(mc, err)
		}
		return
	}
	if h.OnMessageDone != nil {
		h.OnMessageDone(mc)
	}
}

// LoggingHooks logs every message at trace level and failures at error level.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	return Hooks{
		OnMessageStart: func(mc MessageContext) {
			logger.Trace("Message started", logging.LogFields{
				"receiver":       mc.Receiver,
				"correlation_id": mc.CorrelationID,
				"message_id":     mc.MessageID,
				"delivery_count": mc.DeliveryCount,
			})
		},
		OnMessageDone: func(mc MessageContext) {
			logger.Trace("Message completed", logging.LogFields{
				"receiver":       mc.Receiver,
				"correlation_id": mc.CorrelationID,
				"duration_ms":    mc.Duration.Milliseconds(),
			})
		},
		OnMessageError: func(mc MessageContext, err error) {
			logger.Error("Message failed", err, logging.LogFields{
				"receiver":       mc.Receiver,
				"correlation_id": mc.CorrelationID,
				"message_id":     mc.MessageID,
				"delivery_count": mc.DeliveryCount,
				"duration_ms":    mc.Duration.Milliseconds(),
			})
		},
	}
}

// AlertingHooks calls alert for every failed message.
func AlertingHooks(alert func(MessageContext, error)) Hooks {
	return Hooks{OnMessageError: alert}
}
