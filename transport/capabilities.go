package transport

// Capabilities describes what a transport backend supports. The receiver
// reads it to decide whether redelivery counting and transactional intake
// are available.
type Capabilities struct {
	Name string

	// SupportsDelay indicates the transport can natively delay message delivery.
	SupportsDelay bool
	// SupportsNativeDLQ indicates the transport keeps its own dead letter queue.
	SupportsNativeDLQ bool
	// SupportsOrdering indicates messages within a partition/stream arrive in order.
	SupportsOrdering bool
	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool
	SupportsAck     bool
	// SupportsNack indicates a rejected message is redelivered.
	SupportsNack bool
	// SupportsTransactions indicates polls and acknowledgements can join a
	// transaction carried in the context.
	SupportsTransactions bool
	// SupportsDeliveryCount indicates messages carry a redelivery counter.
	SupportsDeliveryCount bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether messages over the delivery limit must
// be routed to an error topic by the receiver.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets of the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                  "aws",
		SupportsDelay:         true,
		SupportsNativeDLQ:     true,
		SupportsOrdering:      true,
		SupportsTracing:       true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsDeliveryCount: true,
		MaxMessageSize:        262144,
	}

	SQLiteCapabilities = Capabilities{
		Name:                  "sqlite",
		SupportsDelay:         true,
		SupportsNativeDLQ:     true,
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTransactions:  true,
		SupportsDeliveryCount: true,
	}

	PostgresCapabilities = Capabilities{
		Name:                  "postgres",
		SupportsDelay:         true,
		SupportsNativeDLQ:     true,
		SupportsOrdering:      true,
		SupportsAck:           true,
		SupportsNack:          true,
		SupportsTransactions:  true,
		SupportsDeliveryCount: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name in
// the default registry.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
