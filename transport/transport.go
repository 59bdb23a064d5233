// Package transport is the registry of message transports a receiver can take
// its work from. Each transport (kafka, rabbitmq, aws, sqlite, ...) lives in
// its own sub-package and registers a Builder under its PubSubSystem name.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the subscriber and, when it is a different value, the publisher.
func (t Transport) Close() error {
	var err error
	if t.Subscriber != nil {
		err = t.Subscriber.Close()
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if pubErr := t.Publisher.Close(); err == nil {
			err = pubErr
		}
	}
	return err
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the part of the runtime configuration transports read. It lets a
// transport package stay independent of the config package.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetSQLiteFile() string
	GetPostgresURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by transports that keep their own dead letter queue.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister is implemented by transports that can list DLQ messages.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is a message parked in a dead letter queue.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// QueueIntrospector is implemented by transports that can report queue depth.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
