// Package kafka is the Kafka transport. Each receiver joins the configured
// consumer group and starts from the oldest uncommitted offset.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "kafka"

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a Kafka transport from the broker list, client id and
// consumer group in cfg.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	subSarama := kafka.DefaultSaramaSubscriberConfig()
	subSarama.Consumer.Offsets.Initial = sarama.OffsetOldest
	if id := cfg.GetKafkaClientID(); id != "" {
		pubSarama.ClientID = id
		subSarama.ClientID = id
	}

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             kafka.DefaultMarshaler{},
		OverwriteSaramaConfig: pubSarama,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           kafka.DefaultMarshaler{},
		ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
		OverwriteSaramaConfig: subSarama,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
