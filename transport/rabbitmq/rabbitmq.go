// Package rabbitmq is the AMQP transport. Topics map onto durable work
// queues, so the threads of a receiver compete for messages instead of each
// getting a copy.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "rabbitmq"

// ConnectionFactory opens the shared connection. Tests replace it.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection releases the connection when building fails halfway.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a RabbitMQ transport over one reconnecting connection.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	uri := cfg.GetRabbitMQURL()
	if uri == "" {
		return transport.Transport{}, errors.New("rabbitmq: url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	amqpConfig := amqp.NewDurableQueueConfig(uri)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
