// Package nats is the core NATS transport. JetStream is switched off, so
// delivery is at-most-once and the receiver's redelivery accounting does not
// apply.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "nats"

// ConnectionName identifies flowrunner connections in NATS monitoring.
const ConnectionName = "flowrunner"

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func connectionOptions() []nc.Option {
	return []nc.Option{
		nc.Name(ConnectionName),
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
	}
}

// Build creates a NATS transport.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	marshaler := &wmnats.NATSMarshaler{}
	jetStream := wmnats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: connectionOptions(),
		Marshaler:   marshaler,
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:         url,
		NatsOptions: connectionOptions(),
		Unmarshaler: marshaler,
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
