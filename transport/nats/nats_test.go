package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrunner/transport"
	"github.com/drblury/flowrunner/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

	pub, sub := &transporttest.PubSub{}, &transporttest.PubSub{}
	var pubCfg wmnats.PublisherConfig
	var subCfg wmnats.SubscriberConfig
	PublisherFactory = func(cfg wmnats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return pub, nil
	}
	SubscriberFactory = func(cfg wmnats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		return sub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)

	assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
	assert.Equal(t, "nats://localhost:4222", subCfg.URL)
	assert.True(t, pubCfg.JetStream.Disabled)
	assert.True(t, subCfg.JetStream.Disabled)
	assert.Len(t, subCfg.NatsOptions, len(connectionOptions()))
}

func TestBuildFailures(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, nil)
	assert.ErrorContains(t, err, "url is required")

	origPub, origSub := PublisherFactory, SubscriberFactory
	defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

	pub := &transporttest.PubSub{}
	PublisherFactory = func(wmnats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(wmnats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}

	_, err = Build(context.Background(), &transporttest.Config{NATSURL: "nats://x"}, nil)
	assert.EqualError(t, err, "subscriber error")
	assert.Equal(t, 1, pub.ClosedCount())
}
