package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrunner/transport"
	"github.com/drblury/flowrunner/transport/transporttest"
)

func stubFactories(t *testing.T, pub, sub *transporttest.PubSub, subErr error) (*kafka.PublisherConfig, *kafka.SubscriberConfig) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})

	var pubCfg kafka.PublisherConfig
	var subCfg kafka.SubscriberConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfg = cfg
		if subErr != nil {
			return nil, subErr
		}
		return sub, nil
	}
	return &pubCfg, &subCfg
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuildConfiguresClients(t *testing.T) {
	pub, sub := &transporttest.PubSub{}, &transporttest.PubSub{}
	pubCfg, subCfg := stubFactories(t, pub, sub, nil)

	tr, err := Build(context.Background(), &transporttest.Config{
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaClientID:      "orders-receiver",
		KafkaConsumerGroup: "orders",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)

	assert.Equal(t, []string{"localhost:9092"}, pubCfg.Brokers)
	assert.Equal(t, "orders-receiver", pubCfg.OverwriteSaramaConfig.ClientID)
	assert.Equal(t, "orders", subCfg.ConsumerGroup)
	assert.Equal(t, "orders-receiver", subCfg.OverwriteSaramaConfig.ClientID)
	assert.Equal(t, sarama.OffsetOldest, subCfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
}

func TestBuildRequiresBrokers(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, nil)
	assert.ErrorContains(t, err, "at least one broker")
}

func TestBuildClosesPublisherWhenSubscriberFails(t *testing.T) {
	pub := &transporttest.PubSub{}
	stubFactories(t, pub, nil, errors.New("subscriber error"))

	_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
	assert.EqualError(t, err, "subscriber error")
	assert.Equal(t, 1, pub.ClosedCount())
}
