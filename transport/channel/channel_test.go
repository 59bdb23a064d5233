package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrunner/transport"
	"github.com/drblury/flowrunner/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildPassesBufferedBlockingConfig(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	fake := &transporttest.PubSub{}
	var got gochannel.Config
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return fake, fake
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, nil)
	require.NoError(t, err)
	assert.Same(t, fake, tr.Publisher)
	assert.EqualValues(t, OutputBuffer, got.OutputChannelBuffer)
	assert.True(t, got.BlockPublishUntilSubscriberAck)
}

func TestBuildDeliversInMemory(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, "orders")
	require.NoError(t, err)

	go func() {
		_ = tr.Publisher.Publish("orders", message.NewMessage("1", []byte("hello")))
	}()

	select {
	case msg := <-msgs:
		assert.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
