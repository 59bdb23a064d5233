// Package channel is the in-memory transport. Receivers on the same process
// share one gochannel pub/sub, which makes it the default for local runs and
// tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "channel"

// OutputBuffer is the per-subscription buffer of the in-memory pub/sub.
const OutputBuffer = 64

// Factory creates the pub/sub. Tests replace it.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates an in-memory transport. Publishing blocks until every
// subscriber acknowledged, so a nacked message is redelivered before the
// publisher moves on.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer:            OutputBuffer,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
