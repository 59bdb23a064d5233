package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetSQLiteFile() string         { return "" }
func (m *mockConfig) GetPostgresURL() string        { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type closeCounter struct {
	mu     sync.Mutex
	closed int
	err    error
}

func (c *closeCounter) Publish(string, ...*message.Message) error { return nil }

func (c *closeCounter) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.err
}

func okBuilder(pubsub *closeCounter) Builder {
	return func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pubsub, Subscriber: pubsub}, nil
	}
}

func TestRegistryBuildsByName(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	pubsub := &closeCounter{}
	reg.RegisterWithCapabilities("Queue", okBuilder(pubsub), Capabilities{Name: "queue", SupportsTransactions: true})

	assert.True(t, reg.Has("queue"))
	assert.True(t, reg.Has("QUEUE"))
	assert.True(t, reg.GetCapabilities("queue").SupportsTransactions)

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "queue"}, nil)
	require.NoError(t, err)
	assert.Same(t, pubsub, tr.Publisher)
}

func TestRegistryDefaultsToChannel(t *testing.T) {
	reg := NewRegistry()
	pubsub := &closeCounter{}
	reg.Register("channel", okBuilder(pubsub))

	for _, name := range []string{"", "gochannel", "channel"} {
		tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: name}, nil)
		require.NoError(t, err, name)
		assert.Same(t, pubsub, tr.Subscriber, name)
	}
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	boom := errors.New("boom")
	reg.Register("b", okBuilder(&closeCounter{}))
	reg.Register("a", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, boom
	})

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "missing"}, nil)
	assert.ErrorContains(t, err, `unknown transport: "missing" (registered: [a b])`)

	_, err = reg.Build(context.Background(), &mockConfig{pubSubSystem: "a"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRegistryUnknownCapabilities(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
	assert.True(t, caps.RequiresDLQEmulation())
	assert.False(t, caps.SupportsReliableDelivery())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				reg.Register("shared", okBuilder(&closeCounter{}))
				reg.Has("shared")
				reg.Names()
				reg.GetCapabilities("shared")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"shared"}, reg.Names())
}

func TestPackageLevelRegistration(t *testing.T) {
	RegisterWithCapabilities("test-pkg-transport", okBuilder(&closeCounter{}), Capabilities{Name: "test-pkg-transport", SupportsDelay: true})
	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	assert.True(t, GetCapabilities("test-pkg-transport").SupportsDelay)

	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestTransportCloseClosesSharedPubSubOnce(t *testing.T) {
	shared := &closeCounter{}
	require.NoError(t, Transport{Publisher: shared, Subscriber: shared}.Close())
	assert.Equal(t, 1, shared.closed)

	pub := &closeCounter{err: errors.New("pub")}
	sub := &closeCounter{}
	err := Transport{Publisher: pub, Subscriber: sub}.Close()
	assert.EqualError(t, err, "pub")
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestBuiltInCapabilities(t *testing.T) {
	tests := []struct {
		caps         Capabilities
		reliable     bool
		emulateDLQ   bool
		transactions bool
	}{
		{ChannelCapabilities, true, true, false},
		{KafkaCapabilities, false, true, false},
		{RabbitMQCapabilities, true, false, false},
		{NATSCapabilities, false, true, false},
		{AWSCapabilities, true, false, false},
		{SQLiteCapabilities, true, false, true},
		{PostgresCapabilities, true, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.caps.Name, func(t *testing.T) {
			assert.Equal(t, tt.reliable, tt.caps.SupportsReliableDelivery())
			assert.Equal(t, tt.emulateDLQ, tt.caps.RequiresDLQEmulation())
			assert.Equal(t, tt.transactions, tt.caps.SupportsTransactions)
		})
	}
}

func TestRegisterKeepsCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("queue", okBuilder(&closeCounter{}), Capabilities{Name: "queue", SupportsDelay: true})

	replacement := &closeCounter{}
	reg.Register("queue", okBuilder(replacement))

	assert.True(t, reg.GetCapabilities("queue").SupportsDelay)
	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "queue"}, nil)
	require.NoError(t, err)
	assert.Same(t, replacement, tr.Publisher)
}

func TestBuildErrorNamesTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("dial failed")
	})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "BROKEN"}, nil)
	assert.EqualError(t, err, "build broken transport: dial failed")
}
