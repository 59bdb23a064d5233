// Package transporttest holds fakes shared by the transport tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a field-backed transport.Config.
type Config struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	SQLiteFile         string
	PostgresURL        string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string      { return c.KafkaClientID }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetSQLiteFile() string         { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string        { return c.PostgresURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

// PubSub records publishes and closes.
type PubSub struct {
	mu        sync.Mutex
	Published map[string][]*message.Message
	Closed    int
}

func (p *PubSub) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Published == nil {
		p.Published = make(map[string][]*message.Message)
	}
	p.Published[topic] = append(p.Published[topic], msgs...)
	return nil
}

func (p *PubSub) Subscribe(ctx context.Context, _ string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed++
	return nil
}

// ClosedCount returns how often Close was called.
func (p *PubSub) ClosedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// PublishedTo returns a copy of what was published to topic.
func (p *PubSub) PublishedTo(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.Published[topic]...)
}
