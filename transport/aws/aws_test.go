package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowrunner/transport"
	"github.com/drblury/flowrunner/transport/transporttest"
)

type captured struct {
	accountID, region string
	pubCfg            sns.PublisherConfig
	sqsCfg            sqs.SubscriberConfig
}

func stub(t *testing.T, pub, sub *transporttest.PubSub, subErr error) *captured {
	t.Helper()
	origLoader, origResolver, origPub, origSub := ConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		ConfigLoader, TopicResolverFactory, PublisherFactory, SubscriberFactory = origLoader, origResolver, origPub, origSub
	})

	c := &captured{}
	ConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{Region: "eu-central-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		c.accountID, c.region = accountID, region
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		c.pubCfg = cfg
		return pub, nil
	}
	SubscriberFactory = func(_ sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		c.sqsCfg = sqsCfg
		if subErr != nil {
			return nil, subErr
		}
		return sub, nil
	}
	return c
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuildAgainstAWS(t *testing.T) {
	pub, sub := &transporttest.PubSub{}, &transporttest.PubSub{}
	c := stub(t, pub, sub, nil)

	tr, err := Build(context.Background(), &transporttest.Config{
		AWSRegion:    "us-west-2",
		AWSAccountID: "'123456789012'",
	}, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)

	assert.Equal(t, "123456789012", c.accountID)
	assert.Equal(t, "us-west-2", c.region)
	assert.Nil(t, c.pubCfg.AWSConfig.BaseEndpoint)
	assert.Empty(t, c.pubCfg.OptFns)
}

func TestBuildAgainstEmulator(t *testing.T) {
	c := stub(t, &transporttest.PubSub{}, &transporttest.PubSub{}, nil)

	_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "http://localhost:4566"}, nil)
	require.NoError(t, err)

	assert.Equal(t, localstackAccountID, c.accountID)
	assert.Equal(t, "eu-central-1", c.region)
	require.NotNil(t, c.pubCfg.AWSConfig.BaseEndpoint)
	assert.Equal(t, "http://localhost:4566", *c.pubCfg.AWSConfig.BaseEndpoint)
	assert.Len(t, c.pubCfg.OptFns, 1)
	assert.Len(t, c.sqsCfg.OptFns, 1)
}

func TestBuildFailures(t *testing.T) {
	t.Run("bad endpoint", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{AWSEndpoint: "localhost"}, nil)
		assert.ErrorContains(t, err, "needs a scheme and host")
	})

	t.Run("config loader", func(t *testing.T) {
		stub(t, nil, nil, nil)
		ConfigLoader = func(context.Context, ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
			return aws.Config{}, errors.New("config error")
		}
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.EqualError(t, err, "config error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		pub := &transporttest.PubSub{}
		stub(t, pub, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), &transporttest.Config{AWSAccountID: "123456789012"}, nil)
		assert.EqualError(t, err, "subscriber error")
		assert.Equal(t, 1, pub.ClosedCount())
	})
}

func TestResolveAccountID(t *testing.T) {
	log := watermill.NopLogger{}
	assert.Equal(t, "123456789012", resolveAccountID(` "123456789012" `, false, log))
	assert.Equal(t, "abc", resolveAccountID("abc", false, log))
	assert.Equal(t, localstackAccountID, resolveAccountID("", true, log))
	assert.Equal(t, localstackAccountID, resolveAccountID("abc", true, log))
	assert.Equal(t, "123456789012", resolveAccountID("123456789012", true, log))
}

func TestQueueNameFromTopic(t *testing.T) {
	name, err := queueNameFromTopic(context.Background(), "arn:aws:sns:us-east-1:123456789012:orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", name)
}
