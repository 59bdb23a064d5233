// Package aws is the SNS/SQS transport. Publishing goes to an SNS topic;
// each receiver topic gets an SQS queue of the same name subscribed to it.
// Setting an endpoint points both clients at LocalStack or another emulator.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/flowrunner/transport"
)

// TransportName is the PubSubSystem value selecting this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// ConfigLoader loads the SDK configuration. Tests replace it.
var ConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory builds topic ARNs. Tests replace it.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory creates the publisher. Tests replace it.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory creates the subscriber. Tests replace it.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// settings is what Build derives from transport.Config before touching the SDK.
type settings struct {
	region    string
	accountID string
	endpoint  *url.URL
}

// Build creates an SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	endpoint, err := parseEndpoint(cfg.GetAWSEndpoint())
	if err != nil {
		return transport.Transport{}, err
	}

	awsCfg, err := loadConfig(ctx, cfg, endpoint)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"region": cfg.GetAWSRegion()})
		return transport.Transport{}, err
	}

	s := settings{
		region:    awsCfg.Region,
		accountID: resolveAccountID(cfg.GetAWSAccountID(), endpoint != nil, logger),
		endpoint:  endpoint,
	}
	logger.Info("Creating AWS transport", watermill.LogFields{
		"region":          s.region,
		"account_id":      s.accountID,
		"custom_endpoint": endpoint != nil,
	})

	resolver, err := TopicResolverFactory(s.accountID, s.region)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("aws: create topic resolver: %w", err)
	}
	snsOpts, sqsOpts := endpointOptions(endpoint)

	publisher, err := PublisherFactory(sns.PublisherConfig{
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		TopicResolver: resolver,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: queueNameFromTopic,
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func loadConfig(ctx context.Context, cfg transport.Config, endpoint *url.URL) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if ak, sk := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}

	awsCfg, err := ConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if region != "" {
		awsCfg.Region = region
	}
	if endpoint != nil {
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}
	return awsCfg, nil
}

// resolveAccountID trims quoting from the configured id. Against an emulator
// an empty or malformed id becomes the LocalStack default.
func resolveAccountID(raw string, emulated bool, logger watermill.LoggerAdapter) string {
	id := strings.Trim(raw, "\"' ")
	if emulated && len(id) != awsAccountIDLength {
		logger.Info("Using LocalStack account id", watermill.LogFields{"configured": id})
		return localstackAccountID
	}
	return id
}

func parseEndpoint(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws: parse endpoint %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("aws: endpoint %q needs a scheme and host", raw)
	}
	return u, nil
}

func endpointOptions(endpoint *url.URL) ([]func(*amazonsns.Options), []func(*amazonsqs.Options)) {
	if endpoint == nil {
		return nil, nil
	}
	override := smithyendpoints.Endpoint{URI: *endpoint}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: override}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: override}),
		}
}

func queueNameFromTopic(_ context.Context, topicArn sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}
