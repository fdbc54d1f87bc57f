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

	"github.com/drblury/flowbind/transport"
	"github.com/drblury/flowbind/transport/transporttest"
)

type stubs struct {
	pub        *transporttest.Publisher
	subConfigs []sns.SubscriberConfig
}

func stubFactories(t *testing.T, loadErr, pubErr, subErr error) *stubs {
	t.Helper()
	originalLoader := DefaultConfigLoader
	originalResolver := TopicResolverFactory
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		DefaultConfigLoader = originalLoader
		TopicResolverFactory = originalResolver
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})

	s := &stubs{pub: &transporttest.Publisher{}}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		if loadErr != nil {
			return aws.Config{}, loadErr
		}
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		if pubErr != nil {
			return nil, pubErr
		}
		return s.pub, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		s.subConfigs = append(s.subConfigs, cfg)
		if subErr != nil {
			return nil, subErr
		}
		return &transporttest.Subscriber{}, nil
	}
	return s
}

var testConfig = &transporttest.Config{
	PubSubSystem: "aws",
	AWSRegion:    "us-east-1",
	AWSAccountID: "123456789012",
}

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsAck)
	assert.False(t, caps.SupportsResumption())
	assert.Equal(t, transport.AWSCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	s := stubFactories(t, nil, nil, nil)

	tr, err := Build(context.Background(), testConfig, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, s.pub, tr.Publisher)
	require.NotNil(t, tr.Subscriber)
	require.NotNil(t, tr.SubscriberFor)
	assert.Equal(t, "orders-3", tr.TopicName("orders", 3))

	_, err = tr.SubscriberFor("audit")
	require.NoError(t, err)
	require.Len(t, s.subConfigs, 2)

	arn := sns.TopicArn("arn:aws:sns:us-east-1:123456789012:orders-3")
	name, err := s.subConfigs[1].GenerateSqsQueueName(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders-3-audit", name)
}

func TestBuildErrors(t *testing.T) {
	t.Run("config loader", func(t *testing.T) {
		stubFactories(t, errors.New("config error"), nil, nil)
		_, err := Build(context.Background(), testConfig, watermill.NopLogger{})
		assert.ErrorContains(t, err, "config error")
	})

	t.Run("publisher", func(t *testing.T) {
		stubFactories(t, nil, errors.New("publisher error"), nil)
		_, err := Build(context.Background(), testConfig, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		s := stubFactories(t, nil, nil, errors.New("subscriber error"))
		_, err := Build(context.Background(), testConfig, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, s.pub.Closed)
	})
}

func TestQueueName(t *testing.T) {
	arn := sns.TopicArn("arn:aws:sns:eu-west-1:123456789012:orders")

	name, err := QueueName("")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders", name)

	name, err = QueueName("orders.audit#1")(context.Background(), arn)
	require.NoError(t, err)
	assert.Equal(t, "orders-orders-audit-1", name)
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "123456789012", AWSRegion: "us-west-2"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("falls back to loaded region", func(t *testing.T) {
		cfg := &transporttest.Config{AWSAccountID: "'123456789012'"}
		accountID, region := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("localstack account when endpoint set", func(t *testing.T) {
		cfg := &transporttest.Config{AWSEndpoint: "http://localhost:4566"}
		accountID, _ := resolveAccountAndRegion(cfg, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("nil config", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(nil, watermill.NopLogger{}, "us-east-1")
		assert.Empty(t, accountID)
		assert.Equal(t, "us-east-1", region)
	})
}

func TestAwsEndpointURL(t *testing.T) {
	u, err := awsEndpointURL(nil)
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&transporttest.Config{})
	assert.NoError(t, err)
	assert.Nil(t, u)

	u, err = awsEndpointURL(&transporttest.Config{AWSEndpoint: "http://localhost:4566"})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4566", u.Host)

	_, err = awsEndpointURL(&transporttest.Config{AWSEndpoint: "://bad"})
	assert.Error(t, err)
}
