// Package aws provides the sqs transport on Amazon SQS. An address host of
// "aws" selects the regional AWS endpoint; any other host:port is used as a
// custom endpoint such as LocalStack. The queue name is the SQS queue.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/protobus/endpoint"
	"github.com/drblury/protobus/transport"
)

// TransportName is the scheme this transport owns.
const TransportName = "sqs"

// RegionalHost is the address host that selects the default AWS endpoint.
const RegionalHost = "aws"

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the SQS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQSCapabilities)
}

// Build loads the AWS config once and creates the SQS pub/sub factories.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.PubSub, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.PubSub{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region": awsCfg.Region,
	})

	return transport.PubSub{
		NewPublisher: func(dest endpoint.Address) (message.Publisher, error) {
			optFns, err := endpointOptions(dest)
			if err != nil {
				return nil, err
			}
			return PublisherFactory(sqs.PublisherConfig{
				AWSConfig: awsCfg,
				OptFns:    optFns,
			}, logger)
		},
		NewSubscriber: func(local endpoint.Address) (message.Subscriber, error) {
			optFns, err := endpointOptions(local)
			if err != nil {
				return nil, err
			}
			return SubscriberFactory(sqs.SubscriberConfig{
				AWSConfig: awsCfg,
				OptFns:    optFns,
			}, logger)
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQSCapabilities
}

func createAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg != nil {
		region := cfg.GetAWSRegion()
		accessKey := cfg.GetAWSAccessKeyID()
		secretKey := cfg.GetAWSSecretAccessKey()

		if region != "" {
			logger.Info("Setting AWS region from config", watermill.LogFields{"region": region})
			opts = append(opts, awsconfig.WithRegion(region))
		}
		if accessKey != "" && secretKey != "" {
			logger.Info("Using static AWS credentials from config", watermill.LogFields{})
			opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
		}
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		fields := watermill.LogFields{}
		if cfg != nil && cfg.GetAWSRegion() != "" {
			fields["requested_region"] = cfg.GetAWSRegion()
		}
		logger.Error("Failed to load AWS default config", err, fields)
		return aws.Config{}, err
	}

	// Ensure region is set even if the loader ignores options
	if cfg != nil && cfg.GetAWSRegion() != "" {
		awsCfg.Region = cfg.GetAWSRegion()
	}
	if awsCfg.Region == "" {
		return aws.Config{}, fmt.Errorf("sqs: AWS region is required")
	}

	return awsCfg, nil
}

// EndpointURL returns the custom endpoint for addr, or nil for the regional endpoint.
func EndpointURL(addr endpoint.Address) (*url.URL, error) {
	if strings.EqualFold(addr.Host, RegionalHost) {
		return nil, nil
	}
	parsed, err := url.Parse("http://" + addr.HostPort())
	if err != nil {
		return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
	}
	return parsed, nil
}

func endpointOptions(addr endpoint.Address) ([]func(*amazonsqs.Options), error) {
	u, err := EndpointURL(addr)
	if err != nil || u == nil {
		return nil, err
	}
	return []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{
				URI: *u,
			},
		}),
	}, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
