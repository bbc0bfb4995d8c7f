package aws

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// DefaultDynamoAttempts bounds SDK retries on the conditional writes. A
// throttled claim is better surfaced to the consumer, which dead-letters it,
// than retried for long inside one delivery.
const DefaultDynamoAttempts = 3

// AWSClients is the set of clients a binary talks to: the payment and ledger
// tables, the dead-letter queue and the metrics mirror.
type AWSClients struct {
	Region     string
	DynamoDB   DynamoDBAPI
	SQS        SQSAPI
	CloudWatch CloudWatchAPI
}

// ClientsOption tunes the clients built from a shared config.
type ClientsOption func(*clientsOptions)

type clientsOptions struct {
	dynamoAttempts int
}

// WithDynamoAttempts overrides DefaultDynamoAttempts.
func WithDynamoAttempts(n int) ClientsOption {
	return func(o *clientsOptions) { o.dynamoAttempts = n }
}

// NewAWSClients loads the shared SDK config from the environment and builds
// the clients from it.
func NewAWSClients(ctx context.Context, opts ...ClientsOption) (*AWSClients, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	return ClientsFromConfig(cfg, opts...), nil
}

// ClientsFromConfig builds the clients from an already loaded config.
func ClientsFromConfig(cfg sdkaws.Config, opts ...ClientsOption) *AWSClients {
	o := clientsOptions{dynamoAttempts: DefaultDynamoAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	return &AWSClients{
		Region: cfg.Region,
		DynamoDB: dynamodb.NewFromConfig(cfg, func(do *dynamodb.Options) {
			if o.dynamoAttempts > 0 {
				do.RetryMaxAttempts = o.dynamoAttempts
			}
		}),
		SQS:        sqs.NewFromConfig(cfg),
		CloudWatch: cloudwatch.NewFromConfig(cfg),
	}
}
