package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hashicorp/go-hclog"

	"github.com/rzpsarthak13/schemakeeper/internal/config"
	"github.com/rzpsarthak13/schemakeeper/internal/core"
)

// DynamoDBAPI is the subset of the DynamoDB client the backend uses.
// *dynamodb.Client satisfies it.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBBackend stores snapshots as items of a table keyed by the string
// attribute "key", with the document in the binary attribute "value".
type DynamoDBBackend struct {
	client    DynamoDBAPI
	tableName string
	logger    hclog.Logger
}

// NewDynamoDBBackend creates a backend over an existing client.
func NewDynamoDBBackend(client DynamoDBAPI, tableName string, logger hclog.Logger) *DynamoDBBackend {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &DynamoDBBackend{client: client, tableName: tableName, logger: logger}
}

// NewDynamoDBClient builds a DynamoDB client from configuration and checks
// that the table exists.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Override credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	var clientOptions []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		// Custom endpoint (e.g., for LocalStack)
		clientOptions = append(clientOptions, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	client := dynamodb.NewFromConfig(awsCfg, clientOptions...)

	describeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := client.DescribeTable(describeCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(cfg.TableName),
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to DynamoDB table %s: %w", cfg.TableName, err)
	}
	return client, nil
}

// Get implements core.SnapshotBackend.
func (d *DynamoDBBackend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            d.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if result.Item == nil {
		return nil, fmt.Errorf("%w: %s", core.ErrKeyNotFound, key)
	}

	value, ok := result.Item["value"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, fmt.Errorf("invalid value format for key %s", key)
	}
	d.logger.Trace("GetItem", "key", key, "bytes", len(value.Value))
	return value.Value, nil
}

// SetIfAbsent implements core.SnapshotBackend with a conditional PutItem.
func (d *DynamoDBBackend) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item: map[string]types.AttributeValue{
			"key":        &types.AttributeValueMemberS{Value: key},
			"value":      &types.AttributeValueMemberB{Value: value},
			"created_at": &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression:      aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": "key"},
	})
	if err != nil {
		var conflict *types.ConditionalCheckFailedException
		if errors.As(err, &conflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	d.logger.Trace("PutItem", "key", key, "bytes", len(value))
	return true, nil
}

// Delete implements core.SnapshotBackend.
func (d *DynamoDBBackend) Delete(ctx context.Context, key string) error {
	if _, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       d.itemKey(key),
	}); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Keys implements core.SnapshotBackend with a paginated, filtered Scan.
func (d *DynamoDBBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(d.tableName),
		ProjectionExpression:     aws.String("#k"),
		FilterExpression:         aws.String("begins_with(#k, :prefix)"),
		ExpressionAttributeNames: map[string]string{"#k": "key"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	}

	var keys []string
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, item := range page.Items {
			if k, ok := item["key"].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
	}
	return keys, nil
}

// Close implements core.SnapshotBackend. The DynamoDB client holds no
// resources that need releasing.
func (d *DynamoDBBackend) Close() error { return nil }

func (d *DynamoDBBackend) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"key": &types.AttributeValueMemberS{Value: key},
	}
}

// DynamoDBBackendFactory creates DynamoDB backends.
type DynamoDBBackendFactory struct{}

func (f *DynamoDBBackendFactory) Type() string { return "dynamodb" }

// Validate validates the DynamoDB-specific configuration.
func (f *DynamoDBBackendFactory) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.Snapshots.DynamoDB.Region == "" {
		return fmt.Errorf("region is required for DynamoDB")
	}
	if cfg.Snapshots.DynamoDB.TableName == "" {
		return fmt.Errorf("table_name is required for DynamoDB")
	}
	if (cfg.Snapshots.DynamoDB.AccessKeyID == "") != (cfg.Snapshots.DynamoDB.SecretAccessKey == "") {
		return fmt.Errorf("access_key_id and secret_access_key must be set together")
	}
	return nil
}

func (f *DynamoDBBackendFactory) Create(ctx context.Context, cfg config.SnapshotConfig, logger hclog.Logger) (core.SnapshotBackend, error) {
	client, err := NewDynamoDBClient(ctx, cfg.DynamoDB)
	if err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB backend: %w", err)
	}
	return NewDynamoDBBackend(client, cfg.DynamoDB.TableName, logger), nil
}

func init() {
	RegisterFactory(&DynamoDBBackendFactory{})
}
