package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Dynamo is a Store backed by a single DynamoDB table.
//
// Table schema: partition key "path" (S); attributes "value" (B) and
// "version" (N). Compare-and-set is implemented with DynamoDB condition
// expressions on the version attribute.
type Dynamo struct {
	client *dynamodb.Client
	table  string
}

var _ Store = (*Dynamo)(nil)

type dynamoRecord struct {
	Path    string `dynamodbav:"path"`
	Value   []byte `dynamodbav:"value"`
	Version int64  `dynamodbav:"version"`
}

func NewDynamo(client *dynamodb.Client, table string) (*Dynamo, error) {
	if client == nil {
		return nil, errors.New("store: nil dynamodb client")
	}
	if table == "" {
		return nil, errors.New("store: empty table name")
	}
	return &Dynamo{client: client, table: table}, nil
}

// NewDynamoClient builds a DynamoDB client from the ambient AWS config
// (environment, shared credentials, instance role). endpoint overrides the
// service endpoint for local development against dynamodb-local.
func NewDynamoClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	return dynamodb.NewFromConfig(cfg, clientOpts...), nil
}

func (d *Dynamo) Get(ctx context.Context, key string) (Record, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            pathKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Record{}, unavailable("get", err)
	}
	if out.Item == nil {
		return Record{}, ErrKeyNotFound
	}

	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Record{}, fmt.Errorf("store: decode %q: %w", key, err)
	}
	return Record{Value: rec.Value, Version: rec.Version}, nil
}

func (d *Dynamo) Create(ctx context.Context, key string, value []byte) error {
	item, err := attributevalue.MarshalMap(dynamoRecord{Path: key, Value: value, Version: 1})
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#p)"),
		ExpressionAttributeNames: map[string]string{
			"#p": "path",
		},
	})
	if isConditionalCheckFailed(err) {
		return ErrKeyExists
	}
	if err != nil {
		return unavailable("create", err)
	}
	return nil
}

func (d *Dynamo) Put(ctx context.Context, key string, value []byte) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.table),
		Key:              pathKey(key),
		UpdateExpression: aws.String("SET #v = :value, version = if_not_exists(version, :zero) + :one"),
		ExpressionAttributeNames: map[string]string{
			"#v": "value",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value": &types.AttributeValueMemberB{Value: value},
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (d *Dynamo) CompareAndSwap(ctx context.Context, key string, value []byte, expectVersion int64) error {
	item, err := attributevalue.MarshalMap(dynamoRecord{Path: key, Value: value, Version: expectVersion + 1})
	if err != nil {
		return fmt.Errorf("store: encode %q: %w", key, err)
	}

	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(#p) AND version = :expect"),
		ExpressionAttributeNames: map[string]string{
			"#p": "path",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expect": &types.AttributeValueMemberN{Value: fmt.Sprint(expectVersion)},
		},
	})
	if isConditionalCheckFailed(err) {
		return d.disambiguate(ctx, key)
	}
	if err != nil {
		return unavailable("cas", err)
	}
	return nil
}

func (d *Dynamo) Delete(ctx context.Context, key string, expectVersion int64) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.table),
		Key:                 pathKey(key),
		ConditionExpression: aws.String("attribute_exists(#p) AND version = :expect"),
		ExpressionAttributeNames: map[string]string{
			"#p": "path",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expect": &types.AttributeValueMemberN{Value: fmt.Sprint(expectVersion)},
		},
	})
	if isConditionalCheckFailed(err) {
		return d.disambiguate(ctx, key)
	}
	if err != nil {
		return unavailable("delete", err)
	}
	return nil
}

func (d *Dynamo) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	paginator := dynamodb.NewScanPaginator(d.client, &dynamodb.ScanInput{
		TableName:            aws.String(d.table),
		ProjectionExpression: aws.String("#p"),
		FilterExpression:     aws.String("begins_with(#p, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#p": "path",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, unavailable("list", err)
		}
		for _, item := range page.Items {
			var rec dynamoRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, fmt.Errorf("store: decode list item: %w", err)
			}
			keys = append(keys, rec.Path)
		}
	}
	return keys, nil
}

// disambiguate maps a failed condition check to the precise sentinel: the key
// either disappeared (not found) or was rewritten concurrently (conflict).
func (d *Dynamo) disambiguate(ctx context.Context, key string) error {
	if _, err := d.Get(ctx, key); errors.Is(err, ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	return ErrVersionConflict
}

func pathKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"path": &types.AttributeValueMemberS{Value: key},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
