package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/jguan/stagepipe/pkg/pipeline"
)

// DynamoAPI is the subset of the DynamoDB client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Error codes that no amount of retrying will fix.
const (
	codeValidation       = "ValidationException"
	codeResourceNotFound = "ResourceNotFoundException"
	codeAccessDenied     = "AccessDeniedException"
)

// runItem is the table layout. The document itself is kept as JSON so the
// item never drifts from the other backends.
type runItem struct {
	RunID     string `dynamodbav:"run_id"`
	Pipeline  string `dynamodbav:"pipeline"`
	OwnerID   string `dynamodbav:"owner_id,omitempty"`
	Status    string `dynamodbav:"status"`
	Revision  int64  `dynamodbav:"revision"`
	Document  string `dynamodbav:"document"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

// DynamoDBStore keeps run documents in a DynamoDB table keyed by run_id.
// Writes are conditional on the revision attribute.
type DynamoDBStore struct {
	api   DynamoAPI
	table string
}

type DynamoOption func(*dynamoConfig)

type dynamoConfig struct {
	region   string
	endpoint string
}

func WithDynamoRegion(region string) DynamoOption {
	return func(c *dynamoConfig) {
		c.region = region
	}
}

// WithDynamoEndpoint points the client at a local DynamoDB or LocalStack.
func WithDynamoEndpoint(endpoint string) DynamoOption {
	return func(c *dynamoConfig) {
		c.endpoint = endpoint
	}
}

// NewDynamoDBStore loads the default AWS configuration and returns a store
// backed by table.
func NewDynamoDBStore(ctx context.Context, table string, opts ...DynamoOption) (*DynamoDBStore, error) {
	if table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	dc := &dynamoConfig{}
	for _, opt := range opts {
		opt(dc)
	}

	var loadOpts []func(*config.LoadOptions) error
	if dc.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(dc.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if dc.endpoint != "" {
			o.BaseEndpoint = aws.String(dc.endpoint)
		}
	})
	return NewDynamoDBStoreWithAPI(client, table), nil
}

func NewDynamoDBStoreWithAPI(api DynamoAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{api: api, table: table}
}

func (s *DynamoDBStore) key(runID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"run_id": &types.AttributeValueMemberS{Value: runID},
	}
}

func (s *DynamoDBStore) Get(ctx context.Context, runID string) (*pipeline.Document, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(runID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapDynamoError("get run", err)
	}
	if len(out.Item) == 0 {
		return nil, pipeline.ErrRunNotFound
	}
	return itemToDocument(out.Item)
}

func (s *DynamoDBStore) Create(ctx context.Context, doc *pipeline.Document) error {
	item, err := documentToItem(doc)
	if err != nil {
		return err
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(run_id)"),
	})
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return pipeline.ErrRunAlreadyExists
	}
	return mapDynamoError("create run", err)
}

func (s *DynamoDBStore) PutIfRevision(ctx context.Context, doc *pipeline.Document, expected int64) error {
	if err := pipeline.CheckWrite(doc, expected); err != nil {
		return err
	}
	item, err := documentToItem(doc)
	if err != nil {
		return err
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(run_id) AND revision = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return pipeline.ErrRunNotFound
		}
		return pipeline.ErrRevisionConflict
	}
	return mapDynamoError("put run", err)
}

// ListActive scans for runs that are not terminal. DynamoDB has no ordering
// across partitions, so the page set is sorted client side before the limit.
func (s *DynamoDBStore) ListActive(ctx context.Context, limit int) ([]*pipeline.Document, error) {
	input := &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("#status <> :completed AND #status <> :failed"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(pipeline.RunStatusCompleted)},
			":failed":    &types.AttributeValueMemberS{Value: string(pipeline.RunStatusFailed)},
		},
		ConsistentRead: aws.Bool(true),
	}

	var docs []*pipeline.Document
	for {
		out, err := s.api.Scan(ctx, input)
		if err != nil {
			return nil, mapDynamoError("scan runs", err)
		}
		for _, item := range out.Items {
			doc, err := itemToDocument(item)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

func documentToItem(doc *pipeline.Document) (map[string]types.AttributeValue, error) {
	raw, err := encodeDocument(doc)
	if err != nil {
		return nil, err
	}
	item, err := attributevalue.MarshalMap(runItem{
		RunID:     doc.RunID,
		Pipeline:  doc.Pipeline,
		OwnerID:   doc.OwnerID,
		Status:    string(doc.Status),
		Revision:  doc.Revision,
		Document:  raw,
		UpdatedAt: doc.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run item: %w", err)
	}
	return item, nil
}

func itemToDocument(item map[string]types.AttributeValue) (*pipeline.Document, error) {
	var ri runItem
	if err := attributevalue.UnmarshalMap(item, &ri); err != nil {
		return nil, fmt.Errorf("unmarshal run item: %w", err)
	}
	doc, err := decodeDocument(ri.Document)
	if err != nil {
		return nil, err
	}
	if doc.Revision != ri.Revision {
		return nil, fmt.Errorf("run %s: item revision %d does not match document revision %d",
			ri.RunID, ri.Revision, doc.Revision)
	}
	return doc, nil
}

// mapDynamoError treats everything except request errors the caller has to fix
// as transient, so throttling and transport failures go through the store
// retry loop.
func mapDynamoError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case codeValidation, codeResourceNotFound, codeAccessDenied:
			return fmt.Errorf("%s: %s: %s", op, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
	}
	return pipeline.Unavailable(op, err)
}

var _ pipeline.SweepStore = (*DynamoDBStore)(nil)
