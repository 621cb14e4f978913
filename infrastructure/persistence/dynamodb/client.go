// Package dynamodb stores the similarity graph and reads profiles from
// DynamoDB.
package dynamodb

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	pkgerrors "resonance-backend/pkg/errors"
)

// API is the subset of the DynamoDB client the adapters use.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// NewClient loads the default AWS configuration. A non-empty endpoint points
// the client at DynamoDB Local.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return client, cfg, nil
}

// classify maps DynamoDB errors onto AppErrors. Throttling and transaction
// conflicts are retryable; anything else keeps its cause.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return pkgerrors.NewUnavailableError("dynamodb").WithCause(err).WithCode("TABLE_NOT_FOUND")
	}
	var condition *types.ConditionalCheckFailedException
	if errors.As(err, &condition) {
		return pkgerrors.NewNotFoundError(operation).WithCause(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "ThrottlingException", "RequestLimitExceeded",
			"TransactionConflictException", "TransactionCanceledException", "InternalServerError",
			"ServiceUnavailable":
			return pkgerrors.NewUnavailableError("dynamodb").WithCause(err).WithCode(apiErr.ErrorCode())
		case "ValidationException":
			return pkgerrors.NewValidationError(apiErr.ErrorMessage()).WithCause(err)
		case "AccessDeniedException", "UnrecognizedClientException":
			return pkgerrors.NewUnavailableError("dynamodb").WithCause(err).WithCode(apiErr.ErrorCode())
		}
	}
	return pkgerrors.NewDatabaseError(operation, err)
}

// systemic reports errors that make the whole store unusable rather than a
// single write.
func systemic(err error) bool {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "MissingAuthenticationTokenException":
			return true
		}
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cursorKey is the serialised LastEvaluatedKey of a scan.
type cursorKey struct {
	PK string `json:"pk"`
	SK string `json:"sk"`
}

func encodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	pk, okPK := key["PK"].(*types.AttributeValueMemberS)
	sk, okSK := key["SK"].(*types.AttributeValueMemberS)
	if !okPK || !okSK {
		return "", fmt.Errorf("unexpected key shape")
	}
	data, err := json.Marshal(cursorKey{PK: pk.Value, SK: sk.Value})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, pkgerrors.NewValidationError("malformed cursor")
	}
	var key cursorKey
	if err := json.Unmarshal(data, &key); err != nil || key.PK == "" || key.SK == "" {
		return nil, pkgerrors.NewValidationError("malformed cursor")
	}
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: key.PK},
		"SK": &types.AttributeValueMemberS{Value: key.SK},
	}, nil
}
