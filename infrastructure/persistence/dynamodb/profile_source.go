package dynamodb

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
)

// ProfileSource reads profiles written by the profile service:
//
//	PK = COMMUNITY#<community>   SK = PROFILE#<user>
type ProfileSource struct {
	client    API
	tableName string
	logger    *zap.Logger
}

var _ ports.ProfileSource = (*ProfileSource)(nil)

func NewProfileSource(client API, tableName string, logger *zap.Logger) *ProfileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileSource{client: client, tableName: tableName, logger: logger.Named("dynamodb_profiles")}
}

type profileItem struct {
	PK                 string    `dynamodbav:"PK"`
	SK                 string    `dynamodbav:"SK"`
	UserID             string    `dynamodbav:"UserID"`
	CommunityID        string    `dynamodbav:"CommunityID"`
	Keywords           []string  `dynamodbav:"Keywords,stringset,omitempty"`
	Bio                *string   `dynamodbav:"Bio,omitempty"`
	CurrentAffiliation *string   `dynamodbav:"CurrentAffiliation,omitempty"`
	UpdatedAt          time.Time `dynamodbav:"UpdatedAt"`
}

func (i profileItem) toProfile() (*entities.Profile, error) {
	return entities.NewProfile(i.UserID, i.CommunityID, i.Keywords, i.Bio, i.CurrentAffiliation, i.UpdatedAt)
}

func (s *ProfileSource) ListProfiles(ctx context.Context, communityID string) ([]*entities.Profile, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(communityPK(communityID))).
		And(expression.Key("SK").BeginsWith("PROFILE#"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	var out []*entities.Profile
	for {
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classify("ListProfiles", err)
		}
		var items []profileItem
		if err := attributevalue.UnmarshalListOfMaps(resp.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal profiles: %w", err)
		}
		for _, item := range items {
			p, err := item.toProfile()
			if err != nil {
				s.logger.Warn("skipping invalid profile", zap.String("sk", item.SK), zap.Error(err))
				continue
			}
			out = append(out, p)
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
	entities.SortProfiles(out)
	return out, nil
}

func (s *ProfileSource) GetProfile(ctx context.Context, communityID, userID string) (*entities.Profile, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: communityPK(communityID)},
			"SK": &types.AttributeValueMemberS{Value: "PROFILE#" + userID},
		},
	})
	if err != nil {
		return nil, classify("GetProfile", err)
	}
	if len(resp.Item) == 0 {
		return nil, nil
	}
	var item profileItem
	if err := attributevalue.UnmarshalMap(resp.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	return item.toProfile()
}
