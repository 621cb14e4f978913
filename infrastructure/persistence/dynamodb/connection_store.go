package dynamodb

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"resonance-backend/application/ports"
	"resonance-backend/domain/core/entities"
	"resonance-backend/domain/core/valueobjects"
	pkgerrors "resonance-backend/pkg/errors"
)

const (
	entityConnection = "CONNECTION"
	// maxTransactItems is the TransactWriteItems limit.
	maxTransactItems = 100
)

// ConnectionStore keeps one item per directed row:
//
//	PK = COMMUNITY#<community>   SK = CONN#<escaped from>#<escaped to>
//
// so a community scans as one partition in key order and a user's rows are a
// begins_with query. Both rows of a pair are written in one transaction.
type ConnectionStore struct {
	client          API
	tableName       string
	consistentReads bool
	parallel        int
	logger          *zap.Logger
}

var _ ports.ConnectionStore = (*ConnectionStore)(nil)

func NewConnectionStore(client API, tableName string, consistentReads bool, parallel int, logger *zap.Logger) *ConnectionStore {
	if parallel <= 0 {
		parallel = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionStore{
		client:          client,
		tableName:       tableName,
		consistentReads: consistentReads,
		parallel:        parallel,
		logger:          logger.Named("dynamodb_connections"),
	}
}

type connectionItem struct {
	PK          string    `dynamodbav:"PK"`
	SK          string    `dynamodbav:"SK"`
	EntityType  string    `dynamodbav:"EntityType"`
	CommunityID string    `dynamodbav:"CommunityID"`
	FromID      string    `dynamodbav:"FromID"`
	ToID        string    `dynamodbav:"ToID"`
	Weight      int       `dynamodbav:"Weight"`
	Description string    `dynamodbav:"Description"`
	ComputedAt  time.Time `dynamodbav:"ComputedAt"`
}

func communityPK(communityID string) string { return "COMMUNITY#" + communityID }

// connectionSK escapes both ids so a "#" inside an id cannot shift the
// boundary between them.
func connectionSK(fromID, toID string) string {
	return "CONN#" + url.QueryEscape(fromID) + "#" + url.QueryEscape(toID)
}

func connectionKey(communityID, fromID, toID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: communityPK(communityID)},
		"SK": &types.AttributeValueMemberS{Value: connectionSK(fromID, toID)},
	}
}

func toItem(c entities.Connection) connectionItem {
	return connectionItem{
		PK:          communityPK(c.CommunityID),
		SK:          connectionSK(c.FromID, c.ToID),
		EntityType:  entityConnection,
		CommunityID: c.CommunityID,
		FromID:      c.FromID,
		ToID:        c.ToID,
		Weight:      c.Weight,
		Description: c.Description,
		ComputedAt:  c.ComputedAt.UTC(),
	}
}

func (i connectionItem) toConnection() entities.Connection {
	return entities.Connection{
		FromID:      i.FromID,
		ToID:        i.ToID,
		Weight:      i.Weight,
		Description: i.Description,
		CommunityID: i.CommunityID,
		ComputedAt:  i.ComputedAt,
	}
}

func (s *ConnectionStore) put(c entities.Connection) (types.TransactWriteItem, error) {
	av, err := attributevalue.MarshalMap(toItem(c))
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal connection: %w", err)
	}
	return types.TransactWriteItem{Put: &types.Put{TableName: aws.String(s.tableName), Item: av}}, nil
}

func (s *ConnectionStore) del(communityID, fromID, toID string) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		TableName: aws.String(s.tableName),
		Key:       connectionKey(communityID, fromID, toID),
	}}
}

func (s *ConnectionStore) UpsertConnections(ctx context.Context, communityID string, conns []entities.Connection) (map[valueobjects.PairKey]error, error) {
	var (
		mu       sync.Mutex
		failed   map[valueobjects.PairKey]error
		fatalErr error
	)
	record := func(pair valueobjects.PairKey, err error) {
		mu.Lock()
		defer mu.Unlock()
		if systemic(err) {
			if fatalErr == nil {
				fatalErr = classify("UpsertConnections", err)
			}
			return
		}
		if failed == nil {
			failed = make(map[valueobjects.PairKey]error)
		}
		failed[pair] = classify("UpsertConnections", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, c := range conns {
		c.CommunityID = communityID
		if c.FromID == c.ToID {
			record(c.Pair(), pkgerrors.NewValidationError("self connection"))
			continue
		}
		g.Go(func() error {
			forward, err := s.put(c)
			if err != nil {
				record(c.Pair(), err)
				return nil
			}
			reverse, err := s.put(c.Reverse())
			if err != nil {
				record(c.Pair(), err)
				return nil
			}
			_, err = s.client.TransactWriteItems(gctx, &dynamodb.TransactWriteItemsInput{
				TransactItems: []types.TransactWriteItem{forward, reverse},
			})
			if err != nil {
				record(c.Pair(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if fatalErr != nil {
		return nil, fatalErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return failed, nil
}

func (s *ConnectionStore) ListConnectionsForUser(ctx context.Context, communityID, userID string) ([]entities.Connection, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(communityPK(communityID))).
		And(expression.Key("SK").BeginsWith(connectionSK(userID, "")))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var out []entities.Connection
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(s.consistentReads),
	}
	for {
		resp, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classify("ListConnectionsForUser", err)
		}
		var items []connectionItem
		if err := attributevalue.UnmarshalListOfMaps(resp.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal connections: %w", err)
		}
		for _, item := range items {
			if item.FromID == userID {
				out = append(out, item.toConnection())
			}
		}
		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = resp.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToID < out[j].ToID })
	return out, nil
}

// ReplaceConnectionsForUser writes the new rows and deletes rows to
// counterparts that are no longer connected. Each pair's two rows share a
// transaction; large replacements span several transactions.
func (s *ConnectionStore) ReplaceConnectionsForUser(ctx context.Context, communityID, userID string, conns []entities.Connection) error {
	for _, c := range conns {
		if !c.Pair().Contains(userID) || c.FromID == c.ToID {
			return pkgerrors.NewValidationError("replacement connection does not touch user " + userID)
		}
	}
	existing, err := s.ListConnectionsForUser(ctx, communityID, userID)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(conns))
	var ops []types.TransactWriteItem
	for _, c := range conns {
		c.CommunityID = communityID
		keep[c.Pair().Other(userID)] = true
		forward, err := s.put(c)
		if err != nil {
			return err
		}
		reverse, err := s.put(c.Reverse())
		if err != nil {
			return err
		}
		ops = append(ops, forward, reverse)
	}
	for _, row := range existing {
		if keep[row.ToID] {
			continue
		}
		ops = append(ops, s.del(communityID, userID, row.ToID), s.del(communityID, row.ToID, userID))
	}

	for start := 0; start < len(ops); start += maxTransactItems {
		chunk := ops[start:min(start+maxTransactItems, len(ops))]
		if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: chunk}); err != nil {
			return classify("ReplaceConnectionsForUser", err)
		}
	}
	s.logger.Debug("replaced user connections",
		zap.String("community_id", communityID),
		zap.String("user_id", userID),
		zap.Int("written", len(conns)),
		zap.Int("previous", len(existing)),
	)
	return nil
}

// Scan queries one community partition, or scans the table when no
// community is given. Both return rows in key order per partition.
func (s *ConnectionStore) Scan(ctx context.Context, q ports.ScanQuery) (*ports.ScanPage, error) {
	start, err := decodeCursor(q.Cursor)
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 500
	}

	var (
		rawItems []map[string]types.AttributeValue
		lastKey  map[string]types.AttributeValue
	)
	if q.CommunityID != "" {
		expr, err := expression.NewBuilder().
			WithKeyCondition(expression.Key("PK").Equal(expression.Value(communityPK(q.CommunityID)))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("build query: %w", err)
		}
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         start,
			Limit:                     aws.Int32(int32(limit)),
			ConsistentRead:            aws.Bool(s.consistentReads),
		})
		if err != nil {
			return nil, classify("Scan", err)
		}
		rawItems, lastKey = resp.Items, resp.LastEvaluatedKey
	} else {
		expr, err := expression.NewBuilder().
			WithFilter(expression.Name("EntityType").Equal(expression.Value(entityConnection))).
			Build()
		if err != nil {
			return nil, fmt.Errorf("build scan: %w", err)
		}
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          expr.Filter(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         start,
			Limit:                     aws.Int32(int32(limit)),
			ConsistentRead:            aws.Bool(s.consistentReads),
		})
		if err != nil {
			return nil, classify("Scan", err)
		}
		rawItems, lastKey = resp.Items, resp.LastEvaluatedKey
	}

	var items []connectionItem
	if err := attributevalue.UnmarshalListOfMaps(rawItems, &items); err != nil {
		return nil, fmt.Errorf("unmarshal connections: %w", err)
	}
	page := &ports.ScanPage{Connections: make([]entities.Connection, 0, len(items))}
	for _, item := range items {
		if !strings.HasPrefix(item.SK, "CONN#") {
			continue
		}
		page.Connections = append(page.Connections, item.toConnection())
	}
	if page.NextCursor, err = encodeCursor(lastKey); err != nil {
		return nil, fmt.Errorf("encode cursor: %w", err)
	}
	return page, nil
}

// UpdateWeight touches only the Weight attribute and fails with NotFound for
// a missing row.
func (s *ConnectionStore) UpdateWeight(ctx context.Context, communityID, fromID, toID string, weight int) error {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("Weight"), expression.Value(weight))).
		WithCondition(expression.AttributeExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       connectionKey(communityID, fromID, toID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return classify(fmt.Sprintf("connection %s->%s", fromID, toID), err)
	}
	return nil
}
