package dynamo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chat-link/internal/domain"
)

// LinkSessionRepo stores pending chat link sessions.
// PK: user_id, so a user has at most one item and Put replaces it.
// GSI code-index resolves inbound codes. TTL on expires_at sweeps leftovers.
type LinkSessionRepo struct {
	client    API
	tableName string
}

func NewLinkSessionRepo(client API, tableName string) *LinkSessionRepo {
	return &LinkSessionRepo{client: client, tableName: tableName}
}

// Upsert replaces the user's session. It refuses, with domain.ErrConflict,
// a code that another user's session already holds. The check reads the
// code-index GSI, which is eventually consistent, so it is best-effort: a
// code written moments earlier can be missed. FindByCode logs if a code ever
// resolves to two sessions.
func (r *LinkSessionRepo) Upsert(ctx context.Context, s *domain.LinkSession) error {
	holders, err := r.queryCode(ctx, s.Code, 1)
	if err != nil {
		return err
	}
	if len(holders) > 0 && holders[0].UserID != s.UserID {
		return fmt.Errorf("link code in use: %w", domain.ErrConflict)
	}
	item, err := attributevalue.MarshalMap(s)
	if err != nil {
		return fmt.Errorf("marshal link session: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

func (r *LinkSessionRepo) FindByCode(ctx context.Context, code string) (*domain.LinkSession, error) {
	items, err := r.queryCode(ctx, code, 2)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("link session not found: %w", domain.ErrNotFound)
	}
	if len(items) > 1 {
		slog.Error("link code held by more than one session", "code", code)
	}
	return &items[0], nil
}

func (r *LinkSessionRepo) DeleteByUser(ctx context.Context, userID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey(fieldUserID, userID),
	})
	return err
}

// Delete removes s only if the user's item is still that exact session.
func (r *LinkSessionRepo) Delete(ctx context.Context, s *domain.LinkSession) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldUserID, s.UserID),
		ConditionExpression:       aws.String("#sid = :sid"),
		ExpressionAttributeNames:  map[string]string{"#sid": fieldSessionID},
		ExpressionAttributeValues: map[string]types.AttributeValue{":sid": &types.AttributeValueMemberS{Value: s.SessionID}},
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

func (r *LinkSessionRepo) ListAll(ctx context.Context) ([]domain.LinkSession, error) {
	var out []domain.LinkSession
	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:      aws.String(r.tableName),
		ConsistentRead: aws.Bool(true),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var items []domain.LinkSession
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}

func (r *LinkSessionRepo) queryCode(ctx context.Context, code string, limit int32) ([]domain.LinkSession, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(indexCode),
		KeyConditionExpression:    aws.String("#c = :c"),
		ExpressionAttributeNames:  map[string]string{"#c": fieldCode},
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": &types.AttributeValueMemberS{Value: code}},
		Limit:                     aws.Int32(limit),
	})
	if err != nil {
		return nil, err
	}
	var items []domain.LinkSession
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, err
	}
	return items, nil
}
