package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chat-link/internal/domain"
)

// UserRepo reads and writes the linking fields of the users table.
// Identity uniqueness is enforced by a guard table keyed by
// external_identity, written in the same transaction as the user item.
type UserRepo struct {
	client          API
	tableName       string
	identitiesTable string
	now             func() time.Time
}

func NewUserRepo(client API, tableName, identitiesTable string) *UserRepo {
	return &UserRepo{
		client:          client,
		tableName:       tableName,
		identitiesTable: identitiesTable,
		now:             time.Now,
	}
}

func (r *UserRepo) Get(ctx context.Context, userID string) (*domain.User, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldUserID, userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	var u domain.User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) FindByExternalIdentity(ctx context.Context, identity string) (*domain.User, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.identitiesTable),
		Key:            strKey(fieldExternalIdentity, identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("identity not linked: %w", domain.ErrNotFound)
	}
	var guard struct {
		UserID string `dynamodbav:"user_id"`
	}
	if err := attributevalue.UnmarshalMap(out.Item, &guard); err != nil {
		return nil, err
	}
	return r.Get(ctx, guard.UserID)
}

// SetExternalIdentity binds identity to userID, releasing any identity the
// user held before. Returns domain.ErrConflict if another user owns identity.
func (r *UserRepo) SetExternalIdentity(ctx context.Context, userID, identity string) error {
	u, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.ExternalIdentity != nil && *u.ExternalIdentity == identity {
		return nil
	}

	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldExternalIdentity: identity,
		fieldUpdatedAt:        r.now().UTC(),
	})
	if err != nil {
		return err
	}
	ue.Names["#uid"] = fieldUserID
	uid := &types.AttributeValueMemberS{Value: userID}

	items := []types.TransactWriteItem{
		{Put: &types.Put{
			TableName: aws.String(r.identitiesTable),
			Item: map[string]types.AttributeValue{
				fieldExternalIdentity: &types.AttributeValueMemberS{Value: identity},
				fieldUserID:           uid,
			},
			ConditionExpression:       aws.String("attribute_not_exists(#eid) OR #uid = :uid"),
			ExpressionAttributeNames:  map[string]string{"#eid": fieldExternalIdentity, "#uid": fieldUserID},
			ExpressionAttributeValues: map[string]types.AttributeValue{":uid": uid},
		}},
		{Update: &types.Update{
			TableName:                 aws.String(r.tableName),
			Key:                       strKey(fieldUserID, userID),
			UpdateExpression:          aws.String(ue.Expr),
			ConditionExpression:       aws.String("attribute_exists(#uid)"),
			ExpressionAttributeNames:  ue.Names,
			ExpressionAttributeValues: ue.Values,
		}},
	}
	if u.ExternalIdentity != nil {
		items = append(items, r.releaseGuard(*u.ExternalIdentity, userID))
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	switch cancelledBy(err) {
	case -1:
		return err
	case 0:
		return fmt.Errorf("identity linked to another account: %w", domain.ErrConflict)
	case 1:
		return fmt.Errorf("user not found: %w", domain.ErrNotFound)
	default:
		return fmt.Errorf("previous identity changed concurrently: %w", domain.ErrConflict)
	}
}

func (r *UserRepo) ClearExternalIdentity(ctx context.Context, userID string) error {
	u, err := r.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.ExternalIdentity == nil {
		return nil
	}
	now, err := attributevalue.Marshal(r.now().UTC())
	if err != nil {
		return err
	}
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &types.Update{
				TableName:                 aws.String(r.tableName),
				Key:                       strKey(fieldUserID, userID),
				UpdateExpression:          aws.String("REMOVE #eid SET #upd = :upd"),
				ExpressionAttributeNames:  map[string]string{"#eid": fieldExternalIdentity, "#upd": fieldUpdatedAt},
				ExpressionAttributeValues: map[string]types.AttributeValue{":upd": now},
			}},
			r.releaseGuard(*u.ExternalIdentity, userID),
		},
	})
	if cancelledBy(err) >= 0 {
		return fmt.Errorf("identity changed concurrently: %w", domain.ErrConflict)
	}
	return err
}

// releaseGuard deletes the guard item for identity if userID still owns it.
func (r *UserRepo) releaseGuard(identity, userID string) types.TransactWriteItem {
	return types.TransactWriteItem{Delete: &types.Delete{
		TableName:                 aws.String(r.identitiesTable),
		Key:                       strKey(fieldExternalIdentity, identity),
		ConditionExpression:       aws.String("#uid = :uid"),
		ExpressionAttributeNames:  map[string]string{"#uid": fieldUserID},
		ExpressionAttributeValues: map[string]types.AttributeValue{":uid": &types.AttributeValueMemberS{Value: userID}},
	}}
}
