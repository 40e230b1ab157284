package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempotent-upload/internal/aws"
)

// Condition expressions issued against the idempotency table.
const (
	condInsert   = "attribute_not_exists(idempotency_key) OR expires_at <= :now"
	condComplete = "#s = :in_progress AND #o = :owner AND expires_at > :now"
	condDelete   = "#o = :owner AND #s = :in_progress"
	exprComplete = "SET #s = :complete, #r = :resp, expires_at = :exp"
)

// DynamoStore is a Store backed by a DynamoDB table keyed on idempotency_key.
// expires_at should be enabled as the table's TTL attribute so DynamoDB reaps
// expired items; correctness does not depend on it.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	opts      storeOptions
}

// NewDynamoStore returns a DynamoStore for tableName.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string, opts ...StoreOption) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		opts:      newStoreOptions(opts),
	}
}

// TryInsertInProgress writes an IN_PROGRESS record unless a live one exists.
// On conditional failure DynamoDB returns the blocking item (ALL_OLD), so no
// second read is needed in the common case.
func (s *DynamoStore) TryInsertInProgress(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	// One retry covers the blocking record expiring or being released between
	// the failed put and the follow-up read.
	for attempt := 0; attempt < 2; attempt++ {
		now := s.opts.now()
		rec := Record{
			Key:       key,
			Status:    StatusInProgress,
			Owner:     s.opts.newOwner(),
			CreatedAt: now,
			ExpiresAt: expiryEpoch(now, ttl),
		}

		item, err := attributevalue.MarshalMap(rec)
		if err != nil {
			return Outcome{}, fmt.Errorf("marshal record: %w", err)
		}

		_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString(condInsert),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": epochAttr(now),
			},
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		})
		if err == nil {
			return Outcome{Inserted: true, Record: rec}, nil
		}
		if !isConditionalCheckFailed(err) {
			return Outcome{}, fmt.Errorf("put item: %w", err)
		}

		existing, err := s.blockingRecord(ctx, key, err)
		if err != nil {
			return Outcome{}, err
		}
		if existing != nil {
			return Outcome{Record: *existing}, nil
		}
	}
	return Outcome{}, fmt.Errorf("put item: conditional check failed but no live record for %s", key)
}

func (s *DynamoStore) blockingRecord(ctx context.Context, key string, putErr error) (*Record, error) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(putErr, &ccf) && len(ccf.Item) > 0 {
		var rec Record
		if err := attributevalue.UnmarshalMap(ccf.Item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal item: %w", err)
		}
		if !rec.Expired(s.opts.now()) {
			return &rec, nil
		}
	}
	return s.Get(ctx, key)
}

// Complete transitions the owner's IN_PROGRESS record to COMPLETE.
func (s *DynamoStore) Complete(ctx context.Context, key, owner string, resp Response, ttl time.Duration) error {
	now := s.opts.now()
	respAttr, err := attributevalue.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 s.key(key),
		UpdateExpression:    awsString(exprComplete),
		ConditionExpression: awsString(condComplete),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#o": "owner",
			"#r": "response",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":complete":    &types.AttributeValueMemberS{Value: string(StatusComplete)},
			":in_progress": &types.AttributeValueMemberS{Value: string(StatusInProgress)},
			":owner":       &types.AttributeValueMemberS{Value: owner},
			":resp":        respAttr,
			":exp":         &types.AttributeValueMemberN{Value: strconv.FormatInt(expiryEpoch(now, ttl), 10)},
			":now":         epochAttr(now),
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrRecordNotFound
		}
		return fmt.Errorf("update item (complete): %w", err)
	}
	return nil
}

// Delete removes the record if owner still holds it in progress.
func (s *DynamoStore) Delete(ctx context.Context, key, owner string) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:           &s.tableName,
		Key:                 s.key(key),
		ConditionExpression: awsString(condDelete),
		ExpressionAttributeNames: map[string]string{
			"#o": "owner",
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":       &types.AttributeValueMemberS{Value: owner},
			":in_progress": &types.AttributeValueMemberS{Value: string(StatusInProgress)},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}

// Get retrieves a live record by key with a strongly consistent read.
// Returns (nil, nil) if not found or expired.
func (s *DynamoStore) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	if rec.Expired(s.opts.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *DynamoStore) key(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var ae smithy.APIError
	return errors.As(err, &ae) && ae.ErrorCode() == "ConditionalCheckFailedException"
}

func epochAttr(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

// Helpers
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }

var _ Store = (*DynamoStore)(nil)
