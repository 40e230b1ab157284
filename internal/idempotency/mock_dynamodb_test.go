package idempotency_test

import (
	"context"
	"errors"
	"strconv"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory stand-in for the idempotency table. It evaluates
// only the condition expressions DynamoStore issues.
type fakeDynamo struct {
	mu    sync.Mutex
	table map[string]map[string]types.AttributeValue

	// err, when set, is returned by every call.
	err error
	// apiErr, when set, replaces ConditionalCheckFailedException.
	apiErr error
	// omitOldItem drops the ALL_OLD item from conditional failures.
	omitOldItem bool

	lastPut    *dyn.PutItemInput
	putCalls   int
	getCalls   int
	updateCall int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{table: map[string]map[string]types.AttributeValue{}}
}

func (m *fakeDynamo) conditionFailed(old map[string]types.AttributeValue, returnOld bool) error {
	if m.apiErr != nil {
		return m.apiErr
	}
	ccf := &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	if returnOld && !m.omitOldItem && old != nil {
		ccf.Item = copyItem(old)
	}
	return ccf
}

func (m *fakeDynamo) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	m.lastPut = params
	if m.err != nil {
		return nil, m.err
	}

	k := attrS(params.Item["idempotency_key"])
	if k == "" {
		return nil, errors.New("missing key")
	}
	existing, exists := m.table[k]
	if params.ConditionExpression != nil {
		if *params.ConditionExpression != "attribute_not_exists(idempotency_key) OR expires_at <= :now" {
			return nil, errors.New("unexpected condition: " + *params.ConditionExpression)
		}
		now := attrN(params.ExpressionAttributeValues[":now"])
		if exists && attrN(existing["expires_at"]) > now {
			returnOld := params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld
			return nil, m.conditionFailed(existing, returnOld)
		}
	}
	m.table[k] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *fakeDynamo) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.err != nil {
		return nil, m.err
	}

	item, ok := m.table[attrS(params.Key["idempotency_key"])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *fakeDynamo) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCall++
	if m.err != nil {
		return nil, m.err
	}
	if *params.ConditionExpression != "#s = :in_progress AND #o = :owner AND expires_at > :now" {
		return nil, errors.New("unexpected condition: " + *params.ConditionExpression)
	}

	k := attrS(params.Key["idempotency_key"])
	vals := params.ExpressionAttributeValues
	item, ok := m.table[k]
	if !ok ||
		attrS(item["status"]) != attrS(vals[":in_progress"]) ||
		attrS(item["owner"]) != attrS(vals[":owner"]) ||
		attrN(item["expires_at"]) <= attrN(vals[":now"]) {
		return nil, m.conditionFailed(nil, false)
	}

	updated := copyItem(item)
	updated["status"] = vals[":complete"]
	updated["response"] = vals[":resp"]
	updated["expires_at"] = vals[":exp"]
	m.table[k] = updated
	return &dyn.UpdateItemOutput{}, nil
}

func (m *fakeDynamo) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	k := attrS(params.Key["idempotency_key"])
	item, ok := m.table[k]
	vals := params.ExpressionAttributeValues
	if !ok || attrS(item["owner"]) != attrS(vals[":owner"]) || attrS(item["status"]) != attrS(vals[":in_progress"]) {
		return nil, m.conditionFailed(nil, false)
	}
	delete(m.table, k)
	return &dyn.DeleteItemOutput{}, nil
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func attrS(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func attrN(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func strPtr(s string) *string { return &s }
