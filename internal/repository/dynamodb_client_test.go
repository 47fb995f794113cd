package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"dialoguesim/internal/domain"
)

type fakeDynamo struct {
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErr       error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

var fixedNow = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c
}

func sampleResult() domain.Result {
	return domain.Result{
		SessionID: "abc",
		StartedAt: fixedNow,
		Dialogue: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "Any tips for Kyoto?"},
			{Role: domain.RoleAssistant, Content: "Visit Fushimi Inari early."},
		},
		Evaluation: "Fluency: 5",
	}
}

func TestNew_ValidatesArguments(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestSaveResult_WritesSingleItem(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.SaveResult(context.Background(), sampleResult()))

	in := db.lastPutInput
	require.NotNil(t, in)
	require.Equal(t, "test-table", aws.ToString(in.TableName))
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", aws.ToString(in.ConditionExpression))
	require.Equal(t, &types.AttributeValueMemberS{Value: "SESSION#abc"}, in.Item["PK"])
	require.Equal(t, &types.AttributeValueMemberS{Value: "RESULT#"}, in.Item["SK"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "2"}, in.Item["turns"])
	require.Equal(t, &types.AttributeValueMemberS{Value: "2024-03-09T14:05:07Z"}, in.Item["startedAt"])

	ttl := fixedNow.Add(ttlDuration).Unix()
	n, err := intAttr(in.Item, "ttl")
	require.NoError(t, err)
	require.EqualValues(t, ttl, n)

	list, ok := in.Item["dialogue"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, list.Value, 2)
}

func TestSaveResult_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	require.Error(t, c.SaveResult(context.Background(), domain.Result{}))

	db := &fakeDynamo{putErr: errors.New("ConditionalCheckFailed")}
	c = mustNewClient(t, db)
	err := c.SaveResult(context.Background(), sampleResult())
	require.ErrorContains(t, err, "SaveResult")
	require.ErrorContains(t, err, "ConditionalCheckFailed")
}

func TestGetResult_RoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	want := sampleResult()
	require.NoError(t, c.SaveResult(context.Background(), want))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetResult(context.Background(), "abc")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	require.True(t, aws.ToBool(db.lastGetInput.ConsistentRead))
	require.Equal(t, resultKey("abc"), db.lastGetInput.Key)
}

func TestGetResult_NotFound(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetResult(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetResult_GetItemError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetResult(context.Background(), "abc")
	require.ErrorContains(t, err, "GetResult get item")
}

func TestGetResult_MalformedItem(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveResult(context.Background(), sampleResult()))
	item := db.lastPutInput.Item

	item["turns"] = &types.AttributeValueMemberN{Value: "3"}
	db.getOut = &dynamodb.GetItemOutput{Item: item}
	_, err := c.GetResult(context.Background(), "abc")
	require.ErrorContains(t, err, "dialogue has 2 turns")

	item["turns"] = &types.AttributeValueMemberN{Value: "2"}
	item["dialogue"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{
		&types.AttributeValueMemberS{Value: "flat"},
		&types.AttributeValueMemberS{Value: "flat"},
	}}
	_, err = c.GetResult(context.Background(), "abc")
	require.ErrorContains(t, err, "dialogue[0] is not a map")

	item["startedAt"] = &types.AttributeValueMemberS{Value: "yesterday"}
	_, err = c.GetResult(context.Background(), "abc")
	require.ErrorContains(t, err, "startedAt")
}

func TestIntAttr_Malformed(t *testing.T) {
	item := map[string]types.AttributeValue{"turns": &types.AttributeValueMemberS{Value: "bad"}}
	_, err := intAttr(item, "turns")
	require.ErrorContains(t, err, "not a number")

	item["turns"] = &types.AttributeValueMemberN{Value: "x"}
	_, err = intAttr(item, "turns")
	require.ErrorContains(t, err, "parse attribute")
}
