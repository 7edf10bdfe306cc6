package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chatbot-backend/internal/domain"
)

type fakeDynamo struct {
	getOut          *dynamodb.GetItemOutput
	getErr          error
	updateErr       error
	lastGetInput    *dynamodb.GetItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	updateCalls     int
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	f.updateCalls++
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	return c
}

func freezeNow(t *testing.T, ts time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return ts }
	t.Cleanup(func() { now = prev })
}

func contextItem(name string, lifespan string) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"name":          &types.AttributeValueMemberS{Value: name},
		"lifespanCount": &types.AttributeValueMemberN{Value: lifespan},
	}}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)

	_, err = New(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestGetRecentContexts_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		attrRecentContexts: &types.AttributeValueMemberL{Value: []types.AttributeValue{
			contextItem("awaiting-email", "3"),
			contextItem("device-followup", "3"),
		}},
	}}}
	c := mustNewClient(t, db)

	got, err := c.GetRecentContexts(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, []domain.RecentContext{
		{Name: "awaiting-email", LifespanCount: 3},
		{Name: "device-followup", LifespanCount: 3},
	}, got)

	require.Equal(t, "USER#u1", db.lastGetInput.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skProfile, db.lastGetInput.Key["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "#a0", *db.lastGetInput.ProjectionExpression)
	require.Equal(t, attrRecentContexts, db.lastGetInput.ExpressionAttributeNames["#a0"])
}

func TestGetRecentContexts_MissingProfile(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	got, err := c.GetRecentContexts(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestGetRecentContexts_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("boom")})
	_, err := c.GetRecentContexts(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetRecentContexts")

	c = mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		attrRecentContexts: &types.AttributeValueMemberL{Value: []types.AttributeValue{contextItem("x", "bad")}},
	}}})
	_, err = c.GetRecentContexts(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "decode")
}

func TestReadFullHistory(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"email": &types.AttributeValueMemberS{Value: "ada@example.com"},
		attrHistory: &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "2026-10-19T08:00:00.000Z"},
			&types.AttributeValueMemberS{Value: "hi"},
			&types.AttributeValueMemberS{Value: "hello"},
		}},
	}}}
	c := mustNewClient(t, db)

	got, err := c.ReadFullHistory(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", got.Email)
	require.Equal(t, []string{"2026-10-19T08:00:00.000Z", "hi", "hello"}, got.Entries)
	require.Equal(t, "#a0, #a1", *db.lastGetInput.ProjectionExpression)
}

func TestReadFullHistory_MalformedEntry(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		attrHistory: &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberN{Value: "1"}}},
	}}})
	_, err := c.ReadFullHistory(context.Background(), "u1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a string")
}

func TestUpsertProfileField(t *testing.T) {
	freezeNow(t, time.Date(2026, 10, 19, 9, 15, 0, 0, time.FixedZone("CEST", 2*60*60)))
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.UpsertProfileField(context.Background(), "u1", domain.FieldName, "Ada"))
	in := db.lastUpdateInput
	require.Equal(t, "SET #f = :v, #upd = :upd", *in.UpdateExpression)
	require.Equal(t, "name", in.ExpressionAttributeNames["#f"])
	require.Equal(t, "Ada", in.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberS).Value)
	require.Nil(t, in.ConditionExpression)
	require.Equal(t, "updatedAt", in.ExpressionAttributeNames["#upd"])
	require.Equal(t, "2026-10-19T07:15:00Z", in.ExpressionAttributeValues[":upd"].(*types.AttributeValueMemberS).Value)

	require.NoError(t, c.UpsertIntentSideEffect(context.Background(), "u1", domain.FieldContactName, "Grace"))
	require.Equal(t, "contactName", db.lastUpdateInput.ExpressionAttributeNames["#f"])
}

func TestUpsertProfileField_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("throttled")})
	err := c.UpsertProfileField(context.Background(), "u1", domain.FieldEmail, "a@b.c")
	require.Error(t, err)
	require.Contains(t, err.Error(), "UpsertProfileField email")

	db := &fakeDynamo{}
	c = mustNewClient(t, db)
	require.Error(t, c.UpsertIntentSideEffect(context.Background(), "u1", "", "x"))
	require.Zero(t, db.updateCalls)
}

func TestUpsertTurnOutcome_WithClassification(t *testing.T) {
	freezeNow(t, time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC))
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.UpsertTurnOutcome(context.Background(), "u1", domain.TurnOutcome{
		RecentContexts: []domain.RecentContext{{Name: "b", LifespanCount: 3}},
		Classification: "Class IIa",
		HistoryAppend:  [3]string{"ts", "msg", "reply"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, db.updateCalls)

	in := db.lastUpdateInput
	require.Equal(t, "SET #rc = :rc, #hist = list_append(if_not_exists(#hist, :empty), :hist), #upd = :upd, #cls = :cls", *in.UpdateExpression)
	require.Equal(t, "Class IIa", in.ExpressionAttributeValues[":cls"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "2026-10-19T10:00:00Z", in.ExpressionAttributeValues[":upd"].(*types.AttributeValueMemberS).Value)

	hist := in.ExpressionAttributeValues[":hist"].(*types.AttributeValueMemberL).Value
	require.Len(t, hist, 3)
	require.Equal(t, "ts", hist[0].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "msg", hist[1].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "reply", hist[2].(*types.AttributeValueMemberS).Value)

	rc := in.ExpressionAttributeValues[":rc"].(*types.AttributeValueMemberL).Value
	require.Len(t, rc, 1)
	m := rc[0].(*types.AttributeValueMemberM).Value
	require.Equal(t, "b", m["name"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "3", m["lifespanCount"].(*types.AttributeValueMemberN).Value)
}

func TestUpsertTurnOutcome_WithoutClassification(t *testing.T) {
	in := turnOutcomeUpdate("t", map[string]types.AttributeValue{}, domain.TurnOutcome{
		RecentContexts: []domain.RecentContext{},
		HistoryAppend:  [3]string{"ts", "msg", "reply"},
	}, time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))

	require.NotContains(t, *in.UpdateExpression, "#cls")
	require.NotContains(t, in.ExpressionAttributeNames, "#cls")
	require.NotContains(t, in.ExpressionAttributeValues, ":cls")
	require.Empty(t, in.ExpressionAttributeValues[":rc"].(*types.AttributeValueMemberL).Value)
	require.Equal(t, "2026-10-19T00:00:00Z", in.ExpressionAttributeValues[":upd"].(*types.AttributeValueMemberS).Value)
}

func TestUpsertTurnOutcome_Error(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("ConditionalCheckFailed")})
	err := c.UpsertTurnOutcome(context.Background(), "u1", domain.TurnOutcome{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "UpsertTurnOutcome")
}
