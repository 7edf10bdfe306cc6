package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatbot-backend/internal/domain"
)

const (
	skProfile = "PROFILE"

	attrRecentContexts = "recentContexts"
	attrClassification = "classification"
	attrHistory        = "conversationHistory"
	attrUpdatedAt      = "updatedAt"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores one profile item per user. All writes are UpdateItem calls,
// which create the item when it does not exist yet.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

var now = time.Now

func userPK(userID string) string {
	return "USER#" + userID
}

func (c *Client) profileKey(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
		"SK": &types.AttributeValueMemberS{Value: skProfile},
	}
}

// GetRecentContexts returns the contexts saved by the user's last turn. A
// missing profile yields an empty slice.
func (c *Client) GetRecentContexts(ctx context.Context, userID string) ([]domain.RecentContext, error) {
	item, err := c.getProfile(ctx, userID, attrRecentContexts)
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentContexts: %w", err)
	}
	contexts, err := contextsAttr(item, attrRecentContexts)
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentContexts decode: %w", err)
	}
	return contexts, nil
}

// ReadFullHistory returns the whole conversation history and the stored email.
func (c *Client) ReadFullHistory(ctx context.Context, userID string) (domain.History, error) {
	item, err := c.getProfile(ctx, userID, attrHistory, string(domain.FieldEmail))
	if err != nil {
		return domain.History{}, fmt.Errorf("repository: ReadFullHistory: %w", err)
	}
	entries, err := stringListAttr(item, attrHistory)
	if err != nil {
		return domain.History{}, fmt.Errorf("repository: ReadFullHistory decode: %w", err)
	}
	email, _ := strAttr(item, string(domain.FieldEmail)) // allow empty
	return domain.History{Email: email, Entries: entries}, nil
}

// UpsertProfileField sets a single profile attribute.
func (c *Client) UpsertProfileField(ctx context.Context, userID string, field domain.ProfileField, value string) error {
	if err := c.setField(ctx, userID, field, value); err != nil {
		return fmt.Errorf("repository: UpsertProfileField %s: %w", field, err)
	}
	return nil
}

// UpsertIntentSideEffect sets a profile attribute derived from an intent.
func (c *Client) UpsertIntentSideEffect(ctx context.Context, userID string, field domain.ProfileField, value string) error {
	if err := c.setField(ctx, userID, field, value); err != nil {
		return fmt.Errorf("repository: UpsertIntentSideEffect %s: %w", field, err)
	}
	return nil
}

// UpsertTurnOutcome overwrites the recent contexts, sets the classification
// when present and appends the history triplet, all in one UpdateItem.
func (c *Client) UpsertTurnOutcome(ctx context.Context, userID string, outcome domain.TurnOutcome) error {
	in := turnOutcomeUpdate(c.tableName, c.profileKey(userID), outcome, now().UTC())
	if _, err := c.api.UpdateItem(ctx, in); err != nil {
		return fmt.Errorf("repository: UpsertTurnOutcome: %w", err)
	}
	return nil
}

func (c *Client) getProfile(ctx context.Context, userID string, attrs ...string) (map[string]types.AttributeValue, error) {
	in := &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.profileKey(userID),
		ConsistentRead: aws.Bool(true),
	}
	if len(attrs) > 0 {
		names := make(map[string]string, len(attrs))
		placeholders := make([]string, 0, len(attrs))
		for i, a := range attrs {
			p := "#a" + strconv.Itoa(i)
			names[p] = a
			placeholders = append(placeholders, p)
		}
		in.ProjectionExpression = aws.String(strings.Join(placeholders, ", "))
		in.ExpressionAttributeNames = names
	}

	out, err := c.api.GetItem(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return map[string]types.AttributeValue{}, nil
	}
	return out.Item, nil
}

func (c *Client) setField(ctx context.Context, userID string, field domain.ProfileField, value string) error {
	if field == "" {
		return errors.New("field is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              c.profileKey(userID),
		UpdateExpression: aws.String("SET #f = :v, #upd = :upd"),
		// "name" is a DynamoDB reserved word, so every field goes through a placeholder.
		ExpressionAttributeNames: map[string]string{
			"#f":   string(field),
			"#upd": attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberS{Value: value},
			":upd": &types.AttributeValueMemberS{Value: now().UTC().Format(time.RFC3339)},
		},
	})
	return err
}

func turnOutcomeUpdate(table string, key map[string]types.AttributeValue, outcome domain.TurnOutcome, ts time.Time) *dynamodb.UpdateItemInput {
	sets := []string{
		"#rc = :rc",
		"#hist = list_append(if_not_exists(#hist, :empty), :hist)",
		"#upd = :upd",
	}
	names := map[string]string{
		"#rc":   attrRecentContexts,
		"#hist": attrHistory,
		"#upd":  attrUpdatedAt,
	}
	values := map[string]types.AttributeValue{
		":rc":    contextsValue(outcome.RecentContexts),
		":hist":  stringListValue(outcome.HistoryAppend[:]),
		":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		":upd":   &types.AttributeValueMemberS{Value: ts.Format(time.RFC3339)},
	}
	if outcome.Classification != "" {
		sets = append(sets, "#cls = :cls")
		names["#cls"] = attrClassification
		values[":cls"] = &types.AttributeValueMemberS{Value: outcome.Classification}
	}
	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       key,
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
}

func contextsValue(contexts []domain.RecentContext) *types.AttributeValueMemberL {
	list := make([]types.AttributeValue, 0, len(contexts))
	for _, rc := range contexts {
		list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"name":          &types.AttributeValueMemberS{Value: rc.Name},
			"lifespanCount": &types.AttributeValueMemberN{Value: strconv.Itoa(rc.LifespanCount)},
		}})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func stringListValue(values []string) *types.AttributeValueMemberL {
	list := make([]types.AttributeValue, 0, len(values))
	for _, v := range values {
		list = append(list, &types.AttributeValueMemberS{Value: v})
	}
	return &types.AttributeValueMemberL{Value: list}
}

func contextsAttr(item map[string]types.AttributeValue, key string) ([]domain.RecentContext, error) {
	list, err := listAttr(item, key)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RecentContext, 0, len(list))
	for i, v := range list {
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return nil, fmt.Errorf("repository: %s[%d] is not a map", key, i)
		}
		name, err := strAttr(m.Value, "name")
		if err != nil {
			return nil, err
		}
		count, err := intAttr(m.Value, "lifespanCount")
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RecentContext{Name: name, LifespanCount: count})
	}
	return out, nil
}

func stringListAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	list, err := listAttr(item, key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list))
	for i, v := range list {
		s, ok := v.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: %s[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

// listAttr treats a missing attribute as an empty list.
func listAttr(item map[string]types.AttributeValue, key string) ([]types.AttributeValue, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	return l.Value, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
