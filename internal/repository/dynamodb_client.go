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

	"dialoguesim/internal/domain"
)

const (
	skResult    = "RESULT#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// ErrNotFound is returned by GetResult when no result exists for the session.
var ErrNotFound = errors.New("repository: result not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Client stores finished simulation sessions in a DynamoDB table, one item
// per session.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

func resultKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skResult},
	}
}

// SaveResult writes the session result. A session is written at most once.
func (c *Client) SaveResult(ctx context.Context, result domain.Result) error {
	if strings.TrimSpace(result.SessionID) == "" {
		return errors.New("repository: SaveResult: session id is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.resultItem(result),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveResult: %w", err)
	}
	return nil
}

// GetResult reads a stored session result back.
func (c *Client) GetResult(ctx context.Context, sessionID string) (domain.Result, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            resultKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Result{}, fmt.Errorf("repository: GetResult get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Result{}, ErrNotFound
	}

	result, err := itemToResult(out.Item)
	if err != nil {
		return domain.Result{}, fmt.Errorf("repository: GetResult decode: %w", err)
	}
	return result, nil
}

func (c *Client) resultItem(r domain.Result) map[string]types.AttributeValue {
	dialogue := make([]types.AttributeValue, 0, len(r.Dialogue))
	for _, turn := range r.Dialogue {
		dialogue = append(dialogue, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"role":    &types.AttributeValueMemberS{Value: string(turn.Role)},
			"content": &types.AttributeValueMemberS{Value: turn.Content},
		}})
	}

	item := resultKey(r.SessionID)
	item["sessionId"] = &types.AttributeValueMemberS{Value: r.SessionID}
	item["startedAt"] = &types.AttributeValueMemberS{Value: r.StartedAt.UTC().Format(time.RFC3339Nano)}
	item["evaluation"] = &types.AttributeValueMemberS{Value: r.Evaluation}
	item["dialogue"] = &types.AttributeValueMemberL{Value: dialogue}
	item["turns"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", len(r.Dialogue))}
	item["ttl"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", c.now().Add(ttlDuration).Unix())}
	return item
}

func itemToResult(item map[string]types.AttributeValue) (domain.Result, error) {
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Result{}, err
	}
	started, err := strAttr(item, "startedAt")
	if err != nil {
		return domain.Result{}, err
	}
	startedAt, err := time.Parse(time.RFC3339Nano, started)
	if err != nil {
		return domain.Result{}, fmt.Errorf("repository: parse attribute %q: %w", "startedAt", err)
	}
	evaluation, _ := strAttr(item, "evaluation") // allow empty
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.Result{}, err
	}

	v, ok := item["dialogue"]
	if !ok {
		return domain.Result{}, fmt.Errorf("repository: missing attribute %q", "dialogue")
	}
	list, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return domain.Result{}, fmt.Errorf("repository: attribute %q is not a list", "dialogue")
	}
	if len(list.Value) != turns {
		return domain.Result{}, fmt.Errorf("repository: dialogue has %d turns, want %d", len(list.Value), turns)
	}

	dialogue := make([]domain.ChatMessage, 0, len(list.Value))
	for i, entry := range list.Value {
		m, ok := entry.(*types.AttributeValueMemberM)
		if !ok {
			return domain.Result{}, fmt.Errorf("repository: dialogue[%d] is not a map", i)
		}
		role, err := strAttr(m.Value, "role")
		if err != nil {
			return domain.Result{}, fmt.Errorf("repository: dialogue[%d]: %w", i, err)
		}
		content, err := strAttr(m.Value, "content")
		if err != nil {
			return domain.Result{}, fmt.Errorf("repository: dialogue[%d]: %w", i, err)
		}
		dialogue = append(dialogue, domain.ChatMessage{Role: domain.Role(role), Content: content})
	}

	return domain.Result{
		SessionID:  sessionID,
		StartedAt:  startedAt,
		Dialogue:   dialogue,
		Evaluation: evaluation,
	}, nil
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
