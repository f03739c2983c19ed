package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"line-relay/internal/domain"
)

const (
	ttlDuration       = 30 * 24 * time.Hour // 30-day TTL
	maxAppendAttempts = 3
)

// ErrConcurrentUpdate is returned when AppendTurns keeps losing the version
// race against other writers for the same user.
var ErrConcurrentUpdate = errors.New("repository: concurrent history update")

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore keeps each user's window as a single item. Appends are
// read-modify-write guarded by a version attribute, so concurrent writers for
// the same user never lose each other's turns.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	logger    *slog.Logger
	now       func() time.Time
}

// NewDynamoStore creates a new DynamoDB-backed history store.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		logger:    slog.Default().With("component", "repository.dynamodb"),
		now:       time.Now,
	}, nil
}

type historyItem struct {
	turns   []domain.Turn
	version int
	exists  bool
}

// FetchRecent returns up to the last MaxHistoryTurns turns, oldest first.
func (s *DynamoStore) FetchRecent(ctx context.Context, userID string) ([]domain.Turn, error) {
	item, err := s.load(ctx, userID)
	if err != nil {
		return []domain.Turn{}, fmt.Errorf("repository: FetchRecent: %w", err)
	}
	return domain.RecentWindow(item.turns), nil
}

// AppendTurns appends turns and keeps the newest MaxHistoryTurns entries.
func (s *DynamoStore) AppendTurns(ctx context.Context, userID string, turns []domain.Turn) error {
	if _, err := encodeTurns(turns); err != nil {
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}

	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		item, err := s.load(ctx, userID)
		if err != nil {
			var decodeErr *decodeError
			if !errors.As(err, &decodeErr) {
				return fmt.Errorf("repository: AppendTurns: %w", err)
			}
			// Unreadable history is replaced rather than blocking new turns.
			s.logger.WarnContext(ctx, "discarding undecodable history", "user_id", userID, "error", err)
			item = historyItem{version: decodeErr.version, exists: true}
		}

		if len(turns) == 0 && len(item.turns) <= domain.MaxHistoryTurns {
			return nil
		}

		merged := append(append([]domain.Turn{}, item.turns...), turns...)
		err = s.put(ctx, userID, domain.RecentWindow(merged), item)
		if err == nil {
			return nil
		}
		var conflict *types.ConditionalCheckFailedException
		if !errors.As(err, &conflict) {
			return fmt.Errorf("repository: AppendTurns put: %w", err)
		}
		s.logger.DebugContext(ctx, "history version conflict, retrying", "user_id", userID, "attempt", attempt)
	}
	return fmt.Errorf("repository: AppendTurns: %w", ErrConcurrentUpdate)
}

type decodeError struct {
	version int
	err     error
}

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (s *DynamoStore) load(ctx context.Context, userID string) (historyItem, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: historyKey(userID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return historyItem{}, fmt.Errorf("get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return historyItem{turns: []domain.Turn{}}, nil
	}

	version, err := intAttr(out.Item, "version")
	if err != nil {
		return historyItem{}, &decodeError{version: -1, err: err}
	}
	raw, err := stringListAttr(out.Item, "turns")
	if err != nil {
		return historyItem{}, &decodeError{version: version, err: err}
	}
	turns, err := decodeTurns(raw)
	if err != nil {
		return historyItem{}, &decodeError{version: version, err: err}
	}
	return historyItem{turns: turns, version: version, exists: true}, nil
}

func (s *DynamoStore) put(ctx context.Context, userID string, turns []domain.Turn, prev historyItem) error {
	encoded, err := encodeTurns(turns)
	if err != nil {
		return err
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      s.historyAttributes(userID, encoded, max(prev.version, 0)+1),
	}
	switch {
	case !prev.exists:
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	case prev.version < 0:
		// The stored version is unreadable; overwrite whatever is there.
		in.ConditionExpression = aws.String("attribute_exists(PK)")
	default:
		in.ConditionExpression = aws.String("version = :expected")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(prev.version)},
		}
	}

	_, err = s.api.PutItem(ctx, in)
	return err
}

func (s *DynamoStore) historyAttributes(userID string, encoded []string, version int) map[string]types.AttributeValue {
	list := make([]types.AttributeValue, 0, len(encoded))
	for _, e := range encoded {
		list = append(list, &types.AttributeValueMemberS{Value: e})
	}
	now := s.now().UTC()
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: historyKey(userID)},
		"turns":        &types.AttributeValueMemberL{Value: list},
		"version":      &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
		"lastActivity": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(ttlDuration).Unix(), 10)},
	}
}

func stringListAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, elem := range l.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q element %d is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
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
