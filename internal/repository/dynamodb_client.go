package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"stateful-mcp/internal/domain"
)

const (
	attrPK         = "pk"
	attrSK         = "sk"
	attrUserID     = "userId"
	attrCreatedAt  = "createdAt"
	attrLastActive = "lastActive"
	attrNote       = "note"
	attrTS         = "ts"
	attrValue      = "value"
	attrExpiresAt  = "expiresAt"

	// maxBatchWrite is the BatchWriteItem request limit.
	maxBatchWrite = 25
	// maxBatchRetries bounds resubmission of unprocessed batch writes.
	maxBatchRetries     = 5
	defaultRetryBackoff = 50 * time.Millisecond
	maxRetryBackoff     = time.Second
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDBClient.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DescribeTimeToLive(ctx context.Context, in *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error)
}

// DynamoDBClient stores sessions, notes and cached tool results in a single
// DynamoDB table keyed by (pk, sk).
type DynamoDBClient struct {
	api       dynamodbAPI
	tableName string
	opts      *options
}

// NewDynamoDB creates a DynamoDBClient for tableName.
func NewDynamoDB(api dynamodbAPI, tableName string, opts ...Option) (*DynamoDBClient, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoDBClient{api: api, tableName: tableName, opts: newOptions(opts...)}, nil
}

// Verify checks that the table exists, is active and uses pk/sk as its
// composite key. It reports whether native TTL is enabled on expiresAt.
func (c *DynamoDBClient) Verify(ctx context.Context) (bool, error) {
	out, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return false, fmt.Errorf("repository: table %s does not exist", c.tableName)
		}
		return false, fmt.Errorf("repository: Verify describe table: %w", err)
	}
	if out == nil || out.Table == nil {
		return false, fmt.Errorf("repository: table %s has no description", c.tableName)
	}

	var hashKey, rangeKey string
	for _, k := range out.Table.KeySchema {
		switch k.KeyType {
		case types.KeyTypeHash:
			hashKey = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			rangeKey = aws.ToString(k.AttributeName)
		}
	}
	if hashKey != attrPK || rangeKey != attrSK {
		return false, fmt.Errorf("repository: table %s has key (%q, %q), expected (%q, %q)", c.tableName, hashKey, rangeKey, attrPK, attrSK)
	}
	if out.Table.TableStatus != types.TableStatusActive {
		return false, fmt.Errorf("repository: table %s is not active (status: %s)", c.tableName, out.Table.TableStatus)
	}

	ttl, err := c.api.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{TableName: aws.String(c.tableName)})
	if err != nil {
		return false, fmt.Errorf("repository: Verify describe ttl: %w", err)
	}
	if ttl == nil || ttl.TimeToLiveDescription == nil {
		return false, nil
	}
	desc := ttl.TimeToLiveDescription
	return desc.TimeToLiveStatus == types.TimeToLiveStatusEnabled && aws.ToString(desc.AttributeName) == attrExpiresAt, nil
}

// CreateSession writes the META item unless it already exists.
func (c *DynamoDBClient) CreateSession(ctx context.Context, sessionID, userID string) error {
	if err := validateSessionID("CreateSession", sessionID); err != nil {
		return err
	}
	now := c.opts.now().Unix()

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: metaItem(domain.SessionMeta{
			SessionID:  sessionID,
			UserID:     normalizeUserID(userID),
			CreatedAt:  now,
			LastActive: now,
		}),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil
		}
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

// GetSession reads the META item for a session.
func (c *DynamoDBClient) GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(sessionPK(sessionID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionMeta{}, false, nil
	}

	meta, err := itemToMeta(sessionID, out.Item)
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	return meta, true, nil
}

// AppendNote writes a new NOTE# item and touches META.lastActive in one transaction.
func (c *DynamoDBClient) AppendNote(ctx context.Context, sessionID, note string) error {
	if err := validateSessionID("AppendNote", sessionID); err != nil {
		return err
	}
	sk, now, err := c.opts.newNoteSK()
	if err != nil {
		return fmt.Errorf("repository: AppendNote sort key: %w", err)
	}
	ts := now.Unix()

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                noteItem(domain.Note{SessionID: sessionID, SK: sk, Text: note, TS: ts}),
					ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
				},
			},
			{
				Update: &types.Update{
					TableName:        aws.String(c.tableName),
					Key:              itemKey(sessionPK(sessionID), skMeta),
					UpdateExpression: aws.String("SET lastActive = :t"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":t": numberAttr(ts),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendNote: %w", err)
	}
	return nil
}

// GetNotes returns up to limit notes in chronological order.
func (c *DynamoDBClient) GetNotes(ctx context.Context, sessionID string, limit int) ([]string, error) {
	limit = normalizeLimit(limit)
	notes := make([]string, 0)

	var startKey map[string]types.AttributeValue
	for len(notes) < limit {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(c.tableName),
			KeyConditionExpression:    aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: notesKeyCondition(sessionID),
			ScanIndexForward:          aws.Bool(true),
			Limit:                     aws.Int32(pageLimit(limit - len(notes))),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: GetNotes query: %w", err)
		}
		if out == nil {
			break
		}
		for _, item := range out.Items {
			notes = append(notes, optStrAttr(item, attrNote))
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	if len(notes) > limit {
		notes = notes[:limit]
	}
	return notes, nil
}

// pageLimit clamps a remaining note count to a Query Limit.
func pageLimit(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}

// ResetSession deletes every NOTE# item of a session and leaves META alone.
// Unprocessed deletions are resubmitted with backoff; if some remain after
// maxBatchRetries the number deleted so far is returned with an error.
func (c *DynamoDBClient) ResetSession(ctx context.Context, sessionID string) (int, error) {
	deleted := 0

	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(c.tableName),
			KeyConditionExpression:    aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: notesKeyCondition(sessionID),
			ProjectionExpression:      aws.String("pk, sk"),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return deleted, fmt.Errorf("repository: ResetSession query: %w", err)
		}
		if out == nil {
			break
		}

		n, err := c.batchDelete(ctx, out.Items)
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("repository: ResetSession: %w", err)
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return deleted, nil
}

// batchDelete removes items in groups of maxBatchWrite and returns how many
// deletions DynamoDB accepted.
func (c *DynamoDBClient) batchDelete(ctx context.Context, items []map[string]types.AttributeValue) (int, error) {
	deleted := 0
	for i := 0; i < len(items); i += maxBatchWrite {
		end := min(i+maxBatchWrite, len(items))
		requests := make([]types.WriteRequest, 0, end-i)
		for _, item := range items[i:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						attrPK: item[attrPK],
						attrSK: item[attrSK],
					},
				},
			})
		}

		n, err := c.writeBatch(ctx, requests)
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// writeBatch submits one batch and resubmits whatever DynamoDB leaves
// unprocessed, waiting between attempts.
func (c *DynamoDBClient) writeBatch(ctx context.Context, requests []types.WriteRequest) (int, error) {
	accepted := 0
	backoff := c.opts.retryBackoff
	for attempt := 0; ; attempt++ {
		out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: requests},
		})
		if err != nil {
			return accepted, fmt.Errorf("batch delete: %w", err)
		}
		var unprocessed []types.WriteRequest
		if out != nil {
			unprocessed = out.UnprocessedItems[c.tableName]
		}
		accepted += len(requests) - len(unprocessed)
		if len(unprocessed) == 0 {
			return accepted, nil
		}
		if attempt == maxBatchRetries {
			return accepted, fmt.Errorf("batch delete: %d unprocessed items after %d retries", len(unprocessed), maxBatchRetries)
		}

		select {
		case <-ctx.Done():
			return accepted, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxRetryBackoff)
		requests = unprocessed
	}
}

// GetCachedResult returns the cached value for (tool, keyHash). Expired
// entries are reported as misses even if DynamoDB has not purged them yet.
func (c *DynamoDBClient) GetCachedResult(ctx context.Context, tool, keyHash string) (any, bool, error) {
	if err := validateCacheKey("GetCachedResult", tool, keyHash); err != nil {
		return nil, false, err
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(toolPK(tool), cacheSK(keyHash)),
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: GetCachedResult get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, false, nil
	}

	entry := domain.CacheEntry{Tool: tool, KeyHash: keyHash, Value: "null"}
	if v, err := strAttr(out.Item, attrValue); err == nil {
		entry.Value = v
	}
	if exp, err := int64Attr(out.Item, attrExpiresAt); err == nil {
		entry.ExpiresAt = exp
	}
	if entry.Expired(c.opts.now().Unix()) {
		return nil, false, nil
	}
	return decodeValue(entry.Value), true, nil
}

// SetCachedResult stores value under (tool, keyHash), replacing any prior entry.
func (c *DynamoDBClient) SetCachedResult(ctx context.Context, tool, keyHash string, value any, ttl time.Duration) error {
	if err := validateCacheKey("SetCachedResult", tool, keyHash); err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: cacheItem(domain.CacheEntry{
			Tool:      tool,
			KeyHash:   keyHash,
			Value:     raw,
			ExpiresAt: c.opts.now().Add(ttl).Unix(),
		}),
	})
	if err != nil {
		return fmt.Errorf("repository: SetCachedResult: %w", err)
	}
	return nil
}

func notesKeyCondition(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		":prefix": &types.AttributeValueMemberS{Value: skPrefixNote},
	}
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func metaItem(meta domain.SessionMeta) map[string]types.AttributeValue {
	item := itemKey(sessionPK(meta.SessionID), skMeta)
	item[attrUserID] = &types.AttributeValueMemberS{Value: meta.UserID}
	item[attrCreatedAt] = numberAttr(meta.CreatedAt)
	item[attrLastActive] = numberAttr(meta.LastActive)
	return item
}

func noteItem(note domain.Note) map[string]types.AttributeValue {
	item := itemKey(sessionPK(note.SessionID), note.SK)
	item[attrNote] = &types.AttributeValueMemberS{Value: note.Text}
	item[attrTS] = numberAttr(note.TS)
	return item
}

func cacheItem(entry domain.CacheEntry) map[string]types.AttributeValue {
	item := itemKey(toolPK(entry.Tool), cacheSK(entry.KeyHash))
	item[attrValue] = &types.AttributeValueMemberS{Value: entry.Value}
	item[attrExpiresAt] = numberAttr(entry.ExpiresAt)
	return item
}

// itemToMeta converts a META attribute map to SessionMeta. A META created
// only by AppendNote's update carries no createdAt.
func itemToMeta(sessionID string, item map[string]types.AttributeValue) (domain.SessionMeta, error) {
	var createdAt int64
	if _, ok := item[attrCreatedAt]; ok {
		v, err := int64Attr(item, attrCreatedAt)
		if err != nil {
			return domain.SessionMeta{}, err
		}
		createdAt = v
	}
	lastActive, err := int64Attr(item, attrLastActive)
	if err != nil {
		return domain.SessionMeta{}, err
	}
	return domain.SessionMeta{
		SessionID:  sessionID,
		UserID:     optStrAttr(item, attrUserID),
		CreatedAt:  createdAt,
		LastActive: lastActive,
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

func optStrAttr(item map[string]types.AttributeValue, key string) string {
	s, _ := strAttr(item, key)
	return s
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
