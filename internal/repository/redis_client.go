package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"stateful-mcp/internal/domain"
)

// createSessionScript writes META only when the hash does not exist yet.
var createSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1], 'userId', ARGV[1], 'createdAt', ARGV[2], 'lastActive', ARGV[2])
return 1
`)

// getNotesScript reads note keys and texts in one step so a concurrent reset
// cannot leave keys without text. Missing texts are skipped.
var getNotesScript = redis.NewScript(`
local sks = redis.call('ZRANGE', KEYS[1], 0, ARGV[1])
local notes = {}
for i = 1, #sks do
    local note = redis.call('HGET', KEYS[2], sks[i])
    if note then
        notes[#notes + 1] = note
    end
end
return notes
`)

// RedisClient implements the session store on Redis. A session maps to three
// keys: a META hash, a sorted set of note sort keys (all scored 0, so ordered
// lexicographically) and a hash from note sort key to note text. Cache entries
// are plain strings with a native expiry.
type RedisClient struct {
	rdb    redis.UniversalClient
	prefix string
	opts   *options
}

// NewRedis connects to addr and verifies the connection. prefix namespaces
// every key (typically the table name).
func NewRedis(ctx context.Context, addr, password string, db int, prefix string, opts ...Option) (*RedisClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("repository: ping redis: %w", err)
	}
	return newRedisWithClient(rdb, prefix, opts...), nil
}

func newRedisWithClient(rdb redis.UniversalClient, prefix string, opts ...Option) *RedisClient {
	return &RedisClient{rdb: rdb, prefix: prefix, opts: newOptions(opts...)}
}

// Close closes the underlying connection pool.
func (c *RedisClient) Close() error {
	if c.rdb == nil {
		return nil
	}
	err := c.rdb.Close()
	c.rdb = nil
	return err
}

func (c *RedisClient) key(pk, suffix string) string {
	if c.prefix == "" {
		return pk + ":" + suffix
	}
	return c.prefix + ":" + pk + ":" + suffix
}

func (c *RedisClient) metaKey(sessionID string) string {
	return c.key(sessionPK(sessionID), skMeta)
}

func (c *RedisClient) notesKey(sessionID string) string {
	return c.key(sessionPK(sessionID), "NOTES")
}

func (c *RedisClient) noteTextKey(sessionID string) string {
	return c.key(sessionPK(sessionID), "NOTE_TEXT")
}

func (c *RedisClient) cacheKey(tool, keyHash string) string {
	return c.key(toolPK(tool), cacheSK(keyHash))
}

func (c *RedisClient) CreateSession(ctx context.Context, sessionID, userID string) error {
	if err := validateSessionID("CreateSession", sessionID); err != nil {
		return err
	}
	if c.rdb == nil {
		return errNotConnected
	}
	now := c.opts.now().Unix()
	err := createSessionScript.Run(ctx, c.rdb, []string{c.metaKey(sessionID)}, normalizeUserID(userID), now).Err()
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

func (c *RedisClient) GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, bool, error) {
	if c.rdb == nil {
		return domain.SessionMeta{}, false, errNotConnected
	}
	fields, err := c.rdb.HGetAll(ctx, c.metaKey(sessionID)).Result()
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession: %w", err)
	}
	if len(fields) == 0 {
		return domain.SessionMeta{}, false, nil
	}
	meta := domain.SessionMeta{SessionID: sessionID, UserID: fields[attrUserID]}
	if meta.CreatedAt, err = parseOptionalInt(fields[attrCreatedAt]); err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession decode createdAt: %w", err)
	}
	if meta.LastActive, err = parseOptionalInt(fields[attrLastActive]); err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession decode lastActive: %w", err)
	}
	return meta, true, nil
}

// AppendNote records the note and touches META.lastActive in one MULTI/EXEC.
func (c *RedisClient) AppendNote(ctx context.Context, sessionID, note string) error {
	if err := validateSessionID("AppendNote", sessionID); err != nil {
		return err
	}
	if c.rdb == nil {
		return errNotConnected
	}
	sk, now, err := c.opts.newNoteSK()
	if err != nil {
		return fmt.Errorf("repository: AppendNote sort key: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, c.notesKey(sessionID), redis.Z{Score: 0, Member: sk})
		pipe.HSet(ctx, c.noteTextKey(sessionID), sk, note)
		pipe.HSet(ctx, c.metaKey(sessionID), attrLastActive, now.Unix())
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: AppendNote: %w", err)
	}
	return nil
}

func (c *RedisClient) GetNotes(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if c.rdb == nil {
		return nil, errNotConnected
	}
	notes, err := getNotesScript.Run(ctx, c.rdb,
		[]string{c.notesKey(sessionID), c.noteTextKey(sessionID)},
		int64(normalizeLimit(limit)-1),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("repository: GetNotes: %w", err)
	}
	if notes == nil {
		notes = []string{}
	}
	return notes, nil
}

func (c *RedisClient) ResetSession(ctx context.Context, sessionID string) (int, error) {
	if c.rdb == nil {
		return 0, errNotConnected
	}
	var count *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.ZCard(ctx, c.notesKey(sessionID))
		pipe.Del(ctx, c.notesKey(sessionID), c.noteTextKey(sessionID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("repository: ResetSession: %w", err)
	}
	return int(count.Val()), nil
}

func (c *RedisClient) GetCachedResult(ctx context.Context, tool, keyHash string) (any, bool, error) {
	if err := validateCacheKey("GetCachedResult", tool, keyHash); err != nil {
		return nil, false, err
	}
	if c.rdb == nil {
		return nil, false, errNotConnected
	}
	raw, err := c.rdb.Get(ctx, c.cacheKey(tool, keyHash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: GetCachedResult: %w", err)
	}
	return decodeValue(raw), true, nil
}

func (c *RedisClient) SetCachedResult(ctx context.Context, tool, keyHash string, value any, ttl time.Duration) error {
	if err := validateCacheKey("SetCachedResult", tool, keyHash); err != nil {
		return err
	}
	if c.rdb == nil {
		return errNotConnected
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	// A zero expiration would keep the key forever.
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := c.rdb.Set(ctx, c.cacheKey(tool, keyHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("repository: SetCachedResult: %w", err)
	}
	return nil
}

func parseOptionalInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
