package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stateful-mcp/internal/domain"
)

// pgPool is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type pgPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresClient implements the session store on a Postgres table.
type PostgresClient struct {
	pool  pgPool
	table string
	opts  *options
}

// NewPostgres connects to the database at connString and creates the store
// table if it does not exist.
func NewPostgres(ctx context.Context, connString, table string, opts ...Option) (*PostgresClient, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("repository: create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}

	c := newPostgresWithPool(pool, table, opts...)
	if err := c.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return c, nil
}

func newPostgresWithPool(pool pgPool, table string, opts ...Option) *PostgresClient {
	return &PostgresClient{pool: pool, table: table, opts: newOptions(opts...)}
}

// Init creates the store table if needed.
func (c *PostgresClient) Init(ctx context.Context) error {
	if c.pool == nil {
		return errNotConnected
	}
	if _, err := c.pool.Exec(ctx, createTableSQL(c.table, "BIGINT")); err != nil {
		return fmt.Errorf("repository: create postgres table: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *PostgresClient) Close() error {
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

func (c *PostgresClient) CreateSession(ctx context.Context, sessionID, userID string) error {
	if err := validateSessionID("CreateSession", sessionID); err != nil {
		return err
	}
	if c.pool == nil {
		return errNotConnected
	}
	now := c.opts.now().Unix()
	query := fmt.Sprintf(`INSERT INTO %s (pk, sk, user_id, created_at, last_active) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (pk, sk) DO NOTHING`, c.table)
	if _, err := c.pool.Exec(ctx, query, sessionPK(sessionID), skMeta, normalizeUserID(userID), now, now); err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

func (c *PostgresClient) GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, bool, error) {
	if c.pool == nil {
		return domain.SessionMeta{}, false, errNotConnected
	}
	meta := domain.SessionMeta{SessionID: sessionID}
	query := fmt.Sprintf(`SELECT COALESCE(user_id, ''), COALESCE(created_at, 0), COALESCE(last_active, 0) FROM %s WHERE pk = $1 AND sk = $2`, c.table)
	err := c.pool.QueryRow(ctx, query, sessionPK(sessionID), skMeta).Scan(&meta.UserID, &meta.CreatedAt, &meta.LastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SessionMeta{}, false, nil
	}
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession: %w", err)
	}
	return meta, true, nil
}

// AppendNote inserts the note and touches META.lastActive in one transaction.
func (c *PostgresClient) AppendNote(ctx context.Context, sessionID, note string) error {
	if err := validateSessionID("AppendNote", sessionID); err != nil {
		return err
	}
	if c.pool == nil {
		return errNotConnected
	}
	sk, now, err := c.opts.newNoteSK()
	if err != nil {
		return fmt.Errorf("repository: AppendNote sort key: %w", err)
	}
	ts := now.Unix()

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: AppendNote begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // No-op if committed

	insertNote := fmt.Sprintf(`INSERT INTO %s (pk, sk, note, ts) VALUES ($1, $2, $3, $4)`, c.table)
	if _, err := tx.Exec(ctx, insertNote, sessionPK(sessionID), sk, note, ts); err != nil {
		return fmt.Errorf("repository: AppendNote insert: %w", err)
	}
	touchMeta := fmt.Sprintf(`INSERT INTO %s (pk, sk, last_active) VALUES ($1, $2, $3)
ON CONFLICT (pk, sk) DO UPDATE SET last_active = EXCLUDED.last_active`, c.table)
	if _, err := tx.Exec(ctx, touchMeta, sessionPK(sessionID), skMeta, ts); err != nil {
		return fmt.Errorf("repository: AppendNote touch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: AppendNote commit: %w", err)
	}
	return nil
}

func (c *PostgresClient) GetNotes(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if c.pool == nil {
		return nil, errNotConnected
	}
	query := fmt.Sprintf(`SELECT COALESCE(note, '') FROM %s WHERE pk = $1 AND sk LIKE $2 ORDER BY sk ASC LIMIT $3`, c.table)
	rows, err := c.pool.Query(ctx, query, sessionPK(sessionID), skPrefixNote+"%", normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("repository: GetNotes query: %w", err)
	}
	defer rows.Close()

	notes := make([]string, 0)
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, fmt.Errorf("repository: GetNotes scan: %w", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: GetNotes rows: %w", err)
	}
	return notes, nil
}

func (c *PostgresClient) ResetSession(ctx context.Context, sessionID string) (int, error) {
	if c.pool == nil {
		return 0, errNotConnected
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE pk = $1 AND sk LIKE $2`, c.table)
	tag, err := c.pool.Exec(ctx, query, sessionPK(sessionID), skPrefixNote+"%")
	if err != nil {
		return 0, fmt.Errorf("repository: ResetSession: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (c *PostgresClient) GetCachedResult(ctx context.Context, tool, keyHash string) (any, bool, error) {
	if err := validateCacheKey("GetCachedResult", tool, keyHash); err != nil {
		return nil, false, err
	}
	if c.pool == nil {
		return nil, false, errNotConnected
	}
	entry := domain.CacheEntry{Tool: tool, KeyHash: keyHash}
	query := fmt.Sprintf(`SELECT COALESCE(value, 'null'), COALESCE(expires_at, 0) FROM %s WHERE pk = $1 AND sk = $2`, c.table)
	err := c.pool.QueryRow(ctx, query, toolPK(tool), cacheSK(keyHash)).Scan(&entry.Value, &entry.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: GetCachedResult: %w", err)
	}
	if entry.Expired(c.opts.now().Unix()) {
		return nil, false, nil
	}
	return decodeValue(entry.Value), true, nil
}

func (c *PostgresClient) SetCachedResult(ctx context.Context, tool, keyHash string, value any, ttl time.Duration) error {
	if err := validateCacheKey("SetCachedResult", tool, keyHash); err != nil {
		return err
	}
	if c.pool == nil {
		return errNotConnected
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (pk, sk, value, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (pk, sk) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`, c.table)
	if _, err := c.pool.Exec(ctx, query, toolPK(tool), cacheSK(keyHash), raw, c.opts.now().Add(ttl).Unix()); err != nil {
		return fmt.Errorf("repository: SetCachedResult: %w", err)
	}
	return nil
}
