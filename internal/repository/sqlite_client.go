package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"stateful-mcp/internal/domain"
)

// SQLiteClient implements the session store on a local SQLite file.
type SQLiteClient struct {
	db    *sql.DB
	table string
	opts  *options
}

// NewSQLite opens (and if needed creates) the store table in the SQLite
// database at path. Use ":memory:" for a throwaway database.
func NewSQLite(ctx context.Context, path, table string, opts ...Option) (*SQLiteClient, error) {
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite database: %w", err)
	}
	// Every connection to ":memory:" is a separate database, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL(table, "INTEGER")); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create sqlite table: %w", err)
	}
	return &SQLiteClient{db: db, table: table, opts: newOptions(opts...)}, nil
}

// Close releases the database handle.
func (c *SQLiteClient) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *SQLiteClient) CreateSession(ctx context.Context, sessionID, userID string) error {
	if err := validateSessionID("CreateSession", sessionID); err != nil {
		return err
	}
	if c.db == nil {
		return errNotConnected
	}
	now := c.opts.now().Unix()
	query := fmt.Sprintf(`INSERT INTO %s (pk, sk, user_id, created_at, last_active) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (pk, sk) DO NOTHING`, c.table)
	if _, err := c.db.ExecContext(ctx, query, sessionPK(sessionID), skMeta, normalizeUserID(userID), now, now); err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

func (c *SQLiteClient) GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, bool, error) {
	if c.db == nil {
		return domain.SessionMeta{}, false, errNotConnected
	}
	meta := domain.SessionMeta{SessionID: sessionID}
	query := fmt.Sprintf(`SELECT COALESCE(user_id, ''), COALESCE(created_at, 0), COALESCE(last_active, 0) FROM %s WHERE pk = ? AND sk = ?`, c.table)
	err := c.db.QueryRowContext(ctx, query, sessionPK(sessionID), skMeta).Scan(&meta.UserID, &meta.CreatedAt, &meta.LastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionMeta{}, false, nil
	}
	if err != nil {
		return domain.SessionMeta{}, false, fmt.Errorf("repository: GetSession: %w", err)
	}
	return meta, true, nil
}

// AppendNote inserts the note and touches META.lastActive in one transaction.
func (c *SQLiteClient) AppendNote(ctx context.Context, sessionID, note string) error {
	if err := validateSessionID("AppendNote", sessionID); err != nil {
		return err
	}
	if c.db == nil {
		return errNotConnected
	}
	sk, now, err := c.opts.newNoteSK()
	if err != nil {
		return fmt.Errorf("repository: AppendNote sort key: %w", err)
	}
	ts := now.Unix()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: AppendNote begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // No-op if committed

	insertNote := fmt.Sprintf(`INSERT INTO %s (pk, sk, note, ts) VALUES (?, ?, ?, ?)`, c.table)
	if _, err := tx.ExecContext(ctx, insertNote, sessionPK(sessionID), sk, note, ts); err != nil {
		return fmt.Errorf("repository: AppendNote insert: %w", err)
	}
	touchMeta := fmt.Sprintf(`INSERT INTO %s (pk, sk, last_active) VALUES (?, ?, ?)
ON CONFLICT (pk, sk) DO UPDATE SET last_active = excluded.last_active`, c.table)
	if _, err := tx.ExecContext(ctx, touchMeta, sessionPK(sessionID), skMeta, ts); err != nil {
		return fmt.Errorf("repository: AppendNote touch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: AppendNote commit: %w", err)
	}
	return nil
}

func (c *SQLiteClient) GetNotes(ctx context.Context, sessionID string, limit int) ([]string, error) {
	if c.db == nil {
		return nil, errNotConnected
	}
	query := fmt.Sprintf(`SELECT COALESCE(note, '') FROM %s WHERE pk = ? AND sk LIKE ? ORDER BY sk ASC LIMIT ?`, c.table)
	rows, err := c.db.QueryContext(ctx, query, sessionPK(sessionID), skPrefixNote+"%", normalizeLimit(limit))
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

func (c *SQLiteClient) ResetSession(ctx context.Context, sessionID string) (int, error) {
	if c.db == nil {
		return 0, errNotConnected
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE pk = ? AND sk LIKE ?`, c.table)
	res, err := c.db.ExecContext(ctx, query, sessionPK(sessionID), skPrefixNote+"%")
	if err != nil {
		return 0, fmt.Errorf("repository: ResetSession: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("repository: ResetSession rows affected: %w", err)
	}
	return int(n), nil
}

func (c *SQLiteClient) GetCachedResult(ctx context.Context, tool, keyHash string) (any, bool, error) {
	if err := validateCacheKey("GetCachedResult", tool, keyHash); err != nil {
		return nil, false, err
	}
	if c.db == nil {
		return nil, false, errNotConnected
	}
	entry := domain.CacheEntry{Tool: tool, KeyHash: keyHash}
	query := fmt.Sprintf(`SELECT COALESCE(value, 'null'), COALESCE(expires_at, 0) FROM %s WHERE pk = ? AND sk = ?`, c.table)
	err := c.db.QueryRowContext(ctx, query, toolPK(tool), cacheSK(keyHash)).Scan(&entry.Value, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
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

func (c *SQLiteClient) SetCachedResult(ctx context.Context, tool, keyHash string, value any, ttl time.Duration) error {
	if err := validateCacheKey("SetCachedResult", tool, keyHash); err != nil {
		return err
	}
	if c.db == nil {
		return errNotConnected
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (pk, sk, value, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT (pk, sk) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, c.table)
	if _, err := c.db.ExecContext(ctx, query, toolPK(tool), cacheSK(keyHash), raw, c.opts.now().Add(ttl).Unix()); err != nil {
		return fmt.Errorf("repository: SetCachedResult: %w", err)
	}
	return nil
}
