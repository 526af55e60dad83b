package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stateful-mcp/internal/domain"
)

// Store is the session store contract every backend implements.
type Store interface {
	CreateSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (domain.SessionMeta, bool, error)
	AppendNote(ctx context.Context, sessionID, note string) error
	GetNotes(ctx context.Context, sessionID string, limit int) ([]string, error)
	ResetSession(ctx context.Context, sessionID string) (int, error)
	GetCachedResult(ctx context.Context, tool, keyHash string) (any, bool, error)
	SetCachedResult(ctx context.Context, tool, keyHash string, value any, ttl time.Duration) error
}

var (
	_ Store = (*DynamoDBClient)(nil)
	_ Store = (*SQLiteClient)(nil)
	_ Store = (*PostgresClient)(nil)
	_ Store = (*RedisClient)(nil)
	_ Store = (*MemoryClient)(nil)
)

// Backend selects a Store implementation.
type Backend string

const (
	BackendDynamoDB Backend = "DYNAMODB"
	BackendSQLite   Backend = "SQLITE"
	BackendPostgres Backend = "POSTGRES"
	BackendRedis    Backend = "REDIS"
	BackendMemory   Backend = "MEMORY"
)

// ParseBackend resolves a backend selector case-insensitively. An empty
// selector means DynamoDB.
func ParseBackend(s string) (Backend, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return BackendDynamoDB, nil
	}
	switch b := Backend(s); b {
	case BackendDynamoDB, BackendSQLite, BackendPostgres, BackendRedis, BackendMemory:
		return b, nil
	default:
		return "", fmt.Errorf("repository: unsupported state backend %q", s)
	}
}
