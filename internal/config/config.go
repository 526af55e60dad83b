// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"stateful-mcp/internal/repository"
)

const (
	DefaultTable      = "mcp_state"
	DefaultSQLitePath = "mcp_state.db"
	DefaultRedisAddr  = "localhost:6379"
	DefaultHTTPHost   = "127.0.0.1"
	DefaultHTTPPort   = 3333
	DefaultCacheTTL   = 900 * time.Second
	DefaultNotesLimit = 200
)

type Config struct {
	Backend    repository.Backend
	Table      string
	TableParam string

	Region         string
	DynamoEndpoint string
	VerifyTable    bool

	SQLitePath string

	PostgresURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CacheTTL   time.Duration
	NotesLimit int

	HTTPHost string
	HTTPPort int

	LogLevel slog.Level
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment. An unknown backend
// selector is an error.
func FromEnv() (*Config, error) {
	backend, err := repository.ParseBackend(os.Getenv("MCP_STATE_BACKEND"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	level, err := parseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Backend:        backend,
		Table:          envString("MCP_STATE_TABLE", DefaultTable),
		TableParam:     strings.TrimSpace(os.Getenv("MCP_STATE_TABLE_PARAM")),
		Region:         strings.TrimSpace(os.Getenv("AWS_REGION")),
		DynamoEndpoint: strings.TrimSpace(os.Getenv("MCP_DYNAMODB_ENDPOINT")),
		VerifyTable:    envBool("MCP_VERIFY_TABLE", false),
		SQLitePath:     envString("MCP_SQLITE_PATH", DefaultSQLitePath),
		PostgresURL:    strings.TrimSpace(os.Getenv("MCP_POSTGRES_URL")),
		RedisAddr:      envString("MCP_REDIS_ADDR", DefaultRedisAddr),
		RedisPassword:  os.Getenv("MCP_REDIS_PASSWORD"),
		RedisDB:        envInt("MCP_REDIS_DB", 0),
		CacheTTL:       time.Duration(envInt("MCP_CACHE_TTL_SECONDS", int(DefaultCacheTTL/time.Second))) * time.Second,
		NotesLimit:     envInt("MCP_NOTES_LIMIT", DefaultNotesLimit),
		HTTPHost:       envString("MCP_HTTP_HOST", DefaultHTTPHost),
		HTTPPort:       envInt("MCP_HTTP_PORT", DefaultHTTPPort),
		LogLevel:       level,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Backend == repository.BackendPostgres && c.PostgresURL == "" {
		return errors.New("config: MCP_POSTGRES_URL is required for the POSTGRES backend")
	}
	if c.CacheTTL <= 0 {
		return errors.New("config: MCP_CACHE_TTL_SECONDS must be positive")
	}
	if c.NotesLimit <= 0 {
		return errors.New("config: MCP_NOTES_LIMIT must be positive")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid MCP_HTTP_PORT %d", c.HTTPPort)
	}
	return nil
}

// HTTPAddr is the listen address for the HTTP transport.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: invalid LOG_LEVEL %q", s)
	}
	return level, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
