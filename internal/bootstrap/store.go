// Package bootstrap builds the configured session store.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"stateful-mcp/internal/config"
	"stateful-mcp/internal/integrations/paramstore"
	"stateful-mcp/internal/repository"
)

// CloseFunc releases store resources. It is safe to call once.
type CloseFunc func() error

func noopClose() error { return nil }

// OpenStore returns the store selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg *config.Config) (repository.Store, CloseFunc, error) {
	switch cfg.Backend {
	case repository.BackendDynamoDB:
		store, err := openDynamoDB(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, noopClose, nil
	case repository.BackendSQLite:
		store, err := repository.NewSQLite(ctx, cfg.SQLitePath, cfg.Table)
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "using sqlite state store", "path", cfg.SQLitePath, "table", cfg.Table)
		return store, store.Close, nil
	case repository.BackendPostgres:
		store, err := repository.NewPostgres(ctx, cfg.PostgresURL, cfg.Table)
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "using postgres state store", "table", cfg.Table)
		return store, store.Close, nil
	case repository.BackendRedis:
		store, err := repository.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Table)
		if err != nil {
			return nil, nil, err
		}
		slog.InfoContext(ctx, "using redis state store", "addr", cfg.RedisAddr, "prefix", cfg.Table)
		return store, store.Close, nil
	case repository.BackendMemory:
		slog.WarnContext(ctx, "using in-memory state store; state is lost on exit")
		return repository.NewMemory(), noopClose, nil
	default:
		return nil, nil, fmt.Errorf("bootstrap: unsupported state backend %q", cfg.Backend)
	}
}

func openDynamoDB(ctx context.Context, cfg *config.Config) (*repository.DynamoDBClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load AWS config: %w", err)
	}

	table := cfg.Table
	if cfg.TableParam != "" {
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: create SSM client: %w", err)
		}
		table, err = paramstore.ResolveTableName(ctx, ssmClient, cfg.TableParam, cfg.Table)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: resolve table name: %w", err)
		}
	}

	api := awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	})
	store, err := repository.NewDynamoDB(api, table)
	if err != nil {
		return nil, err
	}

	if cfg.VerifyTable {
		ttlEnabled, err := store.Verify(ctx)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: verify table %q: %w", table, err)
		}
		if !ttlEnabled {
			slog.WarnContext(ctx, "TTL is not enabled on expiresAt; expired cache entries are only filtered on read", "table", table)
		}
	}
	slog.InfoContext(ctx, "using dynamodb state store", "table", table, "region", awsCfg.Region)
	return store, nil
}
