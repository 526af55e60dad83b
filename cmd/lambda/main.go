package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"stateful-mcp/handler"
	"stateful-mcp/internal/bootstrap"
	"stateful-mcp/internal/config"
	"stateful-mcp/internal/usecase"
)

func main() {
	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	// Connections are reused across invocations and released when the
	// execution environment is torn down.
	store, _, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open state store", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}

	tools, err := usecase.NewToolService(store, cfg.CacheTTL, cfg.NotesLimit)
	if err != nil {
		slog.Error("failed to create tool service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(tools)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
