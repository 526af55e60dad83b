package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"stateful-mcp/handler"
	"stateful-mcp/internal/bootstrap"
	"stateful-mcp/internal/config"
	"stateful-mcp/internal/mcpstdio"
	"stateful-mcp/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func main() {
	mode := flag.String("mode", "http", "transport to serve: http or stdio")
	host := flag.String("host", "", "HTTP listen host (overrides MCP_HTTP_HOST)")
	port := flag.Int("port", 0, "HTTP listen port (overrides MCP_HTTP_PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.HTTPHost = *host
	}
	if *port != 0 {
		cfg.HTTPPort = *port
	}

	// stdout belongs to the stdio transport; logs always go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open state store", "backend", cfg.Backend, "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := closeStore(); err != nil {
			slog.Warn("failed to close state store", "err", err)
		}
	}()

	tools, err := usecase.NewToolService(store, cfg.CacheTTL, cfg.NotesLimit)
	if err != nil {
		slog.Error("failed to create tool service", "err", err)
		os.Exit(1)
	}

	switch *mode {
	case "stdio":
		err = serveStdio(ctx, tools)
	case "http":
		err = serveHTTP(ctx, tools, cfg.HTTPAddr())
	default:
		slog.Error("invalid mode; use http or stdio", "mode", *mode)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("server stopped with error", "mode", *mode, "err", err)
		stop()
		os.Exit(1)
	}
	slog.Info("server stopped", "mode", *mode)
}

func serveStdio(ctx context.Context, tools *usecase.ToolService) error {
	srv, err := mcpstdio.NewServer(tools)
	if err != nil {
		return err
	}
	return mcpstdio.Serve(ctx, srv)
}

func serveHTTP(ctx context.Context, tools *usecase.ToolService, addr string) error {
	h, err := handler.NewHandler(tools)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
