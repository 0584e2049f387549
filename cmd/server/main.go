// Command server runs the chat orchestration HTTP server: it loads
// configuration, opens a store, wires the tool registry and provider
// resolver, and serves the HTTP API until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/chatbranch"
	"github.com/nevindra/chatbranch/httpapi"
	"github.com/nevindra/chatbranch/internal/config"
	"github.com/nevindra/chatbranch/observability"
	"github.com/nevindra/chatbranch/provider/resolve"
	"github.com/nevindra/chatbranch/store/postgres"
	"github.com/nevindra/chatbranch/store/sqlite"
	"github.com/nevindra/chatbranch/tools/arithmetic"
	httptool "github.com/nevindra/chatbranch/tools/http"
	"github.com/nevindra/chatbranch/tools/pdf"
	"github.com/nevindra/chatbranch/tools/shell"
)

func main() {
	configPath := flag.String("config", "", "path to chatbranch.toml (default: ./chatbranch.toml if present)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	cfg := config.Load(*configPath)

	store, err := openStore(cfg.Server)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := store.Init(ctx); err != nil {
		logger.Error("init store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	tracer, shutdownTracing, err := observability.Init(ctx)
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	tools := chatbranch.NewToolRegistry()
	tools.Add(observability.WrapTool(arithmetic.New(), tracer))
	tools.Add(observability.WrapTool(httptool.New(), tracer))
	tools.Add(observability.WrapTool(shell.New(cfg.Server.WorkspacePath, cfg.Server.ToolTimeout), tracer))
	tools.Add(observability.WrapTool(pdf.New(0), tracer))

	resolver := resolve.New(cfg.ResolveTable())
	activeGen := chatbranch.NewActiveGenerationRegistry()

	pipeline := chatbranch.NewPipeline(chatbranch.PipelineConfig{
		Store:     store,
		Tools:     tools,
		ActiveGen: activeGen,
		ResolveProvider: func(model string) (chatbranch.Provider, error) {
			p, err := resolver.Resolve(model)
			if err != nil {
				return nil, err
			}
			return observability.WrapProvider(p, model, tracer), nil
		},
		Logger:       logger,
		MaxToolCalls: cfg.Server.MaxToolCalls,
	})

	server := httpapi.New(store, pipeline, activeGen, tools, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Server.ListenAddr, "store_driver", cfg.Server.StoreDriver)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

func openStore(cfg config.ServerConfig) (chatbranch.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	case "sqlite", "":
		return sqlite.New(cfg.SQLitePath), nil
	default:
		return nil, chatbranch.BadRequest("unknown store driver " + cfg.StoreDriver)
	}
}
