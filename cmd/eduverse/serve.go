package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/eduverse/engine/internal/api"
	"github.com/eduverse/engine/internal/chunker"
	"github.com/eduverse/engine/internal/composer"
	"github.com/eduverse/engine/internal/config"
	"github.com/eduverse/engine/internal/extract"
	"github.com/eduverse/engine/internal/gateway"
	"github.com/eduverse/engine/internal/ingest"
	"github.com/eduverse/engine/internal/pipeline"
	"github.com/eduverse/engine/internal/reranking"
	"github.com/eduverse/engine/internal/retrieval"
	"github.com/eduverse/engine/internal/session"
	"github.com/eduverse/engine/internal/storage"
	"github.com/eduverse/engine/internal/vectorindex"
)

const rerankTimeout = 10 * time.Second

var mcpFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the eduverse server (HTTP API, ingestion workers, optional MCP over stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&mcpFlag, "mcp", false, "also serve MCP tools over stdio")
}

func runServer() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.APIToken == "" {
		return fmt.Errorf("no API token configured (set EDUVERSE_API_TOKEN)")
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	models := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, gateway.Models{
		Embed:      cfg.Gateway.EmbedModel,
		Generate:   cfg.Gateway.GenerateModel,
		Vision:     cfg.Gateway.VisionModel,
		Transcribe: cfg.Gateway.TranscribeModel,
	}, gateway.Options{
		Timeout:           time.Duration(cfg.Gateway.TimeoutSecs) * time.Second,
		MaxRetries:        cfg.Gateway.MaxRetries,
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
	})

	index := vectorindex.NewSQLiteIndex(store.DB())

	// Ingestion side.
	runner := ingest.NewRunner(store, extract.NewFetcher(), models, index, ingest.RunnerConfig{
		SpoolDir: filepath.Join(cfg.Storage.DataDir, "spool"),
		ChunkParams: chunker.Params{
			Size:           cfg.Ingest.ChunkSize,
			Overlap:        cfg.Ingest.ChunkOverlap,
			BoundaryWindow: chunker.DefaultParams().BoundaryWindow,
		},
		MaxKeyframes: cfg.Ingest.MaxKeyframes,
	}, logger)
	pool := ingest.NewPool(store, runner, cfg.Ingest.Workers, time.Duration(cfg.Ingest.PollSecs)*time.Second, logger)
	go func() {
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool stopped", "error", err)
		}
	}()

	// Answering side.
	expander := retrieval.NewQueryExpander(models, cfg.Retrieval.MaxParaphrases, logger)
	reranker := reranking.NewReranker(models, cfg.Retrieval.RerankEnabled, rerankTimeout, cfg.Retrieval.RerankThreshold, cfg.Retrieval.TopK)
	engine := retrieval.NewEngine(models, index, expander, reranker, retrieval.Params{
		FetchK: cfg.Retrieval.FetchK,
		TopK:   cfg.Retrieval.TopK,
	}, logger)
	sessions := session.NewManager(store, cfg.Session.MaxTurns)
	answerer := pipeline.NewAnswerer(engine, models, composer.New(0), sessions, logger)

	handler := api.NewHandler(api.Deps{
		Store:  store,
		Ingest: ingest.NewService(store),
		Index:  index,
		Asker:  answerer,
		Token:  cfg.Server.APIToken,
		Logger: logger,
	})

	if mcpFlag {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:        store,
			Asker:        answerer,
			Searcher:     engine,
			DefaultOwner: os.Getenv("EDUVERSE_MCP_OWNER"),
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("eduverse listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
