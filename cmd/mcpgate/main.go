// Package main is the entry point for the MCP gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/credentials"
	"mcpgate/internal/crypto"
	"mcpgate/internal/domain"
	"mcpgate/internal/embeddings"
	httpserver "mcpgate/internal/http"
	"mcpgate/internal/mcp"
	"mcpgate/internal/storage"
	"mcpgate/internal/storage/postgres"
	"mcpgate/internal/sync"
	"mcpgate/internal/telemetry"
	"mcpgate/internal/virtual"
)

func buildLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg := config.LoadOrDefault(*configPath)

	// Setup structured logging
	slog.SetDefault(buildLogger(cfg.Telemetry))

	slog.Info("Starting MCP gateway",
		"version", "0.1.0",
		"http_port", cfg.Server.HTTPPort,
	)

	// Initialize telemetry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.PrometheusEnabled {
		metrics = telemetry.NewMetrics(nil)
	}

	// Initialize storage
	var (
		catalog    domain.CatalogRepository
		accounts   domain.AccountRepository
		bundles    domain.BundleRepository
		sessions   domain.SessionRepository
		executions domain.ExecutionRepository
		pinger     httpserver.Pinger
	)
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Security.EncryptionKey == "" {
			slog.Error("No encryption key configured (MCPGATE_ENCRYPTION_KEY); refusing to store connected account credentials in plain text")
			os.Exit(1)
		}
		cipher, err := crypto.NewCredentialCipherFromSecret(cfg.Security.EncryptionKey)
		if err != nil {
			slog.Error("Failed to initialize credential cipher", "error", err)
			os.Exit(1)
		}
		slog.Info("Initializing PostgreSQL storage",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Database,
		)
		pgStore, err := postgres.NewStore(&cfg.Database, cipher)
		if err != nil {
			slog.Error("Failed to initialize PostgreSQL storage", "error", err)
			os.Exit(1)
		}
		defer pgStore.Close()
		catalog = pgStore.Catalog()
		accounts = pgStore.Accounts()
		bundles = pgStore.Bundles()
		sessions = pgStore.Sessions()
		executions = pgStore.Executions()
		pinger = pgStore
		slog.Info("PostgreSQL storage initialized", "key_id", cipher.KeyID())
	case "memory":
		memStore := storage.NewMemoryStore()
		catalog = memStore
		accounts = memStore
		bundles = memStore
		sessions = memStore
		executions = memStore
		pinger = memStore
		slog.Warn("Using in-memory storage, data will not survive a restart")
	default:
		slog.Error("Unknown database driver", "driver", cfg.Database.Driver)
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	// Create the embedder backing semantic tool search
	embedder, err := embeddings.New(ctx, &cfg.Embedder)
	if err != nil {
		slog.Error("Failed to initialize embedder", "type", cfg.Embedder.Type, "error", err)
		os.Exit(1)
	}
	if embedder == nil {
		slog.Warn("No embedder configured, tool search will order by name")
	} else {
		slog.Info("Embedder initialized", "type", cfg.Embedder.Type, "dimensions", cfg.Embedder.Dimensions)
	}
	embedService := embeddings.NewService(embedder).WithMetrics(metrics, cfg.Embedder.Type)

	// Credential manager refreshes OAuth2 access tokens ahead of expiry
	creds := credentials.NewManager(accounts, cfg.Gateway.TokenRefreshLeeway).WithMetrics(metrics)

	// Connector registry for virtual MCP servers
	registry := virtual.NewRegistry()
	virtual.RegisterTimeConnector(registry)
	virtualExec := virtual.NewExecutor(catalog, registry)

	// Tool synchronizer pulls upstream tool lists into the catalog
	synchronizer := sync.NewSynchronizer(catalog, accounts, creds, embedService, &cfg.Gateway).WithMetrics(metrics)

	// MCP session manager, router and JSON-RPC server
	sessionManager := mcp.NewSessionManager(sessions, accounts, catalog, creds, cfg.Gateway).WithMetrics(metrics)
	router := mcp.NewRouter(catalog, accounts, executions, creds, embedService, sessionManager, virtualExec, cfg.Gateway)
	mcpServer := mcp.NewServer(bundles, sessionManager, router).WithMetrics(metrics)
	virtualHandler := virtual.NewHandler(catalog, virtualExec)

	// Sweep idle sessions in the background
	go sessionManager.RunJanitor(ctx)

	// Start the HTTP server
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	httpServer := httpserver.NewServer(cfg, mcpServer, virtualHandler, pinger, synchronizer, sessionManager)
	go func() {
		slog.Info("Starting HTTP server",
			"addr", httpAddr,
			"endpoints", []string{"/mcp", "/virtual/mcp", "/health", "/metrics"},
		)
		if err := httpServer.Start(ctx, httpAddr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	slog.Info("MCP gateway ready",
		"mcp_endpoint", fmt.Sprintf("http://localhost:%d/mcp", cfg.Server.HTTPPort),
		"virtual_endpoint", fmt.Sprintf("http://localhost:%d/virtual/mcp", cfg.Server.HTTPPort),
		"driver", cfg.Database.Driver,
		"embedder", cfg.Embedder.Type,
	)

	// Wait for shutdown
	<-ctx.Done()
	slog.Info("Shutting down...")

	// Give in-flight requests time to complete
	time.Sleep(2 * time.Second)
	slog.Info("MCP gateway stopped")
}
