// NOVA truth daemon: owns the append-only truth store, ingests producer
// events from the transport, serves fenced playback streams, and hosts the
// client edge.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/nova-io/nova/pkg/clock"
	"github.com/nova-io/nova/pkg/commands"
	"github.com/nova-io/nova/pkg/config"
	"github.com/nova-io/nova/pkg/database"
	"github.com/nova-io/nova/pkg/drivers"
	"github.com/nova-io/nova/pkg/edge"
	"github.com/nova-io/nova/pkg/ingest"
	"github.com/nova-io/nova/pkg/ipc"
	"github.com/nova-io/nova/pkg/playback"
	"github.com/nova-io/nova/pkg/router"
	"github.com/nova-io/nova/pkg/store"
	"github.com/nova-io/nova/pkg/transport"
	"github.com/nova-io/nova/pkg/uistate"
	"github.com/nova-io/nova/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 1. Configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting NOVA truth process",
		"version", version.Full(),
		"role", cfg.Role,
		"scope_id", cfg.ScopeID,
		"config_dir", *configDir)

	// 2. Database and truth store
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.Store.Path))
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	truthStore := store.NewStore(dbClient.DB())
	slog.Info("Connected to PostgreSQL truth store")

	// 3. Ingest listener (dedicated LISTEN connection)
	listener := store.NewIngestListener(dbClient.DSN())
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start ingest listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)

	// 4. Driver plane and UI state accumulator (live-path sinks)
	registry := drivers.NewRegistry(drivers.RawFrameDriver{}, drivers.NewJSONLinesDriver())
	fileWriter := drivers.NewWriter(registry, cfg.FileWriter.DataDir)
	uiManager := uistate.NewManager(truthStore, cfg.CheckpointInterval(), cfg.HistoryTimeout())

	// 5. Ingest pipeline. Payload instances accept only their own scope;
	// aggregating instances accept everything.
	ingestScope := cfg.ScopeID
	if cfg.Role == config.RoleAggregating {
		ingestScope = ""
	}
	clk := clock.System{}
	pipeline := ingest.NewPipeline(truthStore, clk, ingestScope, uiManager, fileWriter)
	uiManager.SetEmitter(pipeline)
	fileWriter.SetEmitter(pipeline)

	// 6. Transport: subscriber feeds the pipeline, publisher dispatches
	// recorded commands.
	rdb, err := transport.NewRedisClient(ctx, cfg.Transport.URI, cfg.Transport.Timeout())
	if err != nil {
		slog.Error("Failed to connect to transport", "uri", cfg.Transport.URI, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing transport client", "error", err)
		}
	}()

	subscriber := transport.NewSubscriber(rdb, ingestScope, pipeline)
	go func() {
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Transport subscriber stopped", "error", err)
		}
	}()
	publisher := transport.NewPublisher(rdb)
	slog.Info("Transport connected", "uri", cfg.Transport.URI)

	// 7. Playback engine, command manager, exporter
	playbackMgr := playback.NewManager(truthStore, listener, clk, cfg.WindowSpan(), cfg.SyncTolerance())
	commandMgr := commands.NewManager(pipeline, truthStore, publisher, clk)
	exporter := drivers.NewExporter(truthStore, registry, cfg.Export.ExportDir)

	// 8. Edge <-> truth seam
	link := ipc.NewLink(ipc.DefaultRequestBuffer)
	rtr := router.New(link,
		router.PlaybackManager{Manager: playbackMgr},
		commandMgr, pipeline, uiManager, exporter,
		cfg.DefaultTimebase(), 0)
	go rtr.Run(ctx)

	// 9. Edge server
	connManager := edge.NewConnectionManager(link, 10*time.Second)
	healthCheck := func(ctx context.Context) (map[string]any, error) {
		status, err := database.Health(ctx, dbClient.DB())
		return map[string]any{"database": status, "version": version.Full()}, err
	}
	server := edge.NewServer(link, connManager, cfg.Edge.AllowedWSOrigins, healthCheck)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Edge server listening", "addr", cfg.Edge.ListenAddr)
		if err := server.Start(cfg.Edge.ListenAddr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("NOVA started", "role", cfg.Role)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Edge server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop accepting clients, then tear down the
	// truth side in reverse order of startup.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Edge server shutdown incomplete", "error", err)
	}
	stop()

	slog.Info("NOVA stopped")
}
