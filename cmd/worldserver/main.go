package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/predadoralfa/Youtube/internal/config"
	"github.com/predadoralfa/Youtube/internal/db"
	"github.com/predadoralfa/Youtube/internal/gameserver"
	"github.com/predadoralfa/Youtube/internal/movement"
	"github.com/predadoralfa/Youtube/internal/persistence"
	"github.com/predadoralfa/Youtube/internal/replication"
	"github.com/predadoralfa/Youtube/internal/state"
	"github.com/predadoralfa/Youtube/internal/world"
)

const WorldConfigPath = "config/worldserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load config FIRST to determine log level
	cfgPath := WorldConfigPath
	if p := os.Getenv("WORLD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadWorldServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading world config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("world server starting",
		"log_level", cfg.LogLevel,
		"bind", cfg.BindAddress,
		"port", cfg.Port,
		"chunk_size", cfg.Presence.ChunkSize,
		"radius", cfg.Presence.Radius)

	// Connect to database
	database, err := db.New(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer database.Close()
	slog.Info("database connected")

	if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	repo := db.NewRuntimeRepository(database.Pool())

	store := state.NewStore(repo, state.Config{
		ChunkSize:    cfg.Presence.ChunkSize,
		DefaultSpeed: cfg.Movement.DefaultSpeed,
		StopRadius:   cfg.Movement.StopRadius,
	})
	presence := world.NewIndex(cfg.Presence.ChunkSize, cfg.Presence.Radius)

	clients := gameserver.NewClientManager()
	hub := gameserver.NewHub(clients)
	replicator := replication.NewReplicator(store, presence, hub)

	engine := movement.NewEngine(movement.Config{
		TickInterval:      cfg.Movement.TickInterval,
		DTMax:             cfg.Movement.DTMax,
		InputActiveWindow: cfg.Movement.InputActiveWindow,
		ClickSpamWindow:   cfg.Movement.ClickSpamWindow,
	}, store, presence, replicator)

	persister := persistence.NewManager(persistence.Config{
		TickInterval:       cfg.Persistence.TickInterval,
		MaxFlushPerTick:    cfg.Persistence.MaxFlushPerTick,
		MinRuntimeFlushGap: cfg.Persistence.MinRuntimeFlushGap,
		MinStatsFlushGap:   cfg.Persistence.MinStatsFlushGap,
		WriteTimeout:       cfg.Persistence.WriteTimeout,
	}, store, presence, repo)
	persister.OnDespawn(replicator.Despawn)

	server := gameserver.NewServer(cfg, store, persister, gameserver.NewHandler(engine, replicator), hub, clients)

	// Movement tick, persistence loop and listener in parallel
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := engine.Run(gctx); err != nil {
			return fmt.Errorf("movement engine: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := persister.Run(gctx); err != nil {
			return fmt.Errorf("persistence loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := server.Run(gctx); err != nil {
			return fmt.Errorf("world server: %w", err)
		}
		return nil
	})

	runErr := g.Wait()

	// Final write-back, detached from the cancelled run context.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Persistence.ShutdownTimeout)
	defer cancel()
	if err := persister.FlushAll(flushCtx); err != nil {
		slog.Error("final flush incomplete", "error", err)
	}

	slog.Info("world server stopped")
	return runErr
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
