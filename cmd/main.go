/*
Package main is the entry point for the recovery community chat server.

It loads configuration, initializes the global logger, opens the persistence gateway and the
cross-process relay, starts the HTTP server together with the chat hub's housekeeping, and
shuts everything down gracefully on SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"recoverychat/internal/app/chat"
	"recoverychat/internal/app/relay"
	"recoverychat/internal/app/store"
	"recoverychat/internal/app/store/pgstore"
	"recoverychat/internal/app/store/sqlitestore"
	"recoverychat/internal/configs"
	"recoverychat/internal/handler"
	"recoverychat/internal/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

func openStore(ctx context.Context, cfg *configs.AppConfig) (store.Gateway, error) {
	switch cfg.StoreDriver {
	case configs.StoreDriverSQLite:
		return sqlitestore.Open(ctx, cfg.SQLitePath)
	default:
		return pgstore.Open(ctx, cfg.DatabaseDSN)
	}
}

func openRelay(ctx context.Context, cfg *configs.AppConfig) (relay.Relay, error) {
	if cfg.RedisURL == "" {
		return relay.NewLocal(), nil
	}
	return relay.DialRedis(ctx, cfg.RedisURL, cfg.RedisChannelPrefix)
}

func seedRooms(cfg *configs.AppConfig) []store.Room {
	rooms := make([]store.Room, 0, len(cfg.SeedRooms()))
	for _, seed := range cfg.SeedRooms() {
		rooms = append(rooms, store.Room{ID: seed.ID, Name: seed.Name, Description: seed.Description})
	}
	return rooms
}

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("store_driver", cfg.StoreDriver).
		Bool("redis_relay", cfg.RedisURL != "").
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Dur("presence_stale_after", cfg.PresenceStaleAfter).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := openStore(ctx, cfg)
	if err != nil {
		logx.Fatal(err, "Failed to open persistence gateway", "driver", cfg.StoreDriver)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logx.Error(err, "Failed to close persistence gateway")
		}
	}()

	rl, err := openRelay(ctx, cfg)
	if err != nil {
		logx.Fatal(err, "Failed to connect broadcast relay")
	}
	defer func() {
		if err := rl.Close(); err != nil {
			logx.Error(err, "Failed to close broadcast relay")
		}
	}()

	hub := chat.NewHub(gateway, rl, chat.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		StaleAfter:        cfg.PresenceStaleAfter,
		SweepInterval:     cfg.SweepInterval,
		TypingWindow:      cfg.TypingWindow,
		ReplayLimit:       cfg.HistoryReplayLimit,
	})

	if err := hub.EnsureRooms(ctx, seedRooms(cfg)); err != nil {
		logx.Fatal(err, "Failed to seed room catalog")
	}

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     handler.Router(ctx, &handler.AppDeps{Hub: hub, Config: cfg}),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logx.Info(fmt.Sprintf("Chat server starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		return rl.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logx.Info("Received shutdown signal. Starting graceful shutdown...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()

		// Hijacked websocket connections are not tracked by Shutdown; the hub closes them.
		hub.Shutdown()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logx.Error(err, "Server stopped with error")
		return
	}

	logx.Info("Server gracefully stopped.")
}
