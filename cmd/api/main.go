package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"taskboard/api/internal/app"
	"taskboard/api/internal/cache"
	"taskboard/api/internal/config"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var snapshots *cache.SnapshotCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		snapshots, err = cache.NewSnapshotCache(cfg.RedisURL, cfg.SnapshotTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer snapshots.Close()
		logger.Info().Msg("board snapshot cache enabled")
	} else {
		logger.Info().Msg("board snapshot cache disabled")
	}

	hub := realtime.NewHub(logger)
	service := app.New(cfg, dataStore, snapshots, hub, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("taskboard API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
