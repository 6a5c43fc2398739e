package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/mcdev12/vrsync/go/internal/config"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("VRSYNC_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db   *sql.DB
		pool *pgxpool.Pool
	)
	if cfg.Journal.Postgres || cfg.Scenes.Source == "db" {
		dbCfg := cfg.Database
		if cfg.Journal.Postgres {
			db, err = setupDatabase(ctx, dbCfg)
			if err != nil {
				log.Fatal().Err(err).Msg("failed to set up journal database")
			}
			defer db.Close()
		}
		if cfg.Scenes.Source == "db" {
			pool, err = setupPool(ctx, dbCfg)
			if err != nil {
				log.Warn().Err(err).Msg("scene database unavailable")
			} else {
				defer pool.Close()
			}
		}
	}

	catalog, err := loadCatalog(ctx, cfg, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load scene catalog")
	}

	service, sink := setupService(cfg, catalog, db)
	if sink != nil {
		if err := sink.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to create journal table")
		}
		go sink.Run(ctx)
	}

	server := setupServer(cfg.Server.Port, service.Handler())

	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("sync service failed")
			stop()
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-serviceDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("timed out waiting for sync service to stop")
	}

	log.Info().Msg("vrsync server shutdown complete")
}
