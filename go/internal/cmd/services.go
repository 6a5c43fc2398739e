package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/vrsync/go/internal/config"
	"github.com/mcdev12/vrsync/go/internal/gateway"
	"github.com/mcdev12/vrsync/go/internal/heartbeat"
	"github.com/mcdev12/vrsync/go/internal/journal"
	"github.com/mcdev12/vrsync/go/internal/scenes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// loadCatalog reads scenes from the configured source. A database source
// falls back to the manifest file when the table is unreachable or empty.
func loadCatalog(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*scenes.Catalog, error) {
	if cfg.Scenes.Source == "db" && pool != nil {
		catalog, err := scenes.LoadFromDB(ctx, pool)
		if err == nil && catalog.Len() > 0 {
			log.Info().Int("scenes", catalog.Len()).Msg("loaded scenes from database")
			return catalog, nil
		}
		log.Warn().Err(err).Str("file", cfg.Scenes.File).Msg("falling back to scene manifest")
	}

	catalog, err := scenes.LoadFile(cfg.Scenes.File)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenes: %w", err)
	}
	log.Info().Int("scenes", catalog.Len()).Str("file", cfg.Scenes.File).Msg("loaded scenes from manifest")
	return catalog, nil
}

// setupService wires the sync gateway from configuration. db may be nil, in
// which case the journal is kept in memory only.
func setupService(cfg *config.Config, catalog *scenes.Catalog, db *sql.DB) (*gateway.Service, *journal.Postgres) {
	gwCfg := gateway.DefaultConfig()
	gwCfg.Connection.AllowedOrigins = cfg.Server.AllowedOrigins
	gwCfg.Heartbeat = heartbeat.Config{
		Interval: cfg.Sync.HeartbeatInterval,
		Timeout:  cfg.Sync.ClientTimeout,
	}
	gwCfg.RateLimit = gateway.RateLimitConfig{
		PerSecond: cfg.Sync.RatePerSecond,
		Burst:     cfg.Sync.RateBurst,
	}
	gwCfg.StartDelay = cfg.Sync.StartDelay
	gwCfg.JournalCapacity = cfg.Sync.JournalCapacity

	if cfg.NATS.Enabled {
		js := gateway.DefaultJetStreamConsumerConfig()
		js.URL = cfg.NATS.URL
		js.StreamName = cfg.NATS.Stream
		js.ConsumerName = cfg.NATS.Consumer
		js.SubjectFilter = cfg.NATS.Subject
		gwCfg.JetStream = &js
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []gateway.ServiceOption{
		gateway.WithCatalog(catalog),
		gateway.WithPrometheus(reg),
	}

	if cfg.Auth.JWTSecret != "" {
		opts = append(opts, gateway.WithAuthenticator(
			gateway.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL),
		))
	} else {
		log.Warn().Msg("JWT_SECRET not set, operator commands are unauthenticated")
	}

	var sink *journal.Postgres
	if db != nil {
		sink = journal.NewPostgres(db, journal.DefaultPostgresConfig())
		opts = append(opts, gateway.WithJournalSink(sink), gateway.WithJournalStore(sink))
	}

	return gateway.NewService(gwCfg, opts...), sink
}
