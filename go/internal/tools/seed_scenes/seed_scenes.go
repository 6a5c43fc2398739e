package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcdev12/vrsync/go/internal/config"
	"github.com/mcdev12/vrsync/go/internal/scenes"
)

const createScenesSQL = `
CREATE TABLE IF NOT EXISTS scenes (
  id           TEXT PRIMARY KEY,
  title        TEXT NOT NULL,
  description  TEXT NOT NULL DEFAULT '',
  media        JSONB NOT NULL DEFAULT '{}'::jsonb,
  duration_sec INTEGER NOT NULL DEFAULT 0,
  sort_order   INTEGER NOT NULL DEFAULT 0
)`

func main() {
	path := "config/scenes.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	// 1) Load the manifest
	catalog, err := scenes.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load manifest: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using the server's database settings
	ctx := context.Background()
	cfg, err := config.Load(os.Getenv("VRSYNC_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, createScenesSQL); err != nil {
		fmt.Fprintf(os.Stderr, "create table: %v\n", err)
		os.Exit(1)
	}

	// 3) Upsert and count
	var (
		total    = catalog.Len()
		upserted int
		errs     int
	)

	for _, s := range catalog.All() {
		media := s.Media
		if media == nil {
			media = map[string]string{}
		}
		_, err := pool.Exec(ctx, `
            INSERT INTO scenes (id, title, description, media, duration_sec, sort_order)
            VALUES ($1,$2,$3,$4,$5,$6)
            ON CONFLICT (id) DO UPDATE SET
              title = EXCLUDED.title,
              description = EXCLUDED.description,
              media = EXCLUDED.media,
              duration_sec = EXCLUDED.duration_sec,
              sort_order = EXCLUDED.sort_order
        `,
			s.ID, s.Title, s.Description, media, s.DurationSec, s.Order,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error upserting scene %s: %v\n", s.ID, err)
			errs++
			continue
		}
		upserted++
	}

	// 4) Print summary
	fmt.Printf(
		"Scenes seed complete: %d total, %d upserted, %d errors\n",
		total, upserted, errs,
	)
}
