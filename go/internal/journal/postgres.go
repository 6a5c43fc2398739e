package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sync_journal (
    id            BIGSERIAL PRIMARY KEY,
    kind          TEXT        NOT NULL,
    connection_id TEXT        NOT NULL DEFAULT '',
    device_id     TEXT        NOT NULL DEFAULT '',
    detail        TEXT        NOT NULL DEFAULT '',
    payload       JSONB,
    created_at    TIMESTAMPTZ NOT NULL
)`

const insertEntrySQL = `
INSERT INTO sync_journal (kind, connection_id, device_id, detail, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

const recentEntriesSQL = `
SELECT id, kind, connection_id, device_id, detail, payload, created_at
FROM sync_journal
ORDER BY id DESC
LIMIT $1`

// PostgresConfig tunes the asynchronous Postgres sink.
type PostgresConfig struct {
	BufferSize   int
	WriteTimeout time.Duration
}

func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		BufferSize:   256,
		WriteTimeout: 2 * time.Second,
	}
}

// Postgres persists entries to the sync_journal table. Record only enqueues;
// Run performs the inserts. Entries are dropped when the queue is full.
type Postgres struct {
	db    *sql.DB
	cfg   PostgresConfig
	queue chan Entry
}

func NewPostgres(db *sql.DB, cfg PostgresConfig) *Postgres {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultPostgresConfig().BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultPostgresConfig().WriteTimeout
	}
	return &Postgres{
		db:    db,
		cfg:   cfg,
		queue: make(chan Entry, cfg.BufferSize),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create sync_journal: %w", err)
	}
	return nil
}

func (p *Postgres) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case p.queue <- e:
	default:
		log.Warn().Str("kind", string(e.Kind)).Msg("journal queue full, dropping entry")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *Postgres) Run(ctx context.Context) {
	log.Info().Int("buffer", p.cfg.BufferSize).Msg("postgres journal writer started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("postgres journal writer stopped")
			return
		case e := <-p.queue:
			if err := p.insert(ctx, e); err != nil {
				log.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to persist journal entry")
			}
		}
	}
}

func (p *Postgres) insert(ctx context.Context, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancel()

	payload := pqtype.NullRawMessage{RawMessage: e.Payload, Valid: len(e.Payload) > 0}
	_, err := p.db.ExecContext(ctx, insertEntrySQL,
		string(e.Kind), e.ConnectionID, e.DeviceID, e.Detail, payload, e.At)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent reads the newest persisted entries, oldest first.
func (p *Postgres) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, recentEntriesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			id      int64
			kind    string
			e       Entry
			payload pqtype.NullRawMessage
		)
		if err := rows.Scan(&id, &kind, &e.ConnectionID, &e.DeviceID, &e.Detail, &payload, &e.At); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		e.Seq = uint64(id)
		e.Kind = Kind(kind)
		if payload.Valid {
			e.Payload = json.RawMessage(payload.RawMessage)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
