// Package pgsink mirrors find records into Postgres.
//
// The JSONL find log stays authoritative; the mirror is best effort and
// idempotent on (item_id, profile).
package pgsink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/vintwatch/watcher/internal/finds"
)

// Config for the mirror.
type Config struct {
	DSN        string
	Schema     string // default "public"
	MaxConns   int    // default 2
	ViaBouncer bool   // simple protocol for transaction-pooling bouncers
	BatchSize  int    // default 200
}

func (c *Config) defaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
}

// Sink writes finds to <schema>.vinted_finds.
type Sink struct {
	pool   *pgxpool.Pool
	cfg    Config
	table  string
	logger *slog.Logger
}

// Open connects the pool. It does not touch the schema; call EnsureSchema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Sink, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgsink: parse dsn: %w", err)
	}
	pcfg.MaxConns = int32(cfg.MaxConns)
	if cfg.ViaBouncer {
		pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgsink: connect: %w", err)
	}
	return &Sink{pool: pool, cfg: cfg, table: tableName(cfg.Schema), logger: logger}, nil
}

func tableName(schema string) string {
	return pgx.Identifier{schema, "vinted_finds"}.Sanitize()
}

func schemaSQL(table string) string {
	return `CREATE TABLE IF NOT EXISTS ` + table + ` (
	item_id         TEXT NOT NULL,
	profile         TEXT NOT NULL,
	find_id         TEXT NOT NULL,
	title           TEXT NOT NULL,
	price_numeric   DOUBLE PRECISION,
	price_str       TEXT NOT NULL,
	currency        TEXT NOT NULL,
	status          TEXT NOT NULL,
	size            TEXT NOT NULL,
	brand           TEXT NOT NULL,
	url             TEXT NOT NULL,
	photo_url       TEXT,
	item_ts         TIMESTAMPTZ,
	ts_source       TEXT NOT NULL,
	found_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (item_id, profile)
)`
}

func insertSQL(table string) string {
	return `INSERT INTO ` + table + `
	(item_id, profile, find_id, title, price_numeric, price_str, currency, status,
	 size, brand, url, photo_url, item_ts, ts_source, found_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (item_id, profile) DO NOTHING`
}

// args maps a record onto insertSQL's placeholders.
func args(r finds.Record) []any {
	var itemTS *time.Time
	if r.Timestamp > 0 {
		t := time.Unix(r.Timestamp, 0).UTC()
		itemTS = &t
	}
	sec := int64(r.FoundUnix)
	found := time.Unix(sec, int64((r.FoundUnix-float64(sec))*1e9)).UTC()
	return []any{
		r.ID, r.Profile, r.FindID, r.Title, r.PriceNumeric, r.PriceRaw, r.Currency, r.Status,
		r.Size, r.Brand, r.URL, r.PhotoURL, itemTS, r.TimestampSource, found,
	}
}

// EnsureSchema creates the table if needed.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.cfg.Schema}.Sanitize()); err != nil {
		return fmt.Errorf("pgsink: create schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL(s.table)); err != nil {
		return fmt.Errorf("pgsink: create table: %w", err)
	}
	return nil
}

// Insert batches recs and returns how many rows were new.
func (s *Sink) Insert(ctx context.Context, recs []finds.Record) (int, error) {
	total := 0
	q := insertSQL(s.table)
	for i := 0; i < len(recs); i += s.cfg.BatchSize {
		j := min(i+s.cfg.BatchSize, len(recs))
		b := &pgx.Batch{}
		count := 0
		for _, r := range recs[i:j] {
			if strings.TrimSpace(r.ID) == "" {
				continue
			}
			b.Queue(q, args(r)...)
			count++
		}
		br := s.pool.SendBatch(ctx, b)
		for k := 0; k < count; k++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return total, fmt.Errorf("pgsink: insert: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("pgsink: close batch: %w", err)
		}
	}
	s.logger.Debug("pgsink: mirrored", "table", s.table, "records", len(recs), "inserted", total)
	return total, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.pool.Close()
}
