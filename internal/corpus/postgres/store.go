// Package postgres provides the Postgres-backed corpus store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for corpus rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Store implements pipeline.CorpusStore on Postgres. Upserts key on the
// content fingerprint; provenance rows are append-only.
type Store struct {
	pool  querier
	table string
}

// New creates a Postgres-backed corpus store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "corpus_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, table: table}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for
// testing).
func NewWithPool(pool querier, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "corpus_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Upsert writes an item keyed on its fingerprint. A re-crawl of an unchanged
// item touches only last_seen_at; an edited body bumps the row in place. The
// first fetched_at is preserved forever.
func (s *Store) Upsert(ctx context.Context, item pipeline.RawItem) (pipeline.UpsertOutcome, error) {
	if item.NativeID == "" {
		return "", pipeline.NewPlatformError(pipeline.ClassMalformedResponse, "corpus upsert", item.Platform,
			fmt.Errorf("item has no native id"))
	}
	fp := pipeline.FingerprintOf(item)
	mediaJSON, err := json.Marshal(item.MediaRefs)
	if err != nil {
		return "", fmt.Errorf("marshal media refs: %w", err)
	}

	// xmax = 0 distinguishes a fresh insert from a conflict-update within
	// the statement itself, so two racing first observers can never both
	// report Inserted. The pre-upsert body snapshot only settles Updated
	// versus Unchanged.
	query := fmt.Sprintf(`
WITH existing AS (
	SELECT body FROM %[1]s WHERE fingerprint = $1
), upserted AS (
	INSERT INTO %[1]s (
		fingerprint, platform, native_id, parent_id, author_id,
		body, media_refs, posted_at, first_fetched_at, last_seen_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
	ON CONFLICT (fingerprint) DO UPDATE SET
		body = EXCLUDED.body,
		media_refs = EXCLUDED.media_refs,
		last_seen_at = EXCLUDED.last_seen_at
	RETURNING (xmax = 0) AS inserted
)
SELECT (SELECT inserted FROM upserted), COALESCE((SELECT body FROM existing), '')`, s.table)

	var (
		inserted bool
		oldBody  string
	)
	row := s.pool.QueryRow(ctx, query,
		string(fp), string(item.Platform), item.NativeID, item.ParentID, item.AuthorID,
		item.Body, mediaJSON, item.PostedAt, item.FetchedAt,
	)
	if err := row.Scan(&inserted, &oldBody); err != nil {
		return "", pipeline.NewPlatformError(pipeline.ClassPersistenceUnavailable, "corpus upsert", item.Platform,
			fmt.Errorf("upsert item: %w", err))
	}

	switch {
	case inserted:
		return pipeline.Inserted, nil
	case oldBody != item.Body:
		return pipeline.Updated, nil
	default:
		return pipeline.Unchanged, nil
	}
}

// AddProvenance appends one provenance link. Duplicate links from retried
// tasks collapse on the unique key.
func (s *Store) AddProvenance(ctx context.Context, p pipeline.Provenance) error {
	query := fmt.Sprintf(`
INSERT INTO %s_provenance (fingerprint, topic_id, keyword, platform, run_date)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT DO NOTHING`, s.table)

	_, err := s.pool.Exec(ctx, query,
		string(p.Fingerprint), p.TopicID, p.Keyword, string(p.Platform), string(p.RunDate),
	)
	if err != nil {
		return pipeline.NewPlatformError(pipeline.ClassPersistenceUnavailable, "corpus provenance", p.Platform,
			fmt.Errorf("insert provenance: %w", err))
	}
	return nil
}
