// Package postgres provides Postgres-backed run and topic state stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// Config controls the shared connection pool for run and topic state.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from the config. Run and topic stores share it.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	return pool, nil
}

// RunStore implements pipeline.RunStore on Postgres.
type RunStore struct {
	pool querier
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool querier) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateRun inserts the run row. A second create for the same date fails on
// the primary key, which keeps one run per date.
func (s *RunStore) CreateRun(ctx context.Context, run pipeline.CrawlRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO crawl_runs (run_date, state, started_at, finished_at, summary)
VALUES ($1,$2,$3,$4,$5)`,
		string(run.RunDate), string(run.State), run.StartedAt, run.FinishedAt, summary,
	)
	if err != nil {
		return persistenceErr("create run", err)
	}
	return nil
}

// GetRun loads the run for a date.
func (s *RunStore) GetRun(ctx context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error) {
	var (
		run     pipeline.CrawlRun
		runDate string
		state   string
		summary []byte
	)
	row := s.pool.QueryRow(ctx, `
SELECT run_date, state, started_at, finished_at, summary
FROM crawl_runs WHERE run_date = $1`, string(date))
	if err := row.Scan(&runDate, &state, &run.StartedAt, &run.FinishedAt, &summary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.CrawlRun{}, pipeline.ErrRunNotFound
		}
		return pipeline.CrawlRun{}, persistenceErr("get run", err)
	}
	run.RunDate = pipeline.RunDate(runDate)
	run.State = pipeline.RunState(state)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &run.Summary); err != nil {
			return pipeline.CrawlRun{}, fmt.Errorf("unmarshal summary: %w", err)
		}
	}
	return run, nil
}

// UpdateRun overwrites the run's mutable fields.
func (s *RunStore) UpdateRun(ctx context.Context, run pipeline.CrawlRun) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_runs SET state = $2, finished_at = $3, summary = $4
WHERE run_date = $1`,
		string(run.RunDate), string(run.State), run.FinishedAt, summary,
	)
	if err != nil {
		return persistenceErr("update run", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrRunNotFound
	}
	return nil
}

// SaveTask upserts one task row keyed on its id.
func (s *RunStore) SaveTask(ctx context.Context, task pipeline.CrawlTask) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_tasks (
	id, run_date, keyword, topic_id, platform, state,
	attempt_count, next_eligible_at, heartbeat_at, item_count,
	last_error, last_error_class
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
	state = EXCLUDED.state,
	attempt_count = EXCLUDED.attempt_count,
	next_eligible_at = EXCLUDED.next_eligible_at,
	heartbeat_at = EXCLUDED.heartbeat_at,
	item_count = EXCLUDED.item_count,
	last_error = EXCLUDED.last_error,
	last_error_class = EXCLUDED.last_error_class`,
		task.ID, string(task.RunDate), task.Keyword, task.TopicID, string(task.Platform), string(task.State),
		task.AttemptCount, task.NextEligibleAt, task.HeartbeatAt, task.ItemCount,
		task.LastError, string(task.LastErrorClass),
	)
	if err != nil {
		return persistenceErr("save task", err)
	}
	return nil
}

// ListTasks returns every task of a run in creation order.
func (s *RunStore) ListTasks(ctx context.Context, date pipeline.RunDate) ([]pipeline.CrawlTask, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, run_date, keyword, topic_id, platform, state,
	attempt_count, next_eligible_at, heartbeat_at, item_count,
	last_error, last_error_class
FROM crawl_tasks WHERE run_date = $1 ORDER BY id`, string(date))
	if err != nil {
		return nil, persistenceErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []pipeline.CrawlTask
	for rows.Next() {
		var (
			t          pipeline.CrawlTask
			runDate    string
			platform   string
			state      string
			errorClass string
		)
		err := rows.Scan(&t.ID, &runDate, &t.Keyword, &t.TopicID, &platform, &state,
			&t.AttemptCount, &t.NextEligibleAt, &t.HeartbeatAt, &t.ItemCount,
			&t.LastError, &errorClass)
		if err != nil {
			return nil, persistenceErr("scan task", err)
		}
		t.RunDate = pipeline.RunDate(runDate)
		t.Platform = pipeline.Platform(platform)
		t.State = pipeline.TaskState(state)
		t.LastErrorClass = pipeline.ErrorClass(errorClass)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("list tasks", err)
	}
	return tasks, nil
}

// Heartbeat stamps liveness on a running task.
func (s *RunStore) Heartbeat(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE crawl_tasks SET heartbeat_at = $2 WHERE id = $1`, taskID, at)
	if err != nil {
		return persistenceErr("heartbeat", err)
	}
	return nil
}

func persistenceErr(op string, err error) error {
	return pipeline.NewError(pipeline.ClassPersistenceUnavailable, op, err)
}
