package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// TopicStore implements pipeline.TopicStore on Postgres.
type TopicStore struct {
	pool querier
}

// NewTopicStore constructs a TopicStore over an existing pool.
func NewTopicStore(pool querier) (*TopicStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TopicStore{pool: pool}, nil
}

// SaveHeadlines snapshots the raw hot-list for a date. Re-extraction on the
// same date overwrites the snapshot rank by rank.
func (s *TopicStore) SaveHeadlines(ctx context.Context, date pipeline.RunDate, headlines []pipeline.Headline) error {
	for _, h := range headlines {
		_, err := s.pool.Exec(ctx, `
INSERT INTO headlines (run_date, source, rank, title, url)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (run_date, source, rank) DO UPDATE SET
	title = EXCLUDED.title,
	url = EXCLUDED.url`,
			string(date), h.Source, h.Rank, h.Title, h.URL,
		)
		if err != nil {
			return persistenceErr("save headline", err)
		}
	}
	return nil
}

// SaveTopics persists the extracted topic set for a date. Topics are
// immutable, so a replay of the same id is a no-op.
func (s *TopicStore) SaveTopics(ctx context.Context, date pipeline.RunDate, topics []pipeline.Topic) error {
	for _, topic := range topics {
		keywords, err := json.Marshal(topic.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		_, err = s.pool.Exec(ctx, `
INSERT INTO topics (id, run_date, headline, source, source_rank, keywords, discovered_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO NOTHING`,
			topic.ID, string(date), topic.Headline, topic.Source, topic.SourceRank, keywords, topic.DiscoveredAt,
		)
		if err != nil {
			return persistenceErr("save topic", err)
		}
	}
	return nil
}

// TopicsForDate loads a date's topics in source-rank order.
func (s *TopicStore) TopicsForDate(ctx context.Context, date pipeline.RunDate) ([]pipeline.Topic, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, headline, source, source_rank, keywords, discovered_at
FROM topics WHERE run_date = $1 ORDER BY source_rank`, string(date))
	if err != nil {
		return nil, persistenceErr("load topics", err)
	}
	defer rows.Close()

	var topics []pipeline.Topic
	for rows.Next() {
		var (
			t        pipeline.Topic
			keywords []byte
		)
		if err := rows.Scan(&t.ID, &t.Headline, &t.Source, &t.SourceRank, &keywords, &t.DiscoveredAt); err != nil {
			return nil, persistenceErr("scan topic", err)
		}
		if len(keywords) > 0 {
			if err := json.Unmarshal(keywords, &t.Keywords); err != nil {
				return nil, fmt.Errorf("unmarshal keywords: %w", err)
			}
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("load topics", err)
	}
	return topics, nil
}

// RecentKeywords merges the keywords of the trailing window, newest run
// first, deduplicated by text.
func (s *TopicStore) RecentKeywords(ctx context.Context, until pipeline.RunDate, days int) ([]pipeline.Keyword, error) {
	if days <= 0 {
		return nil, nil
	}
	untilTime, err := time.Parse("2006-01-02", string(until))
	if err != nil {
		return nil, fmt.Errorf("bad run date %q: %w", until, err)
	}
	since := pipeline.RunDateOf(untilTime.AddDate(0, 0, -days))

	rows, err := s.pool.Query(ctx, `
SELECT keywords FROM topics
WHERE run_date >= $1 AND run_date <= $2
ORDER BY run_date DESC, source_rank`, string(since), string(until))
	if err != nil {
		return nil, persistenceErr("recent keywords", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var out []pipeline.Keyword
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, persistenceErr("scan keywords", err)
		}
		var kws []pipeline.Keyword
		if err := json.Unmarshal(raw, &kws); err != nil {
			return nil, fmt.Errorf("unmarshal keywords: %w", err)
		}
		for _, kw := range kws {
			if _, dup := seen[kw.Text]; dup {
				continue
			}
			seen[kw.Text] = struct{}{}
			out = append(out, kw)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("recent keywords", err)
	}
	return out, nil
}
