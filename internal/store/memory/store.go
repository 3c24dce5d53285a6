// Package memory provides in-memory run and topic stores for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/siftlabs/sentiment-crawler/internal/pipeline"
)

// RunStore implements pipeline.RunStore in memory.
type RunStore struct {
	mu    sync.Mutex
	runs  map[pipeline.RunDate]pipeline.CrawlRun
	tasks map[string]pipeline.CrawlTask
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[pipeline.RunDate]pipeline.CrawlRun),
		tasks: make(map[string]pipeline.CrawlTask),
	}
}

// CreateRun stores a new run; a duplicate date is rejected.
func (s *RunStore) CreateRun(_ context.Context, run pipeline.CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunDate]; exists {
		return pipeline.NewError(pipeline.ClassUnknown, "create run",
			errRunExists(run.RunDate))
	}
	s.runs[run.RunDate] = run
	return nil
}

// GetRun loads the run for a date.
func (s *RunStore) GetRun(_ context.Context, date pipeline.RunDate) (pipeline.CrawlRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[date]
	if !ok {
		return pipeline.CrawlRun{}, pipeline.ErrRunNotFound
	}
	return run, nil
}

// UpdateRun overwrites an existing run.
func (s *RunStore) UpdateRun(_ context.Context, run pipeline.CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunDate]; !ok {
		return pipeline.ErrRunNotFound
	}
	s.runs[run.RunDate] = run
	return nil
}

// SaveTask upserts a task keyed on its id.
func (s *RunStore) SaveTask(_ context.Context, task pipeline.CrawlTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

// ListTasks returns a date's tasks ordered by id.
func (s *RunStore) ListTasks(_ context.Context, date pipeline.RunDate) ([]pipeline.CrawlTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.CrawlTask
	for _, t := range s.tasks {
		if t.RunDate == date {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Heartbeat stamps liveness on a task.
func (s *RunStore) Heartbeat(_ context.Context, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	t.HeartbeatAt = at
	s.tasks[taskID] = t
	return nil
}

type errRunExists pipeline.RunDate

func (e errRunExists) Error() string { return "run already exists for " + string(e) }

// TopicStore implements pipeline.TopicStore in memory.
type TopicStore struct {
	mu        sync.Mutex
	headlines map[pipeline.RunDate][]pipeline.Headline
	topics    map[pipeline.RunDate][]pipeline.Topic
}

// NewTopicStore creates an empty TopicStore.
func NewTopicStore() *TopicStore {
	return &TopicStore{
		headlines: make(map[pipeline.RunDate][]pipeline.Headline),
		topics:    make(map[pipeline.RunDate][]pipeline.Topic),
	}
}

// SaveHeadlines snapshots the hot-list for a date.
func (s *TopicStore) SaveHeadlines(_ context.Context, date pipeline.RunDate, headlines []pipeline.Headline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headlines[date] = append([]pipeline.Headline(nil), headlines...)
	return nil
}

// Headlines returns the snapshot for a date.
func (s *TopicStore) Headlines(date pipeline.RunDate) []pipeline.Headline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Headline(nil), s.headlines[date]...)
}

// SaveTopics persists the topic set for a date, skipping known ids.
func (s *TopicStore) SaveTopics(_ context.Context, date pipeline.RunDate, topics []pipeline.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]struct{}, len(s.topics[date]))
	for _, t := range s.topics[date] {
		known[t.ID] = struct{}{}
	}
	for _, t := range topics {
		if _, dup := known[t.ID]; dup {
			continue
		}
		s.topics[date] = append(s.topics[date], t)
	}
	return nil
}

// TopicsForDate loads a date's topics in source-rank order.
func (s *TopicStore) TopicsForDate(_ context.Context, date pipeline.RunDate) ([]pipeline.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]pipeline.Topic(nil), s.topics[date]...)
	sort.Slice(out, func(i, j int) bool { return out[i].SourceRank < out[j].SourceRank })
	return out, nil
}

// RecentKeywords merges deduplicated keywords from the trailing window,
// newest run first.
func (s *TopicStore) RecentKeywords(_ context.Context, until pipeline.RunDate, days int) ([]pipeline.Keyword, error) {
	if days <= 0 {
		return nil, nil
	}
	untilTime, err := time.Parse("2006-01-02", string(until))
	if err != nil {
		return nil, err
	}
	since := pipeline.RunDateOf(untilTime.AddDate(0, 0, -days))

	s.mu.Lock()
	defer s.mu.Unlock()
	var dates []pipeline.RunDate
	for d := range s.topics {
		if d >= since && d <= until {
			dates = append(dates, d)
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] > dates[j] })

	seen := make(map[string]struct{})
	var out []pipeline.Keyword
	for _, d := range dates {
		topics := append([]pipeline.Topic(nil), s.topics[d]...)
		sort.Slice(topics, func(i, j int) bool { return topics[i].SourceRank < topics[j].SourceRank })
		for _, t := range topics {
			for _, kw := range t.Keywords {
				if _, dup := seen[kw.Text]; dup {
					continue
				}
				seen[kw.Text] = struct{}{}
				out = append(out, kw)
			}
		}
	}
	return out, nil
}
